//go:build integration

package storage

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/your-org/grapic/internal/config"
	"github.com/your-org/grapic/internal/embeddings"
	"github.com/your-org/grapic/internal/models"
)

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "grapic",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	s, err := NewPostgresStore(config.DatabaseConfig{
		Host: host, Port: port.Int(), Name: "grapic", User: "test", Password: "test", MaxConns: 5,
	})
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(s.Close)

	if _, err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func TestPostgresStore(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	t.Run("migrations are idempotent", func(t *testing.T) {
		applied, err := s.Migrate(ctx)
		if err != nil || len(applied) != 0 {
			t.Errorf("second Migrate = %v, %v, want nothing applied", applied, err)
		}
	})

	ev := &models.Event{Name: "Wedding", AccessCode: "PG" + strconv.Itoa(int(time.Now().Unix()%1000))}
	if err := s.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	var photos []*models.Photo
	for i := range 3 {
		p := &models.Photo{EventID: ev.ID, Filename: fmt.Sprintf("%d.jpg", i)}
		if err := s.CreatePhoto(ctx, p); err != nil {
			t.Fatalf("CreatePhoto: %v", err)
		}
		photos = append(photos, p)
	}

	t.Run("claim is exclusive", func(t *testing.T) {
		prev, ok, err := s.ClaimPhoto(ctx, photos[0].ID, time.Now())
		if err != nil || !ok || prev.Status != models.PhotoStatusPending {
			t.Fatalf("ClaimPhoto = %v, %v, %v", prev, ok, err)
		}
		if _, ok, _ := s.ClaimPhoto(ctx, photos[0].ID, time.Now()); ok {
			t.Error("second claim succeeded")
		}
		if err := s.CompletePhoto(ctx, photos[0].ID, 1, 12*time.Millisecond); err != nil {
			t.Fatalf("CompletePhoto: %v", err)
		}
	})

	t.Run("pgvector search", func(t *testing.T) {
		store, err := embeddings.New(embeddings.Options{Backend: embeddings.BackendPGVector, Dimension: 512}, s)
		if err != nil {
			t.Fatal(err)
		}
		// photo 0 holds two faces, one exact and one weaker match.
		if _, err := store.Store(ctx, photos[0].ID, ev.ID, unit(512, 0), models.Box{W: 10, H: 10}); err != nil {
			t.Fatalf("Store: %v", err)
		}
		weak := unit(512, 0)
		weak[1] = 1
		if _, err := store.Store(ctx, photos[0].ID, ev.ID, weak, models.Box{}); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Store(ctx, photos[1].ID, ev.ID, unit(512, 1), models.Box{}); err != nil {
			t.Fatal(err)
		}

		matches, err := store.QuerySimilar(ctx, ev.ID, unit(512, 0), 0.5, 10)
		if err != nil {
			t.Fatalf("QuerySimilar: %v", err)
		}
		if len(matches) != 1 || matches[0].PhotoID != photos[0].ID {
			t.Fatalf("matches = %+v, want only photo 0", matches)
		}
		if matches[0].Similarity < 0.999 {
			t.Errorf("similarity = %v, want ~1", matches[0].Similarity)
		}

		if m, _ := store.QuerySimilar(ctx, uuid.New(), unit(512, 0), 0.1, 10); len(m) != 0 {
			t.Errorf("other event returned %d matches", len(m))
		}
	})

	t.Run("match log", func(t *testing.T) {
		for _, sim := range []float64{0.95, 0.45} {
			if err := s.InsertMatch(ctx, &models.MatchRecord{EventID: ev.ID, PhotoID: photos[0].ID, Similarity: sim, Threshold: 0.4}); err != nil {
				t.Fatalf("InsertMatch: %v", err)
			}
		}
		sims, err := s.ListMatchSimilarities(ctx, ev.ID)
		if err != nil || len(sims) != 2 {
			t.Errorf("ListMatchSimilarities = %v, %v", sims, err)
		}
	})

	t.Run("delete cascades", func(t *testing.T) {
		if err := s.DeleteEvent(ctx, ev.ID); err != nil {
			t.Fatalf("DeleteEvent: %v", err)
		}
		if rows, _ := s.ListEmbeddings(ctx, ev.ID); len(rows) != 0 {
			t.Errorf("embeddings after delete = %d", len(rows))
		}
		if sims, _ := s.ListMatchSimilarities(ctx, ev.ID); len(sims) != 0 {
			t.Errorf("match log after delete = %d", len(sims))
		}
	})
}
