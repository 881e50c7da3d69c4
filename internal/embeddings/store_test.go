package embeddings

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/matcher"
	"github.com/your-org/grapic/internal/models"
)

func backends(dim int) map[string]func(Repository) Store {
	return map[string]func(Repository) Store{
		"linear": func(r Repository) Store { return NewLinearStore(r, dim) },
		"hnsw":   func(r Repository) Store { return NewHNSWStore(r, dim, HNSWOptions{}) },
	}
}

func TestStoreSelfSimilarity(t *testing.T) {
	for name, newStore := range backends(3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(NewMemoryRepository())
			event, photo := uuid.New(), uuid.New()
			vec := []float32{0.2, 0.5, 0.8}

			if _, err := s.Store(ctx, photo, event, vec, models.Box{}); err != nil {
				t.Fatalf("Store: %v", err)
			}
			got, err := s.QuerySimilar(ctx, event, vec, 0.4, 0)
			if err != nil {
				t.Fatalf("QuerySimilar: %v", err)
			}
			if len(got) != 1 || got[0].PhotoID != photo {
				t.Fatalf("QuerySimilar = %+v, want photo %s", got, photo)
			}
			if math.Abs(got[0].Similarity-1) > 1e-5 {
				t.Errorf("self similarity = %v, want ~1", got[0].Similarity)
			}
		})
	}
}

func TestStoreOrthogonalPhotos(t *testing.T) {
	for name, newStore := range backends(2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(NewMemoryRepository())
			event := uuid.New()
			photoA, photoB := uuid.New(), uuid.New()
			a, b := []float32{1, 0}, []float32{0, 1}

			if _, err := s.Store(ctx, photoA, event, a, models.Box{}); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Store(ctx, photoB, event, b, models.Box{}); err != nil {
				t.Fatal(err)
			}

			got, err := s.QuerySimilar(ctx, event, a, 0.4, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].PhotoID != photoA {
				t.Errorf("QuerySimilar(A) = %+v, want only photo A", got)
			}
		})
	}
}

func TestStoreDuplicateInsertCollapses(t *testing.T) {
	for name, newStore := range backends(2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(NewMemoryRepository())
			event, photo := uuid.New(), uuid.New()
			vec := []float32{0.6, 0.8}

			first, err := s.Store(ctx, photo, event, vec, models.Box{})
			if err != nil {
				t.Fatal(err)
			}
			second, err := s.Store(ctx, photo, event, vec, models.Box{})
			if err != nil {
				t.Fatal(err)
			}
			if first == second {
				t.Fatalf("Store returned the same id twice")
			}

			got, err := s.QuerySimilar(ctx, event, vec, 0.4, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 {
				t.Errorf("QuerySimilar returned %d results, want 1", len(got))
			}
		})
	}
}

func TestStoreEventIsolation(t *testing.T) {
	for name, newStore := range backends(2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(NewMemoryRepository())
			vec := []float32{1, 1}
			if _, err := s.Store(ctx, uuid.New(), uuid.New(), vec, models.Box{}); err != nil {
				t.Fatal(err)
			}
			got, err := s.QuerySimilar(ctx, uuid.New(), vec, 0.1, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 0 {
				t.Errorf("query of another event returned %+v", got)
			}
		})
	}
}

func TestStoreDimensionMismatch(t *testing.T) {
	for name, newStore := range backends(3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(NewMemoryRepository())

			_, err := s.Store(ctx, uuid.New(), uuid.New(), []float32{1, 2}, models.Box{})
			var writeErr *StoreWriteError
			if !errors.As(err, &writeErr) || !errors.Is(err, ErrDimensionMismatch) {
				t.Errorf("Store with wrong dimension err = %v, want StoreWriteError wrapping ErrDimensionMismatch", err)
			}

			_, err = s.QuerySimilar(ctx, uuid.New(), []float32{1}, 0.4, 0)
			var queryErr *QueryError
			if !errors.As(err, &queryErr) {
				t.Errorf("QuerySimilar with wrong dimension err = %v, want QueryError", err)
			}
		})
	}
}

func TestStoreZeroQueryReturnsEmpty(t *testing.T) {
	for name, newStore := range backends(2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(NewMemoryRepository())
			event := uuid.New()
			if _, err := s.Store(ctx, uuid.New(), event, []float32{1, 0}, models.Box{}); err != nil {
				t.Fatal(err)
			}
			got, err := s.QuerySimilar(ctx, event, []float32{0, 0}, 0, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 0 {
				t.Errorf("zero query returned %+v", got)
			}
		})
	}
}

func TestStoreDeleteByPhoto(t *testing.T) {
	for name, newStore := range backends(2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(NewMemoryRepository())
			event, keep, drop := uuid.New(), uuid.New(), uuid.New()
			vec := []float32{1, 0}
			for _, p := range []uuid.UUID{keep, drop} {
				if _, err := s.Store(ctx, p, event, vec, models.Box{}); err != nil {
					t.Fatal(err)
				}
			}
			// Load the index before deleting so eviction is exercised.
			if _, err := s.QuerySimilar(ctx, event, vec, 0.4, 0); err != nil {
				t.Fatal(err)
			}
			if err := s.DeleteByPhoto(ctx, event, drop); err != nil {
				t.Fatal(err)
			}
			got, err := s.QuerySimilar(ctx, event, vec, 0.4, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].PhotoID != keep {
				t.Errorf("after delete got %+v, want only %s", got, keep)
			}
		})
	}
}

type failingRepo struct{ MemoryRepository }

var errBoom = errors.New("boom")

func (*failingRepo) InsertEmbedding(context.Context, *models.FaceEmbedding) error { return errBoom }
func (*failingRepo) ListEmbeddings(context.Context, uuid.UUID) ([]models.FaceEmbedding, error) {
	return nil, errBoom
}

func TestStoreSurfacesRepositoryFailures(t *testing.T) {
	for name, newStore := range backends(2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(&failingRepo{})

			_, err := s.Store(ctx, uuid.New(), uuid.New(), []float32{1, 0}, models.Box{})
			var writeErr *StoreWriteError
			if !errors.As(err, &writeErr) || !errors.Is(err, errBoom) {
				t.Errorf("Store err = %v, want StoreWriteError wrapping errBoom", err)
			}

			got, err := s.QuerySimilar(ctx, uuid.New(), []float32{1, 0}, 0.4, 0)
			var queryErr *QueryError
			if !errors.As(err, &queryErr) {
				t.Errorf("QuerySimilar err = %v, want QueryError", err)
			}
			if got != nil {
				t.Errorf("QuerySimilar returned %+v alongside an error", got)
			}
		})
	}
}

func TestHNSWMatchesLinear(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	linear := NewLinearStore(repo, 8)
	graph := NewHNSWStore(repo, 8, HNSWOptions{})
	event := uuid.New()

	for i := 0; i < 20; i++ {
		vec := make([]float32, 8)
		vec[i%8] = 1
		vec[(i+1)%8] = float32(i%5) / 5
		if _, err := linear.Store(ctx, uuid.New(), event, vec, models.Box{}); err != nil {
			t.Fatal(err)
		}
	}

	query := []float32{1, 0.3, 0, 0, 0, 0, 0, 0}
	want, err := linear.QuerySimilar(ctx, event, query, 0.4, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := graph.QuerySimilar(ctx, event, query, 0.4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("hnsw returned %d photos, linear %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i].Similarity-want[i].Similarity) > 1e-6 {
			t.Errorf("result %d similarity = %v, want %v", i, got[i].Similarity, want[i].Similarity)
		}
	}
}

func TestHNSWConcurrentInsertAndQuery(t *testing.T) {
	ctx := context.Background()
	s := NewHNSWStore(NewMemoryRepository(), 4, HNSWOptions{})
	event := uuid.New()
	if _, err := s.Store(ctx, uuid.New(), event, []float32{1, 0, 0, 0}, models.Box{}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				vec := []float32{1, float32(w), float32(i), 1}
				if _, err := s.Store(ctx, uuid.New(), event, vec, models.Box{}); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if _, err := s.QuerySimilar(ctx, event, []float32{1, 0, 0, 0}, 0.1, 10); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if n := indexedFaces(s, event); n != 101 {
		t.Errorf("indexed %d faces, want 101", n)
	}
}

type stubSearcher struct {
	matches []matcher.Match
	err     error
	calls   int
}

func (s *stubSearcher) SearchEmbeddings(context.Context, uuid.UUID, []float32, float64, int) ([]matcher.Match, error) {
	s.calls++
	return s.matches, s.err
}

func TestIndexedStoreCollapsesAndWraps(t *testing.T) {
	ctx := context.Background()
	photo := uuid.New()
	searcher := &stubSearcher{matches: []matcher.Match{
		{PhotoID: photo, Similarity: 0.9},
		{PhotoID: photo, Similarity: 0.7},
	}}
	s := NewIndexedStore(NewMemoryRepository(), searcher, 2)

	got, err := s.QuerySimilar(ctx, uuid.New(), []float32{1, 0}, 0.4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Similarity != 0.9 {
		t.Errorf("QuerySimilar = %+v, want single 0.9 match", got)
	}

	if _, err := s.QuerySimilar(ctx, uuid.New(), []float32{0, 0}, 0.4, 0); err != nil {
		t.Fatal(err)
	}
	if searcher.calls != 1 {
		t.Errorf("zero query reached the searcher")
	}

	searcher.err = errBoom
	_, err = s.QuerySimilar(ctx, uuid.New(), []float32{1, 0}, 0.4, 0)
	var queryErr *QueryError
	if !errors.As(err, &queryErr) {
		t.Errorf("err = %v, want QueryError", err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	repo := NewMemoryRepository()
	tests := []struct {
		backend string
		wantErr bool
	}{
		{BackendLinear, false},
		{BackendHNSW, false},
		{BackendPGVector, true},
		{"faiss", true},
	}
	for _, tt := range tests {
		_, err := New(Options{Backend: tt.backend, Dimension: 2}, repo)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) err = %v, wantErr %v", tt.backend, err, tt.wantErr)
		}
	}
}

// indexedFaces returns the number of faces in the event graph, 0 if not built.
func indexedFaces(s *HNSWStore, eventID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx, ok := s.indexes[eventID]; ok {
		return idx.graph.Len()
	}
	return 0
}

func TestHNSWSeesWritesFromOtherStores(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	api := NewHNSWStore(repo, 2, HNSWOptions{})
	worker := NewHNSWStore(repo, 2, HNSWOptions{})
	event := uuid.New()
	photoA, photoB := uuid.New(), uuid.New()
	a, b := []float32{1, 0}, []float32{0, 1}

	if _, err := worker.Store(ctx, photoA, event, a, models.Box{}); err != nil {
		t.Fatal(err)
	}
	got, err := api.QuerySimilar(ctx, event, a, 0.5, 0)
	if err != nil || len(got) != 1 || got[0].PhotoID != photoA {
		t.Fatalf("query A = %+v, %v; want photo A", got, err)
	}

	// Inserted by the other store after the graph was built.
	if _, err := worker.Store(ctx, photoB, event, b, models.Box{}); err != nil {
		t.Fatal(err)
	}
	got, err = api.QuerySimilar(ctx, event, b, 0.5, 0)
	if err != nil || len(got) != 1 || got[0].PhotoID != photoB {
		t.Fatalf("query B = %+v, %v; want photo B", got, err)
	}

	// Deleted through the other store.
	if err := worker.DeleteByEvent(ctx, event); err != nil {
		t.Fatal(err)
	}
	got, err = api.QuerySimilar(ctx, event, a, 0.5, 0)
	if err != nil || len(got) != 0 {
		t.Errorf("query after delete = %+v, %v; want no matches", got, err)
	}
}

func TestHNSWLocalInsertKeepsGraph(t *testing.T) {
	ctx := context.Background()
	s := NewHNSWStore(NewMemoryRepository(), 2, HNSWOptions{})
	event := uuid.New()
	if _, err := s.Store(ctx, uuid.New(), event, []float32{1, 0}, models.Box{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.QuerySimilar(ctx, event, []float32{1, 0}, 0.5, 0); err != nil {
		t.Fatal(err)
	}
	s.mu.RLock()
	built := s.indexes[event]
	s.mu.RUnlock()

	if _, err := s.Store(ctx, uuid.New(), event, []float32{0, 1}, models.Box{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ctx, uuid.New(), event, []float32{0, 0}, models.Box{}); err != nil {
		t.Fatal(err)
	}
	got, err := s.QuerySimilar(ctx, event, []float32{0, 1}, 0.5, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("QuerySimilar = %+v, %v; want one match", got, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.indexes[event] != built {
		t.Error("graph was rebuilt after local inserts, want it updated in place")
	}
	if n := s.indexes[event].graph.Len(); n != 2 {
		t.Errorf("indexed %d faces, want 2 (zero vector skipped)", n)
	}
}

func TestMemoryRepositoryStamp(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	event, photo := uuid.New(), uuid.New()

	empty, err := repo.EmbeddingStamp(ctx, event)
	if err != nil || empty.Count != 0 || !empty.Latest.IsZero() {
		t.Fatalf("empty stamp = %+v, %v", empty, err)
	}
	e := &models.FaceEmbedding{ID: uuid.New(), PhotoID: photo, EventID: event, Vector: []float32{1}}
	if err := repo.InsertEmbedding(ctx, e); err != nil {
		t.Fatal(err)
	}
	one, _ := repo.EmbeddingStamp(ctx, event)
	if one.Count != 1 || !one.Latest.Equal(e.CreatedAt) {
		t.Errorf("stamp = %+v, want count 1 latest %s", one, e.CreatedAt)
	}
	if one.Equal(empty) {
		t.Error("stamp did not change after insert")
	}
	if err := repo.DeleteEmbeddingsByPhoto(ctx, photo); err != nil {
		t.Fatal(err)
	}
	if after, _ := repo.EmbeddingStamp(ctx, event); !after.Equal(empty) {
		t.Errorf("stamp after delete = %+v, want %+v", after, empty)
	}
}
