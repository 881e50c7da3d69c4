// Package embeddings stores face vectors per event and answers nearest-photo
// queries against them.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/matcher"
	"github.com/your-org/grapic/internal/models"
)

// DefaultLimit caps the number of photos a query returns.
const DefaultLimit = 1000

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// StoreWriteError means an embedding was not persisted. The photo it belongs
// to must not be marked done.
type StoreWriteError struct {
	PhotoID uuid.UUID
	Err     error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store embedding for photo %s: %v", e.PhotoID, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// QueryError means the store could not answer. It is never reported as an
// empty result.
type QueryError struct {
	EventID uuid.UUID
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query embeddings for event %s: %v", e.EventID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Store is the per-event embedding store. Implementations must tolerate
// inserts running concurrently with queries.
type Store interface {
	// Store persists one face and returns its id. Not idempotent: calling it
	// twice stores two rows.
	Store(ctx context.Context, photoID, eventID uuid.UUID, vector []float32, box models.Box) (uuid.UUID, error)
	// QuerySimilar returns photos of eventID whose best face has similarity
	// >= threshold, best first, at most limit (DefaultLimit when limit <= 0).
	QuerySimilar(ctx context.Context, eventID uuid.UUID, query []float32, threshold float64, limit int) ([]matcher.Match, error)
	DeleteByPhoto(ctx context.Context, eventID, photoID uuid.UUID) error
	DeleteByEvent(ctx context.Context, eventID uuid.UUID) error
}

// Stamp summarizes the embedding rows of one event. Any insert or delete by
// any process changes it.
type Stamp struct {
	Count  int64
	Latest time.Time
}

// Equal reports whether two stamps describe the same set of rows.
func (s Stamp) Equal(o Stamp) bool {
	return s.Count == o.Count && s.Latest.Equal(o.Latest)
}

// Repository is the durable home of embedding rows. InsertEmbedding sets
// e.CreatedAt to the value EmbeddingStamp reports.
type Repository interface {
	InsertEmbedding(ctx context.Context, e *models.FaceEmbedding) error
	ListEmbeddings(ctx context.Context, eventID uuid.UUID) ([]models.FaceEmbedding, error)
	EmbeddingStamp(ctx context.Context, eventID uuid.UUID) (Stamp, error)
	DeleteEmbeddingsByPhoto(ctx context.Context, photoID uuid.UUID) error
	DeleteEmbeddingsByEvent(ctx context.Context, eventID uuid.UUID) error
}

// Searcher is a repository that can run the similarity search itself, such as
// a database with a vector index.
type Searcher interface {
	SearchEmbeddings(ctx context.Context, eventID uuid.UUID, query []float32, threshold float64, limit int) ([]matcher.Match, error)
}

const (
	BackendLinear   = "linear"
	BackendHNSW     = "hnsw"
	BackendPGVector = "pgvector"
)

// Options configures New.
type Options struct {
	Backend   string
	Dimension int
	HNSW      HNSWOptions
}

// New builds the store selected by opts.Backend on top of repo.
func New(opts Options, repo Repository) (Store, error) {
	switch opts.Backend {
	case "", BackendLinear:
		return NewLinearStore(repo, opts.Dimension), nil
	case BackendHNSW:
		return NewHNSWStore(repo, opts.Dimension, opts.HNSW), nil
	case BackendPGVector:
		searcher, ok := repo.(Searcher)
		if !ok {
			return nil, fmt.Errorf("backend %q needs a repository with vector search", opts.Backend)
		}
		return NewIndexedStore(repo, searcher, opts.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embeddings backend %q", opts.Backend)
	}
}

func checkDimension(vector []float32, dim int) error {
	if len(vector) == 0 || (dim > 0 && len(vector) != dim) {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), dim)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// insert validates and writes one row through repo.
func insert(ctx context.Context, repo Repository, dim int, photoID, eventID uuid.UUID, vector []float32, box models.Box) (*models.FaceEmbedding, error) {
	if err := checkDimension(vector, dim); err != nil {
		return nil, &StoreWriteError{PhotoID: photoID, Err: err}
	}
	e := &models.FaceEmbedding{
		ID:      uuid.New(),
		PhotoID: photoID,
		EventID: eventID,
		Vector:  append([]float32(nil), vector...),
		Box:     box,
	}
	if err := repo.InsertEmbedding(ctx, e); err != nil {
		return nil, &StoreWriteError{PhotoID: photoID, Err: err}
	}
	return e, nil
}

func candidates(rows []models.FaceEmbedding) []matcher.Candidate {
	out := make([]matcher.Candidate, len(rows))
	for i, r := range rows {
		out[i] = matcher.Candidate{EmbeddingID: r.ID, PhotoID: r.PhotoID, Vector: r.Vector}
	}
	return out
}
