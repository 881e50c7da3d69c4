package embeddings

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/matcher"
	"github.com/your-org/grapic/internal/models"
)

// LinearStore scans every face of the event on each query. It is the
// reference behaviour the indexed backends are compared against.
type LinearStore struct {
	repo Repository
	dim  int
}

func NewLinearStore(repo Repository, dim int) *LinearStore {
	return &LinearStore{repo: repo, dim: dim}
}

func (s *LinearStore) Store(ctx context.Context, photoID, eventID uuid.UUID, vector []float32, box models.Box) (uuid.UUID, error) {
	e, err := insert(ctx, s.repo, s.dim, photoID, eventID, vector, box)
	if err != nil {
		return uuid.Nil, err
	}
	return e.ID, nil
}

func (s *LinearStore) QuerySimilar(ctx context.Context, eventID uuid.UUID, query []float32, threshold float64, limit int) ([]matcher.Match, error) {
	if err := checkDimension(query, s.dim); err != nil {
		return nil, &QueryError{EventID: eventID, Err: err}
	}
	rows, err := s.repo.ListEmbeddings(ctx, eventID)
	if err != nil {
		return nil, &QueryError{EventID: eventID, Err: err}
	}
	return matcher.Rank(query, candidates(rows), threshold, normalizeLimit(limit)), nil
}

func (s *LinearStore) DeleteByPhoto(ctx context.Context, _, photoID uuid.UUID) error {
	if err := s.repo.DeleteEmbeddingsByPhoto(ctx, photoID); err != nil {
		return fmt.Errorf("delete embeddings of photo %s: %w", photoID, err)
	}
	return nil
}

func (s *LinearStore) DeleteByEvent(ctx context.Context, eventID uuid.UUID) error {
	if err := s.repo.DeleteEmbeddingsByEvent(ctx, eventID); err != nil {
		return fmt.Errorf("delete embeddings of event %s: %w", eventID, err)
	}
	return nil
}

// IndexedStore delegates search to a repository with its own vector index
// (pgvector ivfflat). The index is maintained by the database on insert.
type IndexedStore struct {
	*LinearStore
	searcher Searcher
}

func NewIndexedStore(repo Repository, searcher Searcher, dim int) *IndexedStore {
	return &IndexedStore{LinearStore: NewLinearStore(repo, dim), searcher: searcher}
}

func (s *IndexedStore) QuerySimilar(ctx context.Context, eventID uuid.UUID, query []float32, threshold float64, limit int) ([]matcher.Match, error) {
	if err := checkDimension(query, s.dim); err != nil {
		return nil, &QueryError{EventID: eventID, Err: err}
	}
	if isZero(query) {
		return []matcher.Match{}, nil
	}
	limit = normalizeLimit(limit)
	matches, err := s.searcher.SearchEmbeddings(ctx, eventID, query, threshold, limit)
	if err != nil {
		return nil, &QueryError{EventID: eventID, Err: err}
	}
	return matcher.Collapse(matches, limit), nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
