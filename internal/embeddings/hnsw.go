package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/matcher"
	"github.com/your-org/grapic/internal/models"
)

// HNSWOptions tunes the in-memory graphs.
type HNSWOptions struct {
	M         int `yaml:"m"`
	EfSearch  int `yaml:"ef_search"`
	Overfetch int `yaml:"overfetch"`
}

func (o HNSWOptions) withDefaults() HNSWOptions {
	if o.M <= 1 {
		o.M = 16
	}
	if o.EfSearch <= 0 {
		o.EfSearch = 100
	}
	if o.Overfetch <= 0 {
		o.Overfetch = 3
	}
	return o
}

type eventIndex struct {
	graph  *hnsw.Graph[string]
	photos map[string]uuid.UUID
	dim    int
	// stamp is the repository state the graph reflects.
	stamp Stamp
}

// HNSWStore keeps one approximate nearest-neighbour graph per event in memory
// on top of a durable Repository. Graphs are built lazily on the first query
// of an event and updated on every local insert after that. Each query
// compares the repository stamp with the graph's and rebuilds when another
// process inserted or deleted rows. Candidates returned by the graph are
// re-scored exactly before ranking.
type HNSWStore struct {
	repo Repository
	dim  int
	opts HNSWOptions

	mu      sync.RWMutex
	indexes map[uuid.UUID]*eventIndex
}

func NewHNSWStore(repo Repository, dim int, opts HNSWOptions) *HNSWStore {
	return &HNSWStore{
		repo:    repo,
		dim:     dim,
		opts:    opts.withDefaults(),
		indexes: make(map[uuid.UUID]*eventIndex),
	}
}

func (s *HNSWStore) newIndex() *eventIndex {
	g := hnsw.NewGraph[string]()
	g.M = s.opts.M
	g.Ml = 1 / math.Log(float64(s.opts.M))
	g.EfSearch = s.opts.EfSearch
	g.Distance = hnsw.CosineDistance
	return &eventIndex{graph: g, photos: make(map[string]uuid.UUID)}
}

// add must be called with s.mu held for writing. It reports whether the row
// was new to the index; zero and mismatched vectors count as seen.
func (idx *eventIndex) add(e *models.FaceEmbedding) bool {
	key := e.ID.String()
	if _, dup := idx.photos[key]; dup {
		return false
	}
	if isZero(e.Vector) || (idx.dim != 0 && len(e.Vector) != idx.dim) {
		idx.photos[key] = uuid.Nil
		return true
	}
	if idx.dim == 0 {
		idx.dim = len(e.Vector)
	}
	idx.graph.Add(hnsw.MakeNode(key, e.Vector))
	idx.photos[key] = e.PhotoID
	return true
}

func (s *HNSWStore) Store(ctx context.Context, photoID, eventID uuid.UUID, vector []float32, box models.Box) (uuid.UUID, error) {
	e, err := insert(ctx, s.repo, s.dim, photoID, eventID, vector, box)
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	if idx, ok := s.indexes[eventID]; ok && idx.add(e) {
		idx.stamp.Count++
		if e.CreatedAt.After(idx.stamp.Latest) {
			idx.stamp.Latest = e.CreatedAt
		}
	}
	s.mu.Unlock()

	return e.ID, nil
}

// index returns the graph of an event, building it from the repository on
// first use and rebuilding it when the repository stamp moved on. The build
// holds the write lock so no local insert can slip between the repository
// read and the graph becoming visible.
func (s *HNSWStore) index(ctx context.Context, eventID uuid.UUID) (*eventIndex, error) {
	stamp, err := s.repo.EmbeddingStamp(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("read embedding stamp: %w", err)
	}

	s.mu.RLock()
	idx, ok := s.indexes[eventID]
	fresh := ok && idx.stamp.Equal(stamp)
	s.mu.RUnlock()
	if fresh {
		return idx, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indexes[eventID]; ok && idx.stamp.Equal(stamp) {
		return idx, nil
	}

	stamp, err = s.repo.EmbeddingStamp(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("read embedding stamp: %w", err)
	}
	rows, err := s.repo.ListEmbeddings(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	idx = s.newIndex()
	for i := range rows {
		idx.add(&rows[i])
	}
	idx.stamp = stamp
	s.indexes[eventID] = idx
	slog.Debug("hnsw index built", "event_id", eventID, "faces", idx.graph.Len(), "rows", stamp.Count)
	return idx, nil
}

func (s *HNSWStore) QuerySimilar(ctx context.Context, eventID uuid.UUID, query []float32, threshold float64, limit int) ([]matcher.Match, error) {
	if err := checkDimension(query, s.dim); err != nil {
		return nil, &QueryError{EventID: eventID, Err: err}
	}
	if isZero(query) {
		return []matcher.Match{}, nil
	}
	limit = normalizeLimit(limit)

	idx, err := s.index(ctx, eventID)
	if err != nil {
		return nil, &QueryError{EventID: eventID, Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := idx.graph.Len()
	if n == 0 || (idx.dim != 0 && idx.dim != len(query)) {
		return []matcher.Match{}, nil
	}
	k := min(n, limit*s.opts.Overfetch)
	neighbors := idx.graph.Search(query, k)

	cands := make([]matcher.Candidate, 0, len(neighbors))
	for _, nb := range neighbors {
		photoID, ok := idx.photos[nb.Key]
		if !ok || photoID == uuid.Nil {
			continue
		}
		cands = append(cands, matcher.Candidate{
			EmbeddingID: uuid.MustParse(nb.Key),
			PhotoID:     photoID,
			Vector:      nb.Value,
		})
	}
	return matcher.Rank(query, cands, threshold, limit), nil
}

// DeleteByPhoto removes the rows and drops the event graph; it is rebuilt
// without the photo on the next query.
func (s *HNSWStore) DeleteByPhoto(ctx context.Context, eventID, photoID uuid.UUID) error {
	if err := s.repo.DeleteEmbeddingsByPhoto(ctx, photoID); err != nil {
		return fmt.Errorf("delete embeddings of photo %s: %w", photoID, err)
	}
	s.Evict(eventID)
	return nil
}

func (s *HNSWStore) DeleteByEvent(ctx context.Context, eventID uuid.UUID) error {
	if err := s.repo.DeleteEmbeddingsByEvent(ctx, eventID); err != nil {
		return fmt.Errorf("delete embeddings of event %s: %w", eventID, err)
	}
	s.Evict(eventID)
	return nil
}

// Evict forgets the in-memory graph of an event.
func (s *HNSWStore) Evict(eventID uuid.UUID) {
	s.mu.Lock()
	delete(s.indexes, eventID)
	s.mu.Unlock()
}
