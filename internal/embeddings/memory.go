package embeddings

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/models"
)

// MemoryRepository keeps embedding rows in process memory, in insertion order.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows []models.FaceEmbedding
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) InsertEmbedding(_ context.Context, e *models.FaceEmbedding) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	r.mu.Lock()
	r.rows = append(r.rows, *e)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) ListEmbeddings(_ context.Context, eventID uuid.UUID) ([]models.FaceEmbedding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.FaceEmbedding
	for _, row := range r.rows {
		if row.EventID == eventID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *MemoryRepository) EmbeddingStamp(_ context.Context, eventID uuid.UUID) (Stamp, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var st Stamp
	for _, row := range r.rows {
		if row.EventID != eventID {
			continue
		}
		st.Count++
		if row.CreatedAt.After(st.Latest) {
			st.Latest = row.CreatedAt
		}
	}
	return st, nil
}

func (r *MemoryRepository) DeleteEmbeddingsByPhoto(_ context.Context, photoID uuid.UUID) error {
	r.mu.Lock()
	r.rows = slices.DeleteFunc(r.rows, func(e models.FaceEmbedding) bool { return e.PhotoID == photoID })
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) DeleteEmbeddingsByEvent(_ context.Context, eventID uuid.UUID) error {
	r.mu.Lock()
	r.rows = slices.DeleteFunc(r.rows, func(e models.FaceEmbedding) bool { return e.EventID == eventID })
	r.mu.Unlock()
	return nil
}
