package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/embeddings"
	"github.com/your-org/grapic/internal/models"
)

// MemoryStore is a process-local Store for development and tests. It keeps
// no match log.
type MemoryStore struct {
	*embeddings.MemoryRepository

	mu     sync.Mutex
	events map[uuid.UUID]*models.Event
	photos map[uuid.UUID]*models.Photo
	seq    map[uuid.UUID]int
	next   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryRepository: embeddings.NewMemoryRepository(),
		events:           make(map[uuid.UUID]*models.Event),
		photos:           make(map[uuid.UUID]*models.Photo),
		seq:              make(map[uuid.UUID]int),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}

func (m *MemoryStore) order(id uuid.UUID) int {
	m.next++
	m.seq[id] = m.next
	return m.next
}

func (m *MemoryStore) CreateEvent(_ context.Context, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	for _, other := range m.events {
		if other.AccessCode == ev.AccessCode {
			return fmt.Errorf("create event: access code %q already used", ev.AccessCode)
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	cp := *ev
	m.events[ev.ID] = &cp
	m.order(ev.ID)
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id uuid.UUID) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("get event: %w", ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) GetEventByCode(_ context.Context, code string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.AccessCode == code {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get event: %w", ErrNotFound)
}

func (m *MemoryStore) sortedEvents() []models.Event {
	out := make([]models.Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, *ev)
	}
	slices.SortFunc(out, func(a, b models.Event) int { return cmp.Compare(m.seq[b.ID], m.seq[a.ID]) })
	return out
}

func (m *MemoryStore) ListEvents(_ context.Context, limit, offset int) ([]models.Event, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedEvents()
	return page(all, pageLimit(limit), offset), len(all), nil
}

func (m *MemoryStore) ListExpiredEvents(_ context.Context, now time.Time) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, ev := range m.sortedEvents() {
		if ev.Expired(now) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	if _, ok := m.events[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete event: %w", ErrNotFound)
	}
	delete(m.events, id)
	for pid, p := range m.photos {
		if p.EventID == id {
			delete(m.photos, pid)
		}
	}
	m.mu.Unlock()
	return m.DeleteEmbeddingsByEvent(ctx, id)
}

func (m *MemoryStore) IncrementAttendees(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[id]; ok {
		ev.AttendeeCount++
	}
	return nil
}

func (m *MemoryStore) CreatePhoto(_ context.Context, p *models.Photo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[p.EventID]
	if !ok {
		return fmt.Errorf("create photo: event %s: %w", p.EventID, ErrNotFound)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Status = models.PhotoStatusPending
	p.UploadedAt = time.Now()
	cp := *p
	m.photos[p.ID] = &cp
	m.order(p.ID)
	ev.PhotoCount++
	return nil
}

func (m *MemoryStore) GetPhoto(_ context.Context, id uuid.UUID) (*models.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok {
		return nil, fmt.Errorf("get photo: %w", ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPhotos(_ context.Context, f models.PhotoFilter) ([]models.Photo, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []models.Photo
	for _, p := range m.photos {
		if f.EventID != uuid.Nil && p.EventID != f.EventID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		all = append(all, *p)
	}
	slices.SortFunc(all, func(a, b models.Photo) int { return cmp.Compare(m.seq[a.ID], m.seq[b.ID]) })
	if f.Limit <= 0 {
		return page(all, len(all), f.Offset), len(all), nil
	}
	return page(all, f.Limit, f.Offset), len(all), nil
}

func (m *MemoryStore) CountPhotos(_ context.Context, eventID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.photos {
		if p.EventID == eventID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ClaimPhoto(_ context.Context, id uuid.UUID, now time.Time) (*models.Photo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok {
		return nil, false, nil
	}
	prev := *p
	if !p.Status.Claimable() {
		return &prev, false, nil
	}
	p.Status = models.PhotoStatusProcessing
	p.StartedAt = &now
	p.ErrorMessage = ""
	return &prev, true, nil
}

func (m *MemoryStore) CompletePhoto(_ context.Context, id uuid.UUID, faces int, elapsed time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok || p.Status != models.PhotoStatusProcessing {
		return fmt.Errorf("complete photo: %w", ErrNotFound)
	}
	now := time.Now()
	ms := elapsedMs(elapsed)
	p.Status = models.PhotoStatusDone
	p.FaceCount = faces
	p.ProcessingTimeMs = &ms
	p.ProcessedAt = &now
	p.ErrorMessage = ""
	if ev, ok := m.events[p.EventID]; ok {
		ev.ProcessedCount++
	}
	return nil
}

func (m *MemoryStore) FailPhoto(_ context.Context, id uuid.UUID, msg string, elapsed time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok || p.Status != models.PhotoStatusProcessing {
		return fmt.Errorf("fail photo: %w", ErrNotFound)
	}
	now := time.Now()
	ms := elapsedMs(elapsed)
	p.Status = models.PhotoStatusError
	p.ErrorMessage = msg
	p.ProcessingTimeMs = &ms
	p.ProcessedAt = &now
	return nil
}

func (m *MemoryStore) ClaimRetry(_ context.Context, id uuid.UUID, expected int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok || p.Status != models.PhotoStatusError || p.RetryCount != expected {
		return false, nil
	}
	p.RetryCount++
	return true, nil
}

func (m *MemoryStore) FailStalePhotos(_ context.Context, before time.Time) ([]models.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []models.Photo
	for _, p := range m.photos {
		if p.Status == models.PhotoStatusProcessing && p.StartedAt != nil && p.StartedAt.Before(before) {
			p.Status = models.PhotoStatusError
			p.ErrorMessage = "processing abandoned"
			p.ProcessedAt = &now
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeletePhoto(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	p, ok := m.photos[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete photo: %w", ErrNotFound)
	}
	delete(m.photos, id)
	if ev, ok := m.events[p.EventID]; ok {
		ev.PhotoCount = max(ev.PhotoCount-1, 0)
		if p.Status == models.PhotoStatusDone {
			ev.ProcessedCount = max(ev.ProcessedCount-1, 0)
		}
	}
	m.mu.Unlock()
	return m.DeleteEmbeddingsByPhoto(ctx, id)
}

func (m *MemoryStore) InsertMatch(context.Context, *models.MatchRecord) error {
	return ErrNoMatchLog
}

func (m *MemoryStore) ListMatchSimilarities(context.Context, uuid.UUID) ([]float64, error) {
	return nil, ErrNoMatchLog
}

func page[T any](all []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end]
}
