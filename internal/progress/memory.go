package progress

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/models"
)

// MemoryTracker is a single-process Tracker.
type MemoryTracker struct {
	mu       sync.Mutex
	counters map[uuid.UUID]*models.ProgressCounters
	subs     map[uuid.UUID]map[chan Update]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		counters: make(map[uuid.UUID]*models.ProgressCounters),
		subs:     make(map[uuid.UUID]map[chan Update]struct{}),
	}
}

func (t *MemoryTracker) get(eventID uuid.UUID) *models.ProgressCounters {
	c, ok := t.counters[eventID]
	if !ok {
		c = &models.ProgressCounters{}
		t.counters[eventID] = c
	}
	return c
}

// publish must be called with t.mu held.
func (t *MemoryTracker) publish(eventID uuid.UUID, c models.ProgressCounters) {
	u := Update{EventID: eventID, Counters: c}
	for ch := range t.subs[eventID] {
		select {
		case ch <- u:
		default:
		}
	}
}

func (t *MemoryTracker) Reset(_ context.Context, eventID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(eventID)
	*c = models.ProgressCounters{}
	t.publish(eventID, *c)
	return nil
}

func (t *MemoryTracker) Increment(_ context.Context, eventID uuid.UUID, status Status, delta int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(eventID)
	if err := apply(c, status, delta); err != nil {
		return err
	}
	t.publish(eventID, *c)
	return nil
}

func (t *MemoryTracker) SetTotal(_ context.Context, eventID uuid.UUID, total int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(eventID)
	c.Total = max(total, 0)
	t.publish(eventID, *c)
	return nil
}

func (t *MemoryTracker) Get(_ context.Context, eventID uuid.UUID) (models.ProgressCounters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counters[eventID]; ok {
		return *c, nil
	}
	return models.ProgressCounters{}, nil
}

func (t *MemoryTracker) Subscribe(ctx context.Context, eventID uuid.UUID) (<-chan Update, error) {
	ch := make(chan Update, 16)

	t.mu.Lock()
	if t.subs[eventID] == nil {
		t.subs[eventID] = make(map[chan Update]struct{})
	}
	t.subs[eventID][ch] = struct{}{}
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.subs[eventID], ch)
		if len(t.subs[eventID]) == 0 {
			delete(t.subs, eventID)
		}
		close(ch)
		t.mu.Unlock()
	}()
	return ch, nil
}
