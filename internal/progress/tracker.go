// Package progress keeps per-event processing counters and streams their
// changes to subscribers.
package progress

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/models"
)

type Status string

const (
	Uploaded   Status = "uploaded"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Total      Status = "total"
)

var statuses = []Status{Uploaded, Processing, Completed, Failed, Total}

// Update is a counters snapshot taken right after a change.
type Update struct {
	EventID  uuid.UUID               `json:"event_id"`
	Counters models.ProgressCounters `json:"counters"`
}

// Tracker is the counters cache. Counters never go below zero.
type Tracker interface {
	Reset(ctx context.Context, eventID uuid.UUID) error
	Increment(ctx context.Context, eventID uuid.UUID, status Status, delta int64) error
	SetTotal(ctx context.Context, eventID uuid.UUID, total int64) error
	Get(ctx context.Context, eventID uuid.UUID) (models.ProgressCounters, error)
	// Subscribe streams snapshots until ctx is done, then closes the channel.
	// Slow readers may miss intermediate snapshots.
	Subscribe(ctx context.Context, eventID uuid.UUID) (<-chan Update, error)
}

func field(c *models.ProgressCounters, s Status) (*int64, error) {
	switch s {
	case Uploaded:
		return &c.Uploaded, nil
	case Processing:
		return &c.Processing, nil
	case Completed:
		return &c.Completed, nil
	case Failed:
		return &c.Failed, nil
	case Total:
		return &c.Total, nil
	}
	return nil, fmt.Errorf("unknown progress status %q", s)
}

func apply(c *models.ProgressCounters, s Status, delta int64) error {
	f, err := field(c, s)
	if err != nil {
		return err
	}
	*f = max(*f+delta, 0)
	return nil
}
