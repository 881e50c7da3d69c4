// Package pipeline runs photo extraction jobs: claiming a photo, extracting
// its faces, storing the embeddings and recording the outcome, plus the
// executors that schedule those jobs and the retry sweep.
package pipeline

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/models"
)

var (
	// ErrRetryUnsupported is returned by executors that cannot resubmit
	// failed photos on request.
	ErrRetryUnsupported = errors.New("retry not available for this executor")
	ErrClosed           = errors.New("executor closed")
)

// JobHandle identifies a submitted job. PhotoID is nil for retry requests.
type JobHandle struct {
	ID      string    `json:"job_id"`
	EventID uuid.UUID `json:"event_id"`
	PhotoID uuid.UUID `json:"photo_id,omitempty"`
}

// Executor schedules extraction jobs. Submitting the same task twice is
// harmless: the photo claim lets only one attempt run.
type Executor interface {
	Submit(ctx context.Context, task models.PhotoTask) (JobHandle, error)
	RetryFailed(ctx context.Context, eventID uuid.UUID, limit int) (JobHandle, error)
	Close() error
}

// NewTask builds the task for one attempt at a photo. The job id is stable
// per attempt so brokers can drop duplicate publishes.
func NewTask(photoID, eventID uuid.UUID, attempt int) models.PhotoTask {
	return models.PhotoTask{
		JobID:   photoID.String() + ":" + strconv.Itoa(attempt),
		PhotoID: photoID,
		EventID: eventID,
		Attempt: attempt,
	}
}

func handleOf(task models.PhotoTask) JobHandle {
	return JobHandle{ID: task.JobID, EventID: task.EventID, PhotoID: task.PhotoID}
}
