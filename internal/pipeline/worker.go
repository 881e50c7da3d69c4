package pipeline

import (
	"context"
	"log/slog"

	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/storage"
)

// Worker is the queue-facing side of a worker process: it runs photo tasks
// and expands retry requests into photo tasks.
type Worker struct {
	proc   Handler
	photos storage.PhotoRepository
	exec   Executor
}

func NewWorker(proc Handler, photos storage.PhotoRepository, exec Executor) *Worker {
	return &Worker{proc: proc, photos: photos, exec: exec}
}

func (w *Worker) HandleTask(ctx context.Context, task models.PhotoTask) error {
	_, err := w.proc.Process(ctx, task)
	return err
}

func (w *Worker) HandleRetry(ctx context.Context, req models.RetryRequest) error {
	n, err := ResubmitFailed(ctx, w.photos, w.exec, req.EventID, req.Limit, req.RequestID)
	if err != nil {
		return err
	}
	slog.Info("failed photos resubmitted", "event_id", req.EventID, "request_id", req.RequestID, "count", n)
	return nil
}
