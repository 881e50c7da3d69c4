package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/observability"
	"github.com/your-org/grapic/internal/progress"
	"github.com/your-org/grapic/internal/storage"
)

const sweepPageSize = 500

// SweepReport counts what one sweep did.
type SweepReport struct {
	Stale     int `json:"stale"`
	Orphaned  int `json:"orphaned"`
	Retried   int `json:"retried"`
	Waiting   int `json:"waiting"`
	Exhausted int `json:"exhausted"`
}

// Sweeper fails photos stuck in processing or left pending without a task,
// and resubmits failed photos whose retry delay has passed. Running several sweepers at once is safe: the
// retry budget is claimed with a compare-and-swap.
type Sweeper struct {
	photos     storage.PhotoRepository
	exec       Executor
	tracker    progress.Tracker
	policy     RetryPolicy
	staleAfter time.Duration
	now        func() time.Time
}

func NewSweeper(photos storage.PhotoRepository, exec Executor, tracker progress.Tracker, policy RetryPolicy, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		photos:     photos,
		exec:       exec,
		tracker:    tracker,
		policy:     policy,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := s.now()

	if s.staleAfter > 0 {
		stale, err := s.photos.FailStalePhotos(ctx, now.Add(-s.staleAfter))
		if err != nil {
			return rep, fmt.Errorf("fail stale photos: %w", err)
		}
		for _, p := range stale {
			slog.Warn("photo stuck in processing, marked failed", "photo_id", p.ID, "event_id", p.EventID)
			s.bump(ctx, p.EventID, progress.Processing, -1)
			s.bump(ctx, p.EventID, progress.Failed, 1)
		}
		rep.Stale = len(stale)

		orphaned, err := s.failOrphaned(ctx, now)
		if err != nil {
			return rep, err
		}
		rep.Orphaned = orphaned
	}

	failed, err := listFailed(ctx, s.photos, uuid.Nil, 0)
	if err != nil {
		return rep, err
	}
	for _, p := range failed {
		if s.policy.Exhausted(p.RetryCount) {
			rep.Exhausted++
			continue
		}
		if !s.policy.Due(p, now) {
			rep.Waiting++
			continue
		}
		ok, err := s.photos.ClaimRetry(ctx, p.ID, p.RetryCount)
		if err != nil {
			return rep, fmt.Errorf("claim retry of photo %s: %w", p.ID, err)
		}
		if !ok {
			continue
		}
		if _, err := s.exec.Submit(ctx, NewTask(p.ID, p.EventID, p.RetryCount+1)); err != nil {
			return rep, fmt.Errorf("resubmit photo %s: %w", p.ID, err)
		}
		observability.RetriesScheduled.WithLabelValues("auto").Inc()
		rep.Retried++
	}
	return rep, nil
}

// failOrphaned marks photos still pending staleAfter past their upload as
// error. Their task was lost (a crashed in-process pool, a dropped message),
// and the retry policy resubmits them once their first delay has passed. A task that is merely late still
// runs: the processor claims error photos too.
func (s *Sweeper) failOrphaned(ctx context.Context, now time.Time) (int, error) {
	pending, err := listByStatus(ctx, s.photos, models.PhotoStatusPending, uuid.Nil, 0)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-s.staleAfter)
	n := 0
	for _, p := range pending {
		if !p.UploadedAt.Before(cutoff) {
			continue
		}
		_, ok, err := s.photos.ClaimPhoto(ctx, p.ID, now)
		if err != nil {
			return n, fmt.Errorf("claim orphaned photo %s: %w", p.ID, err)
		}
		if !ok {
			continue
		}
		if err := s.photos.FailPhoto(ctx, p.ID, "task lost before processing", 0); err != nil {
			return n, fmt.Errorf("fail orphaned photo %s: %w", p.ID, err)
		}
		slog.Warn("photo pending without a task, marked failed", "photo_id", p.ID, "event_id", p.EventID, "uploaded_at", p.UploadedAt)
		s.bump(ctx, p.EventID, progress.Failed, 1)
		n++
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.Sweep(ctx)
			if err != nil {
				slog.Error("retry sweep", "error", err)
				continue
			}
			if rep.Stale+rep.Orphaned+rep.Retried+rep.Exhausted > 0 {
				slog.Info("retry sweep", "stale", rep.Stale, "orphaned", rep.Orphaned, "retried", rep.Retried, "waiting", rep.Waiting, "exhausted", rep.Exhausted)
			}
		}
	}
}

func (s *Sweeper) bump(ctx context.Context, eventID uuid.UUID, st progress.Status, delta int64) {
	if err := s.tracker.Increment(ctx, eventID, st, delta); err != nil {
		slog.Warn("update progress", "event_id", eventID, "status", st, "error", err)
	}
}

// listFailed returns failed photos, of one event when eventID is set, at most
// limit when limit > 0.
func listFailed(ctx context.Context, photos storage.PhotoRepository, eventID uuid.UUID, limit int) ([]models.Photo, error) {
	return listByStatus(ctx, photos, models.PhotoStatusError, eventID, limit)
}

func listByStatus(ctx context.Context, photos storage.PhotoRepository, status models.PhotoStatus, eventID uuid.UUID, limit int) ([]models.Photo, error) {
	var out []models.Photo
	for offset := 0; ; offset += sweepPageSize {
		page, total, err := photos.ListPhotos(ctx, models.PhotoFilter{
			EventID: eventID,
			Status:  status,
			Limit:   sweepPageSize,
			Offset:  offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s photos: %w", status, err)
		}
		out = append(out, page...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if len(page) == 0 || offset+len(page) >= total {
			return out, nil
		}
	}
}

// ResubmitFailed submits failed photos of an event again without consuming
// their automatic retry budget. It returns how many were submitted.
func ResubmitFailed(ctx context.Context, photos storage.PhotoRepository, exec Executor, eventID uuid.UUID, limit int, requestID string) (int, error) {
	failed, err := listFailed(ctx, photos, eventID, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range failed {
		task := NewTask(p.ID, p.EventID, p.RetryCount)
		if requestID != "" {
			task.JobID = p.ID.String() + ":" + requestID
		}
		if _, err := exec.Submit(ctx, task); err != nil {
			return n, fmt.Errorf("resubmit photo %s: %w", p.ID, err)
		}
		observability.RetriesScheduled.WithLabelValues("manual").Inc()
		n++
	}
	return n, nil
}
