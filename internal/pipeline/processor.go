package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/embeddings"
	"github.com/your-org/grapic/internal/imagestore"
	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/observability"
	"github.com/your-org/grapic/internal/progress"
	"github.com/your-org/grapic/internal/storage"
	"github.com/your-org/grapic/internal/vision"
)

// ErrHardLimit marks an attempt abandoned because it ran past the hard limit.
var ErrHardLimit = errors.New("processing time limit exceeded")

type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Limits bound one attempt. Past Soft a warning is logged; past Hard the
// attempt is abandoned and the photo marked error.
type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

// Processor runs one extraction attempt per task. It is safe for concurrent
// use; all state lives in its collaborators.
type Processor struct {
	photos    storage.PhotoRepository
	images    imagestore.Store
	extractor vision.Extractor
	store     embeddings.Store
	tracker   progress.Tracker
	limits    Limits
	now       func() time.Time
}

func NewProcessor(
	photos storage.PhotoRepository,
	images imagestore.Store,
	extractor vision.Extractor,
	store embeddings.Store,
	tracker progress.Tracker,
	limits Limits,
) *Processor {
	return &Processor{
		photos:    photos,
		images:    images,
		extractor: extractor,
		store:     store,
		tracker:   tracker,
		limits:    limits,
		now:       time.Now,
	}
}

// Process claims the photo, extracts and stores its faces and records the
// outcome. A returned error means the outcome could not be recorded and the
// task should be delivered again; extraction failures are recorded on the
// photo and reported as OutcomeFailed with a nil error.
func (p *Processor) Process(ctx context.Context, task models.PhotoTask) (Outcome, error) {
	log := slog.With("photo_id", task.PhotoID, "event_id", task.EventID, "job_id", task.JobID)

	prev, ok, err := p.photos.ClaimPhoto(ctx, task.PhotoID, p.now())
	if err != nil {
		return "", fmt.Errorf("claim photo %s: %w", task.PhotoID, err)
	}
	if !ok {
		if prev == nil {
			log.Warn("photo not found, dropping task")
		} else {
			log.Debug("photo not claimable, skipping", "status", prev.Status)
		}
		return OutcomeSkipped, nil
	}
	if prev.EventID != task.EventID {
		log.Warn("task event differs from photo event", "photo_event_id", prev.EventID)
	}
	eventID := prev.EventID
	p.bump(ctx, eventID, progress.Processing, 1)

	// A previous attempt may have stored part of the faces before failing.
	if prev.Status == models.PhotoStatusError {
		if err := p.store.DeleteByPhoto(ctx, eventID, prev.ID); err != nil {
			log.Warn("clear partial embeddings", "error", err)
		}
	}

	start := p.now()
	faces, runErr := p.run(ctx, prev, log)
	elapsed := p.now().Sub(start)
	observability.PhotoDuration.Observe(elapsed.Seconds())

	// The outcome is recorded even when the caller's context is gone.
	rctx := context.WithoutCancel(ctx)
	p.bump(rctx, eventID, progress.Processing, -1)

	if runErr == nil {
		if err := p.photos.CompletePhoto(rctx, prev.ID, faces, elapsed); err != nil {
			return "", fmt.Errorf("complete photo %s: %w", prev.ID, err)
		}
		p.bump(rctx, eventID, progress.Completed, 1)
		if prev.Status == models.PhotoStatusError {
			p.bump(rctx, eventID, progress.Failed, -1)
		}
		observability.PhotosProcessed.WithLabelValues(string(OutcomeDone)).Inc()
		observability.FacesDetected.Add(float64(faces))
		log.Info("photo processed", "faces", faces, "elapsed_ms", elapsed.Milliseconds())
		return OutcomeDone, nil
	}

	log.Error("photo processing failed", "error", runErr, "elapsed_ms", elapsed.Milliseconds())
	// Faces stored before the failure must not stay matchable.
	if err := p.store.DeleteByPhoto(rctx, eventID, prev.ID); err != nil {
		log.Warn("clear partial embeddings", "error", err)
	}
	if err := p.photos.FailPhoto(rctx, prev.ID, runErr.Error(), elapsed); err != nil {
		return "", fmt.Errorf("fail photo %s: %w", prev.ID, err)
	}
	if prev.Status != models.PhotoStatusError {
		p.bump(rctx, eventID, progress.Failed, 1)
	}
	observability.PhotosProcessed.WithLabelValues(string(OutcomeFailed)).Inc()
	return OutcomeFailed, nil
}

type runResult struct {
	faces int
	err   error
}

// run extracts under the hard limit. An abandoned extraction keeps its
// goroutine until the extractor honours the cancelled context.
func (p *Processor) run(ctx context.Context, photo *models.Photo, log *slog.Logger) (int, error) {
	jobCtx := ctx
	cancel := func() {}
	if p.limits.Hard > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, p.limits.Hard)
	}
	defer cancel()

	if p.limits.Soft > 0 {
		soft := time.AfterFunc(p.limits.Soft, func() {
			log.Warn("photo processing past soft limit", "soft_limit", p.limits.Soft)
		})
		defer soft.Stop()
	}

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("panic during extraction: %v", r)}
			}
		}()
		n, err := p.extract(jobCtx, photo)
		done <- runResult{faces: n, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, ErrHardLimit
		}
		return res.faces, res.err
	case <-jobCtx.Done():
		if ctx.Err() == nil {
			return 0, ErrHardLimit
		}
		return 0, ctx.Err()
	}
}

func (p *Processor) extract(ctx context.Context, photo *models.Photo) (int, error) {
	data, err := p.images.Get(ctx, imagestore.PhotoKey(photo.EventID, photo.Filename))
	if err != nil {
		return 0, fmt.Errorf("read image: %w", err)
	}

	t := time.Now()
	faces, err := p.extractor.Extract(ctx, data)
	if err != nil {
		return 0, err
	}

	n := 0
	for face, err := range faces {
		if err != nil {
			return n, err
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := p.store.Store(ctx, photo.ID, photo.EventID, face.Embedding, face.Box); err != nil {
			return n, err
		}
		n++
	}
	observability.InferenceDuration.WithLabelValues("photo").Observe(time.Since(t).Seconds())
	return n, nil
}

// bump applies a counter change. Counters are a cache, so failures are only
// logged.
func (p *Processor) bump(ctx context.Context, eventID uuid.UUID, s progress.Status, delta int64) {
	if err := p.tracker.Increment(ctx, eventID, s, delta); err != nil {
		slog.Warn("update progress", "event_id", eventID, "status", s, "error", err)
	}
}
