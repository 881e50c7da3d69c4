// Package facematch is the application core: it takes event photos in,
// hands them to the extraction pipeline and answers selfie queries.
package facematch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/analytics"
	"github.com/your-org/grapic/internal/embeddings"
	"github.com/your-org/grapic/internal/imagestore"
	"github.com/your-org/grapic/internal/matcher"
	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/observability"
	"github.com/your-org/grapic/internal/pipeline"
	"github.com/your-org/grapic/internal/progress"
	"github.com/your-org/grapic/internal/storage"
	"github.com/your-org/grapic/internal/vision"
)

var (
	// ErrNoFaceDetected means the selfie has no usable face; the user
	// should retake it.
	ErrNoFaceDetected = errors.New("no face detected in selfie")
	ErrFreeTierLimit  = errors.New("event exceeds free tier photo limit")
	ErrEventExpired   = errors.New("event has expired")
)

// MatchRecorder takes match records off the request path.
type MatchRecorder interface {
	Record(ctx context.Context, rec models.MatchRecord)
}

type Options struct {
	Threshold     float64
	Limit         int
	SLA           time.Duration
	FreeTierLimit int
	Upload        imagestore.UploadRules
}

// Deps are the collaborators of a Service, chosen once at start-up.
type Deps struct {
	Events     storage.EventRepository
	Photos     storage.PhotoRepository
	Images     imagestore.Store
	Extractor  vision.Extractor
	Embeddings embeddings.Store
	Executor   pipeline.Executor
	Tracker    progress.Tracker
	Recorder   MatchRecorder
	Analytics  *analytics.Service
}

type Service struct {
	Deps
	opts Options
	now  func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	if opts.Limit <= 0 {
		opts.Limit = embeddings.DefaultLimit
	}
	if opts.Upload.MaxBytes == 0 {
		opts.Upload = imagestore.DefaultUploadRules()
	}
	return &Service{Deps: deps, opts: opts, now: time.Now}
}

// Threshold is the similarity cut-off used for selfie queries.
func (s *Service) Threshold() float64 { return s.opts.Threshold }

func newAccessCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (s *Service) CreateEvent(ctx context.Context, name, description string, expiresAt *time.Time) (*models.Event, error) {
	ev := &models.Event{
		ID:          uuid.New(),
		Name:        name,
		Description: description,
		AccessCode:  newAccessCode(),
		ExpiresAt:   expiresAt,
	}
	if err := s.Events.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	slog.Info("event created", "event_id", ev.ID, "access_code", ev.AccessCode)
	return ev, nil
}

func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	return s.Events.GetEvent(ctx, id)
}

func (s *Service) GetEventByCode(ctx context.Context, code string) (*models.Event, error) {
	return s.Events.GetEventByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
}

func (s *Service) ListEvents(ctx context.Context, limit, offset int) ([]models.Event, int, error) {
	return s.Events.ListEvents(ctx, limit, offset)
}

// DeleteEvent removes the event, its photos, embeddings, images and counters.
func (s *Service) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	if _, err := s.Events.GetEvent(ctx, id); err != nil {
		return err
	}
	if err := s.Embeddings.DeleteByEvent(ctx, id); err != nil {
		return fmt.Errorf("delete event embeddings: %w", err)
	}
	if err := s.Events.DeleteEvent(ctx, id); err != nil {
		return err
	}
	n, err := s.Images.DeletePrefix(ctx, imagestore.EventPrefix(id))
	if err != nil {
		slog.Warn("delete event images", "event_id", id, "error", err)
	}
	if err := s.Tracker.Reset(ctx, id); err != nil {
		slog.Warn("reset progress", "event_id", id, "error", err)
	}
	slog.Info("event deleted", "event_id", id, "images", n)
	return nil
}

// CleanupExpired deletes every event past its expiry and returns how many.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := s.Events.ListExpiredEvents(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list expired events: %w", err)
	}
	n := 0
	for _, ev := range expired {
		if err := s.DeleteEvent(ctx, ev.ID); err != nil {
			slog.Error("delete expired event", "event_id", ev.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// SubmitPhoto schedules the first extraction attempt of a stored photo.
func (s *Service) SubmitPhoto(ctx context.Context, photoID, eventID uuid.UUID) (pipeline.JobHandle, error) {
	return s.Executor.Submit(ctx, pipeline.NewTask(photoID, eventID, 0))
}

// RetryFailed resubmits up to limit failed photos of the event.
func (s *Service) RetryFailed(ctx context.Context, eventID uuid.UUID, limit int) (pipeline.JobHandle, error) {
	if _, err := s.Events.GetEvent(ctx, eventID); err != nil {
		return pipeline.JobHandle{}, err
	}
	h, err := s.Executor.RetryFailed(ctx, eventID, limit)
	if err != nil {
		return pipeline.JobHandle{}, err
	}
	slog.Info("retry requested", "event_id", eventID, "limit", limit, "job_id", h.ID)
	return h, nil
}

func (s *Service) GetProgress(ctx context.Context, eventID uuid.UUID) (models.ProgressCounters, error) {
	return s.Tracker.Get(ctx, eventID)
}

func (s *Service) SubscribeProgress(ctx context.Context, eventID uuid.UUID) (<-chan progress.Update, error) {
	return s.Tracker.Subscribe(ctx, eventID)
}

// MatchSelfie returns the event photos showing the largest face of the
// selfie, best first. An empty result is not an error; a selfie without a
// face is ErrNoFaceDetected.
func (s *Service) MatchSelfie(ctx context.Context, eventID uuid.UUID, selfie []byte) ([]matcher.Match, error) {
	start := time.Now()
	ev, err := s.Events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Expired(s.now()) {
		return nil, ErrEventExpired
	}

	faces, err := s.Extractor.Extract(ctx, selfie)
	if err != nil {
		observability.MatchRequests.WithLabelValues("extract_error").Inc()
		return nil, err
	}
	all, err := vision.Collect(faces)
	if err != nil {
		observability.MatchRequests.WithLabelValues("extract_error").Inc()
		return nil, err
	}
	if len(all) == 0 {
		observability.MatchRequests.WithLabelValues("no_face").Inc()
		return nil, ErrNoFaceDetected
	}
	query := largest(all)

	matches, err := s.Embeddings.QuerySimilar(ctx, eventID, query.Embedding, s.opts.Threshold, s.opts.Limit)
	if err != nil {
		observability.MatchRequests.WithLabelValues("query_error").Inc()
		return nil, err
	}

	elapsed := time.Since(start)
	observability.MatchDuration.Observe(elapsed.Seconds())
	if s.opts.SLA > 0 && elapsed > s.opts.SLA {
		slog.Warn("selfie match exceeded SLA", "event_id", eventID, "elapsed_ms", elapsed.Milliseconds(), "sla", s.opts.SLA)
	}

	if len(matches) == 0 {
		observability.MatchRequests.WithLabelValues("no_match").Inc()
		return matches, nil
	}
	observability.MatchRequests.WithLabelValues("matched").Inc()
	if err := s.Events.IncrementAttendees(ctx, eventID); err != nil {
		slog.Warn("increment attendees", "event_id", eventID, "error", err)
	}
	for _, m := range matches {
		s.RecordMatch(ctx, eventID, m.PhotoID, m.Similarity, s.opts.Threshold)
	}
	return matches, nil
}

func largest(faces []vision.Face) vision.Face {
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Box.W*f.Box.H > best.Box.W*best.Box.H {
			best = f
		}
	}
	return best
}

// RecordMatch logs one match for analytics without waiting for the write.
func (s *Service) RecordMatch(ctx context.Context, eventID, photoID uuid.UUID, similarity, threshold float64) {
	if s.Recorder == nil {
		return
	}
	s.Recorder.Record(ctx, models.MatchRecord{
		EventID:    eventID,
		PhotoID:    photoID,
		Similarity: similarity,
		Threshold:  threshold,
	})
}

func (s *Service) MatchAnalytics(ctx context.Context, eventID uuid.UUID) (analytics.Summary, error) {
	if _, err := s.Events.GetEvent(ctx, eventID); err != nil {
		return analytics.Summary{}, err
	}
	if s.Analytics == nil {
		return analytics.Summary{}, analytics.ErrNotAvailable
	}
	return s.Analytics.Summary(ctx, eventID)
}

// EventStats summarizes processing of all photos of the event.
func (s *Service) EventStats(ctx context.Context, eventID uuid.UUID) (analytics.EventStats, error) {
	if _, err := s.Events.GetEvent(ctx, eventID); err != nil {
		return analytics.EventStats{}, err
	}
	photos, err := s.allPhotos(ctx, eventID)
	if err != nil {
		return analytics.EventStats{}, err
	}
	return analytics.ProcessingStats(photos), nil
}

const listPageSize = 500

func (s *Service) allPhotos(ctx context.Context, eventID uuid.UUID) ([]models.Photo, error) {
	var out []models.Photo
	for offset := 0; ; offset += listPageSize {
		page, total, err := s.Photos.ListPhotos(ctx, models.PhotoFilter{EventID: eventID, Limit: listPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list photos: %w", err)
		}
		out = append(out, page...)
		if len(page) == 0 || offset+len(page) >= total {
			return out, nil
		}
	}
}
