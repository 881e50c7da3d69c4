package analytics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/storage"
)

// ErrNotAvailable means the record backend keeps no match log.
var ErrNotAvailable = errors.New("match analytics not available")

// Recorder appends match records in the background so the selfie path never
// waits on the log. Records are dropped when the buffer is full or the log
// is unsupported.
type Recorder struct {
	log     storage.MatchLog
	records chan models.MatchRecord
	wg      sync.WaitGroup
	once    sync.Once
}

func NewRecorder(log storage.MatchLog, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &Recorder{log: log, records: make(chan models.MatchRecord, buffer)}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.records {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.log.InsertMatch(ctx, &rec)
		cancel()
		switch {
		case errors.Is(err, storage.ErrNoMatchLog):
		case err != nil:
			slog.Warn("record match failed", "event_id", rec.EventID, "photo_id", rec.PhotoID, "error", err)
		}
	}
}

// Record enqueues one match. It never blocks.
func (r *Recorder) Record(_ context.Context, rec models.MatchRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.MatchedAt.IsZero() {
		rec.MatchedAt = time.Now()
	}
	defer func() {
		// Record after Close lands on a closed channel.
		if recover() != nil {
			slog.Debug("match record dropped after close", "event_id", rec.EventID)
		}
	}()
	select {
	case r.records <- rec:
	default:
		slog.Warn("match record buffer full, dropping", "event_id", rec.EventID)
	}
}

// Close drains pending records and stops the writer.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.records) })
	r.wg.Wait()
	return nil
}

// Service answers analytics queries over the match log and photo records.
type Service struct {
	log storage.MatchLog
}

func NewService(log storage.MatchLog) *Service {
	return &Service{log: log}
}

func (s *Service) Summary(ctx context.Context, eventID uuid.UUID) (Summary, error) {
	sims, err := s.log.ListMatchSimilarities(ctx, eventID)
	if errors.Is(err, storage.ErrNoMatchLog) {
		return Summary{}, ErrNotAvailable
	}
	if err != nil {
		return Summary{}, err
	}
	return Summarize(sims), nil
}
