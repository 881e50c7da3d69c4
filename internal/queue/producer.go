// Package queue carries photo tasks over NATS JetStream between the API and
// worker processes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/pipeline"
)

const (
	PhotosStreamName  = "PHOTOS"
	PhotosSubjectBase = "photos"
	processSubject    = PhotosSubjectBase + ".process"
	retrySubject      = PhotosSubjectBase + ".retry"

	// Publishes with the same message id inside this window are dropped by
	// the server.
	duplicateWindow = 30 * time.Second
)

// Connect dials NATS with the reconnect settings every process uses.
func Connect(natsURL string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return nc, js, nil
}

var _ pipeline.Executor = (*Producer)(nil)

// Producer is the distributed pipeline.Executor: it publishes photo tasks and
// retry requests for worker processes to pick up.
type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, js, err := Connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Producer{nc: nc, js: js}, nil
}

// JetStream exposes the context so the progress tracker can share the
// connection.
func (p *Producer) JetStream() jetstream.JetStream { return p.js }

// photosStreamConfig keeps tasks until a worker acks them. A full stream
// rejects new publishes instead of dropping queued tasks, so the submitter
// sees the error and parks the photo for the retry sweep.
func photosStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        PhotosStreamName,
		Subjects:    []string{PhotosSubjectBase + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxMsgs:     1000000,
		MaxBytes:    256 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardNew,
		Duplicates:  duplicateWindow,
		Description: "Photo extraction tasks and retry requests",
	}
}

// EnsureStreams creates the PHOTOS stream if it doesn't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	cfg := photosStreamConfig()

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
		cancel()
		if err == nil {
			slog.Info("ensured NATS stream", "name", cfg.Name)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
		}
		slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

func (p *Producer) publish(ctx context.Context, subject, msgID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	ack, err := p.js.Publish(ctx, subject, payload, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if ack.Duplicate {
		slog.Debug("duplicate publish dropped by server", "subject", subject, "msg_id", msgID)
	}
	return nil
}

// Submit publishes one photo task. The job id doubles as the message id.
func (p *Producer) Submit(ctx context.Context, task models.PhotoTask) (pipeline.JobHandle, error) {
	subject := fmt.Sprintf("%s.%s", processSubject, task.EventID)
	if err := p.publish(ctx, subject, task.JobID, task); err != nil {
		return pipeline.JobHandle{}, err
	}
	return pipeline.JobHandle{ID: task.JobID, EventID: task.EventID, PhotoID: task.PhotoID}, nil
}

// RetryFailed asks a worker to resubmit up to limit failed photos of the event.
func (p *Producer) RetryFailed(ctx context.Context, eventID uuid.UUID, limit int) (pipeline.JobHandle, error) {
	req := models.RetryRequest{
		RequestID:   uuid.NewString(),
		EventID:     eventID,
		Limit:       limit,
		RequestedAt: time.Now(),
	}
	subject := fmt.Sprintf("%s.%s", retrySubject, eventID)
	if err := p.publish(ctx, subject, req.RequestID, req); err != nil {
		return pipeline.JobHandle{}, err
	}
	return pipeline.JobHandle{ID: req.RequestID, EventID: eventID}, nil
}

// QueueDepth returns the number of pending messages in the PHOTOS stream.
func (p *Producer) QueueDepth(ctx context.Context) (uint64, error) {
	stream, err := p.js.Stream(ctx, PhotosStreamName)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
