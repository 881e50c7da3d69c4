package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/grapic/internal/models"
)

// TaskHandler runs delivered messages. A returned error redelivers the
// message after a delay.
type TaskHandler interface {
	HandleTask(ctx context.Context, task models.PhotoTask) error
	HandleRetry(ctx context.Context, req models.RetryRequest) error
}

// ConsumeOptions tune a worker's consumer.
type ConsumeOptions struct {
	Workers int
	// AckWait must exceed the per-job hard limit so a running job is not
	// redelivered to another worker.
	AckWait time.Duration
	// MaxJobs stops fetching after this many messages; 0 means no limit.
	MaxJobs    int
	MaxDeliver int
}

const (
	redeliverDelay    = 10 * time.Second
	maxRedeliverDelay = 5 * time.Minute
)

// redeliverBackoff doubles the delay with every delivery so a short database
// outage does not burn through MaxDeliver.
func redeliverBackoff(delivered uint64) time.Duration {
	d := redeliverDelay
	for i := uint64(1); i < delivered && d < maxRedeliverDelay; i++ {
		d *= 2
	}
	return min(d, maxRedeliverDelay)
}

func nakDelay(msg jetstream.Msg) time.Duration {
	meta, err := msg.Metadata()
	if err != nil {
		return redeliverDelay
	}
	return redeliverBackoff(meta.NumDelivered)
}

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := Connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// ConsumePhotos starts workers on the PHOTOS stream. The returned channel is
// closed once the workers have stopped: after ctx is done, or after MaxJobs
// messages were handled so the process can exit and be restarted.
func (c *Consumer) ConsumePhotos(ctx context.Context, consumerName string, handler TaskHandler, opts ConsumeOptions) (<-chan struct{}, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 10
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}

	stream, err := c.js.Stream(ctx, PhotosStreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", PhotosStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.AckWait,
		MaxDeliver:    opts.MaxDeliver,
		FilterSubject: PhotosSubjectBase + ".>",
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgCh := make(chan jetstream.Msg, opts.Workers*2)
	var fetched atomic.Int64

	// Fetch loop
	go func() {
		defer close(msgCh)
		for {
			if ctx.Err() != nil {
				return
			}
			want := opts.Workers
			if opts.MaxJobs > 0 {
				left := int64(opts.MaxJobs) - fetched.Load()
				if left <= 0 {
					slog.Info("job limit reached, draining worker", "max_jobs", opts.MaxJobs)
					return
				}
				want = min(want, int(left))
			}

			batch, err := cons.Fetch(want, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch photo tasks error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				fetched.Add(1)
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					_ = msg.Nak()
					return
				}
			}
		}
	}()

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := range opts.Workers {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for msg := range msgCh {
				c.dispatch(ctx, workerID, handler, msg)
			}
		}(i)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	slog.Info("photo consumer started", "consumer", consumerName, "workers", opts.Workers, "max_jobs", opts.MaxJobs)
	return done, nil
}

func (c *Consumer) dispatch(ctx context.Context, workerID int, handler TaskHandler, msg jetstream.Msg) {
	var err error
	switch {
	case strings.HasPrefix(msg.Subject(), processSubject+"."):
		var task models.PhotoTask
		if err := json.Unmarshal(msg.Data(), &task); err != nil {
			slog.Error("unmarshal photo task", "error", err, "subject", msg.Subject())
			_ = msg.Term()
			return
		}
		err = handler.HandleTask(ctx, task)
	case strings.HasPrefix(msg.Subject(), retrySubject+"."):
		var req models.RetryRequest
		if err := json.Unmarshal(msg.Data(), &req); err != nil {
			slog.Error("unmarshal retry request", "error", err, "subject", msg.Subject())
			_ = msg.Term()
			return
		}
		err = handler.HandleRetry(ctx, req)
	default:
		slog.Warn("unexpected subject", "subject", msg.Subject())
		_ = msg.Term()
		return
	}

	if err != nil {
		slog.Error("handle photo message", "worker", workerID, "error", err, "subject", msg.Subject())
		_ = msg.NakWithDelay(nakDelay(msg))
		return
	}
	_ = msg.Ack()
}

func (c *Consumer) Close() {
	c.nc.Close()
}
