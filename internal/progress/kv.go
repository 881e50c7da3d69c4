package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/grapic/internal/models"
)

const (
	BucketName     = "PROGRESS"
	maxCASAttempts = 50
	defaultKeyTTL  = 7 * 24 * time.Hour
)

// KVTracker keeps counters in a JetStream key-value bucket so API and worker
// processes share them. Keys are "<event>.<status>" holding a decimal count.
type KVTracker struct {
	kv jetstream.KeyValue
}

func NewKVTracker(ctx context.Context, js jetstream.JetStream) (*KVTracker, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketName,
		Description: "Per-event photo processing counters",
		History:     1,
		TTL:         defaultKeyTTL,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", BucketName, err)
	}
	return &KVTracker{kv: kv}, nil
}

func key(eventID uuid.UUID, s Status) string {
	return eventID.String() + "." + string(s)
}

func parseCount(v []byte) int64 {
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (t *KVTracker) Reset(ctx context.Context, eventID uuid.UUID) error {
	for _, s := range statuses {
		if _, err := t.kv.Put(ctx, key(eventID, s), []byte("0")); err != nil {
			return fmt.Errorf("reset %s: %w", s, err)
		}
	}
	return nil
}

// Increment applies delta with a revision compare-and-swap, retrying when
// another process wrote the key in between.
func (t *KVTracker) Increment(ctx context.Context, eventID uuid.UUID, status Status, delta int64) error {
	if _, err := field(&models.ProgressCounters{}, status); err != nil {
		return err
	}
	k := key(eventID, status)

	var lastErr error
	for attempt := range maxCASAttempts {
		entry, err := t.kv.Get(ctx, k)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			_, lastErr = t.kv.Create(ctx, k, []byte(strconv.FormatInt(max(delta, 0), 10)))
		case err != nil:
			return fmt.Errorf("read %s: %w", k, err)
		default:
			next := max(parseCount(entry.Value())+delta, 0)
			_, lastErr = t.kv.Update(ctx, k, []byte(strconv.FormatInt(next, 10)), entry.Revision())
		}
		if lastErr == nil {
			return nil
		}
		// Jitter spreads writers that lost the same revision.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.IntN(attempt+1)) * time.Millisecond):
		}
	}
	return fmt.Errorf("increment %s: %w", k, lastErr)
}

func (t *KVTracker) SetTotal(ctx context.Context, eventID uuid.UUID, total int64) error {
	if _, err := t.kv.Put(ctx, key(eventID, Total), []byte(strconv.FormatInt(max(total, 0), 10))); err != nil {
		return fmt.Errorf("set total: %w", err)
	}
	return nil
}

func (t *KVTracker) Get(ctx context.Context, eventID uuid.UUID) (models.ProgressCounters, error) {
	var c models.ProgressCounters
	for _, s := range statuses {
		entry, err := t.kv.Get(ctx, key(eventID, s))
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return c, fmt.Errorf("read %s: %w", s, err)
		}
		f, _ := field(&c, s)
		*f = parseCount(entry.Value())
	}
	return c, nil
}

func (t *KVTracker) Subscribe(ctx context.Context, eventID uuid.UUID) (<-chan Update, error) {
	w, err := t.kv.Watch(ctx, eventID.String()+".*")
	if err != nil {
		return nil, fmt.Errorf("watch progress: %w", err)
	}

	out := make(chan Update, 16)
	go func() {
		defer close(out)
		defer func() { _ = w.Stop() }()

		var c models.ProgressCounters
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				// nil marks the end of the initial values.
				if entry == nil {
					continue
				}
				s := Status(strings.TrimPrefix(entry.Key(), eventID.String()+"."))
				f, err := field(&c, s)
				if err != nil {
					slog.Debug("ignoring progress key", "key", entry.Key())
					continue
				}
				if entry.Operation() == jetstream.KeyValuePut {
					*f = parseCount(entry.Value())
				} else {
					*f = 0
				}
				select {
				case out <- Update{EventID: eventID, Counters: c}:
				default:
				}
			}
		}
	}()
	return out, nil
}
