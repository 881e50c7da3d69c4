package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// newKVTracker starts an in-process JetStream server and returns a tracker
// bound to it.
func newKVTracker(t *testing.T) *KVTracker {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := NewKVTracker(ctx, js)
	if err != nil {
		t.Fatalf("NewKVTracker: %v", err)
	}
	return tr
}

func TestKVTrackerCounters(t *testing.T) {
	ctx := context.Background()
	tr := newKVTracker(t)
	ev := uuid.New()

	steps := []struct {
		status Status
		delta  int64
	}{
		{Failed, -2},
		{Uploaded, 3},
		{Processing, 1},
		{Processing, -1},
		{Processing, -1},
		{Completed, 1},
		{Failed, 1},
		{Failed, -5},
	}
	for _, s := range steps {
		if err := tr.Increment(ctx, ev, s.status, s.delta); err != nil {
			t.Fatalf("Increment(%s, %d): %v", s.status, s.delta, err)
		}
	}
	if err := tr.SetTotal(ctx, ev, 3); err != nil {
		t.Fatal(err)
	}

	got, err := tr.Get(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if got.Uploaded != 3 || got.Processing != 0 || got.Completed != 1 || got.Failed != 0 || got.Total != 3 {
		t.Errorf("counters = %+v", got)
	}

	if err := tr.Increment(ctx, ev, "bogus", 1); err == nil {
		t.Error("Increment(bogus) succeeded")
	}
}

func TestKVTrackerNeverNegative(t *testing.T) {
	ctx := context.Background()
	tr := newKVTracker(t)

	tests := []struct {
		name   string
		deltas []int64
		want   int64
	}{
		{"missing key decremented", []int64{-4}, 0},
		{"below zero clamps", []int64{2, -5}, 0},
		{"recovers after clamp", []int64{1, -3, 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := uuid.New()
			for _, d := range tt.deltas {
				if err := tr.Increment(ctx, ev, Failed, d); err != nil {
					t.Fatalf("Increment(%d): %v", d, err)
				}
				got, err := tr.Get(ctx, ev)
				if err != nil {
					t.Fatal(err)
				}
				if got.Failed < 0 {
					t.Fatalf("failed = %d after delta %d", got.Failed, d)
				}
			}
			if got, _ := tr.Get(ctx, ev); got.Failed != tt.want {
				t.Errorf("failed = %d, want %d", got.Failed, tt.want)
			}
		})
	}
}

func TestKVTrackerConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	tr := newKVTracker(t)
	ev := uuid.New()

	const workers, perWorker = 8, 10
	errs := make(chan error, workers*perWorker*3)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				errs <- tr.Increment(ctx, ev, Processing, 1)
				errs <- tr.Increment(ctx, ev, Processing, -1)
				errs <- tr.Increment(ctx, ev, Completed, 1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}

	got, err := tr.Get(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if got.Completed != workers*perWorker || got.Processing != 0 {
		t.Errorf("counters = %+v, want %d completed and 0 processing", got, workers*perWorker)
	}
}

func TestKVTrackerReset(t *testing.T) {
	ctx := context.Background()
	tr := newKVTracker(t)
	ev := uuid.New()
	other := uuid.New()

	for _, s := range []Status{Uploaded, Processing, Completed, Failed} {
		if err := tr.Increment(ctx, ev, s, 2); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.SetTotal(ctx, ev, 5); err != nil {
		t.Fatal(err)
	}
	if err := tr.Increment(ctx, other, Completed, 1); err != nil {
		t.Fatal(err)
	}

	if err := tr.Reset(ctx, ev); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	got, err := tr.Get(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if got.Uploaded != 0 || got.Processing != 0 || got.Completed != 0 || got.Failed != 0 || got.Total != 0 {
		t.Errorf("after reset = %+v, want all zero", got)
	}
	if got, _ := tr.Get(ctx, other); got.Completed != 1 {
		t.Errorf("other event completed = %d, want 1", got.Completed)
	}
}

func TestKVTrackerSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newKVTracker(t)
	ev := uuid.New()
	other := uuid.New()

	updates, err := tr.Subscribe(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Increment(ctx, other, Completed, 1); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetTotal(ctx, ev, 2); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.EventID != ev {
				t.Fatalf("update for %s, want %s", u.EventID, ev)
			}
			if u.Counters.Completed != 0 {
				t.Fatalf("counters = %+v, other event leaked in", u.Counters)
			}
			if u.Counters.Total == 2 {
				cancel()
				for range updates {
				}
				return
			}
		case <-deadline:
			t.Fatal("no snapshot with total 2 received")
		}
	}
}
