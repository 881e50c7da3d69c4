package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/observability"
)

// Handler runs one task. *Processor implements it.
type Handler interface {
	Process(ctx context.Context, task models.PhotoTask) (Outcome, error)
}

// LocalPool is an in-process executor: a fixed set of workers reading a
// buffered queue. Submit blocks while the queue is full.
type LocalPool struct {
	handler Handler
	jobs    chan models.PhotoTask

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
	closed  bool
	senders sync.WaitGroup

	workers   sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewLocalPool(handler Handler, workers, queueSize int) *LocalPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &LocalPool{
		handler: handler,
		jobs:    make(chan models.PhotoTask, queueSize),
		pending: make(map[uuid.UUID]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.workers.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	slog.Info("local pool started", "workers", workers, "queue_size", queueSize)
	return p
}

func (p *LocalPool) worker(id int) {
	defer p.workers.Done()
	for task := range p.jobs {
		observability.QueueDepth.Set(float64(len(p.jobs)))
		outcome, err := p.handler.Process(p.ctx, task)
		if err != nil {
			slog.Error("process photo task", "worker", id, "photo_id", task.PhotoID, "error", err)
		} else {
			slog.Debug("photo task finished", "worker", id, "photo_id", task.PhotoID, "outcome", outcome)
		}
		p.mu.Lock()
		delete(p.pending, task.PhotoID)
		p.mu.Unlock()
	}
}

// Submit queues a task. A photo already queued or running is not queued
// again.
func (p *LocalPool) Submit(ctx context.Context, task models.PhotoTask) (JobHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return JobHandle{}, ErrClosed
	}
	if _, dup := p.pending[task.PhotoID]; dup {
		p.mu.Unlock()
		slog.Debug("photo already queued", "photo_id", task.PhotoID)
		return handleOf(task), nil
	}
	p.pending[task.PhotoID] = struct{}{}
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	select {
	case p.jobs <- task:
		observability.QueueDepth.Set(float64(len(p.jobs)))
		return handleOf(task), nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, task.PhotoID)
		p.mu.Unlock()
		return JobHandle{}, ctx.Err()
	}
}

func (p *LocalPool) RetryFailed(context.Context, uuid.UUID, int) (JobHandle, error) {
	return JobHandle{}, ErrRetryUnsupported
}

// Close stops accepting tasks, waits for queued ones to finish and stops the
// workers.
func (p *LocalPool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.senders.Wait()
		close(p.jobs)
		p.workers.Wait()
		p.cancel()
		slog.Info("local pool stopped")
	})
	return nil
}
