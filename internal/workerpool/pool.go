// Package workerpool runs tasks on a fixed number of goroutines fed by a
// bounded admission queue. Submission never blocks: when the queue is full the
// task is refused and the caller decides what that means.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned by Submit when the admission queue has no room.
	ErrQueueFull = errors.New("admission queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("worker pool closed")
)

// Task is a unit of work. ctx is canceled if the pool is closed before the
// task returns and the close deadline expires.
type Task func(ctx context.Context)

// Config sizes the pool.
type Config struct {
	Workers   int // concurrent tasks (default: 4)
	QueueSize int // admitted tasks waiting for a worker (default: 64)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// MetricsRecorder is an optional interface for recording pool metrics.
type MetricsRecorder interface {
	RecordPoolQueueSize(ctx context.Context, size int64)
	RecordPoolRejected(ctx context.Context)
}

// Stats holds pool statistics.
type Stats struct {
	Workers    int   // configured worker count
	QueueDepth int   // tasks waiting for a worker
	Running    int64 // tasks currently executing
	Submitted  int64 // tasks admitted
	Completed  int64 // tasks that returned
	Rejected   int64 // tasks refused with ErrQueueFull
}

// Pool is a bounded worker pool.
type Pool struct {
	queue   chan Task
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder

	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New starts a pool. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		queue:    make(chan Task, cfg.QueueSize),
		config:   cfg,
		logger:   slog.With("component", "workerpool"),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}

	p.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go p.worker()
	}

	p.logger.Info("Worker pool started", "workers", cfg.Workers, "queue", cfg.QueueSize)
	return p
}

// Submit admits a task without blocking.
func (p *Pool) Submit(task Task) error {
	if p.closed.Load() {
		return ErrClosed
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		p.recordQueueSize()
		return nil
	default:
		p.rejected.Add(1)
		if p.metrics != nil {
			p.metrics.RecordPoolRejected(context.Background())
		}
		p.logger.Warn("Task rejected, admission queue full", "queue", cap(p.queue))
		return ErrQueueFull
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.config.Workers,
		QueueDepth: len(p.queue),
		Running:    p.running.Load(),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Rejected:   p.rejected.Load(),
	}
}

// Close stops intake and waits for running tasks. Tasks still queued are not
// started. If ctx expires first, running tasks have their context canceled
// and Close returns ctx.Err() without waiting further.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("Worker pool shutting down", "running", p.running.Load(), "queued", len(p.queue))
	close(p.shutdown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool shutdown complete", "completed", p.completed.Load(), "abandoned", len(p.queue))
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("Worker pool shutdown timed out", "running", p.running.Load())
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.shutdown:
			return
		case task := <-p.queue:
			// Both cases may be ready at once; shutdown wins.
			if p.closed.Load() {
				return
			}
			p.recordQueueSize()
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	p.running.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", "panic", r, "stack", string(debug.Stack()))
		}
		p.running.Add(-1)
		p.completed.Add(1)
	}()
	task(p.ctx)
}

func (p *Pool) recordQueueSize() {
	if p.metrics != nil {
		p.metrics.RecordPoolQueueSize(context.Background(), int64(len(p.queue)))
	}
}
