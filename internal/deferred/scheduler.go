// Package deferred runs best-effort work that must outlive the HTTP response.
package deferred

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of deferred work. The context it receives is detached from the
// request and bounded by the scheduler timeout.
type Task func(ctx context.Context)

// Scheduler hides whether work runs after the response or before it.
type Scheduler interface {
	Schedule(ctx context.Context, name string, task Task)
	Mode() string
}

// Queue runs tasks in the background and keeps track of them until Drain.
type Queue struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	timeout  time.Duration
	logger   *slog.Logger
	draining bool
	pending  atomic.Int64
}

// NewQueue creates an asynchronous scheduler.
func NewQueue(timeout time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{timeout: timeout, logger: logger.With("component", "deferred")}
}

// Mode implements Scheduler.
func (q *Queue) Mode() string { return "async" }

// Schedule starts the task in its own goroutine. Once draining has begun,
// tasks run inline so nothing scheduled during shutdown is lost.
func (q *Queue) Schedule(ctx context.Context, name string, task Task) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		run(ctx, q.timeout, q.logger, name, task)
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	q.pending.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.pending.Add(-1)
		run(ctx, q.timeout, q.logger, name, task)
	}()
}

// Pending reports how many tasks are still running.
func (q *Queue) Pending() int64 {
	return q.pending.Load()
}

// Drain waits for scheduled tasks until ctx expires.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.logger.Warn("drain interrupted", "pending", q.Pending())
		return ctx.Err()
	}
}

// Inline runs every task before Schedule returns.
type Inline struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewInline creates a synchronous scheduler.
func NewInline(timeout time.Duration, logger *slog.Logger) *Inline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inline{timeout: timeout, logger: logger.With("component", "deferred")}
}

// Mode implements Scheduler.
func (i *Inline) Mode() string { return "inline" }

// Schedule implements Scheduler.
func (i *Inline) Schedule(ctx context.Context, name string, task Task) {
	run(ctx, i.timeout, i.logger, name, task)
}

func run(parent context.Context, timeout time.Duration, logger *slog.Logger, name string, task Task) {
	ctx := context.WithoutCancel(parent)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("deferred task panicked", "task", name, "panic", r)
		}
	}()

	task(ctx)
}
