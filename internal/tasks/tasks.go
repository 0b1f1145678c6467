// Package tasks supervises fire-and-forget background work such as the turn
// pipeline, the opening turn and evaluation runs.
//
// Tasks are detached from the cancellation of the request that spawned them
// (an HTTP handler returning must not abort the AI's reply) but keep its
// values, so trace and correlation ids flow into task logs. Panics and errors
// are logged and counted instead of being lost. On shutdown, [Supervisor.Drain]
// stops accepting work and waits for running tasks; if its context expires
// first the remaining tasks are cancelled.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/internal/observe"
)

// ErrClosed is returned by [Supervisor.Go] after Drain has been called.
var ErrClosed = errors.New("tasks: supervisor is draining")

// Supervisor runs and tracks background tasks. All methods are safe for
// concurrent use.
type Supervisor struct {
	metrics *observe.Metrics

	root   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	running  atomic.Int64
	failures atomic.Int64
}

// Option is a functional option for [Supervisor].
type Option func(*Supervisor)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New returns a ready Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.root, s.cancel = context.WithCancel(context.Background())
	return s
}

// Go runs fn in a new goroutine under name. The context passed to fn keeps
// ctx's values but not its cancellation; it is cancelled only when a Drain
// deadline expires. Returns [ErrClosed] once draining has begun.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	taskCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	unlink := context.AfterFunc(s.root, stop)
	s.running.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		defer unlink()
		defer stop()

		err := s.run(taskCtx, fn)
		status := "ok"
		if err != nil {
			status = "error"
			s.failures.Add(1)
			observe.Logger(taskCtx).Error("background task failed", "task", name, "err", err)
		}
		s.metrics.RecordTask(taskCtx, name, status)
	}()
	return nil
}

func (s *Supervisor) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("background task panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tasks: panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Running returns the number of tasks currently executing.
func (s *Supervisor) Running() int {
	return int(s.running.Load())
}

// Failures returns the number of tasks that returned an error or panicked.
func (s *Supervisor) Failures() int {
	return int(s.failures.Load())
}

// Wait blocks until every task started so far has finished. It does not stop
// new tasks from being started. Mostly useful in tests.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Drain stops accepting new tasks and waits for running ones. If ctx is done
// before they finish, running tasks are cancelled and ctx's error is
// returned. Safe to call multiple times.
func (s *Supervisor) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("tasks: drain: %w", ctx.Err())
	}
}
