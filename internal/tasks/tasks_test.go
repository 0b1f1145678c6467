package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/parley/internal/observe"
)

func newSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return New(WithMetrics(m))
}

type ctxKey struct{}

func TestGo_DetachesCancellationKeepsValues(t *testing.T) {
	s := newSupervisor(t)
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "v"))

	started := make(chan struct{})
	result := make(chan error, 1)
	var value any
	if err := s.Go(parent, "detached", func(ctx context.Context) error {
		close(started)
		value = ctx.Value(ctxKey{})
		time.Sleep(20 * time.Millisecond)
		result <- ctx.Err()
		return nil
	}); err != nil {
		t.Fatalf("Go: %v", err)
	}
	<-started
	cancel()
	s.Wait()

	if err := <-result; err != nil {
		t.Errorf("task ctx cancelled with parent: %v", err)
	}
	if value != "v" {
		t.Errorf("value = %v, want v", value)
	}
}

func TestGo_CountsFailuresAndPanics(t *testing.T) {
	s := newSupervisor(t)
	ctx := context.Background()

	_ = s.Go(ctx, "ok", func(context.Context) error { return nil })
	_ = s.Go(ctx, "fail", func(context.Context) error { return errors.New("boom") })
	_ = s.Go(ctx, "panic", func(context.Context) error { panic("kaboom") })
	s.Wait()

	if got := s.Failures(); got != 2 {
		t.Errorf("Failures = %d, want 2", got)
	}
	if got := s.Running(); got != 0 {
		t.Errorf("Running = %d, want 0", got)
	}
}

func TestDrain_WaitsForRunning(t *testing.T) {
	s := newSupervisor(t)
	var finished atomic.Bool
	_ = s.Go(context.Background(), "slow", func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !finished.Load() {
		t.Error("Drain returned before task finished")
	}
	if err := s.Go(context.Background(), "late", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Go after Drain = %v, want ErrClosed", err)
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Errorf("second Drain: %v", err)
	}
}

func TestDrain_DeadlineCancelsTasks(t *testing.T) {
	s := newSupervisor(t)
	cancelled := make(chan struct{})
	_ = s.Go(context.Background(), "stuck", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Drain(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain = %v, want DeadlineExceeded", err)
	}
	select {
	case <-cancelled:
	default:
		t.Error("stuck task was not cancelled")
	}
}
