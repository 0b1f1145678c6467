package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", base, false},
		{"transient", Transient(base), true},
		{"permanent", Permanent(base), false},
		{"wrapped transient", fmt.Errorf("ctx: %w", Transient(base)), true},
		{"status 500", &StatusError{Provider: "x", Status: 502, Err: base}, true},
		{"status 429", &StatusError{Provider: "x", Status: http.StatusTooManyRequests, Err: base}, true},
		{"status 0", &StatusError{Provider: "x", Err: base}, true},
		{"status 400", &StatusError{Provider: "x", Status: 400, Err: base}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransientPermanent_Nil(t *testing.T) {
	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Error("wrapping nil must return nil")
	}
}

func TestStatusCode(t *testing.T) {
	err := fmt.Errorf("scorer: %w", &StatusError{Provider: "openai", Status: 422, Err: errors.New("bad")})
	if got := StatusCode(err); got != 422 {
		t.Errorf("StatusCode = %d, want 422", got)
	}
	if got := StatusCode(errors.New("x")); got != 0 {
		t.Errorf("StatusCode = %d, want 0", got)
	}
}

func TestDo(t *testing.T) {
	t.Run("retries transient until success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), Policy{Attempts: 3, Backoff: time.Millisecond}, func(context.Context) error {
			calls++
			if calls < 3 {
				return Transient(errors.New("flaky"))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("stops on permanent", func(t *testing.T) {
		calls := 0
		want := errors.New("bad request")
		err := Do(context.Background(), Policy{Attempts: 5, Backoff: time.Millisecond}, func(context.Context) error {
			calls++
			return want
		})
		if !errors.Is(err, want) {
			t.Errorf("err = %v, want %v", err, want)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("budget exhausted", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), Policy{Attempts: 2, Backoff: time.Millisecond}, func(context.Context) error {
			calls++
			return Transient(errors.New("down"))
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if !IsRetryable(err) {
			t.Error("final error should keep its classification")
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})
}

func TestDoSchedule(t *testing.T) {
	var attempts []int
	err := DoSchedule(context.Background(), []time.Duration{time.Millisecond, time.Millisecond}, func(_ context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		return errors.New("always")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestDoSchedule_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := DoSchedule(ctx, []time.Duration{time.Hour}, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestIsPermanent(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", base, false},
		{"transient", Transient(base), false},
		{"permanent", fmt.Errorf("wrap: %w", Permanent(base)), true},
		{"status 401", &StatusError{Provider: "x", Status: http.StatusUnauthorized, Err: base}, true},
		{"status 503", &StatusError{Provider: "x", Status: http.StatusServiceUnavailable, Err: base}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDoScheduleIf(t *testing.T) {
	delays := []time.Duration{time.Millisecond, time.Millisecond}

	t.Run("stops on rejected error", func(t *testing.T) {
		calls := 0
		err := DoScheduleIf(context.Background(), delays, IsRetryable, func(context.Context, int) error {
			calls++
			return &StatusError{Provider: "x", Status: http.StatusUnauthorized, Err: errors.New("key")}
		})
		if StatusCode(err) != http.StatusUnauthorized {
			t.Errorf("err = %v, want the 401", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("repeats accepted error", func(t *testing.T) {
		calls := 0
		err := DoScheduleIf(context.Background(), delays, IsRetryable, func(context.Context, int) error {
			calls++
			return Transient(errors.New("503"))
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})
}
