// Package retry gives collaborator errors an explicit retryability flag and
// runs bounded retry loops on top of github.com/sethvargo/go-retry.
//
// Provider adapters classify every error they return, either by wrapping it
// with [Transient] / [Permanent] or by returning a [*StatusError]. Callers
// never inspect concrete SDK error types; they ask [IsRetryable].
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Retryable is implemented by errors that know whether repeating the failed
// call may succeed.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether any error in err's chain declares itself
// retryable. Errors without a declaration are not retried.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// IsPermanent reports whether err's chain explicitly declares itself not
// retryable. Unlike !IsRetryable, errors without a declaration report false.
func IsPermanent(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return !r.Retryable()
	}
	return false
}

type flagged struct {
	err       error
	retryable bool
}

func (e *flagged) Error() string   { return e.err.Error() }
func (e *flagged) Unwrap() error   { return e.err }
func (e *flagged) Retryable() bool { return e.retryable }

// Transient marks err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &flagged{err: err, retryable: true}
}

// Permanent marks err as not retryable. Returns nil for a nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &flagged{err: err, retryable: false}
}

// StatusError carries the HTTP status a remote API answered with. Status 0
// means the request never got a response (transport failure).
type StatusError struct {
	Provider string
	Status   int
	Err      error
}

func (e *StatusError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Retryable reports true for transport failures, rate limiting and 5xx.
func (e *StatusError) Retryable() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// StatusCode returns the HTTP status of the first [*StatusError] in err's
// chain, or 0 if there is none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 are treated as 1.
	Attempts int

	// Backoff is the delay before the second call; it doubles for each
	// further call.
	Backoff time.Duration
}

// Do calls fn until it succeeds, returns an error that is not retryable, the
// attempt budget is spent, or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	base := p.Backoff
	if base <= 0 {
		base = time.Millisecond
	}
	b := goretry.WithMaxRetries(uint64(attempts-1), goretry.NewExponential(base))
	return goretry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsRetryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}

// Schedule returns a backoff that yields the given delays in order and then
// stops. Use it with [DoSchedule] for fixed retry plans such as 400ms, 800ms.
func Schedule(delays ...time.Duration) goretry.Backoff {
	i := 0
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		if i >= len(delays) {
			return 0, true
		}
		d := delays[i]
		i++
		return d, false
	})
}

// DoSchedule calls fn once, then once more after each delay in delays, until
// fn returns nil or ctx is done. Every error from fn is retried regardless of
// its retryability; the attempt number (starting at 1) is passed to fn.
func DoSchedule(ctx context.Context, delays []time.Duration, fn func(ctx context.Context, attempt int) error) error {
	return DoScheduleIf(ctx, delays, func(error) bool { return true }, fn)
}

// DoScheduleIf is [DoSchedule] but stops at the first error for which
// retryable returns false.
func DoScheduleIf(ctx context.Context, delays []time.Duration, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	attempt := 0
	return goretry.Do(ctx, Schedule(delays...), func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err != nil && retryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}
