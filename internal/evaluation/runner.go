// Package evaluation scores finished sessions in the background.
//
// The [Runner] guarantees at most one evaluation task per session within the
// process. A trigger creates the session's evaluation record if needed and
// makes up to three scoring attempts on a fixed backoff schedule. Records
// that are running, completed or failed are left alone; a failed evaluation
// runs again only after an explicit [Runner.Requeue].
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/hub"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/internal/tasks"
	"github.com/MrWong99/parley/pkg/retry"
)

// DefaultBackoff is the pause schedule between scoring attempts. Its length
// plus one is the attempt budget.
var DefaultBackoff = []time.Duration{400 * time.Millisecond, 800 * time.Millisecond}

// Runner runs deduplicated, retried evaluations. Safe for concurrent use.
type Runner struct {
	store   store.Store
	scorer  Scorer
	hub     hub.Broadcaster
	tasks   *tasks.Supervisor
	metrics *observe.Metrics
	model   string
	backoff []time.Duration
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option is a functional option for [Runner].
type Option func(*Runner)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithEvaluatorModel sets the model id recorded on new evaluations.
func WithEvaluatorModel(model string) Option {
	return func(r *Runner) { r.model = model }
}

// WithBackoff replaces [DefaultBackoff]. The runner makes len(delays)+1
// attempts.
func WithBackoff(delays []time.Duration) Option {
	return func(r *Runner) { r.backoff = delays }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner returns a Runner.
func NewRunner(st store.Store, scorer Scorer, h hub.Broadcaster, sup *tasks.Supervisor, opts ...Option) *Runner {
	r := &Runner{
		store:    st,
		scorer:   scorer,
		hub:      h,
		tasks:    sup,
		backoff:  DefaultBackoff,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Enqueue runs the evaluation for sessionID as a supervised background task.
func (r *Runner) Enqueue(ctx context.Context, sessionID string) {
	err := r.tasks.Go(ctx, "evaluation", func(ctx context.Context) error {
		return r.Run(ctx, sessionID)
	})
	if err != nil {
		observe.Logger(ctx).Warn("evaluation not enqueued", "session_id", sessionID, "err", err)
	}
}

// InFlight reports whether an evaluation for sessionID is currently running
// in this process.
func (r *Runner) InFlight(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[sessionID]
	return ok
}

func (r *Runner) acquire(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[sessionID]; busy {
		return false
	}
	r.inFlight[sessionID] = struct{}{}
	return true
}

func (r *Runner) release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, sessionID)
}

// Run evaluates sessionID synchronously. A concurrent Run for the same
// session returns nil immediately. The returned error covers store failures
// around the attempts; scoring failures are recorded on the evaluation.
func (r *Runner) Run(ctx context.Context, sessionID string) error {
	if !r.acquire(sessionID) {
		observe.Logger(ctx).Debug("evaluation already in flight", "session_id", sessionID)
		return nil
	}
	defer r.release(sessionID)

	ctx, span := observe.StartSpan(ctx, "evaluation.run")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if _, err := r.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("evaluation: get session: %w", err)
	}

	ev, err := r.ensureRecord(ctx, sessionID)
	if err != nil {
		observe.RecordError(span, err)
		return err
	}
	if ev.Status != practice.EvaluationPending {
		return nil
	}
	return r.attempts(ctx, ev)
}

func (r *Runner) ensureRecord(ctx context.Context, sessionID string) (*practice.Evaluation, error) {
	ev, err := r.store.GetEvaluationBySession(ctx, sessionID)
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("evaluation: load: %w", err)
	}

	ev, err = practice.NewEvaluation(sessionID, r.model, r.now())
	if err != nil {
		return nil, err
	}
	if err := r.store.CreateEvaluation(ctx, ev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return r.store.GetEvaluationBySession(ctx, sessionID)
		}
		return nil, fmt.Errorf("evaluation: create: %w", err)
	}
	if _, err := r.store.UpdateSession(ctx, sessionID, func(s *practice.Session) error {
		s.EvaluationID = ev.ID
		return nil
	}); err != nil {
		observe.Logger(ctx).Warn("evaluation: link session", "session_id", sessionID, "err", err)
	}
	return ev, nil
}

func (r *Runner) attempts(ctx context.Context, ev *practice.Evaluation) error {
	base := max(ev.Attempts, 1)
	current := base
	var lastErr error

	err := retry.DoSchedule(ctx, r.backoff, func(ctx context.Context, attempt int) error {
		current = base + attempt - 1
		err := r.attempt(ctx, ev, current)
		if err != nil {
			lastErr = err
			r.metrics.RecordEvaluationAttempt(ctx, "failed")
			observe.Logger(ctx).Warn("evaluation attempt failed",
				"session_id", ev.SessionID, "attempt", current, "err", err)
			if _, uerr := r.store.UpdateEvaluation(ctx, ev.ID, func(e *practice.Evaluation) error {
				e.LastError = err.Error()
				return nil
			}); uerr != nil {
				observe.Logger(ctx).Warn("evaluation: record error", "session_id", ev.SessionID, "err", uerr)
			}
		}
		return err
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}

	// The record must reach a terminal state even if ctx was cancelled.
	wctx := context.WithoutCancel(ctx)
	_, uerr := r.store.UpdateEvaluation(wctx, ev.ID, func(e *practice.Evaluation) error {
		e.Status = practice.EvaluationFailed
		e.Attempts = current
		e.LastError = lastErr.Error()
		e.CompletedAt = r.now().UTC()
		return nil
	})
	if uerr != nil {
		return fmt.Errorf("evaluation: mark failed: %w", uerr)
	}
	observe.Logger(ctx).Error("evaluation failed", "session_id", ev.SessionID, "attempts", current, "err", lastErr)
	return nil
}

func (r *Runner) attempt(ctx context.Context, ev *practice.Evaluation, number int) error {
	ctx, span := observe.StartSpan(ctx, "evaluation.attempt")
	defer span.End()
	span.SetAttributes(attribute.Int("attempt", number))

	if _, err := r.store.UpdateEvaluation(ctx, ev.ID, func(e *practice.Evaluation) error {
		e.Status = practice.EvaluationRunning
		e.Attempts = number
		e.LastError = ""
		return nil
	}); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	in, err := r.gather(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	res, err := r.scorer.Score(ctx, in)
	if err != nil {
		observe.RecordError(span, err)
		return err
	}

	done, err := r.store.UpdateEvaluation(ctx, ev.ID, func(e *practice.Evaluation) error {
		e.Status = practice.EvaluationCompleted
		e.Scores = res.Scores
		e.Summary = res.Summary
		e.Attempts = number
		e.LastError = ""
		e.CompletedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	r.metrics.RecordEvaluationAttempt(ctx, "completed")
	if d, ok := done.QueueLatency(); ok {
		r.metrics.RecordQueueLatency(ctx, "completion", d)
	}
	observe.Logger(ctx).Info("evaluation completed", "session_id", done.SessionID, "attempts", number)
	r.hub.Broadcast(ctx, done.SessionID, practice.EvaluationReadyEvent(done))
	return nil
}

func (r *Runner) gather(ctx context.Context, sessionID string) (Input, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return Input{}, fmt.Errorf("session: %w", err)
	}
	scenario, err := r.store.GetScenario(ctx, sess.ScenarioID)
	if err != nil {
		return Input{}, fmt.Errorf("scenario: %w", err)
	}
	turns, err := r.store.ListTurns(ctx, sessionID)
	if err != nil {
		return Input{}, fmt.Errorf("turns: %w", err)
	}
	return Input{Session: sess, Scenario: scenario, Turns: turns}, nil
}

// Get returns the session's evaluation and records its queue latency when
// it has one.
func (r *Runner) Get(ctx context.Context, sessionID string) (*practice.Evaluation, error) {
	ev, err := r.store.GetEvaluationBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if d, ok := ev.QueueLatency(); ok {
		r.metrics.RecordQueueLatency(ctx, "read", d)
	}
	return ev, nil
}

// Requeue resets a failed evaluation to pending and triggers it again. For
// any other status it returns the unchanged record together with an error
// matching [practice.ErrConflict].
func (r *Runner) Requeue(ctx context.Context, sessionID string) (*practice.Evaluation, error) {
	cur, err := r.store.GetEvaluationBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var conflict error
	ev, err := r.store.UpdateEvaluation(ctx, cur.ID, func(e *practice.Evaluation) error {
		if e.Status != practice.EvaluationFailed {
			conflict = fmt.Errorf("%w: evaluation is %s", practice.ErrConflict, e.Status)
			return conflict
		}
		e.Status = practice.EvaluationPending
		e.Attempts++
		e.LastError = ""
		e.CompletedAt = time.Time{}
		e.QueuedAt = r.now().UTC()
		return nil
	})
	if conflict != nil {
		latest, gerr := r.store.GetEvaluationBySession(ctx, sessionID)
		if gerr != nil {
			latest = cur
		}
		return latest, conflict
	}
	if err != nil {
		return nil, fmt.Errorf("evaluation: requeue: %w", err)
	}

	observe.Logger(ctx).Info("evaluation requeued", "session_id", sessionID, "attempts", ev.Attempts)
	r.Enqueue(ctx, sessionID)
	return ev, nil
}
