// Package lifecycle owns the session state machine and admission control.
//
//	pending --Initiate--> active --Terminate--> ended
//
// ended is terminal. [Manager.Create] validates the scenario, the client
// clock and the caller's capacity before anything is persisted, then starts
// the session and hands the opening turn to a background task so the caller
// never waits for the AI's first line. [Manager.Terminate] is idempotent and
// enqueues post-session evaluation exactly once per session.
package lifecycle

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
)

// Defaults for [Config].
const (
	DefaultMaxActive        = 20
	DefaultMaxPending       = 5
	DefaultDriftTolerance   = 2 * time.Second
	DefaultWatchdogInterval = 15 * time.Second
)

// Config holds admission and watchdog settings. Zero fields use defaults.
type Config struct {
	MaxActive        int
	MaxPending       int
	DriftTolerance   time.Duration
	WatchdogInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxActive <= 0 {
		c.MaxActive = DefaultMaxActive
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = DefaultDriftTolerance
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = DefaultWatchdogInterval
	}
	return c
}

// Opener produces the opening AI turn of a freshly started session.
type Opener interface {
	Open(ctx context.Context, session *practice.Session, scenario *practice.Scenario) error
}

// Evaluator accepts ended sessions for scoring. Enqueue must not block on
// the scoring itself.
type Evaluator interface {
	Enqueue(ctx context.Context, sessionID string)
}

// CreateRequest is the input to [Manager.Create].
type CreateRequest struct {
	UserID          string
	ScenarioID      string
	ClientStartedAt time.Time
}

// Manager drives session state transitions. Safe for concurrent use.
type Manager struct {
	store     store.Store
	hub       hub.Broadcaster
	tasks     *tasks.Supervisor
	evaluator Evaluator
	metrics   *observe.Metrics
	cfg       Config
	now       func() time.Time

	mu     sync.RWMutex
	opener Opener

	done     chan struct{}
	stopOnce sync.Once
}

// Option is a functional option for [Manager].
type Option func(*Manager)

// WithConfig sets admission and watchdog limits.
func WithConfig(c Config) Option {
	return func(m *Manager) { m.cfg = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithOpener sets the opening-turn producer.
func WithOpener(o Opener) Option {
	return func(m *Manager) { m.opener = o }
}

// New returns a Manager. evaluator may be nil, in which case ended sessions
// are not scored.
func New(st store.Store, h hub.Broadcaster, sup *tasks.Supervisor, evaluator Evaluator, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		hub:       h,
		tasks:     sup,
		evaluator: evaluator,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg = m.cfg.withDefaults()
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// SetOpener installs the opening-turn producer after construction. The turn
// pipeline depends on the Manager for termination, so it is usually wired
// this way.
func (m *Manager) SetOpener(o Opener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opener = o
}

func (m *Manager) currentOpener() Opener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opener
}

// EnforceDrift rejects a client start timestamp that is more than the drift
// tolerance away from server time.
func (m *Manager) EnforceDrift(clientStartedAt time.Time) error {
	drift := m.now().Sub(clientStartedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > m.cfg.DriftTolerance {
		return fmt.Errorf("%w: client clock is %s off (tolerance %s)", practice.ErrClockDrift, drift.Round(time.Millisecond), m.cfg.DriftTolerance)
	}
	return nil
}

// EnsureCapacity denies admission when userID already has MaxActive
// non-ended sessions (pending and active together) or MaxPending pending
// ones. Denials are immediate, never queued.
func (m *Manager) EnsureCapacity(ctx context.Context, userID string) error {
	sessions, err := m.store.ListSessions(ctx, store.SessionFilter{
		UserID:   userID,
		Statuses: []practice.SessionStatus{practice.SessionPending, practice.SessionActive},
	})
	if err != nil {
		return fmt.Errorf("lifecycle: list sessions: %w", err)
	}

	nonEnded := len(sessions)
	var pending int
	for _, s := range sessions {
		if s.Status == practice.SessionPending {
			pending++
		}
	}
	switch {
	case nonEnded >= m.cfg.MaxActive:
		m.metrics.RecordCapacityRejection(ctx, "active")
		return fmt.Errorf("%w: %d open sessions (limit %d)", practice.ErrCapacity, nonEnded, m.cfg.MaxActive)
	case pending >= m.cfg.MaxPending:
		m.metrics.RecordCapacityRejection(ctx, "pending")
		return fmt.Errorf("%w: %d pending sessions (limit %d)", practice.ErrCapacity, pending, m.cfg.MaxPending)
	}
	return nil
}

// Create admits, persists and starts a new session. The opening turn is
// produced in the background.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*practice.Session, error) {
	ctx, span := observe.StartSpan(ctx, "sessions.create")
	defer span.End()
	span.SetAttributes(attribute.String("scenario.id", req.ScenarioID))

	sess, scenario, err := m.admit(ctx, req)
	if err != nil {
		observe.RecordError(span, err)
		return nil, err
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		observe.RecordError(span, err)
		return nil, fmt.Errorf("lifecycle: create session: %w", err)
	}
	m.metrics.SessionsCreated.Add(ctx, 1)
	span.SetAttributes(attribute.String("session.id", sess.ID))

	started, err := m.initiate(ctx, sess.ID, scenario)
	if err != nil {
		observe.RecordError(span, err)
		return nil, err
	}
	observe.Logger(ctx).Info("session created", "session_id", started.ID, "scenario_id", scenario.ID, "user_id", started.UserID)
	return started, nil
}

func (m *Manager) admit(ctx context.Context, req CreateRequest) (*practice.Session, *practice.Scenario, error) {
	if req.ClientStartedAt.IsZero() {
		return nil, nil, fmt.Errorf("%w: clientSessionStartedAt is required", practice.ErrValidation)
	}
	if err := m.EnforceDrift(req.ClientStartedAt); err != nil {
		return nil, nil, err
	}

	scenario, err := m.store.GetScenario(ctx, req.ScenarioID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: scenario %q does not exist", practice.ErrScenarioUnavailable, req.ScenarioID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lifecycle: get scenario: %w", err)
	}
	if err := scenario.ValidateForPractice(); err != nil {
		return nil, nil, err
	}

	if err := m.EnsureCapacity(ctx, req.UserID); err != nil {
		return nil, nil, err
	}

	sess, err := practice.NewSession(req.UserID, scenario, req.ClientStartedAt, m.now())
	if err != nil {
		return nil, nil, err
	}
	return sess, scenario, nil
}

// Initiate moves a pending session to active and schedules its opening
// turn. Starting a session that is not pending is a conflict.
func (m *Manager) Initiate(ctx context.Context, sessionID string) (*practice.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: get session: %w", err)
	}
	scenario, err := m.store.GetScenario(ctx, sess.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: get scenario: %w", err)
	}
	return m.initiate(ctx, sessionID, scenario)
}

func (m *Manager) initiate(ctx context.Context, sessionID string, scenario *practice.Scenario) (*practice.Session, error) {
	now := m.now().UTC()
	sess, err := m.store.UpdateSession(ctx, sessionID, func(s *practice.Session) error {
		if s.Status != practice.SessionPending {
			return fmt.Errorf("%w: session %s is %s", practice.ErrConflict, s.ID, s.Status)
		}
		s.Status = practice.SessionActive
		s.StartedAt = now
		s.WSChannel = practice.ChannelFor(s.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: initiate: %w", err)
	}

	if opener := m.currentOpener(); opener != nil {
		snapshot := *sess
		err := m.tasks.Go(ctx, "opening", func(ctx context.Context) error {
			return opener.Open(ctx, &snapshot, scenario)
		})
		if err != nil {
			observe.Logger(ctx).Warn("opening turn not scheduled", "session_id", sessionID, "err", err)
		}
	}
	return sess, nil
}

var errAlreadyEnded = errors.New("session already ended")

// Terminate ends the session with reason at endedAt. Terminating an ended
// session returns it unchanged. The transition that actually ends the
// session broadcasts a termination event and enqueues evaluation; repeated
// or concurrent calls do neither.
func (m *Manager) Terminate(ctx context.Context, sessionID string, reason practice.TerminationReason, endedAt time.Time) (*practice.Session, error) {
	if !reason.IsValid() {
		return nil, fmt.Errorf("%w: unknown termination reason %q", practice.ErrValidation, reason)
	}
	if endedAt.IsZero() {
		endedAt = m.now()
	}

	sess, err := m.store.UpdateSession(ctx, sessionID, func(s *practice.Session) error {
		if s.Ended() {
			return errAlreadyEnded
		}
		s.Status = practice.SessionEnded
		s.TerminationReason = reason
		s.EndedAt = endedAt.UTC()
		switch reason {
		case practice.ReasonObjectiveMet:
			s.ObjectiveStatus = practice.ObjectiveSucceeded
		case practice.ReasonObjectiveFailed:
			s.ObjectiveStatus = practice.ObjectiveFailed
		}
		return nil
	})
	if errors.Is(err, errAlreadyEnded) {
		return m.store.GetSession(ctx, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: terminate: %w", err)
	}

	m.metrics.RecordTermination(ctx, string(reason))
	observe.Logger(ctx).Info("session ended", "session_id", sessionID, "reason", reason)
	m.hub.Broadcast(ctx, sessionID, practice.TerminationEvent(reason, sess.EndedAt, messageFor(reason)))
	if m.evaluator != nil {
		m.evaluator.Enqueue(ctx, sessionID)
	}
	return sess, nil
}

// RecordObjective stores the judge's reason before an objective termination.
func (m *Manager) RecordObjective(ctx context.Context, sessionID string, status practice.ObjectiveStatus, reason string) error {
	_, err := m.store.UpdateSession(ctx, sessionID, func(s *practice.Session) error {
		if s.Ended() {
			return errAlreadyEnded
		}
		s.ObjectiveStatus = status
		s.ObjectiveReason = reason
		return nil
	})
	if err != nil && !errors.Is(err, errAlreadyEnded) {
		return fmt.Errorf("lifecycle: record objective: %w", err)
	}
	return nil
}

// ManualStop terminates on client request. Only manual, qa_error and
// media_error may be requested.
func (m *Manager) ManualStop(ctx context.Context, sessionID string, reason practice.TerminationReason) (*practice.Session, error) {
	if reason == practice.ReasonNone {
		reason = practice.ReasonManual
	}
	if !reason.IsManual() {
		return nil, fmt.Errorf("%w: reason %q cannot be requested manually", practice.ErrValidation, reason)
	}
	return m.Terminate(ctx, sessionID, reason, m.now())
}

func messageFor(reason practice.TerminationReason) string {
	switch reason {
	case practice.ReasonQAError:
		return practice.MessageQAError
	case practice.ReasonMediaError:
		return practice.MessageMediaError
	}
	return ""
}
