package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/internal/store"
)

// Start runs the idle/duration watchdog in a background goroutine until
// [Manager.Stop] is called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop halts the watchdog. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				slog.Warn("session watchdog sweep failed", "error", err)
			}
		}
	}
}

// Sweep ends every active session that ran past its duration limit or has
// been idle longer than its idle limit. It returns the number of sessions
// ended.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	active, err := m.store.ListSessions(ctx, store.SessionFilter{
		Statuses: []practice.SessionStatus{practice.SessionActive},
	})
	if err != nil {
		return 0, err
	}

	now := m.now()
	ended := 0
	for _, s := range active {
		reason, err := m.expired(ctx, s, now)
		if err != nil {
			slog.Warn("watchdog: inspect session", "session_id", s.ID, "error", err)
			continue
		}
		if reason == practice.ReasonNone {
			continue
		}
		if _, err := m.Terminate(ctx, s.ID, reason, now); err != nil {
			slog.Warn("watchdog: terminate session", "session_id", s.ID, "reason", reason, "error", err)
			continue
		}
		ended++
	}
	return ended, nil
}

func (m *Manager) expired(ctx context.Context, s *practice.Session, now time.Time) (practice.TerminationReason, error) {
	if s.StartedAt.IsZero() {
		return practice.ReasonNone, nil
	}
	if limit := time.Duration(s.DurationLimitSeconds) * time.Second; limit > 0 && now.Sub(s.StartedAt) >= limit {
		return practice.ReasonDurationTimeout, nil
	}

	limit := time.Duration(s.IdleLimitSeconds) * time.Second
	if limit <= 0 {
		return practice.ReasonNone, nil
	}
	turns, err := m.store.ListTurns(ctx, s.ID)
	if err != nil {
		return practice.ReasonNone, err
	}
	last := s.StartedAt
	for _, t := range turns {
		if t.CreatedAt.After(last) {
			last = t.CreatedAt
		}
		if t.EndedAt.After(last) {
			last = t.EndedAt
		}
	}
	if now.Sub(last) >= limit {
		return practice.ReasonIdleTimeout, nil
	}
	return practice.ReasonNone, nil
}
