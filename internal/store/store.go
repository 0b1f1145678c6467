// Package store defines the persistence collaborator for practice entities.
//
// Updates are expressed as read-modify-write closures: the implementation
// loads the current record, passes a copy to fn, and persists the result
// atomically with respect to other updates of the same record. If fn returns
// an error nothing is written and the error is returned unchanged.
//
// Lookups of missing records return an error matching [ErrNotFound] (and
// [practice.ErrNotFound]).
package store

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/internal/practice"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = fmt.Errorf("store: %w", practice.ErrNotFound)

	// ErrConflict is returned when a uniqueness constraint is violated, such
	// as a second turn with the same (session, sequence) or a second
	// evaluation for a session.
	ErrConflict = fmt.Errorf("store: %w", practice.ErrConflict)
)

// SessionFilter narrows ListSessions. Zero fields match everything.
type SessionFilter struct {
	UserID   string
	Statuses []practice.SessionStatus
}

// SessionStore persists sessions.
type SessionStore interface {
	// CreateSession inserts s. An empty s.ID is filled in.
	CreateSession(ctx context.Context, s *practice.Session) error
	GetSession(ctx context.Context, id string) (*practice.Session, error)
	UpdateSession(ctx context.Context, id string, fn func(*practice.Session) error) (*practice.Session, error)
	// DeleteSession removes the session together with its turns and
	// evaluation.
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, f SessionFilter) ([]*practice.Session, error)
}

// TurnStore persists turns.
type TurnStore interface {
	// AddTurn inserts t. An empty t.ID is filled in. Returns [ErrConflict]
	// if the session already has a turn with t.Sequence.
	AddTurn(ctx context.Context, t *practice.Turn) error
	GetTurn(ctx context.Context, id string) (*practice.Turn, error)
	UpdateTurn(ctx context.Context, id string, fn func(*practice.Turn) error) (*practice.Turn, error)
	// ListTurns returns the session's turns ordered by sequence.
	ListTurns(ctx context.Context, sessionID string) ([]*practice.Turn, error)
}

// EvaluationStore persists evaluations.
type EvaluationStore interface {
	// CreateEvaluation inserts e. An empty e.ID is filled in. Returns
	// [ErrConflict] if the session already has an evaluation.
	CreateEvaluation(ctx context.Context, e *practice.Evaluation) error
	GetEvaluationBySession(ctx context.Context, sessionID string) (*practice.Evaluation, error)
	UpdateEvaluation(ctx context.Context, id string, fn func(*practice.Evaluation) error) (*practice.Evaluation, error)
}

// ScenarioStore reads scenarios. PutScenario exists for seeding; authoring
// happens outside this service.
type ScenarioStore interface {
	GetScenario(ctx context.Context, id string) (*practice.Scenario, error)
	PutScenario(ctx context.Context, s *practice.Scenario) error
}

// Store is the full persistence collaborator.
type Store interface {
	SessionStore
	TurnStore
	EvaluationStore
	ScenarioStore

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
