// Package mock provides a store.Store test double that records calls and
// injects failures on top of an in-memory store.
//
// Unset *Err fields delegate to the embedded memstore, so the mock behaves
// like a real store unless a test asks otherwise.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/internal/store/memstore"
)

// Store is a mock implementation of store.Store.
type Store struct {
	*memstore.Store

	mu sync.Mutex

	CreateSessionErr    error
	UpdateSessionErr    error
	AddTurnErr          error
	UpdateTurnErr       error
	ListTurnsErr        error
	CreateEvaluationErr error
	UpdateEvaluationErr error
	PingErr             error

	calls map[string]int
}

// New returns a mock backed by an empty memstore.
func New() *Store {
	return &Store{Store: memstore.New(), calls: make(map[string]int)}
}

func (s *Store) record(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[method]++
}

func (s *Store) errFor(err *error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *err
}

// CallCount returns how many times the named method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Reset clears call counts. Injected errors are left in place.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

// SetErr sets an injected error under the mock's lock so that it can be
// changed while background goroutines use the store.
func (s *Store) SetErr(field *error, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field = err
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	s.record("Ping")
	if err := s.errFor(&s.PingErr); err != nil {
		return err
	}
	return s.Store.Ping(ctx)
}

// CreateSession implements store.SessionStore.
func (s *Store) CreateSession(ctx context.Context, sess *practice.Session) error {
	s.record("CreateSession")
	if err := s.errFor(&s.CreateSessionErr); err != nil {
		return err
	}
	return s.Store.CreateSession(ctx, sess)
}

// UpdateSession implements store.SessionStore.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*practice.Session) error) (*practice.Session, error) {
	s.record("UpdateSession")
	if err := s.errFor(&s.UpdateSessionErr); err != nil {
		return nil, err
	}
	return s.Store.UpdateSession(ctx, id, fn)
}

// AddTurn implements store.TurnStore.
func (s *Store) AddTurn(ctx context.Context, t *practice.Turn) error {
	s.record("AddTurn")
	if err := s.errFor(&s.AddTurnErr); err != nil {
		return err
	}
	return s.Store.AddTurn(ctx, t)
}

// UpdateTurn implements store.TurnStore.
func (s *Store) UpdateTurn(ctx context.Context, id string, fn func(*practice.Turn) error) (*practice.Turn, error) {
	s.record("UpdateTurn")
	if err := s.errFor(&s.UpdateTurnErr); err != nil {
		return nil, err
	}
	return s.Store.UpdateTurn(ctx, id, fn)
}

// ListTurns implements store.TurnStore.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*practice.Turn, error) {
	s.record("ListTurns")
	if err := s.errFor(&s.ListTurnsErr); err != nil {
		return nil, err
	}
	return s.Store.ListTurns(ctx, sessionID)
}

// CreateEvaluation implements store.EvaluationStore.
func (s *Store) CreateEvaluation(ctx context.Context, e *practice.Evaluation) error {
	s.record("CreateEvaluation")
	if err := s.errFor(&s.CreateEvaluationErr); err != nil {
		return err
	}
	return s.Store.CreateEvaluation(ctx, e)
}

// UpdateEvaluation implements store.EvaluationStore.
func (s *Store) UpdateEvaluation(ctx context.Context, id string, fn func(*practice.Evaluation) error) (*practice.Evaluation, error) {
	s.record("UpdateEvaluation")
	if err := s.errFor(&s.UpdateEvaluationErr); err != nil {
		return nil, err
	}
	return s.Store.UpdateEvaluation(ctx, id, fn)
}

var _ store.Store = (*Store)(nil)
