// Package memstore is an in-memory store.Store. It is used by tests and by
// single-process deployments without a database.
//
// Records are deep-copied on every read and write so callers can never
// mutate stored state through a returned pointer.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/internal/store"
)

// Store implements store.Store. All methods are safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*practice.Session
	turns       map[string]*practice.Turn
	sessionSeqs map[string]map[int]string // session id -> sequence -> turn id
	evaluations map[string]*practice.Evaluation
	evalBySess  map[string]string
	scenarios   map[string]*practice.Scenario
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]*practice.Session),
		turns:       make(map[string]*practice.Turn),
		sessionSeqs: make(map[string]map[int]string),
		evaluations: make(map[string]*practice.Evaluation),
		evalBySess:  make(map[string]string),
		scenarios:   make(map[string]*practice.Scenario),
	}
}

// Ping implements store.Store.
func (s *Store) Ping(context.Context) error { return nil }

// ─── Sessions ────────────────────────────────────────────────────────────────

// CreateSession implements store.SessionStore.
func (s *Store) CreateSession(_ context.Context, sess *practice.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, store.ErrConflict)
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

// GetSession implements store.SessionStore.
func (s *Store) GetSession(_ context.Context, id string) (*practice.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return copySession(sess), nil
}

// UpdateSession implements store.SessionStore.
func (s *Store) UpdateSession(_ context.Context, id string, fn func(*practice.Session) error) (*practice.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	next := copySession(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	s.sessions[id] = next
	return copySession(next), nil
}

// DeleteSession implements store.SessionStore.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	delete(s.sessions, id)
	for _, turnID := range s.sessionSeqs[id] {
		delete(s.turns, turnID)
	}
	delete(s.sessionSeqs, id)
	if evalID, ok := s.evalBySess[id]; ok {
		delete(s.evaluations, evalID)
		delete(s.evalBySess, id)
	}
	return nil
}

// ListSessions implements store.SessionStore. Results are ordered by
// creation time.
func (s *Store) ListSessions(_ context.Context, f store.SessionFilter) ([]*practice.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*practice.Session
	for _, sess := range s.sessions {
		if f.UserID != "" && sess.UserID != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, sess.Status) {
			continue
		}
		out = append(out, copySession(sess))
	}
	slices.SortFunc(out, func(a, b *practice.Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// ─── Turns ───────────────────────────────────────────────────────────────────

// AddTurn implements store.TurnStore.
func (s *Store) AddTurn(_ context.Context, t *practice.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[t.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", t.SessionID, store.ErrNotFound)
	}
	seqs := s.sessionSeqs[t.SessionID]
	if seqs == nil {
		seqs = make(map[int]string)
		s.sessionSeqs[t.SessionID] = seqs
	}
	if _, dup := seqs[t.Sequence]; dup {
		return fmt.Errorf("turn %s/%d: %w", t.SessionID, t.Sequence, store.ErrConflict)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	seqs[t.Sequence] = t.ID
	cp := *t
	s.turns[t.ID] = &cp
	return nil
}

// GetTurn implements store.TurnStore.
func (s *Store) GetTurn(_ context.Context, id string) (*practice.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[id]
	if !ok {
		return nil, fmt.Errorf("turn %s: %w", id, store.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// UpdateTurn implements store.TurnStore. Identity fields (ID, SessionID,
// Sequence) cannot be changed.
func (s *Store) UpdateTurn(_ context.Context, id string, fn func(*practice.Turn) error) (*practice.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.turns[id]
	if !ok {
		return nil, fmt.Errorf("turn %s: %w", id, store.ErrNotFound)
	}
	next := *cur
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.ID, next.SessionID, next.Sequence = cur.ID, cur.SessionID, cur.Sequence
	s.turns[id] = &next
	out := next
	return &out, nil
}

// ListTurns implements store.TurnStore.
func (s *Store) ListTurns(_ context.Context, sessionID string) ([]*practice.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seqs := s.sessionSeqs[sessionID]
	out := make([]*practice.Turn, 0, len(seqs))
	for _, id := range seqs {
		cp := *s.turns[id]
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *practice.Turn) int { return a.Sequence - b.Sequence })
	return out, nil
}

// ─── Evaluations ─────────────────────────────────────────────────────────────

// CreateEvaluation implements store.EvaluationStore.
func (s *Store) CreateEvaluation(_ context.Context, e *practice.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.evalBySess[e.SessionID]; ok {
		return fmt.Errorf("evaluation for %s: %w", e.SessionID, store.ErrConflict)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.evaluations[e.ID] = copyEvaluation(e)
	s.evalBySess[e.SessionID] = e.ID
	return nil
}

// GetEvaluationBySession implements store.EvaluationStore.
func (s *Store) GetEvaluationBySession(_ context.Context, sessionID string) (*practice.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.evalBySess[sessionID]
	if !ok {
		return nil, fmt.Errorf("evaluation for %s: %w", sessionID, store.ErrNotFound)
	}
	return copyEvaluation(s.evaluations[id]), nil
}

// UpdateEvaluation implements store.EvaluationStore.
func (s *Store) UpdateEvaluation(_ context.Context, id string, fn func(*practice.Evaluation) error) (*practice.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.evaluations[id]
	if !ok {
		return nil, fmt.Errorf("evaluation %s: %w", id, store.ErrNotFound)
	}
	next := copyEvaluation(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID, next.SessionID = cur.ID, cur.SessionID
	s.evaluations[id] = next
	return copyEvaluation(next), nil
}

// ─── Scenarios ───────────────────────────────────────────────────────────────

// GetScenario implements store.ScenarioStore.
func (s *Store) GetScenario(_ context.Context, id string) (*practice.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("scenario %s: %w", id, store.ErrNotFound)
	}
	return copyScenario(sc), nil
}

// PutScenario implements store.ScenarioStore. Existing scenarios with the
// same id are replaced.
func (s *Store) PutScenario(_ context.Context, sc *practice.Scenario) error {
	if sc.ID == "" {
		return fmt.Errorf("memstore: scenario id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios[sc.ID] = copyScenario(sc)
	return nil
}

func copySession(s *practice.Session) *practice.Session {
	cp := *s
	return &cp
}

func copyEvaluation(e *practice.Evaluation) *practice.Evaluation {
	cp := *e
	cp.Scores = slices.Clone(e.Scores)
	if cp.Scores == nil {
		cp.Scores = []practice.Score{}
	}
	return &cp
}

func copyScenario(s *practice.Scenario) *practice.Scenario {
	cp := *s
	cp.EndCriteria = slices.Clone(s.EndCriteria)
	cp.Skills = slices.Clone(s.Skills)
	cp.SkillSummaries = slices.Clone(s.SkillSummaries)
	return &cp
}

var _ store.Store = (*Store)(nil)
