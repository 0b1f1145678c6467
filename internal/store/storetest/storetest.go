// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/internal/store"
)

// Run exercises every store.Store operation against a fresh store returned by
// newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"SessionCRUD", testSessionCRUD},
		{"UpdateSessionAbort", testUpdateSessionAbort},
		{"ListSessionsFilter", testListSessionsFilter},
		{"TurnOrdering", testTurnOrdering},
		{"TurnDuplicateSequence", testTurnDuplicateSequence},
		{"ConcurrentDuplicateTurns", testConcurrentDuplicateTurns},
		{"UpdateTurnKeepsIdentity", testUpdateTurnKeepsIdentity},
		{"EvaluationLifecycle", testEvaluationLifecycle},
		{"DeleteCascades", testDeleteCascades},
		{"Scenarios", testScenarios},
		{"NotFound", testNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSession(t *testing.T, s store.Store, user string, status practice.SessionStatus, offset time.Duration) *practice.Session {
	t.Helper()
	sess := &practice.Session{
		ScenarioID:             "sc-1",
		UserID:                 user,
		Status:                 status,
		ObjectiveStatus:        practice.ObjectiveUnknown,
		ClientSessionStartedAt: base.Add(offset),
		IdleLimitSeconds:       60,
		DurationLimitSeconds:   600,
		CreatedAt:              base.Add(offset),
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("CreateSession did not assign an id")
	}
	return sess
}

func addTurn(t *testing.T, s store.Store, sessionID string, seq int) *practice.Turn {
	t.Helper()
	turn := &practice.Turn{
		SessionID:   sessionID,
		Sequence:    seq,
		Speaker:     practice.SpeakerTrainee,
		AudioFileID: practice.AudioFilePending,
		ASRStatus:   practice.ASRPending,
		CreatedAt:   base,
		StartedAt:   base,
		EndedAt:     base.Add(time.Second),
	}
	if err := s.AddTurn(context.Background(), turn); err != nil {
		t.Fatalf("AddTurn(%d): %v", seq, err)
	}
	return turn
}

func testSessionCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := newSession(t, s, "u1", practice.SessionPending, 0)

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != "u1" || got.Status != practice.SessionPending || !got.ClientSessionStartedAt.Equal(base) {
		t.Errorf("GetSession = %+v", got)
	}
	if !got.StartedAt.IsZero() || !got.EndedAt.IsZero() {
		t.Error("unset timestamps should stay zero")
	}

	started := base.Add(time.Minute)
	updated, err := s.UpdateSession(ctx, sess.ID, func(cur *practice.Session) error {
		cur.Status = practice.SessionActive
		cur.StartedAt = started
		cur.WSChannel = practice.ChannelFor(cur.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if updated.Status != practice.SessionActive || !updated.StartedAt.Equal(started) {
		t.Errorf("UpdateSession = %+v", updated)
	}

	// Mutating a returned record must not leak into the store.
	updated.Status = practice.SessionEnded
	again, _ := s.GetSession(ctx, sess.ID)
	if again.Status != practice.SessionActive {
		t.Error("returned pointer aliases stored record")
	}
}

func testUpdateSessionAbort(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := newSession(t, s, "u1", practice.SessionActive, 0)
	boom := errors.New("boom")

	_, err := s.UpdateSession(ctx, sess.ID, func(cur *practice.Session) error {
		cur.Status = practice.SessionEnded
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != practice.SessionActive {
		t.Error("aborted update was persisted")
	}
}

func testListSessionsFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	newSession(t, s, "u1", practice.SessionPending, 0)
	newSession(t, s, "u1", practice.SessionActive, time.Second)
	newSession(t, s, "u1", practice.SessionEnded, 2*time.Second)
	newSession(t, s, "u2", practice.SessionActive, 3*time.Second)

	tests := []struct {
		name   string
		filter store.SessionFilter
		want   int
	}{
		{"all", store.SessionFilter{}, 4},
		{"user", store.SessionFilter{UserID: "u1"}, 3},
		{"non-ended", store.SessionFilter{UserID: "u1", Statuses: []practice.SessionStatus{practice.SessionPending, practice.SessionActive}}, 2},
		{"pending", store.SessionFilter{UserID: "u1", Statuses: []practice.SessionStatus{practice.SessionPending}}, 1},
		{"unknown user", store.SessionFilter{UserID: "nobody"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.ListSessions(ctx, tc.filter)
			if err != nil {
				t.Fatalf("ListSessions: %v", err)
			}
			if len(got) != tc.want {
				t.Errorf("len = %d, want %d", len(got), tc.want)
			}
		})
	}
}

func testTurnOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := newSession(t, s, "u1", practice.SessionActive, 0)
	for _, seq := range []int{2, 0, 1} {
		addTurn(t, s, sess.ID, seq)
	}
	turns, err := s.ListTurns(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len = %d, want 3", len(turns))
	}
	for i, turn := range turns {
		if turn.Sequence != i {
			t.Errorf("turns[%d].Sequence = %d", i, turn.Sequence)
		}
	}

	empty, err := s.ListTurns(ctx, "no-such-session")
	if err != nil || len(empty) != 0 {
		t.Errorf("ListTurns(unknown) = %v, %v", empty, err)
	}
}

func testTurnDuplicateSequence(t *testing.T, s store.Store) {
	sess := newSession(t, s, "u1", practice.SessionActive, 0)
	addTurn(t, s, sess.ID, 0)

	dup := &practice.Turn{SessionID: sess.ID, Sequence: 0, Speaker: practice.SpeakerAI, CreatedAt: base}
	err := s.AddTurn(context.Background(), dup)
	if !errors.Is(err, store.ErrConflict) || !errors.Is(err, practice.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func testConcurrentDuplicateTurns(t *testing.T, s store.Store) {
	sess := newSession(t, s, "u1", practice.SessionActive, 0)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, confl int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.AddTurn(context.Background(), &practice.Turn{
				SessionID: sess.ID, Sequence: 0, Speaker: practice.SpeakerTrainee, CreatedAt: base,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, store.ErrConflict):
				confl++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || confl != n-1 {
		t.Errorf("ok=%d conflicts=%d, want 1/%d", ok, confl, n-1)
	}
}

func testUpdateTurnKeepsIdentity(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := newSession(t, s, "u1", practice.SessionActive, 0)
	turn := addTurn(t, s, sess.ID, 0)

	got, err := s.UpdateTurn(ctx, turn.ID, func(cur *practice.Turn) error {
		cur.Sequence = 99
		cur.Transcript = "hello"
		cur.ASRStatus = practice.ASRCompleted
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateTurn: %v", err)
	}
	if got.Sequence != 0 || got.Transcript != "hello" || got.ASRStatus != practice.ASRCompleted {
		t.Errorf("UpdateTurn = %+v", got)
	}
	fetched, err := s.GetTurn(ctx, turn.ID)
	if err != nil || fetched.Transcript != "hello" {
		t.Errorf("GetTurn = %+v, %v", fetched, err)
	}
}

func testEvaluationLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := newSession(t, s, "u1", practice.SessionEnded, 0)

	ev := &practice.Evaluation{
		SessionID: sess.ID, Status: practice.EvaluationPending, Scores: []practice.Score{},
		Attempts: 1, QueuedAt: base,
	}
	if err := s.CreateEvaluation(ctx, ev); err != nil {
		t.Fatalf("CreateEvaluation: %v", err)
	}
	second := &practice.Evaluation{SessionID: sess.ID, Status: practice.EvaluationPending, QueuedAt: base}
	if err := s.CreateEvaluation(ctx, second); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second CreateEvaluation err = %v, want ErrConflict", err)
	}

	done := base.Add(3 * time.Second)
	_, err := s.UpdateEvaluation(ctx, ev.ID, func(cur *practice.Evaluation) error {
		cur.Status = practice.EvaluationCompleted
		cur.Scores = []practice.Score{{SkillID: "k1", Rating: 4, Note: "solid"}}
		cur.Summary = "Good job"
		cur.CompletedAt = done
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateEvaluation: %v", err)
	}

	got, err := s.GetEvaluationBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetEvaluationBySession: %v", err)
	}
	if got.Status != practice.EvaluationCompleted || len(got.Scores) != 1 || got.Scores[0].Rating != 4 {
		t.Errorf("evaluation = %+v", got)
	}
	if d, ok := got.QueueLatency(); !ok || d != 3*time.Second {
		t.Errorf("QueueLatency = %v, %v", d, ok)
	}
}

func testDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := newSession(t, s, "u1", practice.SessionEnded, 0)
	turn := addTurn(t, s, sess.ID, 0)
	ev := &practice.Evaluation{SessionID: sess.ID, Status: practice.EvaluationPending, QueuedAt: base}
	if err := s.CreateEvaluation(ctx, ev); err != nil {
		t.Fatalf("CreateEvaluation: %v", err)
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession after delete = %v", err)
	}
	if _, err := s.GetTurn(ctx, turn.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTurn after delete = %v", err)
	}
	if _, err := s.GetEvaluationBySession(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetEvaluationBySession after delete = %v", err)
	}
	if err := s.DeleteSession(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second DeleteSession = %v, want ErrNotFound", err)
	}
}

func testScenarios(t *testing.T, s store.Store) {
	ctx := context.Background()
	sc := &practice.Scenario{
		ID:             "sc-1",
		Status:         practice.ScenarioPublished,
		Title:          "Renewal call",
		Objective:      "Secure renewal",
		EndCriteria:    []string{"renewal agreed"},
		AIPersona:      practice.Persona{Name: "Dana", Background: "Buyer"},
		TraineePersona: practice.Persona{Name: "Sam", Background: "Seller"},
		SkillSummaries: []practice.SkillSummary{{SkillID: "k1", Name: "Listening", Rubric: "Reflects needs"}},
	}
	if err := s.PutScenario(ctx, sc); err != nil {
		t.Fatalf("PutScenario: %v", err)
	}
	got, err := s.GetScenario(ctx, "sc-1")
	if err != nil {
		t.Fatalf("GetScenario: %v", err)
	}
	if got.Title != "Renewal call" || got.AIPersona.Name != "Dana" || len(got.SkillSummaries) != 1 {
		t.Errorf("GetScenario = %+v", got)
	}

	sc.Title = "Renewal call v2"
	if err := s.PutScenario(ctx, sc); err != nil {
		t.Fatalf("PutScenario (replace): %v", err)
	}
	got, _ = s.GetScenario(ctx, "sc-1")
	if got.Title != "Renewal call v2" {
		t.Errorf("Title = %q after replace", got.Title)
	}
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	noop := func(any) error { return nil }
	checks := []struct {
		name string
		err  error
	}{
		{"GetSession", func() error { _, err := s.GetSession(ctx, "x"); return err }()},
		{"UpdateSession", func() error {
			_, err := s.UpdateSession(ctx, "x", func(p *practice.Session) error { return noop(p) })
			return err
		}()},
		{"GetTurn", func() error { _, err := s.GetTurn(ctx, "x"); return err }()},
		{"UpdateTurn", func() error {
			_, err := s.UpdateTurn(ctx, "x", func(p *practice.Turn) error { return noop(p) })
			return err
		}()},
		{"GetEvaluationBySession", func() error { _, err := s.GetEvaluationBySession(ctx, "x"); return err }()},
		{"UpdateEvaluation", func() error {
			_, err := s.UpdateEvaluation(ctx, "x", func(p *practice.Evaluation) error { return noop(p) })
			return err
		}()},
		{"GetScenario", func() error { _, err := s.GetScenario(ctx, "x"); return err }()},
	}
	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			if !errors.Is(c.err, store.ErrNotFound) || !errors.Is(c.err, practice.ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", c.err)
			}
		})
	}
}
