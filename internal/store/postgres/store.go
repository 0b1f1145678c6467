// Package postgres provides a PostgreSQL-backed store.Store.
//
// Sessions, turns and evaluations map to one table each; scenario documents
// are kept as JSONB. Turn sequence uniqueness is enforced by a
// UNIQUE (session_id, sequence) constraint, so concurrent duplicate
// submissions race safely and the loser sees store.ErrConflict.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL implementation of [store.Store]. All operations
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, verifies it
// with a ping and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// ─── Sessions ────────────────────────────────────────────────────────────────

const sessionColumns = `id, scenario_id, user_id, status, termination_reason, objective_status,
       objective_reason, client_started_at, started_at, ended_at, idle_limit_seconds,
       duration_limit_seconds, ws_channel, evaluation_id, created_at`

func scanSession(row rowScanner) (*practice.Session, error) {
	var (
		sess           practice.Session
		started, ended *time.Time
		status, reason string
		objective      string
	)
	if err := row.Scan(
		&sess.ID, &sess.ScenarioID, &sess.UserID, &status, &reason, &objective,
		&sess.ObjectiveReason, &sess.ClientSessionStartedAt, &started, &ended,
		&sess.IdleLimitSeconds, &sess.DurationLimitSeconds, &sess.WSChannel,
		&sess.EvaluationID, &sess.CreatedAt,
	); err != nil {
		return nil, err
	}
	sess.Status = practice.SessionStatus(status)
	sess.TerminationReason = practice.TerminationReason(reason)
	sess.ObjectiveStatus = practice.ObjectiveStatus(objective)
	sess.StartedAt = derefTime(started)
	sess.EndedAt = derefTime(ended)
	return &sess, nil
}

// CreateSession implements [store.SessionStore].
func (s *Store) CreateSession(ctx context.Context, sess *practice.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO sessions
		    (id, scenario_id, user_id, status, termination_reason, objective_status,
		     objective_reason, client_started_at, started_at, ended_at, idle_limit_seconds,
		     duration_limit_seconds, ws_channel, evaluation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.pool.Exec(ctx, q,
		sess.ID, sess.ScenarioID, sess.UserID, string(sess.Status), string(sess.TerminationReason),
		string(sess.ObjectiveStatus), sess.ObjectiveReason, sess.ClientSessionStartedAt,
		nullTime(sess.StartedAt), nullTime(sess.EndedAt), sess.IdleLimitSeconds,
		sess.DurationLimitSeconds, sess.WSChannel, sess.EvaluationID, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create session: %w", mapErr(err))
	}
	return nil
}

// GetSession implements [store.SessionStore].
func (s *Store) GetSession(ctx context.Context, id string) (*practice.Session, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get session %s: %w", id, mapErr(err))
	}
	return sess, nil
}

// UpdateSession implements [store.SessionStore]. The row is locked with
// SELECT … FOR UPDATE for the duration of fn.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*practice.Session) error) (*practice.Session, error) {
	var out *practice.Session
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanSession(tx.QueryRow(ctx,
			"SELECT "+sessionColumns+" FROM sessions WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return mapErr(err)
		}
		if err := fn(cur); err != nil {
			return err
		}
		const q = `
			UPDATE sessions
			SET    status = $2, termination_reason = $3, objective_status = $4,
			       objective_reason = $5, started_at = $6, ended_at = $7,
			       ws_channel = $8, evaluation_id = $9
			WHERE  id = $1`
		if _, err := tx.Exec(ctx, q, id,
			string(cur.Status), string(cur.TerminationReason), string(cur.ObjectiveStatus),
			cur.ObjectiveReason, nullTime(cur.StartedAt), nullTime(cur.EndedAt),
			cur.WSChannel, cur.EvaluationID,
		); err != nil {
			return mapErr(err)
		}
		cur.ID = id
		out = cur
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: update session %s: %w", id, err)
	}
	return out, nil
}

// DeleteSession implements [store.SessionStore]. Turns and the evaluation
// are removed by ON DELETE CASCADE.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("postgres store: delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: delete session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListSessions implements [store.SessionStore].
func (s *Store) ListSessions(ctx context.Context, f store.SessionFilter) ([]*practice.Session, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if f.UserID != "" {
		conditions = append(conditions, "user_id = "+next(f.UserID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, "status = ANY("+next(statuses)+")")
	}

	q := "SELECT " + sessionColumns + "\nFROM sessions"
	if len(conditions) > 0 {
		q += "\nWHERE " + strings.Join(conditions, "\n  AND ")
	}
	q += "\nORDER BY created_at"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*practice.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	return sessions, nil
}

// ─── Turns ───────────────────────────────────────────────────────────────────

const turnColumns = `id, session_id, sequence, speaker, transcript, audio_file_id, audio_url,
       asr_status, created_at, started_at, ended_at, context, latency_ms`

func scanTurn(row rowScanner) (*practice.Turn, error) {
	var (
		t              practice.Turn
		started, ended *time.Time
		speaker, asr   string
	)
	if err := row.Scan(
		&t.ID, &t.SessionID, &t.Sequence, &speaker, &t.Transcript, &t.AudioFileID,
		&t.AudioURL, &asr, &t.CreatedAt, &started, &ended, &t.Context, &t.LatencyMs,
	); err != nil {
		return nil, err
	}
	t.Speaker = practice.Speaker(speaker)
	t.ASRStatus = practice.ASRStatus(asr)
	t.StartedAt = derefTime(started)
	t.EndedAt = derefTime(ended)
	return &t, nil
}

// AddTurn implements [store.TurnStore].
func (s *Store) AddTurn(ctx context.Context, t *practice.Turn) error {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	const q = `
		INSERT INTO turns
		    (id, session_id, sequence, speaker, transcript, audio_file_id, audio_url,
		     asr_status, created_at, started_at, ended_at, context, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, q,
		id, t.SessionID, t.Sequence, string(t.Speaker), t.Transcript, t.AudioFileID,
		t.AudioURL, string(t.ASRStatus), t.CreatedAt, nullTime(t.StartedAt),
		nullTime(t.EndedAt), t.Context, t.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("postgres store: add turn %s/%d: %w", t.SessionID, t.Sequence, mapErr(err))
	}
	t.ID = id
	return nil
}

// GetTurn implements [store.TurnStore].
func (s *Store) GetTurn(ctx context.Context, id string) (*practice.Turn, error) {
	t, err := scanTurn(s.pool.QueryRow(ctx, "SELECT "+turnColumns+" FROM turns WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("postgres store: get turn %s: %w", id, mapErr(err))
	}
	return t, nil
}

// UpdateTurn implements [store.TurnStore]. Identity columns are never
// rewritten.
func (s *Store) UpdateTurn(ctx context.Context, id string, fn func(*practice.Turn) error) (*practice.Turn, error) {
	var out *practice.Turn
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanTurn(tx.QueryRow(ctx,
			"SELECT "+turnColumns+" FROM turns WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return mapErr(err)
		}
		sessionID, seq := cur.SessionID, cur.Sequence
		if err := fn(cur); err != nil {
			return err
		}
		const q = `
			UPDATE turns
			SET    speaker = $2, transcript = $3, audio_file_id = $4, audio_url = $5,
			       asr_status = $6, started_at = $7, ended_at = $8, context = $9,
			       latency_ms = $10
			WHERE  id = $1`
		if _, err := tx.Exec(ctx, q, id,
			string(cur.Speaker), cur.Transcript, cur.AudioFileID, cur.AudioURL,
			string(cur.ASRStatus), nullTime(cur.StartedAt), nullTime(cur.EndedAt),
			cur.Context, cur.LatencyMs,
		); err != nil {
			return mapErr(err)
		}
		cur.ID, cur.SessionID, cur.Sequence = id, sessionID, seq
		out = cur
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: update turn %s: %w", id, err)
	}
	return out, nil
}

// ListTurns implements [store.TurnStore].
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*practice.Turn, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+turnColumns+" FROM turns WHERE session_id = $1 ORDER BY sequence", sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*practice.Turn, error) {
		return scanTurn(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list turns: %w", err)
	}
	if turns == nil {
		turns = []*practice.Turn{}
	}
	return turns, nil
}

// ─── Evaluations ─────────────────────────────────────────────────────────────

const evaluationColumns = `id, session_id, status, scores, summary, evaluator_model, attempts,
       last_error, queued_at, completed_at`

func scanEvaluation(row rowScanner) (*practice.Evaluation, error) {
	var (
		e          practice.Evaluation
		status     string
		scoresJSON []byte
		completed  *time.Time
	)
	if err := row.Scan(
		&e.ID, &e.SessionID, &status, &scoresJSON, &e.Summary, &e.EvaluatorModel,
		&e.Attempts, &e.LastError, &e.QueuedAt, &completed,
	); err != nil {
		return nil, err
	}
	e.Status = practice.EvaluationStatus(status)
	e.CompletedAt = derefTime(completed)
	e.Scores = []practice.Score{}
	if len(scoresJSON) > 0 {
		if err := json.Unmarshal(scoresJSON, &e.Scores); err != nil {
			return nil, fmt.Errorf("unmarshal scores: %w", err)
		}
	}
	return &e, nil
}

func marshalScores(scores []practice.Score) (string, error) {
	if scores == nil {
		scores = []practice.Score{}
	}
	b, err := json.Marshal(scores)
	if err != nil {
		return "", fmt.Errorf("marshal scores: %w", err)
	}
	return string(b), nil
}

// CreateEvaluation implements [store.EvaluationStore].
func (s *Store) CreateEvaluation(ctx context.Context, e *practice.Evaluation) error {
	scores, err := marshalScores(e.Scores)
	if err != nil {
		return fmt.Errorf("postgres store: create evaluation: %w", err)
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	const q = `
		INSERT INTO evaluations
		    (id, session_id, status, scores, summary, evaluator_model, attempts,
		     last_error, queued_at, completed_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10)`

	_, err = s.pool.Exec(ctx, q,
		id, e.SessionID, string(e.Status), scores, e.Summary, e.EvaluatorModel,
		e.Attempts, e.LastError, e.QueuedAt, nullTime(e.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres store: create evaluation for %s: %w", e.SessionID, mapErr(err))
	}
	e.ID = id
	return nil
}

// GetEvaluationBySession implements [store.EvaluationStore].
func (s *Store) GetEvaluationBySession(ctx context.Context, sessionID string) (*practice.Evaluation, error) {
	e, err := scanEvaluation(s.pool.QueryRow(ctx,
		"SELECT "+evaluationColumns+" FROM evaluations WHERE session_id = $1", sessionID))
	if err != nil {
		return nil, fmt.Errorf("postgres store: get evaluation for %s: %w", sessionID, mapErr(err))
	}
	return e, nil
}

// UpdateEvaluation implements [store.EvaluationStore].
func (s *Store) UpdateEvaluation(ctx context.Context, id string, fn func(*practice.Evaluation) error) (*practice.Evaluation, error) {
	var out *practice.Evaluation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanEvaluation(tx.QueryRow(ctx,
			"SELECT "+evaluationColumns+" FROM evaluations WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return mapErr(err)
		}
		sessionID := cur.SessionID
		if err := fn(cur); err != nil {
			return err
		}
		scores, err := marshalScores(cur.Scores)
		if err != nil {
			return err
		}
		const q = `
			UPDATE evaluations
			SET    status = $2, scores = $3::jsonb, summary = $4, evaluator_model = $5,
			       attempts = $6, last_error = $7, queued_at = $8, completed_at = $9
			WHERE  id = $1`
		if _, err := tx.Exec(ctx, q, id,
			string(cur.Status), scores, cur.Summary, cur.EvaluatorModel,
			cur.Attempts, cur.LastError, cur.QueuedAt, nullTime(cur.CompletedAt),
		); err != nil {
			return mapErr(err)
		}
		cur.ID, cur.SessionID = id, sessionID
		out = cur
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: update evaluation %s: %w", id, err)
	}
	return out, nil
}

// ─── Scenarios ───────────────────────────────────────────────────────────────

// GetScenario implements [store.ScenarioStore].
func (s *Store) GetScenario(ctx context.Context, id string) (*practice.Scenario, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, "SELECT body FROM scenarios WHERE id = $1", id).Scan(&body)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get scenario %s: %w", id, mapErr(err))
	}
	var sc practice.Scenario
	if err := json.Unmarshal(body, &sc); err != nil {
		return nil, fmt.Errorf("postgres store: decode scenario %s: %w", id, err)
	}
	sc.ID = id
	return &sc, nil
}

// PutScenario implements [store.ScenarioStore] as an upsert.
func (s *Store) PutScenario(ctx context.Context, sc *practice.Scenario) error {
	if sc.ID == "" {
		return errors.New("postgres store: scenario id is required")
	}
	body, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("postgres store: encode scenario %s: %w", sc.ID, err)
	}
	const q = `
		INSERT INTO scenarios (id, status, body, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (id) DO UPDATE
		SET    status = EXCLUDED.status, body = EXCLUDED.body, updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, sc.ID, string(sc.Status), string(body)); err != nil {
		return fmt.Errorf("postgres store: put scenario %s: %w", sc.ID, err)
	}
	return nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// Postgres SQLSTATE codes mapped onto store sentinels.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// mapErr translates driver errors into store sentinels. Other errors are
// returned unchanged.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrConflict)
		case codeForeignKeyViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrNotFound)
		}
	}
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
