package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id                      TEXT         PRIMARY KEY,
    scenario_id             TEXT         NOT NULL,
    user_id                 TEXT         NOT NULL,
    status                  TEXT         NOT NULL,
    termination_reason      TEXT         NOT NULL DEFAULT '',
    objective_status        TEXT         NOT NULL DEFAULT 'unknown',
    objective_reason        TEXT         NOT NULL DEFAULT '',
    client_started_at       TIMESTAMPTZ  NOT NULL,
    started_at              TIMESTAMPTZ,
    ended_at                TIMESTAMPTZ,
    idle_limit_seconds      INTEGER      NOT NULL DEFAULT 0,
    duration_limit_seconds  INTEGER      NOT NULL DEFAULT 0,
    ws_channel              TEXT         NOT NULL DEFAULT '',
    evaluation_id           TEXT         NOT NULL DEFAULT '',
    created_at              TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_status
    ON sessions (user_id, status);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id             TEXT         PRIMARY KEY,
    session_id     TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    sequence       INTEGER      NOT NULL,
    speaker        TEXT         NOT NULL,
    transcript     TEXT         NOT NULL DEFAULT '',
    audio_file_id  TEXT         NOT NULL DEFAULT '',
    audio_url      TEXT         NOT NULL DEFAULT '',
    asr_status     TEXT         NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at     TIMESTAMPTZ,
    ended_at       TIMESTAMPTZ,
    context        TEXT         NOT NULL DEFAULT '',
    latency_ms     BIGINT       NOT NULL DEFAULT 0,
    UNIQUE (session_id, sequence)
);
`

const ddlEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id               TEXT         PRIMARY KEY,
    session_id       TEXT         NOT NULL UNIQUE REFERENCES sessions (id) ON DELETE CASCADE,
    status           TEXT         NOT NULL,
    scores           JSONB        NOT NULL DEFAULT '[]',
    summary          TEXT         NOT NULL DEFAULT '',
    evaluator_model  TEXT         NOT NULL DEFAULT '',
    attempts         INTEGER      NOT NULL DEFAULT 0,
    last_error       TEXT         NOT NULL DEFAULT '',
    queued_at        TIMESTAMPTZ  NOT NULL,
    completed_at     TIMESTAMPTZ
);
`

// Scenarios are authored elsewhere and stored as a single JSON document;
// only the columns the service filters on are broken out.
const ddlScenarios = `
CREATE TABLE IF NOT EXISTS scenarios (
    id          TEXT         PRIMARY KEY,
    status      TEXT         NOT NULL,
    body        JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures all required tables exist. It is idempotent
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessions,
		ddlTurns,
		ddlEvaluations,
		ddlScenarios,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
