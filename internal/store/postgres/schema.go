package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently at startup. The partial unique index on
// open interaction requests is load-bearing: it is the storage-level
// enforcement of the one-open-request-per-run invariant.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id            UUID PRIMARY KEY,
    automation_id TEXT NOT NULL,
    status        TEXT NOT NULL,
    token         BYTEA,
    result        BYTEA,
    error         TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_status_idx ON runs (status, created_at);

CREATE TABLE IF NOT EXISTS interaction_requests (
    id          UUID PRIMARY KEY,
    run_id      UUID NOT NULL REFERENCES runs (id),
    prompt      BYTEA,
    surfaces    TEXT[] NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL,
    reply       BYTEA,
    replied_via TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS interaction_requests_one_open_per_run
    ON interaction_requests (run_id) WHERE status = 'open';

CREATE INDEX IF NOT EXISTS interaction_requests_open_expiry_idx
    ON interaction_requests (expires_at) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS schedule_cursors (
    automation_id TEXT PRIMARY KEY,
    fired_at      TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
