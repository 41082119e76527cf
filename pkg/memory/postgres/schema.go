// Package postgres provides a PostgreSQL-backed session store. Each user owns
// one row; history and topic are JSONB columns so the document can be
// inspected with plain SQL.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	sess, err := store.Load(ctx, "user-1")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS dialog_sessions (
    user_id     TEXT         PRIMARY KEY,
    context_id  TEXT         NOT NULL DEFAULT '',
    history     JSONB        NOT NULL DEFAULT '[]',
    topic       JSONB        NOT NULL DEFAULT '{}',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dialog_sessions_updated_at
    ON dialog_sessions (updated_at);
`

// Migrate creates the sessions table if it does not exist. It is idempotent
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
