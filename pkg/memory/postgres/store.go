package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/avatarkit/pkg/memory"
)

var (
	_ memory.Store  = (*Store)(nil)
	_ memory.Pinger = (*Store)(nil)
)

// Store is a PostgreSQL-backed [memory.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, verifies it
// and runs [Migrate].
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

// Load implements [memory.Store].
func (s *Store) Load(ctx context.Context, userID string) (*memory.Session, error) {
	const q = `
		SELECT context_id, history, topic, updated_at
		FROM   dialog_sessions
		WHERE  user_id = $1`

	var (
		sess           = memory.Session{UserID: userID}
		history, topic []byte
	)
	err := s.pool.QueryRow(ctx, q, userID).Scan(&sess.ContextID, &history, &topic, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load %q: %w", userID, err)
	}
	if err := json.Unmarshal(history, &sess.History); err != nil {
		return nil, fmt.Errorf("postgres store: decode history %q: %w", userID, err)
	}
	if err := json.Unmarshal(topic, &sess.Topic); err != nil {
		return nil, fmt.Errorf("postgres store: decode topic %q: %w", userID, err)
	}
	return &sess, nil
}

// Save implements [memory.Store]. It upserts the user's row.
func (s *Store) Save(ctx context.Context, sess *memory.Session) error {
	const q = `
		INSERT INTO dialog_sessions (user_id, context_id, history, topic, updated_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET context_id = EXCLUDED.context_id,
		    history    = EXCLUDED.history,
		    topic      = EXCLUDED.topic,
		    updated_at = EXCLUDED.updated_at`

	history, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("postgres store: encode history %q: %w", sess.UserID, err)
	}
	topic, err := json.Marshal(sess.Topic)
	if err != nil {
		return fmt.Errorf("postgres store: encode topic %q: %w", sess.UserID, err)
	}
	updatedAt := sess.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	if _, err := s.pool.Exec(ctx, q, sess.UserID, sess.ContextID, string(history), string(topic), updatedAt); err != nil {
		return fmt.Errorf("postgres store: save %q: %w", sess.UserID, err)
	}
	return nil
}

// Delete implements [memory.Store].
func (s *Store) Delete(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM dialog_sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("postgres store: delete %q: %w", userID, err)
	}
	return nil
}

// PurgeStale deletes sessions not updated since before. It returns the number
// of rows removed.
func (s *Store) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dialog_sessions WHERE updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres store: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements [memory.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
