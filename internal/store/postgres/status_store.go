// Package postgres provides the Postgres-backed StatusStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/store"
)

const defaultTable = "task_status"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for status rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryExecCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// StatusStore reads and writes task status rows.
type StatusStore struct {
	pool  queryExecCloser
	table string
}

// NewStatusStore connects to Postgres using the provided config.
func NewStatusStore(ctx context.Context, cfg Config) (*StatusStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &StatusStore{pool: pool, table: table}, nil
}

// NewStatusStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStatusStoreWithPool(pool queryExecCloser, table string) (*StatusStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &StatusStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *StatusStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the status table when it does not exist.
func (s *StatusStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	url            TEXT NOT NULL,
	state          TEXT NOT NULL,
	scope          TEXT NOT NULL DEFAULT '',
	message        TEXT NOT NULL DEFAULT '',
	content_type   TEXT NOT NULL DEFAULT '',
	content_length INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create status table: %w", err)
	}
	return nil
}

// Put upserts a status row. created_at keeps the value of the first insert.
func (s *StatusStore) Put(ctx context.Context, status store.TaskStatus) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("status store is not configured")
	}
	if status.ID == "" {
		return fmt.Errorf("status id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	state,
	scope,
	message,
	content_type,
	content_length,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	state = EXCLUDED.state,
	scope = EXCLUDED.scope,
	message = EXCLUDED.message,
	content_type = EXCLUDED.content_type,
	content_length = EXCLUDED.content_length,
	updated_at = EXCLUDED.updated_at`, s.table)

	args := []any{
		status.ID,
		status.URL,
		string(status.State),
		string(status.Scope),
		status.Message,
		status.ContentType,
		status.ContentLength,
		status.CreatedAt,
		status.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert task status: %w", err)
	}
	return nil
}

// Get loads a status row by id.
func (s *StatusStore) Get(ctx context.Context, id string) (store.TaskStatus, error) {
	if s == nil || s.pool == nil {
		return store.TaskStatus{}, fmt.Errorf("status store is not configured")
	}
	query := fmt.Sprintf(`
SELECT id, url, state, scope, message, content_type, content_length, created_at, updated_at
FROM %s
WHERE id = $1`, s.table)

	var (
		st           store.TaskStatus
		state, scope string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&st.ID,
		&st.URL,
		&state,
		&scope,
		&st.Message,
		&st.ContentType,
		&st.ContentLength,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.TaskStatus{}, store.ErrNotFound
	}
	if err != nil {
		return store.TaskStatus{}, fmt.Errorf("select task status: %w", err)
	}
	st.State = crawler.StatusCode(state)
	st.Scope = crawler.RetryScope(scope)
	return st, nil
}
