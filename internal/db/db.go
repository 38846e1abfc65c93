// Package db mirrors pipeline events into PostgreSQL for querying outside
// the process. The JSON snapshot stays the source of truth; the mirror is
// write-only from the store's point of view.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the database at url and checks the connection.
func Open(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pool for advanced queries.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS factory_schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS factory_pipelines (
    id          TEXT PRIMARY KEY,
    prompt      TEXT NOT NULL DEFAULT '',
    target_path TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'qa',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS factory_events (
    id          BIGSERIAL PRIMARY KEY,
    pipeline_id TEXT NOT NULL,
    type        TEXT NOT NULL,
    timestamp   TIMESTAMPTZ NOT NULL,
    data        JSONB
);
CREATE INDEX IF NOT EXISTS idx_factory_events_pipeline ON factory_events(pipeline_id, id);
CREATE INDEX IF NOT EXISTS idx_factory_events_type ON factory_events(type);
`

// Migrate applies the schema.
func (d *DB) Migrate(ctx context.Context) error {
	var count int
	err := d.pool.QueryRow(ctx, "SELECT COUNT(*) FROM factory_schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO factory_schema_version (version) VALUES (1) ON CONFLICT DO NOTHING"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset(ctx context.Context) error {
	tables := []string{"factory_events", "factory_pipelines", "factory_schema_version"}
	for _, t := range tables {
		if _, err := d.pool.Exec(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}
