// Package history keeps a log of finished uploads.
//
// Two recorders are provided: PostgresRecorder for a durable table shared
// across restarts, and MemoryRecorder for the last few uploads of the
// current process. Both implement core.Recorder.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/x11mirror/internal/config"
	"github.com/JonMunkholm/x11mirror/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_history (
	id           UUID PRIMARY KEY,
	conn_id      TEXT NOT NULL,
	client_ip    TEXT NOT NULL DEFAULT '',
	user_agent   TEXT NOT NULL DEFAULT '',
	filename     TEXT NOT NULL DEFAULT '',
	bytes        BIGINT NOT NULL DEFAULT 0,
	status_code  INTEGER NOT NULL,
	page         TEXT NOT NULL,
	error_class  TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	aborted      BOOLEAN NOT NULL DEFAULT FALSE,
	waited_ms    BIGINT NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS upload_history_finished_at_idx ON upload_history (finished_at DESC);
`

// PostgresRecorder writes upload records to the upload_history table.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for cfg.DatabaseURL, verifies it and creates the
// table if needed.
func Connect(ctx context.Context, cfg config.HistoryConfig) (*PostgresRecorder, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse history database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect history database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	r := NewPostgresRecorder(pool)
	if err := r.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// NewPostgresRecorder wraps an existing pool.
func NewPostgresRecorder(pool *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{pool: pool}
}

// EnsureSchema creates the history table and its index.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create upload_history: %w", err)
	}
	return nil
}

// RecordUpload implements core.Recorder.
func (r *PostgresRecorder) RecordUpload(ctx context.Context, rec core.UploadRecord) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO upload_history
		(id, conn_id, client_ip, user_agent, filename, bytes, status_code, page,
		 error_class, error, aborted, waited_ms, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.ConnID, rec.ClientIP, rec.UserAgent, rec.Filename, rec.Bytes,
		rec.StatusCode, rec.Page, rec.ErrorClass, rec.Error, rec.Aborted,
		rec.Waited.Milliseconds(), rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert upload %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (r *PostgresRecorder) Recent(ctx context.Context, limit int) ([]core.UploadRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT id::text, conn_id, client_ip, user_agent, filename,
		bytes, status_code, page, error_class, error, aborted, waited_ms, started_at, finished_at
		FROM upload_history ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.UploadRecord, error) {
		var rec core.UploadRecord
		var waitedMS int64
		err := row.Scan(&rec.ID, &rec.ConnID, &rec.ClientIP, &rec.UserAgent, &rec.Filename,
			&rec.Bytes, &rec.StatusCode, &rec.Page, &rec.ErrorClass, &rec.Error, &rec.Aborted,
			&waitedMS, &rec.StartedAt, &rec.FinishedAt)
		rec.Waited = time.Duration(waitedMS) * time.Millisecond
		return rec, err
	})
}

// Close releases the pool.
func (r *PostgresRecorder) Close() {
	r.pool.Close()
}
