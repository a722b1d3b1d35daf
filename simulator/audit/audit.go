// Package audit persists a trail of control commands in Postgres. It is
// optional: a nil *Log is a valid no-op sink, so the control API does not
// branch on whether auditing is configured.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS command_audit (
	id         BIGSERIAL PRIMARY KEY,
	device_id  TEXT        NOT NULL,
	idem_key   TEXT        NOT NULL,
	outcome    TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Log writes one row per control command with its outcome.
type Log struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and ensures the audit table exists.
func Open(ctx context.Context, dsn string) (*Log, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ensure schema: %w", err)
	}
	return &Log{pool: pool}, nil
}

// Record inserts one audit row. Safe to call on a nil Log.
func (l *Log) Record(ctx context.Context, deviceID, idemKey, outcome string) error {
	if l == nil {
		return nil
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO command_audit (device_id, idem_key, outcome) VALUES ($1, $2, $3)`,
		deviceID, idemKey, outcome)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Close releases the connection pool. Safe to call on a nil Log.
func (l *Log) Close() {
	if l != nil {
		l.pool.Close()
	}
}
