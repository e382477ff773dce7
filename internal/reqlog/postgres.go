package reqlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRequestLog = `
CREATE TABLE IF NOT EXISTS request_log (
    id               BIGSERIAL    PRIMARY KEY,
    ts               TIMESTAMPTZ  NOT NULL,
    request_id       TEXT         NOT NULL,
    client_ip_hash   TEXT         NOT NULL,
    input_length     INTEGER      NOT NULL,
    layers_passed    TEXT[]       NOT NULL,
    blocked_at_layer TEXT         NOT NULL DEFAULT '',
    block_reason     TEXT         NOT NULL DEFAULT '',
    domain_matched   TEXT         NOT NULL DEFAULT '',
    response_time_ms BIGINT       NOT NULL,
    model_calls      JSONB        NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_request_log_ts
    ON request_log (ts);

CREATE INDEX IF NOT EXISTS idx_request_log_ip_hash
    ON request_log (client_ip_hash);`

// Compile-time interface check.
var _ Sink = (*PGSink)(nil)

// PGSink inserts records into a PostgreSQL table for SQL-side analytics.
// Enabled when an analytics DSN is configured; the JSONL file sink stays
// the source of truth either way.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink connects to the database at dsn and ensures the request_log
// table exists.
func NewPGSink(ctx context.Context, dsn string) (*PGSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("reqlog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("reqlog: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlRequestLog); err != nil {
		pool.Close()
		return nil, fmt.Errorf("reqlog: migrate: %w", err)
	}
	return &PGSink{pool: pool}, nil
}

// Write inserts one record.
func (s *PGSink) Write(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO request_log
		    (ts, request_id, client_ip_hash, input_length, layers_passed,
		     blocked_at_layer, block_reason, domain_matched, response_time_ms, model_calls)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		rec.Timestamp,
		rec.RequestID,
		rec.ClientIPHash,
		rec.InputLength,
		rec.LayersPassed,
		rec.BlockedAtLayer,
		rec.BlockReason,
		rec.DomainMatched,
		rec.ResponseTimeMS,
		rec.ModelCalls,
	)
	if err != nil {
		return fmt.Errorf("reqlog: insert: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PGSink) Close() error {
	s.pool.Close()
	return nil
}
