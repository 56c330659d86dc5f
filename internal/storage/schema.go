package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS flow_summaries (
        symbol          TEXT        NOT NULL,
        feed_date       TEXT        NOT NULL,
        period_start    TIMESTAMPTZ NOT NULL,
        period_end      TIMESTAMPTZ NOT NULL,
        call_premium    NUMERIC     NOT NULL,
        put_premium     NUMERIC     NOT NULL,
        total_premium   NUMERIC     NOT NULL,
        call_put_ratio  NUMERIC     NOT NULL,
        call_volume     BIGINT      NOT NULL,
        put_volume      BIGINT      NOT NULL,
        highlight       TEXT        NOT NULL DEFAULT 'none',
        received_at     TIMESTAMPTZ NOT NULL,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (symbol, period_start)
    );`,
	`CREATE TABLE IF NOT EXISTS flow_alerts (
        id              BIGSERIAL   PRIMARY KEY,
        alert_id        TEXT        NOT NULL,
        symbol          TEXT        NOT NULL,
        period_start    TIMESTAMPTZ NOT NULL,
        class           TEXT        NOT NULL,
        call_put_ratio  NUMERIC     NOT NULL,
        call_premium    NUMERIC     NOT NULL,
        put_premium     NUMERIC     NOT NULL,
        channels        TEXT[]      NOT NULL DEFAULT '{}',
        created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (symbol, period_start, class)
    );`,
	`CREATE INDEX IF NOT EXISTS flow_alerts_created_at_idx ON flow_alerts (created_at DESC);`,
}

// EnsureSchema creates the archive tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
