package postgres

import (
	"context"
	"fmt"
)

// schemaStatements create the tables the engine owns plus the read-only
// source_database catalog it depends on. Timestamps are stored as
// timestamptz (UTC, microsecond precision).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS source_database (
		id            BIGSERIAL PRIMARY KEY,
		source_code   TEXT NOT NULL UNIQUE,
		host          TEXT NOT NULL,
		port          INT NOT NULL,
		database_name TEXT NOT NULL,
		db_type       TEXT NOT NULL,
		username      TEXT NOT NULL,
		password_enc  TEXT NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS loader (
		id                         BIGSERIAL PRIMARY KEY,
		loader_code                TEXT NOT NULL UNIQUE,
		loader_sql_enc             TEXT NOT NULL,
		source_code                TEXT NOT NULL REFERENCES source_database(source_code),
		min_interval_seconds       BIGINT NOT NULL DEFAULT 0,
		max_interval_seconds       BIGINT NOT NULL,
		max_query_period_seconds   BIGINT NOT NULL,
		max_parallel_executions    INT NOT NULL DEFAULT 1,
		source_tz_offset_hours     INT NOT NULL DEFAULT 0,
		aggregation_period_seconds BIGINT NOT NULL DEFAULT 0,
		purge_strategy             TEXT NOT NULL DEFAULT 'FAIL_ON_DUPLICATE',
		enabled                    BOOLEAN NOT NULL DEFAULT false,
		load_status                TEXT NOT NULL DEFAULT 'IDLE',
		failure_reason             TEXT NOT NULL DEFAULT '',
		last_load_timestamp        TIMESTAMPTZ,
		high_water_mark            TIMESTAMPTZ,
		last_execution_start       TIMESTAMPTZ,
		last_execution_end         TIMESTAMPTZ,
		failed_since               TIMESTAMPTZ,
		consecutive_zero_runs      INT NOT NULL DEFAULT 0,
		consecutive_failures       INT NOT NULL DEFAULT 0,
		force_next_run             BOOLEAN NOT NULL DEFAULT false,
		backfill_until             TIMESTAMPTZ,
		backfill_strategy          TEXT NOT NULL DEFAULT '',
		created_at                 TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS execution_lock (
		loader_code  TEXT NOT NULL,
		slot         INT NOT NULL,
		holder_id    TEXT NOT NULL,
		acquired_at  TIMESTAMPTZ NOT NULL,
		heartbeat_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (loader_code, slot)
	)`,
	`CREATE TABLE IF NOT EXISTS signal_record (
		id          BIGSERIAL PRIMARY KEY,
		loader_code TEXT NOT NULL,
		event_time  TIMESTAMPTZ NOT NULL,
		payload     JSONB NOT NULL DEFAULT '{}'::jsonb,
		ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_record_loader_time
		ON signal_record (loader_code, event_time)`,
	`CREATE INDEX IF NOT EXISTS idx_loader_schedulable
		ON loader (enabled, load_status)`,
}

// EnsureSchema creates the engine's tables when they do not exist.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
