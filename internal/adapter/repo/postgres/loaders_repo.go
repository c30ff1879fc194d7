package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/signal-loader/internal/domain"
	"github.com/fairyhunter13/signal-loader/pkg/cryptox"
)

// LoaderRepo persists loader rows and runtime state in PostgreSQL.
// Loader SQL is sealed at rest; the repo decrypts it on read so callers only
// ever see plaintext in memory.
type LoaderRepo struct {
	Pool  PgxPool
	Codec *cryptox.Codec
}

// NewLoaderRepo constructs a LoaderRepo with the given pool and secret codec.
func NewLoaderRepo(p PgxPool, codec *cryptox.Codec) *LoaderRepo {
	return &LoaderRepo{Pool: p, Codec: codec}
}

const loaderColumns = `id, loader_code, loader_sql_enc, source_code,
	min_interval_seconds, max_interval_seconds, max_query_period_seconds,
	max_parallel_executions, source_tz_offset_hours, aggregation_period_seconds,
	purge_strategy, enabled, load_status, failure_reason,
	last_load_timestamp, high_water_mark, last_execution_start, last_execution_end, failed_since,
	consecutive_zero_runs, consecutive_failures, force_next_run,
	backfill_until, backfill_strategy, created_at, updated_at`

func (r *LoaderRepo) scanLoader(row pgx.Row) (domain.Loader, error) {
	var l domain.Loader
	var sqlEnc string
	if err := row.Scan(
		&l.ID, &l.LoaderCode, &sqlEnc, &l.SourceCode,
		&l.MinIntervalSeconds, &l.MaxIntervalSeconds, &l.MaxQueryPeriodSeconds,
		&l.MaxParallelExecutions, &l.SourceTimezoneOffsetHrs, &l.AggregationPeriodSeconds,
		&l.PurgeStrategy, &l.Enabled, &l.LoadStatus, &l.FailureReason,
		&l.LastLoadTimestamp, &l.HighWaterMark, &l.LastExecutionStart, &l.LastExecutionEnd, &l.FailedSince,
		&l.ConsecutiveZeroRuns, &l.ConsecutiveFailures, &l.ForceNextRun,
		&l.BackfillUntil, &l.BackfillStrategy, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return domain.Loader{}, err
	}
	plain, err := r.Codec.Open(sqlEnc)
	if err != nil {
		return domain.Loader{}, fmt.Errorf("decrypt loader sql: %w", err)
	}
	l.LoaderSQL = plain
	return l, nil
}

// GetByCode loads a loader by its code.
func (r *LoaderRepo) GetByCode(ctx domain.Context, loaderCode string) (domain.Loader, error) {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.GetByCode")
	defer span.End()
	span.SetAttributes(attribute.String("loader.code", loaderCode))
	q := `SELECT ` + loaderColumns + ` FROM loader WHERE loader_code=$1`
	l, err := r.scanLoader(r.Pool.QueryRow(ctx, q, loaderCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Loader{}, fmt.Errorf("op=loader.get: %w", domain.ErrNotFound)
		}
		return domain.Loader{}, fmt.Errorf("op=loader.get: %w", err)
	}
	return l, nil
}

// ListSchedulable returns enabled loaders in IDLE or FAILED, oldest-behind
// first so catch-up work is dispatched before fresh loaders.
func (r *LoaderRepo) ListSchedulable(ctx domain.Context) ([]domain.Loader, error) {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.ListSchedulable")
	defer span.End()
	q := `SELECT ` + loaderColumns + ` FROM loader
		WHERE enabled AND load_status IN ('IDLE','FAILED')
		ORDER BY failed_since NULLS FIRST, last_load_timestamp ASC NULLS FIRST`
	return r.queryLoaders(ctx, q)
}

// ListAll returns every loader for the status projection.
func (r *LoaderRepo) ListAll(ctx domain.Context) ([]domain.Loader, error) {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.ListAll")
	defer span.End()
	q := `SELECT ` + loaderColumns + ` FROM loader ORDER BY loader_code`
	return r.queryLoaders(ctx, q)
}

func (r *LoaderRepo) queryLoaders(ctx domain.Context, q string, args ...any) ([]domain.Loader, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=loader.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Loader
	for rows.Next() {
		l, err := r.scanLoader(rows)
		if err != nil {
			return nil, fmt.Errorf("op=loader.list: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=loader.list: %w", err)
	}
	return out, nil
}

// Create inserts a loader definition, sealing its SQL template.
func (r *LoaderRepo) Create(ctx domain.Context, l domain.Loader) (int64, error) {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.Create")
	defer span.End()
	sqlEnc, err := r.Codec.Seal(l.LoaderSQL)
	if err != nil {
		return 0, fmt.Errorf("op=loader.create: %w", err)
	}
	q := `INSERT INTO loader (loader_code, loader_sql_enc, source_code,
		min_interval_seconds, max_interval_seconds, max_query_period_seconds,
		max_parallel_executions, source_tz_offset_hours, aggregation_period_seconds,
		purge_strategy, enabled, load_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'IDLE',$12,$12)
		RETURNING id`
	now := time.Now().UTC()
	var id int64
	err = r.Pool.QueryRow(ctx, q, l.LoaderCode, sqlEnc, l.SourceCode,
		l.MinIntervalSeconds, l.MaxIntervalSeconds, l.MaxQueryPeriodSeconds,
		l.MaxParallelExecutions, l.SourceTimezoneOffsetHrs, l.AggregationPeriodSeconds,
		l.PurgeStrategy, l.Enabled, now).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("op=loader.create: %w", domain.ErrConflict)
		}
		return 0, fmt.Errorf("op=loader.create: %w", err)
	}
	return id, nil
}

// MarkRunning transitions IDLE -> RUNNING for an enabled loader. Returns
// ErrConflict when the loader is paused, failed, disabled, or already
// running; the caller releases its lock and aborts quietly.
func (r *LoaderRepo) MarkRunning(ctx domain.Context, loaderCode string, startedAt time.Time) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.MarkRunning")
	defer span.End()
	q := `UPDATE loader SET load_status='RUNNING', last_execution_start=$2,
		force_next_run=false, updated_at=now()
		WHERE loader_code=$1 AND enabled AND load_status='IDLE'`
	tag, err := r.Pool.Exec(ctx, q, loaderCode, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=loader.mark_running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=loader.mark_running: %w", domain.ErrConflict)
	}
	return nil
}

// CompleteSuccess advances the watermark and returns the loader to IDLE.
// The guard keeps last_load_timestamp monotonic; a completed backfill is
// cleared in the same statement.
func (r *LoaderRepo) CompleteSuccess(ctx domain.Context, loaderCode string, watermark, endedAt time.Time, zeroRows bool) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.CompleteSuccess")
	defer span.End()
	q := `UPDATE loader SET load_status='IDLE',
		last_load_timestamp=$2,
		high_water_mark = GREATEST(COALESCE(high_water_mark, $2::timestamptz), $2::timestamptz),
		last_execution_end=$3,
		consecutive_zero_runs = CASE WHEN $4 THEN consecutive_zero_runs+1 ELSE 0 END,
		consecutive_failures=0, failed_since=NULL, failure_reason='',
		backfill_until = CASE WHEN backfill_until IS NOT NULL AND backfill_until <= $2 THEN NULL ELSE backfill_until END,
		backfill_strategy = CASE WHEN backfill_until IS NOT NULL AND backfill_until <= $2 THEN '' ELSE backfill_strategy END,
		updated_at=now()
		WHERE loader_code=$1 AND (last_load_timestamp IS NULL OR last_load_timestamp <= $2)`
	tag, err := r.Pool.Exec(ctx, q, loaderCode, watermark.UTC(), endedAt.UTC(), zeroRows)
	if err != nil {
		return fmt.Errorf("op=loader.complete_success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=loader.complete_success: watermark would move backwards: %w", domain.ErrConflict)
	}
	return nil
}

// CompleteFailure records a failed execution. With escalate=false the loader
// returns to IDLE and the scheduler retries on a later tick; with
// escalate=true it enters FAILED until the sweeper's grace elapses.
func (r *LoaderRepo) CompleteFailure(ctx domain.Context, loaderCode, reason string, failedAt time.Time, escalate bool) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.CompleteFailure")
	defer span.End()
	q := `UPDATE loader SET
		load_status = CASE WHEN $4 THEN 'FAILED' ELSE 'IDLE' END,
		failed_since = CASE WHEN $4 THEN $3::timestamptz ELSE NULL END,
		failure_reason=$2, last_execution_end=$3,
		consecutive_failures=consecutive_failures+1, updated_at=now()
		WHERE loader_code=$1 AND load_status='RUNNING'`
	if _, err := r.Pool.Exec(ctx, q, loaderCode, reason, failedAt.UTC(), escalate); err != nil {
		return fmt.Errorf("op=loader.complete_failure: %w", err)
	}
	return nil
}

// SeedWatermark persists the initial watermark; guarded so a concurrent seed
// or an existing watermark is never overwritten.
func (r *LoaderRepo) SeedWatermark(ctx domain.Context, loaderCode string, watermark time.Time) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.SeedWatermark")
	defer span.End()
	q := `UPDATE loader SET last_load_timestamp=$2, updated_at=now()
		WHERE loader_code=$1 AND last_load_timestamp IS NULL`
	if _, err := r.Pool.Exec(ctx, q, loaderCode, watermark.UTC()); err != nil {
		return fmt.Errorf("op=loader.seed_watermark: %w", err)
	}
	return nil
}

// SetStatus applies a state change without touching the failure counters,
// so the executor handing a loader back to IDLE between transient retries
// does not erase its consecutive-failure count. CompleteSuccess and
// RecoverFailed own the counter resets.
func (r *LoaderRepo) SetStatus(ctx domain.Context, loaderCode string, status domain.LoadStatus, reason string) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.SetStatus")
	defer span.End()
	q := `UPDATE loader SET load_status=$2, failure_reason=$3,
		failed_since = CASE WHEN $2='FAILED' THEN now() ELSE NULL END,
		updated_at=now()
		WHERE loader_code=$1`
	tag, err := r.Pool.Exec(ctx, q, loaderCode, status, reason)
	if err != nil {
		return fmt.Errorf("op=loader.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=loader.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// ResetFailures zeroes the consecutive-failure count for an operator resume.
func (r *LoaderRepo) ResetFailures(ctx domain.Context, loaderCode string) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.ResetFailures")
	defer span.End()
	q := `UPDATE loader SET consecutive_failures=0, updated_at=now() WHERE loader_code=$1`
	tag, err := r.Pool.Exec(ctx, q, loaderCode)
	if err != nil {
		return fmt.Errorf("op=loader.reset_failures: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=loader.reset_failures: %w", domain.ErrNotFound)
	}
	return nil
}

// SetForceNextRun flags the loader to bypass the dueness check once.
func (r *LoaderRepo) SetForceNextRun(ctx domain.Context, loaderCode string, force bool) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.SetForceNextRun")
	defer span.End()
	q := `UPDATE loader SET force_next_run=$2, updated_at=now() WHERE loader_code=$1`
	tag, err := r.Pool.Exec(ctx, q, loaderCode, force)
	if err != nil {
		return fmt.Errorf("op=loader.force_next_run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=loader.force_next_run: %w", domain.ErrNotFound)
	}
	return nil
}

// RewindWatermark moves the watermark back for a backfill and installs the
// temporary purge-strategy override. Rejected while the loader is RUNNING.
func (r *LoaderRepo) RewindWatermark(ctx domain.Context, loaderCode string, to, until time.Time, strategy domain.PurgeStrategy) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.RewindWatermark")
	defer span.End()
	q := `UPDATE loader SET last_load_timestamp=$2, backfill_until=$3,
		backfill_strategy=$4, updated_at=now()
		WHERE loader_code=$1 AND load_status <> 'RUNNING'`
	tag, err := r.Pool.Exec(ctx, q, loaderCode, to.UTC(), until.UTC(), strategy)
	if err != nil {
		return fmt.Errorf("op=loader.rewind: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=loader.rewind: loader running or missing: %w", domain.ErrConflict)
	}
	return nil
}

// ClearBackfill drops an in-progress backfill override.
func (r *LoaderRepo) ClearBackfill(ctx domain.Context, loaderCode string) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.ClearBackfill")
	defer span.End()
	q := `UPDATE loader SET backfill_until=NULL, backfill_strategy='', updated_at=now() WHERE loader_code=$1`
	if _, err := r.Pool.Exec(ctx, q, loaderCode); err != nil {
		return fmt.Errorf("op=loader.clear_backfill: %w", err)
	}
	return nil
}

// RecoverFailed resets loaders failed before the cutoff back to IDLE and
// returns their codes for metrics and logs.
func (r *LoaderRepo) RecoverFailed(ctx domain.Context, cutoff time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.RecoverFailed")
	defer span.End()
	q := `UPDATE loader SET load_status='IDLE', failed_since=NULL,
		failure_reason='', consecutive_failures=0, updated_at=now()
		WHERE load_status='FAILED' AND failed_since < $1
		RETURNING loader_code`
	rows, err := r.Pool.Query(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=loader.recover_failed: %w", err)
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("op=loader.recover_failed: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=loader.recover_failed: %w", err)
	}
	span.SetAttributes(attribute.Int("loaders.recovered", len(codes)))
	return codes, nil
}

// CountEnabled returns the number of enabled loaders for the gauge.
func (r *LoaderRepo) CountEnabled(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.CountEnabled")
	defer span.End()
	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM loader WHERE enabled`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=loader.count_enabled: %w", err)
	}
	return n, nil
}
