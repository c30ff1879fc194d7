package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// LockRepo manages the execution_lock table. The primary key on
// (loader_code, slot) is what serializes executions across replicas; a
// failed conditional insert means another replica holds the slot.
type LockRepo struct{ Pool PgxPool }

// NewLockRepo constructs a LockRepo with the given pool.
func NewLockRepo(p PgxPool) *LockRepo { return &LockRepo{Pool: p} }

// Acquire conditionally inserts the lock row. Returns ErrConflict when the
// slot is already held.
func (r *LockRepo) Acquire(ctx domain.Context, loaderCode string, slot int, holderID string, now time.Time) error {
	tracer := otel.Tracer("repo.locks")
	ctx, span := tracer.Start(ctx, "locks.Acquire")
	defer span.End()
	span.SetAttributes(
		attribute.String("loader.code", loaderCode),
		attribute.Int("lock.slot", slot),
	)
	q := `INSERT INTO execution_lock (loader_code, slot, holder_id, acquired_at, heartbeat_at)
		VALUES ($1,$2,$3,$4,$4)`
	if _, err := r.Pool.Exec(ctx, q, loaderCode, slot, holderID, now.UTC()); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=lock.acquire: slot held: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=lock.acquire: %w", err)
	}
	return nil
}

// Release deletes the lock row unconditionally.
func (r *LockRepo) Release(ctx domain.Context, loaderCode string, slot int) error {
	tracer := otel.Tracer("repo.locks")
	ctx, span := tracer.Start(ctx, "locks.Release")
	defer span.End()
	q := `DELETE FROM execution_lock WHERE loader_code=$1 AND slot=$2`
	if _, err := r.Pool.Exec(ctx, q, loaderCode, slot); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	return nil
}

// Heartbeat refreshes the lock's heartbeat in an independent short
// transaction. Returns ErrStateLost when the row no longer belongs to
// holderID (sweeper reaped it).
func (r *LockRepo) Heartbeat(ctx domain.Context, loaderCode string, slot int, holderID string, now time.Time) error {
	q := `UPDATE execution_lock SET heartbeat_at=$4
		WHERE loader_code=$1 AND slot=$2 AND holder_id=$3`
	tag, err := r.Pool.Exec(ctx, q, loaderCode, slot, holderID, now.UTC())
	if err != nil {
		return fmt.Errorf("op=lock.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=lock.heartbeat: %w", domain.ErrStateLost)
	}
	return nil
}

// Held reports whether holderID still owns the slot.
func (r *LockRepo) Held(ctx domain.Context, loaderCode string, slot int, holderID string) (bool, error) {
	q := `SELECT holder_id FROM execution_lock WHERE loader_code=$1 AND slot=$2`
	var holder string
	if err := r.Pool.QueryRow(ctx, q, loaderCode, slot).Scan(&holder); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("op=lock.held: %w", err)
	}
	return holder == holderID, nil
}

// ReapStale deletes locks whose heartbeat predates the cutoff and returns
// the affected loader codes. Only the recovery sweeper calls this.
func (r *LockRepo) ReapStale(ctx domain.Context, cutoff time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.locks")
	ctx, span := tracer.Start(ctx, "locks.ReapStale")
	defer span.End()
	q := `DELETE FROM execution_lock WHERE heartbeat_at < $1 RETURNING loader_code`
	rows, err := r.Pool.Query(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=lock.reap_stale: %w", err)
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("op=lock.reap_stale: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=lock.reap_stale: %w", err)
	}
	span.SetAttributes(attribute.Int("locks.reaped", len(codes)))
	return codes, nil
}
