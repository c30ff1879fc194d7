package domain

import "time"

// Repositories (ports)

// LoaderRepository persists loader rows and their runtime state. All state
// transitions used by the executor go through atomic single-statement
// updates so two replicas never interleave a read-modify-write.
type LoaderRepository interface {
	GetByCode(ctx Context, loaderCode string) (Loader, error)
	// ListSchedulable returns enabled loaders in IDLE or FAILED ordered by
	// (failed_since nulls first, last_load_timestamp ascending).
	ListSchedulable(ctx Context) ([]Loader, error)
	ListAll(ctx Context) ([]Loader, error)
	Create(ctx Context, l Loader) (int64, error)
	// MarkRunning flips status to RUNNING iff the loader is enabled and
	// currently IDLE. Returns ErrConflict when the precondition fails.
	MarkRunning(ctx Context, loaderCode string, startedAt time.Time) error
	// CompleteSuccess advances the watermark and returns the loader to IDLE.
	// The watermark write is guarded (last_load_timestamp IS NULL OR <= $new)
	// so it can only move forward.
	CompleteSuccess(ctx Context, loaderCode string, watermark time.Time, endedAt time.Time, zeroRows bool) error
	// CompleteFailure records a failure without advancing the watermark.
	// escalate=false keeps the loader IDLE for an implicit retry.
	CompleteFailure(ctx Context, loaderCode string, reason string, failedAt time.Time, escalate bool) error
	// SeedWatermark persists the initial watermark for a loader that has
	// never run; guarded so it never overwrites an existing one.
	SeedWatermark(ctx Context, loaderCode string, watermark time.Time) error
	// SetStatus changes the runtime status only; failure counters are owned
	// by CompleteSuccess, ResetFailures, and RecoverFailed.
	SetStatus(ctx Context, loaderCode string, status LoadStatus, reason string) error
	// ResetFailures zeroes the consecutive-failure count, giving the loader
	// a fresh escalation allowance after an operator resume.
	ResetFailures(ctx Context, loaderCode string) error
	SetForceNextRun(ctx Context, loaderCode string, force bool) error
	// RewindWatermark moves the watermark backwards for a backfill and
	// installs the temporary purge-strategy override.
	RewindWatermark(ctx Context, loaderCode string, to time.Time, until time.Time, strategy PurgeStrategy) error
	ClearBackfill(ctx Context, loaderCode string) error
	// RecoverFailed resets loaders failed before the cutoff back to IDLE.
	// Returns the codes recovered.
	RecoverFailed(ctx Context, cutoff time.Time) ([]string, error)
	CountEnabled(ctx Context) (int64, error)
}

// LockRepository manages the execution_lock table, the only inter-process
// shared mutable state besides the loader rows.
type LockRepository interface {
	// Acquire conditionally inserts (loaderCode, slot); ErrConflict when the
	// slot is held.
	Acquire(ctx Context, loaderCode string, slot int, holderID string, now time.Time) error
	Release(ctx Context, loaderCode string, slot int) error
	Heartbeat(ctx Context, loaderCode string, slot int, holderID string, now time.Time) error
	// Held reports whether holderID still owns the slot (sweeper may have
	// reaped it mid-execution).
	Held(ctx Context, loaderCode string, slot int, holderID string) (bool, error)
	// ReapStale deletes locks whose heartbeat is older than cutoff and
	// returns the affected loader codes.
	ReapStale(ctx Context, cutoff time.Time) ([]string, error)
}

// SourceRepository reads the source_database catalog (read-only for the
// engine).
type SourceRepository interface {
	GetByCode(ctx Context, sourceCode string) (SourceDatabase, error)
	Create(ctx Context, s SourceDatabase) (int64, error)
}

// Engine collaborators (ports)

// SourceConnections hands out pooled connections to source databases and
// gates them behind privilege inspection.
type SourceConnections interface {
	// Inspect runs (or returns the cached) privilege inspection for the
	// source account.
	Inspect(ctx Context, sourceCode string) (PrivilegeReport, error)
	// Invalidate drops the cached pool and inspection after a definition
	// change.
	Invalidate(sourceCode string)
}

// QueryRunner binds a window to the loader SQL and executes it against the
// source, returning fully materialized rows.
type QueryRunner interface {
	Run(ctx Context, loader Loader, window Window) ([]SignalRecord, error)
}

// Sink writes a run's rows into the central signal store, honoring the purge
// strategy when the window overlaps ingested territory.
type Sink interface {
	Ingest(ctx Context, loader Loader, window Window, previousWatermark *time.Time, rows []SignalRecord) (int64, error)
}

// Planner computes query windows for a loader. Plan applies the schedule
// gate and is what the scheduler polls; Window skips the gate and is for a
// caller that already holds the RUNNING transition, whose own execution
// start would otherwise read as the loader having just run.
type Planner interface {
	Plan(ctx Context, loader Loader, now time.Time) (*Window, error)
	Window(ctx Context, loader Loader, now time.Time) (*Window, error)
}

// ActivityRecorder publishes activity events for the dashboard collaborator.
// Implementations must be safe to call from concurrent executions.
type ActivityRecorder interface {
	Record(ctx Context, ev ActivityEvent)
}
