// Package domain defines the engine's entities, ports, and error taxonomy.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Transient kinds are retried implicitly on the
// next scheduler tick; fatal kinds fail the loader immediately.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrSourceUnavailable  = errors.New("source unavailable")
	ErrPrivilegeViolation = errors.New("privilege violation")
	ErrSQLSyntax          = errors.New("sql syntax error")
	ErrTimeout            = errors.New("timeout")
	ErrDuplicateWindow    = errors.New("duplicate window")
	ErrSinkWriteFailed    = errors.New("sink write failed")
	ErrStateLost          = errors.New("execution state lost")
	ErrInternal           = errors.New("internal error")
)

// IsTransient reports whether err is retried implicitly on the next tick
// rather than failing the loader on first occurrence.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrSinkWriteFailed)
}

// ErrorKind maps an execution error onto its taxonomy label, used in failure
// reasons, logs, and activity events.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrPrivilegeViolation):
		return "PRIVILEGE_VIOLATION"
	case errors.Is(err, ErrSQLSyntax):
		return "SQL_SYNTAX"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrDuplicateWindow):
		return "DUPLICATE_WINDOW"
	case errors.Is(err, ErrSinkWriteFailed):
		return "SINK_WRITE_FAILED"
	case errors.Is(err, ErrSourceUnavailable):
		return "SOURCE_UNAVAILABLE"
	case errors.Is(err, ErrStateLost):
		return "STATE_LOST"
	default:
		return "INTERNAL"
	}
}

// LoadStatus is the persisted runtime state of a loader.
type LoadStatus string

const (
	LoadIdle    LoadStatus = "IDLE"
	LoadRunning LoadStatus = "RUNNING"
	LoadFailed  LoadStatus = "FAILED"
	LoadPaused  LoadStatus = "PAUSED"
)

// PurgeStrategy is the policy applied when a window overlaps already-ingested
// territory.
type PurgeStrategy string

const (
	PurgeFailOnDuplicate PurgeStrategy = "FAIL_ON_DUPLICATE"
	PurgeAndReload       PurgeStrategy = "PURGE_AND_RELOAD"
	PurgeSkipDuplicates  PurgeStrategy = "SKIP_DUPLICATES"
)

// SourceType identifies the dialect of a source database.
type SourceType string

const (
	SourceMySQL    SourceType = "MYSQL"
	SourcePostgres SourceType = "POSTGRESQL"
	SourceUnknown  SourceType = "UNKNOWN"
)

// Loader is a configured ETL pipeline: source + SQL + schedule + watermark.
//
// LoaderSQL is stored encrypted at rest; the repository decrypts it on read
// and only the query runner sees plaintext. LastLoadTimestamp is the
// watermark: the upper bound of the last successfully ingested window. It is
// monotonically non-decreasing except through an administrative rewind.
type Loader struct {
	ID                       int64
	LoaderCode               string        `validate:"required"`
	LoaderSQL                string        `validate:"required"`
	SourceCode               string        `validate:"required"`
	MinIntervalSeconds       int64         `validate:"gte=0"`
	MaxIntervalSeconds       int64         `validate:"gt=0"`
	MaxQueryPeriodSeconds    int64         `validate:"gt=0"`
	MaxParallelExecutions    int           `validate:"eq=1"`
	SourceTimezoneOffsetHrs  int           `validate:"gte=-14,lte=14"`
	AggregationPeriodSeconds int64         `validate:"gte=0"`
	PurgeStrategy            PurgeStrategy `validate:"oneof=FAIL_ON_DUPLICATE PURGE_AND_RELOAD SKIP_DUPLICATES"`
	Enabled                  bool
	LoadStatus               LoadStatus
	FailureReason            string
	LastLoadTimestamp        *time.Time
	// HighWaterMark is the maximum watermark ever reached; unlike
	// LastLoadTimestamp it never rewinds, so the sink can detect windows
	// re-entering already-ingested territory after a backfill.
	HighWaterMark       *time.Time
	LastExecutionStart  *time.Time
	LastExecutionEnd    *time.Time
	FailedSince         *time.Time
	ConsecutiveZeroRuns int
	ConsecutiveFailures int
	ForceNextRun        bool
	// Backfill override: while BackfillUntil is set and the watermark has not
	// caught up to it, BackfillStrategy replaces PurgeStrategy.
	BackfillUntil    *time.Time
	BackfillStrategy PurgeStrategy
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EffectiveStrategy returns the purge strategy active for the next window.
func (l Loader) EffectiveStrategy() PurgeStrategy {
	if l.BackfillUntil != nil && l.BackfillStrategy != "" {
		return l.BackfillStrategy
	}
	return l.PurgeStrategy
}

// SourceDatabase is a connection descriptor for a heterogeneous source.
// Password is stored encrypted; the source registry decrypts it in memory
// only while building a pool.
type SourceDatabase struct {
	ID           int64
	SourceCode   string     `validate:"required"`
	Host         string     `validate:"required"`
	Port         int        `validate:"gt=0,lte=65535"`
	DatabaseName string     `validate:"required"`
	Type         SourceType `validate:"oneof=MYSQL POSTGRESQL"`
	Username     string     `validate:"required"`
	Password     string
	UpdatedAt    time.Time
}

// ExecutionLock is the cross-replica mutual-exclusion row. Uniqueness of
// (LoaderCode, Slot) serializes execution; only the recovery sweeper may
// reap rows whose heartbeat went stale.
type ExecutionLock struct {
	LoaderCode  string
	Slot        int
	HolderID    string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
}

// Window is a half-open interval of source time over which one execution is
// parameterized. From and To are UTC instants; SourceFrom/SourceTo carry the
// timezone-shifted values bound into the loader SQL.
type Window struct {
	From       time.Time
	To         time.Time
	SourceFrom time.Time
	SourceTo   time.Time
}

// Width returns the window span.
func (w Window) Width() time.Duration { return w.To.Sub(w.From) }

// SignalRecord is one row produced by a run. EventTime is normalized to UTC
// by the sink before writing.
type SignalRecord struct {
	LoaderCode string
	EventTime  time.Time
	Payload    map[string]any
}

// PrivilegeReport is the outcome of a source-account inspection. An empty
// Violations slice admits the source.
type PrivilegeReport struct {
	SourceCode string
	Violations []string
}

// Clean reports whether the inspected account passed.
func (r PrivilegeReport) Clean() bool { return len(r.Violations) == 0 }

// ActivityType enumerates events published for the dashboard collaborator.
type ActivityType string

const (
	ActivityExecutionSuccess  ActivityType = "EXECUTION_SUCCESS"
	ActivityExecutionFailed   ActivityType = "EXECUTION_FAILED"
	ActivityLoaderPaused      ActivityType = "LOADER_PAUSED"
	ActivityLoaderResumed     ActivityType = "LOADER_RESUMED"
	ActivityBackfillCompleted ActivityType = "BACKFILL_COMPLETED"
	ActivityBackfillFailed    ActivityType = "BACKFILL_FAILED"
)

// ActivityEvent is the wire payload for one activity record.
type ActivityEvent struct {
	Type          ActivityType `json:"type"`
	LoaderCode    string       `json:"loader_code"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	WindowFrom    *time.Time   `json:"window_from,omitempty"`
	WindowTo      *time.Time   `json:"window_to,omitempty"`
	RowCount      int64        `json:"row_count,omitempty"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

// Context is an alias so adapters and usecases share the std context without
// the domain importing adapter packages.
type Context = context.Context
