package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/signal-loader/internal/adapter/observability"
	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// Executions escalate to FAILED after this many consecutive transient
// failures; fatal failures escalate immediately.
const maxConsecutiveFailures = 3

// Executor runs one execution of one loader end to end: distributed lock,
// state transition, privilege gate, planning, query, ingestion, commit.
//
// Execute never returns an error. Every failure is classified, persisted to
// the loader row, counted, and logged, so a bad loader cannot derail the
// scheduler tick that dispatched it.
type Executor struct {
	Loaders domain.LoaderRepository
	Locks   domain.LockRepository
	Sources domain.SourceConnections
	Planner domain.Planner
	Runner  domain.QueryRunner
	Sink    domain.Sink
	Events  domain.ActivityRecorder
	Logger  *slog.Logger

	// StaleLockThreshold matches the sweeper's reap threshold; heartbeats run
	// at half this interval.
	StaleLockThreshold time.Duration

	clock func() time.Time
}

// NewExecutor wires an executor over its collaborators.
func NewExecutor(
	loaders domain.LoaderRepository,
	locks domain.LockRepository,
	sources domain.SourceConnections,
	planner domain.Planner,
	runner domain.QueryRunner,
	sink domain.Sink,
	events domain.ActivityRecorder,
	logger *slog.Logger,
	staleLockThreshold time.Duration,
) *Executor {
	return &Executor{
		Loaders:            loaders,
		Locks:              locks,
		Sources:            sources,
		Planner:            planner,
		Runner:             runner,
		Sink:               sink,
		Events:             events,
		Logger:             logger,
		StaleLockThreshold: staleLockThreshold,
		clock:              func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs a single execution attempt for the loader. Losing the lock
// race or the IDLE precondition to another replica is a quiet no-op.
func (e *Executor) Execute(ctx domain.Context, l domain.Loader) {
	tracer := otel.Tracer("usecase.executor")
	ctx, span := tracer.Start(ctx, "executor.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("loader.code", l.LoaderCode))

	corrID := ulid.Make().String()
	holderID := uuid.NewString()
	log := e.Logger.With(
		slog.String("loader_code", l.LoaderCode),
		slog.String("correlation_id", corrID),
	)

	now := e.clock()
	if err := e.Locks.Acquire(ctx, l.LoaderCode, 0, holderID, now); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Debug("execution lock held by another replica")
			return
		}
		log.Error("lock acquire failed", slog.Any("error", err))
		return
	}
	// Release runs even when the surrounding context was cancelled by
	// shutdown; the sweeper is the fallback if this write is lost too.
	defer func() {
		if err := e.Locks.Release(context.WithoutCancel(ctx), l.LoaderCode, 0); err != nil {
			log.Warn("lock release failed, sweeper will reap", slog.Any("error", err))
		}
	}()

	if err := e.Loaders.MarkRunning(ctx, l.LoaderCode, now); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			log.Error("mark running failed", slog.Any("error", err))
		}
		return
	}

	observability.StartExecution()
	start := e.clock()

	// Re-read the row so planning sees the freshest watermark; another
	// replica may have completed an execution since the scheduler listed us.
	// A reload failure is an engine-database problem, not a source one, and
	// classifies as internal.
	fresh, err := e.Loaders.GetByCode(ctx, l.LoaderCode)
	if err != nil {
		e.finishFailure(ctx, log, l, start, corrID, nil,
			fmt.Errorf("reload loader row: %w", err))
		return
	}
	l = fresh

	report, err := e.Sources.Inspect(ctx, l.SourceCode)
	if err != nil {
		e.finishFailure(ctx, log, l, start, corrID, nil, err)
		return
	}
	if !report.Clean() {
		err := fmt.Errorf("%w: %s", domain.ErrPrivilegeViolation, strings.Join(report.Violations, "; "))
		e.finishFailure(ctx, log, l, start, corrID, nil, err)
		return
	}

	// Window, not Plan: MarkRunning just stamped last_execution_start with
	// this execution's own start, so the schedule gate would reject every
	// run. The scheduler already decided dueness on the pre-transition row.
	window, err := e.Planner.Window(ctx, l, e.clock())
	if err != nil {
		e.finishFailure(ctx, log, l, start, corrID, nil, err)
		return
	}
	if window == nil {
		// Watermark is already at now; hand the loader back without touching
		// it or the failure counters.
		if err := e.Loaders.SetStatus(ctx, l.LoaderCode, domain.LoadIdle, ""); err != nil {
			log.Error("return to idle failed", slog.Any("error", err))
		}
		observability.LoaderRunningCount.Dec()
		return
	}
	span.SetAttributes(
		attribute.String("window.from", window.From.Format(time.RFC3339)),
		attribute.String("window.to", window.To.Format(time.RFC3339)),
	)

	// Heartbeat keeps the lock alive for the sweeper; losing the row means a
	// sweeper already declared this execution dead, so its work is discarded.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var lost atomic.Bool
	go e.heartbeatLoop(runCtx, cancel, &lost, l.LoaderCode, holderID)

	rows, err := e.Runner.Run(runCtx, l, *window)
	if err != nil {
		if lost.Load() {
			e.finishStateLost(log, window, start)
			return
		}
		e.finishFailure(ctx, log, l, start, corrID, window, err)
		return
	}

	ingested, err := e.Sink.Ingest(runCtx, l, *window, l.HighWaterMark, rows)
	if err != nil {
		if lost.Load() {
			e.finishStateLost(log, window, start)
			return
		}
		e.finishFailure(ctx, log, l, start, corrID, window, err)
		return
	}
	if lost.Load() {
		e.finishStateLost(log, window, start)
		return
	}
	cancel()

	ended := e.clock()
	if err := e.Loaders.CompleteSuccess(ctx, l.LoaderCode, window.To, ended, len(rows) == 0); err != nil {
		e.finishFailure(ctx, log, l, start, corrID, window, fmt.Errorf("commit: %w", err))
		return
	}

	duration := ended.Sub(start)
	observability.CompleteExecution(l.LoaderCode, observability.StatusSuccess, duration.Seconds())
	observability.ObserveRecords(l.LoaderCode, int64(len(rows)), ingested)
	log.Info("execution complete",
		slog.Time("window_from", window.From),
		slog.Time("window_to", window.To),
		slog.Int("row_count", len(rows)),
		slog.Int64("duration_ms", duration.Milliseconds()),
		slog.String("status", observability.StatusSuccess),
	)

	e.Events.Record(ctx, domain.ActivityEvent{
		Type:          domain.ActivityExecutionSuccess,
		LoaderCode:    l.LoaderCode,
		CorrelationID: corrID,
		WindowFrom:    &window.From,
		WindowTo:      &window.To,
		RowCount:      ingested,
		OccurredAt:    ended,
	})
	if l.BackfillUntil != nil && !window.To.Before(*l.BackfillUntil) {
		e.Events.Record(ctx, domain.ActivityEvent{
			Type:          domain.ActivityBackfillCompleted,
			LoaderCode:    l.LoaderCode,
			CorrelationID: corrID,
			WindowTo:      &window.To,
			OccurredAt:    ended,
		})
	}
}

// heartbeatLoop refreshes the lock at half the stale threshold. A lost row
// cancels the execution context so in-flight query or sink work stops.
func (e *Executor) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, lost *atomic.Bool, loaderCode, holderID string) {
	interval := e.StaleLockThreshold / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.Locks.Heartbeat(ctx, loaderCode, 0, holderID, e.clock())
			if errors.Is(err, domain.ErrStateLost) {
				lost.Store(true)
				cancel()
				return
			}
		}
	}
}

// finishFailure classifies err, persists the failure without advancing the
// watermark, and emits metrics, logs, and activity events. Transient kinds
// stay IDLE for an implicit retry until the third consecutive failure; fatal
// kinds escalate to FAILED immediately.
func (e *Executor) finishFailure(ctx domain.Context, log *slog.Logger, l domain.Loader, start time.Time, corrID string, window *domain.Window, runErr error) {
	kind := domain.ErrorKind(runErr)
	reason := fmt.Sprintf("%s: %v", kind, runErr)
	escalate := !domain.IsTransient(runErr) || l.ConsecutiveFailures+1 >= maxConsecutiveFailures

	failedAt := e.clock()
	if err := e.Loaders.CompleteFailure(ctx, l.LoaderCode, reason, failedAt, escalate); err != nil {
		log.Error("record failure failed", slog.Any("error", err))
	}

	duration := failedAt.Sub(start)
	observability.CompleteExecution(l.LoaderCode, observability.StatusFailed, duration.Seconds())
	attrs := []any{
		slog.Int64("duration_ms", duration.Milliseconds()),
		slog.String("status", observability.StatusFailed),
		slog.String("reason", reason),
		slog.Bool("escalated", escalate),
	}
	if window != nil {
		attrs = append(attrs,
			slog.Time("window_from", window.From),
			slog.Time("window_to", window.To),
		)
	}
	log.Error("execution failed", attrs...)

	ev := domain.ActivityEvent{
		Type:          domain.ActivityExecutionFailed,
		LoaderCode:    l.LoaderCode,
		CorrelationID: corrID,
		Reason:        reason,
		OccurredAt:    failedAt,
	}
	if window != nil {
		ev.WindowFrom = &window.From
		ev.WindowTo = &window.To
	}
	e.Events.Record(ctx, ev)
	if l.BackfillUntil != nil && escalate {
		e.Events.Record(ctx, domain.ActivityEvent{
			Type:          domain.ActivityBackfillFailed,
			LoaderCode:    l.LoaderCode,
			CorrelationID: corrID,
			Reason:        reason,
			OccurredAt:    failedAt,
		})
	}
}

// finishStateLost discards the execution's work: the sweeper reaped the lock
// and already owns the loader's state, so nothing is written here.
func (e *Executor) finishStateLost(log *slog.Logger, window *domain.Window, start time.Time) {
	duration := e.clock().Sub(start)
	observability.LoaderRunningCount.Dec()
	log.Warn("execution lock lost, discarding work",
		slog.Time("window_from", window.From),
		slog.Time("window_to", window.To),
		slog.Int64("duration_ms", duration.Milliseconds()),
		slog.String("reason", domain.ErrorKind(domain.ErrStateLost)),
	)
}
