package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// BackfillRequest is an administrative rewind: the watermark moves back to
// FromEpochSec and the given purge strategy overrides the loader's own until
// the watermark catches up to ToEpochSec.
type BackfillRequest struct {
	LoaderCode    string               `json:"loader_code" validate:"required"`
	FromEpochSec  int64                `json:"from_epoch_sec" validate:"gt=0"`
	ToEpochSec    int64                `json:"to_epoch_sec" validate:"gtfield=FromEpochSec"`
	PurgeStrategy domain.PurgeStrategy `json:"purge_strategy" validate:"oneof=FAIL_ON_DUPLICATE PURGE_AND_RELOAD SKIP_DUPLICATES"`
}

// Admin applies operator commands as state mutations. The scheduler and
// executor pick the new state up on their next pass; nothing here touches a
// running execution directly.
type Admin struct {
	Loaders domain.LoaderRepository
	Sources domain.SourceRepository
	Conns   domain.SourceConnections
	Events  domain.ActivityRecorder
	Logger  *slog.Logger
}

// NewAdmin wires the administrative service.
func NewAdmin(loaders domain.LoaderRepository, sources domain.SourceRepository, conns domain.SourceConnections, events domain.ActivityRecorder, logger *slog.Logger) *Admin {
	return &Admin{Loaders: loaders, Sources: sources, Conns: conns, Events: events, Logger: logger}
}

// Pause takes the loader out of scheduling until resumed. A run already in
// flight finishes on its own; pause only blocks the next dispatch.
func (a *Admin) Pause(ctx domain.Context, loaderCode string) error {
	if err := a.Loaders.SetStatus(ctx, loaderCode, domain.LoadPaused, "paused by operator"); err != nil {
		return fmt.Errorf("op=admin.pause: %w", err)
	}
	a.Logger.Info("loader paused", slog.String("loader_code", loaderCode))
	a.Events.Record(ctx, domain.ActivityEvent{
		Type:       domain.ActivityLoaderPaused,
		LoaderCode: loaderCode,
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

// Resume returns a paused or failed loader to IDLE, clearing its failure
// bookkeeping.
func (a *Admin) Resume(ctx domain.Context, loaderCode string) error {
	if err := a.Loaders.SetStatus(ctx, loaderCode, domain.LoadIdle, ""); err != nil {
		return fmt.Errorf("op=admin.resume: %w", err)
	}
	if err := a.Loaders.ResetFailures(ctx, loaderCode); err != nil {
		return fmt.Errorf("op=admin.resume: %w", err)
	}
	a.Logger.Info("loader resumed", slog.String("loader_code", loaderCode))
	a.Events.Record(ctx, domain.ActivityEvent{
		Type:       domain.ActivityLoaderResumed,
		LoaderCode: loaderCode,
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

// ForceStart flags the loader to bypass the dueness check on the next tick.
func (a *Admin) ForceStart(ctx domain.Context, loaderCode string) error {
	if err := a.Loaders.SetForceNextRun(ctx, loaderCode, true); err != nil {
		return fmt.Errorf("op=admin.force_start: %w", err)
	}
	a.Logger.Info("loader force-start requested", slog.String("loader_code", loaderCode))
	return nil
}

// Backfill rewinds the watermark per the request. Rejected while the loader
// is RUNNING; the caller retries after the current execution finishes.
// FAIL_ON_DUPLICATE is accepted but the next run fails closed if the rewound
// range was already ingested.
func (a *Admin) Backfill(ctx domain.Context, req BackfillRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("op=admin.backfill: %w: %w", domain.ErrInvalidArgument, err)
	}
	to := time.Unix(req.FromEpochSec, 0).UTC()
	until := time.Unix(req.ToEpochSec, 0).UTC()
	if err := a.Loaders.RewindWatermark(ctx, req.LoaderCode, to, until, req.PurgeStrategy); err != nil {
		return fmt.Errorf("op=admin.backfill: %w", err)
	}
	a.Logger.Info("watermark rewound for backfill",
		slog.String("loader_code", req.LoaderCode),
		slog.Time("rewind_to", to),
		slog.Time("backfill_until", until),
		slog.String("purge_strategy", string(req.PurgeStrategy)),
	)
	return nil
}

// CreateLoader validates and registers a loader definition. The repository
// seals the SQL template at rest.
func (a *Admin) CreateLoader(ctx domain.Context, l domain.Loader) (int64, error) {
	if err := validate.Struct(l); err != nil {
		return 0, fmt.Errorf("op=admin.create_loader: %w: %w", domain.ErrInvalidArgument, err)
	}
	id, err := a.Loaders.Create(ctx, l)
	if err != nil {
		return 0, fmt.Errorf("op=admin.create_loader: %w", err)
	}
	a.Logger.Info("loader created", slog.String("loader_code", l.LoaderCode), slog.Int64("id", id))
	return id, nil
}

// CreateSource validates and registers a source database, then drops any
// cached pool for its code so the new definition takes effect.
func (a *Admin) CreateSource(ctx domain.Context, s domain.SourceDatabase) (int64, error) {
	if err := validate.Struct(s); err != nil {
		return 0, fmt.Errorf("op=admin.create_source: %w: %w", domain.ErrInvalidArgument, err)
	}
	id, err := a.Sources.Create(ctx, s)
	if err != nil {
		return 0, fmt.Errorf("op=admin.create_source: %w", err)
	}
	if a.Conns != nil {
		a.Conns.Invalidate(s.SourceCode)
	}
	a.Logger.Info("source registered", slog.String("source_code", s.SourceCode), slog.Int64("id", id))
	return id, nil
}
