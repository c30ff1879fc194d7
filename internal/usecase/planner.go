// Package usecase contains the engine's application services: window
// planning, single-loader execution, and the administrative operations.
package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// WindowPlanner computes the next query window for a loader from its
// persisted watermark and schedule settings.
//
// A loader that has never run gets its watermark seeded to
// now-DefaultLookback, and the seed is persisted before the first window is
// returned so a crash between planning and completion cannot cause an
// unbounded replay.
type WindowPlanner struct {
	Loaders         domain.LoaderRepository
	DefaultLookback time.Duration
}

// NewWindowPlanner wires a planner over the loader repository.
func NewWindowPlanner(loaders domain.LoaderRepository, defaultLookback time.Duration) *WindowPlanner {
	return &WindowPlanner{Loaders: loaders, DefaultLookback: defaultLookback}
}

// Plan returns the next window for the loader, or nil when it is not due or
// the window would be empty. Catch-up is segmented: the window never exceeds
// MaxQueryPeriodSeconds, so a loader far behind advances one segment per
// execution.
func (p *WindowPlanner) Plan(ctx domain.Context, l domain.Loader, now time.Time) (*domain.Window, error) {
	now = now.UTC().Truncate(time.Microsecond)
	if !l.ForceNextRun && !due(l, now) {
		return nil, nil
	}
	return p.Window(ctx, l, now)
}

// Window computes the window without the schedule gate. The executor calls
// this after MarkRunning, at which point last_execution_start is its own
// start time and the gate would never pass.
func (p *WindowPlanner) Window(ctx domain.Context, l domain.Loader, now time.Time) (*domain.Window, error) {
	now = now.UTC().Truncate(time.Microsecond)

	last := l.LastLoadTimestamp
	if last == nil {
		seed := now.Add(-p.DefaultLookback)
		if err := p.Loaders.SeedWatermark(ctx, l.LoaderCode, seed); err != nil {
			return nil, fmt.Errorf("op=planner.seed: %w", err)
		}
		last = &seed
	}

	from := last.UTC()
	to := from.Add(time.Duration(l.MaxQueryPeriodSeconds) * time.Second)
	if to.After(now) {
		to = now
	}
	// During a backfill the window stops at the requested upper bound so the
	// strategy override never applies past it.
	if l.BackfillUntil != nil && l.BackfillUntil.After(from) && l.BackfillUntil.Before(to) {
		to = l.BackfillUntil.UTC()
	}
	if !to.After(from) {
		return nil, nil
	}

	offset := time.Duration(l.SourceTimezoneOffsetHrs) * time.Hour
	return &domain.Window{
		From:       from,
		To:         to,
		SourceFrom: from.Add(-offset),
		SourceTo:   to.Add(-offset),
	}, nil
}

// due applies both schedule constraints: MinIntervalSeconds is the gap from
// the end of the previous execution, MaxIntervalSeconds the start-to-start
// cadence. The loader is due once now has passed both.
func due(l domain.Loader, now time.Time) bool {
	var next time.Time
	if l.LastExecutionEnd != nil {
		next = l.LastExecutionEnd.Add(time.Duration(l.MinIntervalSeconds) * time.Second)
	}
	if l.LastExecutionStart != nil {
		if cadence := l.LastExecutionStart.Add(time.Duration(l.MaxIntervalSeconds) * time.Second); cadence.After(next) {
			next = cadence
		}
	}
	return !now.Before(next)
}
