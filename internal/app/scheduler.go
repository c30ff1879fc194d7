// Package app hosts the long-running process pieces: the scheduling loop,
// the recovery sweeper, and the HTTP status surface.
package app

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/fairyhunter13/signal-loader/internal/adapter/observability"
	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// LoaderExecutor runs one execution attempt for one loader.
type LoaderExecutor interface {
	Execute(ctx domain.Context, l domain.Loader)
}

// Scheduler is the per-process dispatch loop. Each tick it selects
// schedulable loaders, asks the planner which are due, and hands them to the
// executor through a bounded worker pool. It never blocks on an execution;
// when the pool is saturated the tick ends early and the remainder waits.
type Scheduler struct {
	Loaders  domain.LoaderRepository
	Planner  domain.Planner
	Executor LoaderExecutor
	Logger   *slog.Logger

	Tick     time.Duration
	PoolSize int

	sem   chan struct{}
	clock func() time.Time
}

// NewScheduler wires a scheduler with a worker pool of poolSize slots.
func NewScheduler(loaders domain.LoaderRepository, planner domain.Planner, executor LoaderExecutor, logger *slog.Logger, tick time.Duration, poolSize int) *Scheduler {
	return &Scheduler{
		Loaders:  loaders,
		Planner:  planner,
		Executor: executor,
		Logger:   logger,
		Tick:     tick,
		PoolSize: poolSize,
		sem:      make(chan struct{}, poolSize),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled. The tick is jittered so replicas started
// together do not stampede the lock table in lockstep.
func (s *Scheduler) Run(ctx domain.Context) {
	s.Logger.Info("scheduler started",
		slog.Duration("tick", s.Tick),
		slog.Int("worker_pool_size", s.PoolSize),
	)
	for {
		jitter := time.Duration(rand.Int63n(int64(s.Tick)/10 + 1))
		select {
		case <-ctx.Done():
			s.Logger.Info("scheduler stopped")
			return
		case <-time.After(s.Tick + jitter):
			s.tick(ctx)
		}
	}
}

// tick dispatches one scheduling pass. Errors are logged and swallowed; one
// bad pass must not stop the loop.
func (s *Scheduler) tick(ctx domain.Context) {
	if n, err := s.Loaders.CountEnabled(ctx); err == nil {
		observability.LoaderEnabledCount.Set(float64(n))
	}

	candidates, err := s.Loaders.ListSchedulable(ctx)
	if err != nil {
		s.Logger.Error("schedulable query failed", slog.Any("error", err))
		return
	}

	now := s.clock()
	for _, l := range candidates {
		if l.LoadStatus == domain.LoadFailed {
			// FAILED loaders re-enter only through the sweeper once the grace
			// elapses; dispatching them early would bypass the backoff.
			continue
		}
		due, err := s.isDue(ctx, l, now)
		if err != nil {
			s.Logger.Error("planning failed",
				slog.String("loader_code", l.LoaderCode), slog.Any("error", err))
			continue
		}
		if !due {
			continue
		}
		select {
		case s.sem <- struct{}{}:
			go func(l domain.Loader) {
				defer func() { <-s.sem }()
				s.Executor.Execute(ctx, l)
			}(l)
		default:
			// Pool saturated; the rest waits for the next tick.
			s.Logger.Debug("worker pool saturated, deferring remaining loaders")
			return
		}
	}
}

func (s *Scheduler) isDue(ctx domain.Context, l domain.Loader, now time.Time) (bool, error) {
	w, err := s.Planner.Plan(ctx, l, now)
	if err != nil {
		return false, err
	}
	return w != nil, nil
}
