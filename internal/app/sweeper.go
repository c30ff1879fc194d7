package app

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/signal-loader/internal/adapter/observability"
	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// Sweeper is the recovery loop. It reaps execution locks whose holder
// stopped heartbeating and fails the corresponding loaders, and it returns
// loaders stuck in FAILED to IDLE once the grace period elapses. It never
// executes a loader itself.
type Sweeper struct {
	Loaders domain.LoaderRepository
	Locks   domain.LockRepository
	Logger  *slog.Logger

	Interval    time.Duration
	StaleLock   time.Duration
	FailedGrace time.Duration

	clock func() time.Time
}

// NewSweeper wires a sweeper with the given thresholds.
func NewSweeper(loaders domain.LoaderRepository, locks domain.LockRepository, logger *slog.Logger, interval, staleLock, failedGrace time.Duration) *Sweeper {
	return &Sweeper{
		Loaders:     loaders,
		Locks:       locks,
		Logger:      logger,
		Interval:    interval,
		StaleLock:   staleLock,
		FailedGrace: failedGrace,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx domain.Context) {
	s.Logger.Info("recovery sweeper started",
		slog.Duration("interval", s.Interval),
		slog.Duration("stale_lock", s.StaleLock),
		slog.Duration("failed_grace", s.FailedGrace),
	)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("recovery sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs one recovery pass. Errors are logged and swallowed so the
// loop always reaches the next tick.
func (s *Sweeper) sweepOnce(ctx domain.Context) {
	now := s.clock()

	reaped, err := s.Locks.ReapStale(ctx, now.Add(-s.StaleLock))
	if err != nil {
		s.Logger.Error("stale lock reap failed", slog.Any("error", err))
	}
	for _, code := range reaped {
		observability.LoaderStaleLocksReapedTotal.Inc()
		// CompleteFailure only touches RUNNING rows, so a loader whose
		// execution already finished is left alone.
		if err := s.Loaders.CompleteFailure(ctx, code, "stale execution lock reaped", now, true); err != nil {
			s.Logger.Error("failing loader after stale lock reap failed",
				slog.String("loader_code", code), slog.Any("error", err))
			continue
		}
		s.Logger.Warn("stale execution lock reaped", slog.String("loader_code", code))
	}

	recovered, err := s.Loaders.RecoverFailed(ctx, now.Add(-s.FailedGrace))
	if err != nil {
		s.Logger.Error("failed-loader recovery failed", slog.Any("error", err))
		return
	}
	for _, code := range recovered {
		observability.LoaderAutoRecoveriesTotal.Inc()
		s.Logger.Info("loader auto-recovered to idle", slog.String("loader_code", code))
	}
}
