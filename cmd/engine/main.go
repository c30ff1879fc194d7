// Package main provides the loader engine entry point: the scheduling loop,
// the recovery sweeper, and the HTTP status surface in one process. Replicas
// coordinate through the execution lock table; running more than one is safe.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/signal-loader/internal/adapter/events/redpanda"
	"github.com/fairyhunter13/signal-loader/internal/adapter/observability"
	"github.com/fairyhunter13/signal-loader/internal/adapter/repo/postgres"
	sinkpg "github.com/fairyhunter13/signal-loader/internal/adapter/sink/postgres"
	"github.com/fairyhunter13/signal-loader/internal/adapter/source"
	"github.com/fairyhunter13/signal-loader/internal/app"
	"github.com/fairyhunter13/signal-loader/internal/config"
	"github.com/fairyhunter13/signal-loader/internal/domain"
	"github.com/fairyhunter13/signal-loader/internal/usecase"
	"github.com/fairyhunter13/signal-loader/pkg/cryptox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting loader engine", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	codec, err := cryptox.NewCodec(cfg.EncryptionKey)
	if err != nil {
		slog.Error("encryption key invalid", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	loaderRepo := postgres.NewLoaderRepo(pool, codec)
	lockRepo := postgres.NewLockRepo(pool)
	sourceRepo := postgres.NewSourceRepo(pool, codec)

	registry := source.NewRegistry(sourceRepo, cfg.SourcePoolMax, cfg.SourceConnectMaxElapsed)
	defer registry.Close()
	runner := source.NewRunner(registry)
	sink := sinkpg.NewSink(pool, cfg.SinkTxTimeout)

	var events domain.ActivityRecorder = redpanda.Noop{}
	if cfg.EventsEnabled() {
		producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("activity producer init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				slog.Error("failed to close activity producer", slog.Any("error", err))
			}
		}()
		events = producer
	}

	planner := usecase.NewWindowPlanner(loaderRepo, cfg.SchedulerDefaultLookback)
	executor := usecase.NewExecutor(
		loaderRepo, lockRepo, registry, planner, runner, sink, events,
		logger, cfg.RecoveryStaleLock,
	)
	admin := usecase.NewAdmin(loaderRepo, sourceRepo, registry, events, logger)

	scheduler := app.NewScheduler(loaderRepo, planner, executor, logger,
		cfg.SchedulerTickInterval, cfg.SchedulerWorkerPoolSize)
	go scheduler.Run(ctx)

	sweeper := app.NewSweeper(loaderRepo, lockRepo, logger,
		cfg.RecoverySweepInterval, cfg.RecoveryStaleLock, cfg.RecoveryFailedGrace)
	go sweeper.Run(ctx)

	router := app.BuildRouter(app.HTTPDeps{
		Loaders:         loaderRepo,
		Admin:           admin,
		Ready:           func(ctx domain.Context) error { return pool.Ping(ctx) },
		Logger:          logger,
		CORSOrigins:     cfg.CORSAllowOrigins,
		AdminRatePerMin: cfg.AdminRateLimitPerMin,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.StatusPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("status server listening", slog.Int("port", cfg.StatusPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	slog.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("status server shutdown failed", slog.Any("error", err))
	}
	slog.Info("loader engine stopped")
}
