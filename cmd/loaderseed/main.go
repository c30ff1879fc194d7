// Package main provides the loaderseed command: it reads a YAML catalog of
// source databases and loader definitions and registers them in the engine
// database. Re-running the same file is safe; existing entries are skipped.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/fairyhunter13/signal-loader/internal/adapter/events/redpanda"
	"github.com/fairyhunter13/signal-loader/internal/adapter/observability"
	"github.com/fairyhunter13/signal-loader/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/signal-loader/internal/config"
	"github.com/fairyhunter13/signal-loader/internal/seed"
	"github.com/fairyhunter13/signal-loader/internal/usecase"
	"github.com/fairyhunter13/signal-loader/pkg/cryptox"
)

func main() {
	var file string
	flag.StringVar(&file, "file", "seed.yaml", "path to the seed YAML file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	data, err := os.ReadFile(file)
	if err != nil {
		slog.Error("seed file read failed", slog.String("file", file), slog.Any("error", err))
		os.Exit(1)
	}
	parsed, err := seed.Parse(data)
	if err != nil {
		slog.Error("seed file parse failed", slog.String("file", file), slog.Any("error", err))
		os.Exit(1)
	}

	codec, err := cryptox.NewCodec(cfg.EncryptionKey)
	if err != nil {
		slog.Error("encryption key invalid", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
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

	admin := usecase.NewAdmin(
		postgres.NewLoaderRepo(pool, codec),
		postgres.NewSourceRepo(pool, codec),
		nil,
		redpanda.Noop{},
		logger,
	)
	if err := seed.Apply(ctx, admin, parsed, logger); err != nil {
		slog.Error("seed apply failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("seed complete",
		slog.Int("sources", len(parsed.Sources)),
		slog.Int("loaders", len(parsed.Loaders)),
	)
}
