// Package seed parses declarative YAML catalogs of source databases and
// loader definitions and registers them through the admin service.
package seed

import (
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/signal-loader/internal/domain"
	"github.com/fairyhunter13/signal-loader/internal/usecase"
)

// SourceSpec is one source database entry in a seed file.
type SourceSpec struct {
	SourceCode   string `yaml:"source_code"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	DatabaseName string `yaml:"database_name"`
	Type         string `yaml:"type"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// LoaderSpec is one loader entry in a seed file.
type LoaderSpec struct {
	LoaderCode               string `yaml:"loader_code"`
	SourceCode               string `yaml:"source_code"`
	SQL                      string `yaml:"sql"`
	MinIntervalSeconds       int64  `yaml:"min_interval_seconds"`
	MaxIntervalSeconds       int64  `yaml:"max_interval_seconds"`
	MaxQueryPeriodSeconds    int64  `yaml:"max_query_period_seconds"`
	MaxParallelExecutions    int    `yaml:"max_parallel_executions"`
	SourceTimezoneOffsetHrs  int    `yaml:"source_timezone_offset_hours"`
	AggregationPeriodSeconds int64  `yaml:"aggregation_period_seconds"`
	PurgeStrategy            string `yaml:"purge_strategy"`
	Enabled                  bool   `yaml:"enabled"`
}

// File is a parsed seed file.
type File struct {
	Sources []SourceSpec `yaml:"sources"`
	Loaders []LoaderSpec `yaml:"loaders"`
}

// Parse decodes a seed file. Defaults: max_parallel_executions 1 and
// purge_strategy FAIL_ON_DUPLICATE when omitted.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("op=seed.parse: %w", err)
	}
	for i := range f.Loaders {
		if f.Loaders[i].MaxParallelExecutions == 0 {
			f.Loaders[i].MaxParallelExecutions = 1
		}
		if f.Loaders[i].PurgeStrategy == "" {
			f.Loaders[i].PurgeStrategy = string(domain.PurgeFailOnDuplicate)
		}
	}
	return f, nil
}

func (s SourceSpec) toDomain() domain.SourceDatabase {
	return domain.SourceDatabase{
		SourceCode:   s.SourceCode,
		Host:         s.Host,
		Port:         s.Port,
		DatabaseName: s.DatabaseName,
		Type:         domain.SourceType(s.Type),
		Username:     s.Username,
		Password:     s.Password,
	}
}

func (l LoaderSpec) toDomain() domain.Loader {
	return domain.Loader{
		LoaderCode:               l.LoaderCode,
		SourceCode:               l.SourceCode,
		LoaderSQL:                l.SQL,
		MinIntervalSeconds:       l.MinIntervalSeconds,
		MaxIntervalSeconds:       l.MaxIntervalSeconds,
		MaxQueryPeriodSeconds:    l.MaxQueryPeriodSeconds,
		MaxParallelExecutions:    l.MaxParallelExecutions,
		SourceTimezoneOffsetHrs:  l.SourceTimezoneOffsetHrs,
		AggregationPeriodSeconds: l.AggregationPeriodSeconds,
		PurgeStrategy:            domain.PurgeStrategy(l.PurgeStrategy),
		Enabled:                  l.Enabled,
	}
}

// Apply registers every source and loader in the file. Entries that already
// exist are skipped, so re-running a seed file is safe.
func Apply(ctx domain.Context, admin *usecase.Admin, f File, logger *slog.Logger) error {
	for _, s := range f.Sources {
		if _, err := admin.CreateSource(ctx, s.toDomain()); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				logger.Info("source already registered, skipping", slog.String("source_code", s.SourceCode))
				continue
			}
			return fmt.Errorf("op=seed.apply source=%s: %w", s.SourceCode, err)
		}
		logger.Info("source seeded", slog.String("source_code", s.SourceCode))
	}
	for _, l := range f.Loaders {
		if _, err := admin.CreateLoader(ctx, l.toDomain()); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				logger.Info("loader already registered, skipping", slog.String("loader_code", l.LoaderCode))
				continue
			}
			return fmt.Errorf("op=seed.apply loader=%s: %w", l.LoaderCode, err)
		}
		logger.Info("loader seeded", slog.String("loader_code", l.LoaderCode))
	}
	return nil
}
