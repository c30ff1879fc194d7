// Package postgres implements the ingestion sink on the central signal
// store. The engine treats the store schema as owned here; executors only
// see the domain.Sink port.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// Beginner is the subset of pgxpool used by the sink.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Sink writes signal records transactionally. Partial commits are not
// permitted: one Ingest call is one transaction.
type Sink struct {
	Pool      Beginner
	TxTimeout time.Duration
}

// NewSink constructs a Sink with the given pool and transaction timeout.
func NewSink(pool Beginner, txTimeout time.Duration) *Sink {
	if txTimeout <= 0 {
		txTimeout = 60 * time.Second
	}
	return &Sink{Pool: pool, TxTimeout: txTimeout}
}

// Ingest normalizes event timestamps from source-local to UTC by adding the
// loader's offset, applies the purge strategy when the window was rewound
// into already-ingested territory, and writes the rows.
func (s *Sink) Ingest(ctx domain.Context, loader domain.Loader, window domain.Window, previousWatermark *time.Time, rows []domain.SignalRecord) (int64, error) {
	tracer := otel.Tracer("sink.postgres")
	ctx, span := tracer.Start(ctx, "sink.Ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("loader.code", loader.LoaderCode),
		attribute.Int("rows.count", len(rows)),
	)

	overlap := previousWatermark != nil && window.From.Before(*previousWatermark)
	strategy := loader.EffectiveStrategy()
	if overlap && strategy == domain.PurgeFailOnDuplicate {
		return 0, fmt.Errorf("op=sink.ingest %s: window [%s, %s] overlaps watermark %s: %w",
			loader.LoaderCode, window.From.Format(time.RFC3339), window.To.Format(time.RFC3339),
			previousWatermark.Format(time.RFC3339), domain.ErrDuplicateWindow)
	}

	offset := time.Duration(loader.SourceTimezoneOffsetHrs) * time.Hour

	ctx, cancel := context.WithTimeout(ctx, s.TxTimeout)
	defer cancel()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=sink.ingest %s: begin: %w: %v", loader.LoaderCode, domain.ErrSinkWriteFailed, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if overlap && strategy == domain.PurgeAndReload {
		tag, err := tx.Exec(ctx,
			`DELETE FROM signal_record WHERE loader_code=$1 AND event_time >= $2 AND event_time <= $3`,
			loader.LoaderCode, window.From, window.To)
		if err != nil {
			return 0, fmt.Errorf("op=sink.ingest %s: purge: %w: %v", loader.LoaderCode, domain.ErrSinkWriteFailed, err)
		}
		slog.Info("purged overlapping signal records",
			slog.String("loader_code", loader.LoaderCode),
			slog.Int64("purged", tag.RowsAffected()))
	}

	var written int64
	for _, rec := range rows {
		eventUTC := rec.EventTime.Add(offset).UTC()
		if overlap && strategy == domain.PurgeSkipDuplicates && !eventUTC.After(*previousWatermark) {
			continue
		}
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return 0, fmt.Errorf("op=sink.ingest %s: payload: %w: %v", loader.LoaderCode, domain.ErrSinkWriteFailed, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO signal_record (loader_code, event_time, payload) VALUES ($1,$2,$3)`,
			loader.LoaderCode, eventUTC, payload); err != nil {
			return 0, fmt.Errorf("op=sink.ingest %s: insert: %w: %v", loader.LoaderCode, domain.ErrSinkWriteFailed, err)
		}
		written++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=sink.ingest %s: commit: %w: %v", loader.LoaderCode, domain.ErrSinkWriteFailed, err)
	}
	span.SetAttributes(attribute.Int64("rows.written", written))
	return written, nil
}
