package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// eventTimeColumns are tried in order when locating the row's event
// timestamp; when none matches, the first time-typed column wins.
var eventTimeColumns = []string{"event_time", "event_timestamp", "ts", "timestamp"}

// Runner executes a loader's SQL template against its source for one window.
// The :fromTime/:toTime substitution is textual because the dialect's
// parameter syntax is unknown up front, but the bound values are
// engine-rendered quoted timestamp literals, never raw user input.
type Runner struct {
	Registry *Registry
}

// NewRunner constructs a Runner on top of the source registry.
func NewRunner(reg *Registry) *Runner { return &Runner{Registry: reg} }

// Run binds the window into the loader SQL, executes it with a statement
// timeout of maxIntervalSeconds, and returns fully materialized rows. Rows
// keep source-local event timestamps; the sink normalizes to UTC.
func (r *Runner) Run(ctx domain.Context, loader domain.Loader, window domain.Window) ([]domain.SignalRecord, error) {
	tracer := otel.Tracer("source.runner")
	ctx, span := tracer.Start(ctx, "runner.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("loader.code", loader.LoaderCode),
		attribute.String("window.from", window.From.Format(time.RFC3339)),
		attribute.String("window.to", window.To.Format(time.RFC3339)),
	)

	db, src, err := r.Registry.Get(ctx, loader.SourceCode)
	if err != nil {
		return nil, err
	}
	records, err := runQuery(ctx, db, src.Type, loader, window)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows.count", len(records)))
	return records, nil
}

// runQuery binds and executes the template on an already-resolved pool.
func runQuery(ctx domain.Context, db queryer, st domain.SourceType, loader domain.Loader, window domain.Window) ([]domain.SignalRecord, error) {
	query := bindWindow(loader.LoaderSQL, window, st)

	timeout := time.Duration(loader.MaxIntervalSeconds) * time.Second
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.QueryxContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("op=runner.run %s: %w", loader.LoaderCode, classifyQueryErr(err))
	}
	defer rows.Close()

	var records []domain.SignalRecord
	for rows.Next() {
		payload := map[string]any{}
		if err := rows.MapScan(payload); err != nil {
			return nil, fmt.Errorf("op=runner.run %s: scan: %w", loader.LoaderCode, classifyQueryErr(err))
		}
		normalizePayload(payload)
		eventTime, err := extractEventTime(payload)
		if err != nil {
			return nil, fmt.Errorf("op=runner.run %s: %w: %v", loader.LoaderCode, domain.ErrSQLSyntax, err)
		}
		records = append(records, domain.SignalRecord{
			LoaderCode: loader.LoaderCode,
			EventTime:  eventTime,
			Payload:    payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=runner.run %s: %w", loader.LoaderCode, classifyQueryErr(err))
	}
	return records, nil
}

// queryer is the slice of sqlx.DB the runner needs; tests substitute a
// sqlmock-backed instance.
type queryer interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

// bindWindow substitutes the named placeholders with quoted timestamp
// literals in the source's dialect.
func bindWindow(template string, window domain.Window, st domain.SourceType) string {
	q := strings.ReplaceAll(template, ":fromTime", quoteTimestamp(window.SourceFrom, st))
	return strings.ReplaceAll(q, ":toTime", quoteTimestamp(window.SourceTo, st))
}

// normalizePayload converts driver byte slices to strings so payloads are
// JSON-friendly.
func normalizePayload(payload map[string]any) {
	for k, v := range payload {
		if b, ok := v.([]byte); ok {
			payload[k] = string(b)
		}
	}
}

// extractEventTime locates the row's event timestamp by well-known column
// name, falling back to the first time-typed column.
func extractEventTime(payload map[string]any) (time.Time, error) {
	for _, col := range eventTimeColumns {
		if v, ok := payload[col]; ok {
			if t, ok := v.(time.Time); ok {
				return t, nil
			}
		}
	}
	for _, v := range payload {
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("result set has no timestamp column")
}
