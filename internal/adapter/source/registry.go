package source

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	// Registers the "pgx" database/sql driver for PostgreSQL sources. The
	// "mysql" driver is registered by the go-sql-driver import in dialect.go.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// Registry is the process-wide lazily-populated mapping from source code to
// a pooled connection. Entries are created on first use from the persisted
// catalog and cached until the record changes or Invalidate is called.
// Connection failures are never cached negatively; the next call retries.
type Registry struct {
	sources domain.SourceRepository

	poolMax           int
	connectMaxElapsed time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	db        *sqlx.DB
	src       domain.SourceDatabase
	updatedAt time.Time
	report    *domain.PrivilegeReport
}

// NewRegistry constructs a Registry backed by the source catalog.
func NewRegistry(sources domain.SourceRepository, poolMax int, connectMaxElapsed time.Duration) *Registry {
	if poolMax <= 0 {
		poolMax = 4
	}
	return &Registry{
		sources:           sources,
		poolMax:           poolMax,
		connectMaxElapsed: connectMaxElapsed,
		entries:           make(map[string]*entry),
	}
}

// Get returns the pooled connection for sourceCode, building it on first use.
// A changed catalog row atomically replaces the pool; the old one drains as
// in-flight borrows return.
func (r *Registry) Get(ctx domain.Context, sourceCode string) (*sqlx.DB, domain.SourceDatabase, error) {
	tracer := otel.Tracer("source.registry")
	ctx, span := tracer.Start(ctx, "registry.Get")
	defer span.End()
	span.SetAttributes(attribute.String("source.code", sourceCode))

	src, err := r.sources.GetByCode(ctx, sourceCode)
	if err != nil {
		return nil, domain.SourceDatabase{}, err
	}

	r.mu.Lock()
	if e, ok := r.entries[sourceCode]; ok && e.updatedAt.Equal(src.UpdatedAt) {
		db := e.db
		r.mu.Unlock()
		return db, src, nil
	}
	r.mu.Unlock()

	db, err := r.open(ctx, src)
	if err != nil {
		return nil, domain.SourceDatabase{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sourceCode]; ok {
		if e.updatedAt.Equal(src.UpdatedAt) {
			// Lost the race to an identical rebuild; keep the existing pool.
			closeAsync(db, sourceCode)
			return e.db, src, nil
		}
		closeAsync(e.db, sourceCode)
	}
	r.entries[sourceCode] = &entry{db: db, src: src, updatedAt: src.UpdatedAt}
	return db, src, nil
}

func (r *Registry) open(ctx domain.Context, src domain.SourceDatabase) (*sqlx.DB, error) {
	driver, err := driverName(src.Type)
	if err != nil {
		return nil, err
	}
	dsn, err := buildDSN(src)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("op=registry.open: %w: %v", domain.ErrSourceUnavailable, err)
	}
	db.SetMaxOpenConns(r.poolMax)
	db.SetMaxIdleConns(r.poolMax)
	db.SetConnMaxIdleTime(5 * time.Minute)

	// The ping is retried with capped exponential backoff; a source that is
	// briefly unreachable should not fail the whole execution immediately.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = r.connectMaxElapsed
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		closeAsync(db, src.SourceCode)
		return nil, fmt.Errorf("op=registry.open: ping %s: %w: %v", src.SourceCode, domain.ErrSourceUnavailable, err)
	}
	slog.Info("source pool opened",
		slog.String("source_code", src.SourceCode),
		slog.String("db_type", string(src.Type)),
		slog.Int("pool_max", r.poolMax))
	return db, nil
}

// Inspect runs the privilege inspection for sourceCode, caching the report
// until the catalog row changes.
func (r *Registry) Inspect(ctx domain.Context, sourceCode string) (domain.PrivilegeReport, error) {
	db, src, err := r.Get(ctx, sourceCode)
	if err != nil {
		return domain.PrivilegeReport{}, err
	}

	r.mu.Lock()
	if e, ok := r.entries[sourceCode]; ok && e.report != nil && e.updatedAt.Equal(src.UpdatedAt) {
		report := *e.report
		r.mu.Unlock()
		return report, nil
	}
	r.mu.Unlock()

	report, err := inspectAccount(ctx, db, src)
	if err != nil {
		return domain.PrivilegeReport{}, err
	}

	r.mu.Lock()
	if e, ok := r.entries[sourceCode]; ok && e.updatedAt.Equal(src.UpdatedAt) {
		e.report = &report
	}
	r.mu.Unlock()
	return report, nil
}

// Invalidate drops the cached pool and inspection report after a definition
// change. The old pool drains after in-flight borrows return.
func (r *Registry) Invalidate(sourceCode string) {
	r.mu.Lock()
	e, ok := r.entries[sourceCode]
	if ok {
		delete(r.entries, sourceCode)
	}
	r.mu.Unlock()
	if ok {
		closeAsync(e.db, sourceCode)
	}
}

// Close shuts down every cached pool.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, e := range r.entries {
		closeAsync(e.db, code)
	}
	r.entries = make(map[string]*entry)
}

func closeAsync(db *sqlx.DB, sourceCode string) {
	go func() {
		if err := db.Close(); err != nil {
			slog.Warn("source pool close", slog.String("source_code", sourceCode), slog.Any("error", err))
		}
	}()
}
