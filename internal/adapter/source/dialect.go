// Package source provides access to heterogeneous source databases: the
// pooled connection registry, the privilege inspector that gates
// over-privileged accounts, and the windowed query runner.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// driverName returns the database/sql driver registered for the source type.
func driverName(t domain.SourceType) (string, error) {
	switch t {
	case domain.SourceMySQL:
		return "mysql", nil
	case domain.SourcePostgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("op=source.driver: %s: %w", t, domain.ErrInvalidArgument)
	}
}

// buildDSN renders the connection string for a source descriptor. Both
// dialects are opened with read-only transaction defaults; the privilege
// inspector remains the authoritative gate.
func buildDSN(s domain.SourceDatabase) (string, error) {
	switch s.Type {
	case domain.SourceMySQL:
		cfg := mysql.NewConfig()
		cfg.User = s.Username
		cfg.Passwd = s.Password
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", s.Host, s.Port)
		cfg.DBName = s.DatabaseName
		cfg.ParseTime = true
		// Unknown params are applied as session system variables.
		cfg.Params = map[string]string{"transaction_read_only": "1"}
		return cfg.FormatDSN(), nil
	case domain.SourcePostgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(s.Username, s.Password),
			Host:     fmt.Sprintf("%s:%d", s.Host, s.Port),
			Path:     "/" + s.DatabaseName,
			RawQuery: "default_transaction_read_only=on",
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("op=source.dsn: %s: %w", s.Type, domain.ErrInvalidArgument)
	}
}

// quoteTimestamp renders t as a properly quoted timestamp literal in the
// target dialect. The value is engine-generated, never user input; the only
// user-supplied text is the template itself.
func quoteTimestamp(t time.Time, st domain.SourceType) string {
	const layout = "2006-01-02 15:04:05"
	switch st {
	case domain.SourcePostgres:
		return "TIMESTAMP '" + t.Format(layout) + "'"
	default:
		return "'" + t.Format(layout) + "'"
	}
}

// classifyQueryErr maps a driver error onto the engine's taxonomy:
// SQL_SYNTAX for parse errors, TIMEOUT for deadline hits, and
// SOURCE_UNAVAILABLE for everything protocol-level.
func classifyQueryErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1064, 1054, 1146: // parse error, unknown column, unknown table
			return fmt.Errorf("%w: %v", domain.ErrSQLSyntax, err)
		case 3024: // max_execution_time exceeded
			return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42601" || pgErr.Code == "42703" || pgErr.Code == "42P01":
			return fmt.Errorf("%w: %v", domain.ErrSQLSyntax, err)
		case pgErr.Code == "57014": // query_canceled covers statement_timeout
			return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
}
