package source

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

func testLoader() domain.Loader {
	return domain.Loader{
		LoaderCode:         "orders",
		LoaderSQL:          "SELECT id, amount, event_time FROM orders WHERE event_time >= :fromTime AND event_time < :toTime",
		MaxIntervalSeconds: 60,
	}
}

func testWindow() domain.Window {
	from := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	return domain.Window{From: from, To: from.Add(time.Hour), SourceFrom: from, SourceTo: from.Add(time.Hour)}
}

func TestRunQuery_MaterializesRows(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")

	et := time.Date(2026, 8, 26, 0, 30, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, amount, event_time FROM orders").WillReturnRows(
		sqlmock.NewRows([]string{"id", "amount", "event_time"}).
			AddRow(int64(1), 9.5, et).
			AddRow(int64(2), []byte("12.25"), et.Add(time.Minute)))

	records, err := runQuery(context.Background(), sdb, domain.SourceMySQL, testLoader(), testWindow())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "orders", records[0].LoaderCode)
	assert.Equal(t, et, records[0].EventTime)
	// Driver byte slices are normalized to strings.
	assert.Equal(t, "12.25", records[1].Payload["amount"])
}

func TestRunQuery_BindsLiteralsNotPlaceholders(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")

	mock.ExpectQuery("SELECT id, amount, event_time FROM orders WHERE event_time >= '2026-08-26 00:00:00' AND event_time < '2026-08-26 01:00:00'").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "event_time"}))

	records, err := runQuery(context.Background(), sdb, domain.SourceMySQL, testLoader(), testWindow())
	require.NoError(t, err)
	assert.Empty(t, records)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunQuery_NoTimestampColumn(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")

	mock.ExpectQuery("SELECT").WillReturnRows(
		sqlmock.NewRows([]string{"id", "amount"}).AddRow(int64(1), 9.5))

	_, err = runQuery(context.Background(), sdb, domain.SourceMySQL, testLoader(), testWindow())
	require.ErrorIs(t, err, domain.ErrSQLSyntax)
}

func TestRunQuery_QueryErrorClassified(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")

	mock.ExpectQuery("SELECT").WillReturnError(assert.AnError)

	_, err = runQuery(context.Background(), sdb, domain.SourceMySQL, testLoader(), testWindow())
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestExtractEventTime_PrefersWellKnownColumns(t *testing.T) {
	t.Parallel()
	et := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	other := et.Add(-time.Hour)
	got, err := extractEventTime(map[string]any{"created": other, "event_time": et})
	require.NoError(t, err)
	assert.Equal(t, et, got)
}
