package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/signal-loader/internal/domain"
	"github.com/fairyhunter13/signal-loader/internal/usecase"
)

func baseLoader() domain.Loader {
	return domain.Loader{
		LoaderCode:            "orders",
		SourceCode:            "src-1",
		MinIntervalSeconds:    0,
		MaxIntervalSeconds:    60,
		MaxQueryPeriodSeconds: 86400,
		MaxParallelExecutions: 1,
		PurgeStrategy:         domain.PurgeFailOnDuplicate,
		Enabled:               true,
		LoadStatus:            domain.LoadIdle,
	}
}

func TestWindowPlanner_FreshLoaderSeedsAndReturnsLookbackWindow(t *testing.T) {
	t.Parallel()
	repo := &loaderRepoFake{}
	p := usecase.NewWindowPlanner(repo, 24*time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	w, err := p.Plan(context.Background(), baseLoader(), now)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, now.Add(-24*time.Hour), w.From)
	assert.Equal(t, now, w.To)
	require.Len(t, repo.seeded, 1, "seed must be persisted before the window is returned")
	assert.Equal(t, now.Add(-24*time.Hour), repo.seeded[0])
}

func TestWindowPlanner_CatchUpSegmentsByMaxQueryPeriod(t *testing.T) {
	t.Parallel()
	repo := &loaderRepoFake{}
	p := usecase.NewWindowPlanner(repo, 24*time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := baseLoader()
	l.LastLoadTimestamp = ptrTime(now.Add(-10 * 24 * time.Hour))

	w, err := p.Plan(context.Background(), l, now)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, now.Add(-10*24*time.Hour), w.From)
	assert.Equal(t, now.Add(-9*24*time.Hour), w.To)
	assert.Empty(t, repo.seeded)
}

func TestWindowPlanner_NotDueUntilCadenceElapses(t *testing.T) {
	t.Parallel()
	p := usecase.NewWindowPlanner(&loaderRepoFake{}, 24*time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := baseLoader()
	l.LastLoadTimestamp = ptrTime(now.Add(-time.Hour))
	l.LastExecutionStart = ptrTime(now.Add(-30 * time.Second))
	l.LastExecutionEnd = ptrTime(now.Add(-29 * time.Second))

	w, err := p.Plan(context.Background(), l, now)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestWindowPlanner_MinIntervalHoldsBackAfterLongRun(t *testing.T) {
	t.Parallel()
	p := usecase.NewWindowPlanner(&loaderRepoFake{}, 24*time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := baseLoader()
	l.MinIntervalSeconds = 300
	l.LastLoadTimestamp = ptrTime(now.Add(-time.Hour))
	// Cadence satisfied long ago; the end-to-start gap is not.
	l.LastExecutionStart = ptrTime(now.Add(-10 * time.Minute))
	l.LastExecutionEnd = ptrTime(now.Add(-time.Minute))

	w, err := p.Plan(context.Background(), l, now)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestWindowPlanner_ForceNextRunBypassesDueness(t *testing.T) {
	t.Parallel()
	p := usecase.NewWindowPlanner(&loaderRepoFake{}, 24*time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := baseLoader()
	l.ForceNextRun = true
	l.LastLoadTimestamp = ptrTime(now.Add(-time.Hour))
	l.LastExecutionStart = ptrTime(now.Add(-time.Second))
	l.LastExecutionEnd = ptrTime(now.Add(-time.Second))

	w, err := p.Plan(context.Background(), l, now)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, now.Add(-time.Hour), w.From)
}

func TestWindowPlanner_ZeroWidthWindowRejected(t *testing.T) {
	t.Parallel()
	p := usecase.NewWindowPlanner(&loaderRepoFake{}, 24*time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := baseLoader()
	l.LastLoadTimestamp = ptrTime(now)

	w, err := p.Plan(context.Background(), l, now)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestWindowPlanner_WindowSkipsScheduleGate(t *testing.T) {
	t.Parallel()
	p := usecase.NewWindowPlanner(&loaderRepoFake{}, 24*time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := baseLoader()
	l.LastLoadTimestamp = ptrTime(now.Add(-2 * time.Hour))
	// The row looks like it just started running, as it does right after the
	// IDLE to RUNNING transition.
	l.LastExecutionStart = ptrTime(now)

	w, err := p.Plan(context.Background(), l, now)
	require.NoError(t, err)
	assert.Nil(t, w, "the gate holds the loader back")

	w, err = p.Window(context.Background(), l, now)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, now.Add(-2*time.Hour), w.From)
	assert.Equal(t, now, w.To)
}

func TestWindowPlanner_SourceWindowShiftedByOffset(t *testing.T) {
	t.Parallel()
	p := usecase.NewWindowPlanner(&loaderRepoFake{}, 24*time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := baseLoader()
	l.SourceTimezoneOffsetHrs = 5
	l.LastLoadTimestamp = ptrTime(now.Add(-time.Hour))

	w, err := p.Plan(context.Background(), l, now)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, w.From.Add(-5*time.Hour), w.SourceFrom)
	assert.Equal(t, w.To.Add(-5*time.Hour), w.SourceTo)
	// UTC bounds are retained for watermark accounting.
	assert.Equal(t, now.Add(-time.Hour), w.From)
	assert.Equal(t, now, w.To)
}

func TestWindowPlanner_BackfillCapsWindowAtUntil(t *testing.T) {
	t.Parallel()
	p := usecase.NewWindowPlanner(&loaderRepoFake{}, 24*time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := baseLoader()
	l.LastLoadTimestamp = ptrTime(now.Add(-time.Hour))
	l.BackfillUntil = ptrTime(now.Add(-10 * time.Minute))
	l.BackfillStrategy = domain.PurgeAndReload

	w, err := p.Plan(context.Background(), l, now)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, now.Add(-10*time.Minute), w.To)
}
