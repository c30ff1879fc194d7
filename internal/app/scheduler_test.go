package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func idleLoader(code string) domain.Loader {
	return domain.Loader{LoaderCode: code, Enabled: true, LoadStatus: domain.LoadIdle}
}

func TestScheduler_TickDispatchesDueLoaders(t *testing.T) {
	t.Parallel()
	repo := &loaderRepoStub{loaders: []domain.Loader{idleLoader("a"), idleLoader("b")}, enabled: 2}
	exec := &executorStub{}
	s := NewScheduler(repo, &plannerStub{due: map[string]bool{"a": true, "b": true}}, exec, testLogger(), time.Second, 4)

	s.tick(context.Background())

	require.Eventually(t, func() bool { return len(exec.codes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "b"}, exec.codes())
}

func TestScheduler_NotDueLoadersSkipped(t *testing.T) {
	t.Parallel()
	repo := &loaderRepoStub{loaders: []domain.Loader{idleLoader("a"), idleLoader("b")}}
	exec := &executorStub{}
	s := NewScheduler(repo, &plannerStub{due: map[string]bool{"a": true}}, exec, testLogger(), time.Second, 4)

	s.tick(context.Background())

	require.Eventually(t, func() bool { return len(exec.codes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, exec.codes())
}

func TestScheduler_FailedLoadersLeftToSweeper(t *testing.T) {
	t.Parallel()
	failed := idleLoader("a")
	failed.LoadStatus = domain.LoadFailed
	failed.FailedSince = tptr(time.Now().Add(-time.Hour))
	repo := &loaderRepoStub{loaders: []domain.Loader{failed}}
	exec := &executorStub{}
	s := NewScheduler(repo, &plannerStub{due: map[string]bool{"a": true}}, exec, testLogger(), time.Second, 4)

	s.tick(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, exec.codes())
}

func TestScheduler_SaturatedPoolEndsTickEarly(t *testing.T) {
	t.Parallel()
	repo := &loaderRepoStub{loaders: []domain.Loader{idleLoader("a"), idleLoader("b"), idleLoader("c")}}
	block := make(chan struct{})
	exec := &executorStub{block: block}
	s := NewScheduler(repo, &plannerStub{due: map[string]bool{"a": true, "b": true, "c": true}}, exec, testLogger(), time.Second, 1)

	s.tick(context.Background())

	require.Eventually(t, func() bool { return len(exec.codes()) == 1 }, time.Second, 5*time.Millisecond)
	// The pool has one slot; the remaining loaders wait for the next tick.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, exec.codes(), 1)
	close(block)
}

func TestScheduler_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	repo := &loaderRepoStub{}
	s := NewScheduler(repo, &plannerStub{}, &executorStub{}, testLogger(), 10*time.Millisecond, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
