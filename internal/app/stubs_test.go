package app

import (
	"sync"
	"time"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

type loaderRepoStub struct {
	mu          sync.Mutex
	loaders     []domain.Loader
	getErr      error
	failures    []string
	statuses    []domain.LoadStatus
	recovered   []string
	enabled     int64
	failureErrs error
}

func (s *loaderRepoStub) GetByCode(_ domain.Context, code string) (domain.Loader, error) {
	if s.getErr != nil {
		return domain.Loader{}, s.getErr
	}
	for _, l := range s.loaders {
		if l.LoaderCode == code {
			return l, nil
		}
	}
	return domain.Loader{}, domain.ErrNotFound
}

func (s *loaderRepoStub) ListSchedulable(_ domain.Context) ([]domain.Loader, error) {
	return s.loaders, nil
}

func (s *loaderRepoStub) ListAll(_ domain.Context) ([]domain.Loader, error) {
	return s.loaders, nil
}

func (s *loaderRepoStub) Create(_ domain.Context, _ domain.Loader) (int64, error) { return 1, nil }

func (s *loaderRepoStub) MarkRunning(_ domain.Context, _ string, _ time.Time) error { return nil }

func (s *loaderRepoStub) CompleteSuccess(_ domain.Context, _ string, _, _ time.Time, _ bool) error {
	return nil
}

func (s *loaderRepoStub) CompleteFailure(_ domain.Context, code, _ string, _ time.Time, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, code)
	return s.failureErrs
}

func (s *loaderRepoStub) SeedWatermark(_ domain.Context, _ string, _ time.Time) error { return nil }

func (s *loaderRepoStub) SetStatus(_ domain.Context, _ string, status domain.LoadStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *loaderRepoStub) ResetFailures(_ domain.Context, _ string) error { return nil }

func (s *loaderRepoStub) SetForceNextRun(_ domain.Context, _ string, _ bool) error { return nil }

func (s *loaderRepoStub) RewindWatermark(_ domain.Context, _ string, _, _ time.Time, _ domain.PurgeStrategy) error {
	return nil
}

func (s *loaderRepoStub) ClearBackfill(_ domain.Context, _ string) error { return nil }

func (s *loaderRepoStub) RecoverFailed(_ domain.Context, _ time.Time) ([]string, error) {
	return s.recovered, nil
}

func (s *loaderRepoStub) CountEnabled(_ domain.Context) (int64, error) { return s.enabled, nil }

type lockRepoStub struct {
	stale []string
}

func (s *lockRepoStub) Acquire(_ domain.Context, _ string, _ int, _ string, _ time.Time) error {
	return nil
}

func (s *lockRepoStub) Release(_ domain.Context, _ string, _ int) error { return nil }

func (s *lockRepoStub) Heartbeat(_ domain.Context, _ string, _ int, _ string, _ time.Time) error {
	return nil
}

func (s *lockRepoStub) Held(_ domain.Context, _ string, _ int, _ string) (bool, error) {
	return true, nil
}

func (s *lockRepoStub) ReapStale(_ domain.Context, _ time.Time) ([]string, error) {
	return s.stale, nil
}

type plannerStub struct {
	due map[string]bool
}

func (s *plannerStub) Plan(_ domain.Context, l domain.Loader, now time.Time) (*domain.Window, error) {
	if !s.due[l.LoaderCode] {
		return nil, nil
	}
	return &domain.Window{From: now.Add(-time.Hour), To: now}, nil
}

func (s *plannerStub) Window(_ domain.Context, _ domain.Loader, now time.Time) (*domain.Window, error) {
	return &domain.Window{From: now.Add(-time.Hour), To: now}, nil
}

type executorStub struct {
	mu       sync.Mutex
	executed []string
	block    chan struct{}
}

func (s *executorStub) Execute(_ domain.Context, l domain.Loader) {
	s.mu.Lock()
	s.executed = append(s.executed, l.LoaderCode)
	s.mu.Unlock()
	if s.block != nil {
		<-s.block
	}
}

func (s *executorStub) codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.executed))
	copy(out, s.executed)
	return out
}

type recorderStub struct {
	mu     sync.Mutex
	events []domain.ActivityEvent
}

func (s *recorderStub) Record(_ domain.Context, ev domain.ActivityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func tptr(t time.Time) *time.Time { return &t }
