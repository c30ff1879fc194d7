package usecase_test

import (
	"time"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// Hand-rolled port fakes. Each records the calls the code under test makes
// and returns whatever the test configured.

type successCall struct {
	Code      string
	Watermark time.Time
	EndedAt   time.Time
	ZeroRows  bool
}

type failureCall struct {
	Code     string
	Reason   string
	Escalate bool
}

type statusCall struct {
	Code   string
	Status domain.LoadStatus
	Reason string
}

type rewindCall struct {
	Code     string
	To       time.Time
	Until    time.Time
	Strategy domain.PurgeStrategy
}

type loaderRepoFake struct {
	loader       domain.Loader
	getErr       error
	resets       int
	schedulable  []domain.Loader
	listErr      error
	markErr      error
	successErr   error
	seeded       []time.Time
	successes    []successCall
	failures     []failureCall
	statuses     []statusCall
	forced       []bool
	rewinds      []rewindCall
	recovered    []string
	enabledCount int64
}

func (f *loaderRepoFake) GetByCode(_ domain.Context, _ string) (domain.Loader, error) {
	return f.loader, f.getErr
}

func (f *loaderRepoFake) ListSchedulable(_ domain.Context) ([]domain.Loader, error) {
	return f.schedulable, f.listErr
}

func (f *loaderRepoFake) ListAll(_ domain.Context) ([]domain.Loader, error) {
	return f.schedulable, f.listErr
}

func (f *loaderRepoFake) Create(_ domain.Context, _ domain.Loader) (int64, error) { return 1, nil }

func (f *loaderRepoFake) MarkRunning(_ domain.Context, _ string, _ time.Time) error {
	return f.markErr
}

func (f *loaderRepoFake) CompleteSuccess(_ domain.Context, code string, watermark, endedAt time.Time, zeroRows bool) error {
	f.successes = append(f.successes, successCall{Code: code, Watermark: watermark, EndedAt: endedAt, ZeroRows: zeroRows})
	return f.successErr
}

func (f *loaderRepoFake) CompleteFailure(_ domain.Context, code, reason string, _ time.Time, escalate bool) error {
	f.failures = append(f.failures, failureCall{Code: code, Reason: reason, Escalate: escalate})
	return nil
}

func (f *loaderRepoFake) SeedWatermark(_ domain.Context, _ string, watermark time.Time) error {
	f.seeded = append(f.seeded, watermark)
	return nil
}

func (f *loaderRepoFake) SetStatus(_ domain.Context, code string, status domain.LoadStatus, reason string) error {
	f.statuses = append(f.statuses, statusCall{Code: code, Status: status, Reason: reason})
	return nil
}

func (f *loaderRepoFake) ResetFailures(_ domain.Context, _ string) error {
	f.resets++
	return nil
}

func (f *loaderRepoFake) SetForceNextRun(_ domain.Context, _ string, force bool) error {
	f.forced = append(f.forced, force)
	return nil
}

func (f *loaderRepoFake) RewindWatermark(_ domain.Context, code string, to, until time.Time, strategy domain.PurgeStrategy) error {
	f.rewinds = append(f.rewinds, rewindCall{Code: code, To: to, Until: until, Strategy: strategy})
	return nil
}

func (f *loaderRepoFake) ClearBackfill(_ domain.Context, _ string) error { return nil }

func (f *loaderRepoFake) RecoverFailed(_ domain.Context, _ time.Time) ([]string, error) {
	return f.recovered, nil
}

func (f *loaderRepoFake) CountEnabled(_ domain.Context) (int64, error) {
	return f.enabledCount, nil
}

// loaderRowFake keeps one loader row in memory and applies the same state
// transitions the SQL repo does. Composing the real planner and the executor
// over it exercises the persisted side effects of MarkRunning, which the
// call-recording fake above does not model.
type loaderRowFake struct {
	loaderRepoFake
	row domain.Loader
}

func (f *loaderRowFake) GetByCode(_ domain.Context, _ string) (domain.Loader, error) {
	return f.row, nil
}

func (f *loaderRowFake) MarkRunning(_ domain.Context, _ string, startedAt time.Time) error {
	if !f.row.Enabled || f.row.LoadStatus != domain.LoadIdle {
		return domain.ErrConflict
	}
	f.row.LoadStatus = domain.LoadRunning
	f.row.LastExecutionStart = ptrTime(startedAt)
	f.row.ForceNextRun = false
	return nil
}

func (f *loaderRowFake) SeedWatermark(_ domain.Context, _ string, watermark time.Time) error {
	f.seeded = append(f.seeded, watermark)
	if f.row.LastLoadTimestamp == nil {
		f.row.LastLoadTimestamp = ptrTime(watermark)
	}
	return nil
}

func (f *loaderRowFake) CompleteSuccess(_ domain.Context, code string, watermark, endedAt time.Time, zeroRows bool) error {
	f.successes = append(f.successes, successCall{Code: code, Watermark: watermark, EndedAt: endedAt, ZeroRows: zeroRows})
	f.row.LoadStatus = domain.LoadIdle
	f.row.LastLoadTimestamp = ptrTime(watermark)
	if f.row.HighWaterMark == nil || f.row.HighWaterMark.Before(watermark) {
		f.row.HighWaterMark = ptrTime(watermark)
	}
	f.row.LastExecutionEnd = ptrTime(endedAt)
	f.row.ConsecutiveFailures = 0
	return nil
}

func (f *loaderRowFake) SetStatus(_ domain.Context, code string, status domain.LoadStatus, reason string) error {
	f.statuses = append(f.statuses, statusCall{Code: code, Status: status, Reason: reason})
	f.row.LoadStatus = status
	return nil
}

type lockRepoFake struct {
	acquireErr   error
	heartbeatErr error
	acquired     int
	released     int
	heartbeats   int
}

func (f *lockRepoFake) Acquire(_ domain.Context, _ string, _ int, _ string, _ time.Time) error {
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired++
	return nil
}

func (f *lockRepoFake) Release(_ domain.Context, _ string, _ int) error {
	f.released++
	return nil
}

func (f *lockRepoFake) Heartbeat(_ domain.Context, _ string, _ int, _ string, _ time.Time) error {
	f.heartbeats++
	return f.heartbeatErr
}

func (f *lockRepoFake) Held(_ domain.Context, _ string, _ int, _ string) (bool, error) {
	return f.heartbeatErr == nil, nil
}

func (f *lockRepoFake) ReapStale(_ domain.Context, _ time.Time) ([]string, error) { return nil, nil }

type sourceRepoFake struct {
	source  domain.SourceDatabase
	created []domain.SourceDatabase
}

func (f *sourceRepoFake) GetByCode(_ domain.Context, _ string) (domain.SourceDatabase, error) {
	return f.source, nil
}

func (f *sourceRepoFake) Create(_ domain.Context, s domain.SourceDatabase) (int64, error) {
	f.created = append(f.created, s)
	return int64(len(f.created)), nil
}

type sourceConnsFake struct {
	report      domain.PrivilegeReport
	inspectErr  error
	invalidated []string
}

func (f *sourceConnsFake) Inspect(_ domain.Context, sourceCode string) (domain.PrivilegeReport, error) {
	if f.report.SourceCode == "" {
		f.report.SourceCode = sourceCode
	}
	return f.report, f.inspectErr
}

func (f *sourceConnsFake) Invalidate(sourceCode string) {
	f.invalidated = append(f.invalidated, sourceCode)
}

type runnerFake struct {
	rows   []domain.SignalRecord
	err    error
	ran    int
	window domain.Window
}

func (f *runnerFake) Run(_ domain.Context, _ domain.Loader, window domain.Window) ([]domain.SignalRecord, error) {
	f.ran++
	f.window = window
	return f.rows, f.err
}

type sinkFake struct {
	count    int64
	err      error
	ingested int
	previous *time.Time
	loader   domain.Loader
}

func (f *sinkFake) Ingest(_ domain.Context, loader domain.Loader, _ domain.Window, previousWatermark *time.Time, _ []domain.SignalRecord) (int64, error) {
	f.ingested++
	f.previous = previousWatermark
	f.loader = loader
	return f.count, f.err
}

type plannerFake struct {
	window *domain.Window
	err    error
}

func (f *plannerFake) Plan(_ domain.Context, _ domain.Loader, _ time.Time) (*domain.Window, error) {
	return f.window, f.err
}

func (f *plannerFake) Window(_ domain.Context, _ domain.Loader, _ time.Time) (*domain.Window, error) {
	return f.window, f.err
}

type recorderFake struct {
	events []domain.ActivityEvent
}

func (f *recorderFake) Record(_ domain.Context, ev domain.ActivityEvent) {
	f.events = append(f.events, ev)
}

func (f *recorderFake) types() []domain.ActivityType {
	out := make([]domain.ActivityType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

func ptrTime(t time.Time) *time.Time { return &t }
