package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/dispatcher"
	"github.com/mam15mon/network/internal/repositories"
	"github.com/mam15mon/network/internal/snapshot"
)

type stubScheduleRepo struct {
	repositories.ScheduleRepository

	mu        sync.Mutex
	schedules map[uuid.UUID]*db.BackupSchedule
	due       []db.BackupSchedule
	runs      map[uuid.UUID]*db.BackupRun

	afterRun []afterRunCall
}

type afterRunCall struct {
	id         uuid.UUID
	lastRunAt  time.Time
	lastStatus string
	lastError  string
	nextRunAt  time.Time
}

func newStubScheduleRepo(due ...db.BackupSchedule) *stubScheduleRepo {
	s := &stubScheduleRepo{
		schedules: map[uuid.UUID]*db.BackupSchedule{},
		due:       due,
		runs:      map[uuid.UUID]*db.BackupRun{},
	}
	for i := range due {
		copied := due[i]
		s.schedules[copied.ID] = &copied
	}
	return s
}

func (s *stubScheduleRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *sched
	return &copied, nil
}

func (s *stubScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]db.BackupSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.due) > limit {
		return s.due[:limit], nil
	}
	return s.due, nil
}

func (s *stubScheduleRepo) CreateRun(ctx context.Context, run *db.BackupRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.ID = uuid.Must(uuid.NewV7())
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *stubScheduleRepo) FinishRun(ctx context.Context, id uuid.UUID, status string, results db.JSONMap, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repositories.ErrNotFound
	}
	run.Status = status
	run.Results = results
	run.Error = errMsg
	run.CompletedAt = &completedAt
	return nil
}

func (s *stubScheduleRepo) UpdateAfterRun(ctx context.Context, id uuid.UUID, lastRunAt time.Time, lastStatus, lastError string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterRun = append(s.afterRun, afterRunCall{
		id:         id,
		lastRunAt:  lastRunAt,
		lastStatus: lastStatus,
		lastError:  lastError,
		nextRunAt:  nextRunAt,
	})
	return nil
}

// fakeLocker mimics the advisory lock without a database.
type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	acquires int
	releases int
	err      error
}

func (l *fakeLocker) TryAcquire(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLocker) Release(ctx context.Context, key int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	l.held = false
	return nil
}

type stubCapturer struct {
	mu      sync.Mutex
	results map[string]dispatcher.Envelope
	err     error
	calls   []snapshot.CaptureOptions
	devices [][]string
}

func (c *stubCapturer) CaptureRunningConfig(ctx context.Context, deviceNames []string, opts snapshot.CaptureOptions) (map[string]dispatcher.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, opts)
	c.devices = append(c.devices, deviceNames)
	if c.err != nil {
		return nil, c.err
	}
	return c.results, nil
}

type runRecorder struct {
	mu   sync.Mutex
	runs []*db.BackupRun
}

func (r *runRecorder) ScheduleRunFinished(run *db.BackupRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
}

func newSchedule(name string, interval int, devices ...string) db.BackupSchedule {
	sched := db.BackupSchedule{
		Name:            name,
		Enabled:         true,
		Devices:         db.StringList(devices),
		IntervalMinutes: interval,
	}
	sched.ID = uuid.Must(uuid.NewV7())
	return sched
}

func (s *stubScheduleRepo) runFor(scheduleID uuid.UUID) *db.BackupRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.ScheduleID == scheduleID {
			return run
		}
	}
	return nil
}

func TestTickSkippedWhenLockHeld(t *testing.T) {
	repo := newStubScheduleRepo(newSchedule("nightly", 60, "r1"))
	locker := &fakeLocker{held: true}
	capturer := &stubCapturer{}
	s := New(repo, capturer, locker, nil, zap.NewNop())

	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, 1, locker.acquires)
	assert.Zero(t, locker.releases)
	assert.Empty(t, capturer.calls)
	assert.Empty(t, repo.runs)
}

func TestTickExecutesDueBatchAndReleasesLock(t *testing.T) {
	first := newSchedule("nightly", 60, "r1")
	second := newSchedule("hourly", 30, "r2", "r3")
	repo := newStubScheduleRepo(first, second)
	locker := &fakeLocker{}
	capturer := &stubCapturer{results: map[string]dispatcher.Envelope{
		"r1": {Status: dispatcher.StatusSuccess},
	}}
	recorder := &runRecorder{}
	s := New(repo, capturer, locker, recorder, zap.NewNop())

	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, 1, locker.releases)
	require.Len(t, capturer.devices, 2)
	assert.Equal(t, []string{"r1"}, capturer.devices[0])
	assert.Equal(t, []string{"r2", "r3"}, capturer.devices[1])
	assert.Len(t, recorder.runs, 2)
	assert.Len(t, repo.afterRun, 2)
}

func TestExecuteAdvancesWatermarkOnFailure(t *testing.T) {
	sched := newSchedule("nightly", 60, "r1")
	repo := newStubScheduleRepo(sched)
	capturer := &stubCapturer{err: errors.New("inventory reload pending")}
	s := New(repo, capturer, &fakeLocker{}, nil, zap.NewNop())

	run, err := s.RunNow(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "inventory reload pending")
	require.NotNil(t, run.CompletedAt)

	// The watermark still advances by the full interval: a broken schedule
	// keeps its cadence instead of retrying every tick.
	require.Len(t, repo.afterRun, 1)
	call := repo.afterRun[0]
	assert.Equal(t, sched.ID, call.id)
	assert.Equal(t, db.RunStatusFailed, call.lastStatus)
	assert.Equal(t, run.CompletedAt.Add(60*time.Minute), call.nextRunAt)
}

func TestExecuteMarksPartialDeviceFailures(t *testing.T) {
	sched := newSchedule("nightly", 60, "r1", "r2")
	repo := newStubScheduleRepo(sched)
	capturer := &stubCapturer{results: map[string]dispatcher.Envelope{
		"r1": {Status: dispatcher.StatusSuccess},
		"r2": {Status: dispatcher.StatusFailed, Failed: true, Exception: "connect timeout"},
	}}
	s := New(repo, capturer, &fakeLocker{}, nil, zap.NewNop())

	run, err := s.RunNow(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, run.Status)
	assert.Equal(t, "1 of 2 devices failed", run.Error)
	assert.Len(t, run.Results, 2)

	stored := repo.runFor(sched.ID)
	require.NotNil(t, stored)
	assert.Equal(t, db.RunStatusFailed, stored.Status)
}

func TestRunNowPassesScheduleOverrides(t *testing.T) {
	command := "show configuration | display set"
	timeout := 240
	sched := newSchedule("junos", 120, "edge1")
	sched.Command = &command
	sched.Timeout = &timeout
	repo := newStubScheduleRepo(sched)
	capturer := &stubCapturer{results: map[string]dispatcher.Envelope{
		"edge1": {Status: dispatcher.StatusSuccess},
	}}
	s := New(repo, capturer, &fakeLocker{}, nil, zap.NewNop())

	run, err := s.RunNow(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCompleted, run.Status)

	require.Len(t, capturer.calls, 1)
	opts := capturer.calls[0]
	assert.Equal(t, command, opts.Command)
	require.NotNil(t, opts.TimeoutSeconds)
	assert.Equal(t, 240.0, *opts.TimeoutSeconds)
	assert.Equal(t, "scheduler", opts.CreatedBy)
}

func TestRunNowRejectsDisabledSchedule(t *testing.T) {
	sched := newSchedule("paused", 60, "r1")
	sched.Enabled = false
	repo := newStubScheduleRepo(sched)
	locker := &fakeLocker{}
	capturer := &stubCapturer{}
	s := New(repo, capturer, locker, nil, zap.NewNop())

	_, err := s.RunNow(context.Background(), sched.ID)
	require.ErrorIs(t, err, ErrScheduleDisabled)

	// Nothing ran and the watermark was left alone.
	assert.Empty(t, capturer.calls)
	assert.Empty(t, repo.runs)
	assert.Empty(t, repo.afterRun)
	assert.Zero(t, locker.acquires)
}

func TestRunNowBusyWhenLockHeld(t *testing.T) {
	sched := newSchedule("nightly", 60, "r1")
	repo := newStubScheduleRepo(sched)
	locker := &fakeLocker{held: true}
	capturer := &stubCapturer{}
	s := New(repo, capturer, locker, nil, zap.NewNop())

	_, err := s.RunNow(context.Background(), sched.ID)
	require.ErrorIs(t, err, ErrBusy)
	assert.Empty(t, capturer.calls)
	assert.Empty(t, repo.runs)
}

func TestRunNowHoldsAndReleasesLock(t *testing.T) {
	sched := newSchedule("nightly", 60, "r1")
	repo := newStubScheduleRepo(sched)
	locker := &fakeLocker{}
	capturer := &stubCapturer{results: map[string]dispatcher.Envelope{
		"r1": {Status: dispatcher.StatusSuccess},
	}}
	s := New(repo, capturer, locker, nil, zap.NewNop())

	run, err := s.RunNow(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, locker.acquires)
	assert.Equal(t, 1, locker.releases)
}

func TestTickSkipsScheduleDisabledAfterListing(t *testing.T) {
	sched := newSchedule("nightly", 60, "r1")
	repo := newStubScheduleRepo(sched)
	capturer := &stubCapturer{}
	s := New(repo, capturer, &fakeLocker{}, nil, zap.NewNop())

	// The schedule was disabled after it was listed as due; the fresh row
	// wins and the run is skipped.
	repo.mu.Lock()
	repo.schedules[sched.ID].Enabled = false
	repo.mu.Unlock()

	require.NoError(t, s.Tick(context.Background()))

	assert.Empty(t, capturer.calls)
	assert.Empty(t, repo.runs)
	assert.Empty(t, repo.afterRun)
}

func TestRunNowUnknownSchedule(t *testing.T) {
	repo := newStubScheduleRepo()
	s := New(repo, &stubCapturer{}, &fakeLocker{}, nil, zap.NewNop())

	_, err := s.RunNow(context.Background(), uuid.Must(uuid.NewV7()))
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestScheduleWithoutDevicesFails(t *testing.T) {
	sched := newSchedule("empty", 60)
	repo := newStubScheduleRepo(sched)
	s := New(repo, &stubCapturer{}, &fakeLocker{}, nil, zap.NewNop())

	run, err := s.RunNow(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "no devices")
}

func TestTickBatchFailureIsolation(t *testing.T) {
	broken := newSchedule("broken", 60)
	healthy := newSchedule("healthy", 60, "r1")
	repo := newStubScheduleRepo(broken, healthy)
	capturer := &stubCapturer{results: map[string]dispatcher.Envelope{
		"r1": {Status: dispatcher.StatusSuccess},
	}}
	s := New(repo, capturer, &fakeLocker{}, nil, zap.NewNop())

	require.NoError(t, s.Tick(context.Background()))

	// The broken schedule captured nothing, the healthy one still ran.
	require.Len(t, capturer.devices, 1)
	assert.Equal(t, []string{"r1"}, capturer.devices[0])

	healthyRun := repo.runFor(healthy.ID)
	require.NotNil(t, healthyRun)
	assert.Equal(t, db.RunStatusCompleted, healthyRun.Status)
}
