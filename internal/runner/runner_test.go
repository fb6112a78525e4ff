package runner

import (
	"context"
	"errors"
	"strings"
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
)

type stubJobRepo struct {
	repositories.JobRepository

	mu     sync.Mutex
	rows   map[uuid.UUID]*db.Job
	logs   []db.JobLog
	purged []uuid.UUID
}

func newStubJobRepo(jobs ...*db.Job) *stubJobRepo {
	s := &stubJobRepo{rows: map[uuid.UUID]*db.Job{}}
	for _, j := range jobs {
		s.rows[j.ID] = j
	}
	return s
}

func (s *stubJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.rows[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *stubJobRepo) Update(ctx context.Context, job *db.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.rows[job.ID] = &copied
	return nil
}

func (s *stubJobRepo) ClaimPending(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.rows[id]
	if !ok || job.Status != db.JobStatusPending {
		return false, nil
	}
	job.Status = db.JobStatusRunning
	job.StartedAt = &startedAt
	return true, nil
}

func (s *stubJobRepo) CancelPending(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.rows[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if job.Status != db.JobStatusPending {
		return repositories.ErrNotPending
	}
	job.Status = db.JobStatusCanceled
	return nil
}

func (s *stubJobRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.rows[id]
	if !ok {
		return repositories.ErrNotFound
	}
	job.Status = status
	job.CompletedAt = completedAt
	job.Error = errMsg
	return nil
}

func (s *stubJobRepo) ListPending(ctx context.Context) ([]db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []db.Job
	for _, job := range s.rows {
		if job.Status == db.JobStatusPending {
			pending = append(pending, *job)
		}
	}
	return pending, nil
}

func (s *stubJobRepo) PurgeLogs(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = append(s.purged, jobID)
	return nil
}

func (s *stubJobRepo) CreateLogs(ctx context.Context, logs []db.JobLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, logs...)
	return nil
}

func (s *stubJobRepo) job(id uuid.UUID) db.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

// stubExecutor returns canned envelopes and records the spec it received.
type stubExecutor struct {
	mu      sync.Mutex
	results map[string]dispatcher.Envelope
	err     error
	hosts   []string
	spec    dispatcher.TaskSpec
	calls   int
}

func (s *stubExecutor) Execute(ctx context.Context, hosts []string, spec dispatcher.TaskSpec) (map[string]dispatcher.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.hosts = hosts
	s.spec = spec
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []string
}

func (n *recordingNotifier) JobUpdated(job *db.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, job.Status)
}

func newJob(kind string, targets ...string) *db.Job {
	job := &db.Job{
		Name:    "test job",
		Kind:    kind,
		Status:  db.JobStatusPending,
		Targets: db.StringList(targets),
		Params:  db.JSONMap{},
	}
	job.ID = uuid.Must(uuid.NewV7())
	return job
}

func TestRunJobSuccess(t *testing.T) {
	job := newJob("command", "r1", "r2")
	job.Command = "show version"
	repo := newStubJobRepo(job)
	exec := &stubExecutor{results: map[string]dispatcher.Envelope{
		"r1": {Status: dispatcher.StatusSuccess, Result: "v1"},
		"r2": {Status: dispatcher.StatusSuccess, Result: "v2"},
	}}
	notifier := &recordingNotifier{}
	r := New(repo, exec, notifier, zap.NewNop(), Config{})

	require.NoError(t, r.runJob(context.Background(), job.ID))

	stored := repo.job(job.ID)
	assert.Equal(t, db.JobStatusCompleted, stored.Status)
	assert.Empty(t, stored.Error)
	require.NotNil(t, stored.CompletedAt)
	assert.Len(t, stored.Results, 2)

	assert.Equal(t, []string{"r1", "r2"}, exec.hosts)
	assert.Equal(t, dispatcher.KindCommand, exec.spec.Kind)
	assert.Equal(t, "show version", exec.spec.Command)

	// Stale per-device rows are purged before execution, fresh ones written
	// after.
	assert.Equal(t, []uuid.UUID{job.ID}, repo.purged)
	assert.Len(t, repo.logs, 2)
	assert.Equal(t, []string{db.JobStatusRunning, db.JobStatusCompleted}, notifier.statuses)
}

func TestRunJobPartialFailure(t *testing.T) {
	job := newJob("command", "r1", "r2", "r3")
	job.Command = "show clock"
	repo := newStubJobRepo(job)
	exec := &stubExecutor{results: map[string]dispatcher.Envelope{
		"r1": {Status: dispatcher.StatusSuccess, Result: "ok"},
		"r2": {Status: dispatcher.StatusFailed, Failed: true, Exception: "connection refused"},
		"r3": {Status: dispatcher.StatusFailed, Failed: true, Exception: "auth failed"},
	}}
	r := New(repo, exec, nil, zap.NewNop(), Config{})

	require.NoError(t, r.runJob(context.Background(), job.ID))

	stored := repo.job(job.ID)
	assert.Equal(t, db.JobStatusFailed, stored.Status)
	assert.Equal(t, "2 of 3 devices failed", stored.Error)

	byDevice := map[string]db.JobLog{}
	for _, log := range repo.logs {
		byDevice[log.DeviceName] = log
	}
	assert.Equal(t, db.ResultStatusSuccess, byDevice["r1"].Status)
	assert.Equal(t, db.ResultStatusFailed, byDevice["r2"].Status)
	assert.Equal(t, "connection refused", byDevice["r2"].Error)
}

func TestRunJobSkipsWhenClaimFails(t *testing.T) {
	job := newJob("command", "r1")
	job.Command = "show version"
	job.Status = db.JobStatusCanceled
	repo := newStubJobRepo(job)
	exec := &stubExecutor{}
	r := New(repo, exec, nil, zap.NewNop(), Config{})

	require.NoError(t, r.runJob(context.Background(), job.ID))

	assert.Zero(t, exec.calls)
	assert.Equal(t, db.JobStatusCanceled, repo.job(job.ID).Status)
	assert.Empty(t, repo.purged)
}

func TestRunJobExecutorErrorFailsJob(t *testing.T) {
	job := newJob("command", "ghost")
	job.Command = "show version"
	repo := newStubJobRepo(job)
	exec := &stubExecutor{err: errors.New("dispatcher: hosts not found: ghost")}
	r := New(repo, exec, nil, zap.NewNop(), Config{})

	err := r.runJob(context.Background(), job.ID)
	require.Error(t, err)

	stored := repo.job(job.ID)
	assert.Equal(t, db.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "hosts not found")
	require.NotNil(t, stored.CompletedAt)
}

func TestRunJobInvalidSpecFailsJob(t *testing.T) {
	job := newJob("capability", "r1")
	job.Params = db.JSONMap{"capability": "format_disk"}
	repo := newStubJobRepo(job)
	exec := &stubExecutor{}
	r := New(repo, exec, nil, zap.NewNop(), Config{})

	err := r.runJob(context.Background(), job.ID)
	require.Error(t, err)
	assert.Zero(t, exec.calls)
	assert.Equal(t, db.JobStatusFailed, repo.job(job.ID).Status)
}

func TestLogFromEnvelopeTruncatesRawOutput(t *testing.T) {
	id, _ := uuid.NewV7()
	huge := strings.Repeat("x", maxRawOutput+500)
	log := logFromEnvelope(id, "r1", dispatcher.Envelope{
		Status: dispatcher.StatusSuccess,
		Result: huge,
	})

	assert.Len(t, log.RawOutput, maxRawOutput+len(truncationMarker))
	assert.True(t, strings.HasSuffix(log.RawOutput, truncationMarker))

	// The structured summary never carries the bulky raw result.
	_, hasResult := log.Result["result"]
	assert.False(t, hasResult)
	assert.Equal(t, db.ResultStatusSuccess, log.Result["status"])
}

func TestLogFromEnvelopeExtractsOutputFromMaps(t *testing.T) {
	id, _ := uuid.NewV7()
	log := logFromEnvelope(id, "r1", dispatcher.Envelope{
		Status: dispatcher.StatusSuccess,
		Result: map[string]any{"output": "interface brief", "platform": "huawei_vrp"},
	})
	assert.Equal(t, "interface brief", log.RawOutput)

	log = logFromEnvelope(id, "r1", dispatcher.Envelope{
		Status: dispatcher.StatusSuccess,
		Result: map[string]any{"commands": []map[string]any{}},
	})
	assert.Empty(t, log.RawOutput)
}

func TestSpecFromJobMapping(t *testing.T) {
	config := newJob("config", "r1")
	config.Config = "interface Lo0\n description test\n"
	config.Params = db.JSONMap{"dry_run": true, "timeout_seconds": 45.0}
	spec, err := specFromJob(config)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.KindConfig, spec.Kind)
	assert.Equal(t, []string{"interface Lo0", "description test"}, spec.ConfigLines)
	assert.True(t, spec.DryRun)
	require.NotNil(t, spec.TimeoutSeconds)
	assert.Equal(t, 45.0, *spec.TimeoutSeconds)

	capture := newJob("running_config", "r1")
	capture.Command = "show configuration"
	spec, err = specFromJob(capture)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.KindRunningConfig, spec.Kind)
	assert.Equal(t, "show configuration", spec.CommandOverride)

	bogus := newJob("reboot", "r1")
	_, err = specFromJob(bogus)
	require.Error(t, err)
}

func TestSubmitQueueFull(t *testing.T) {
	repo := newStubJobRepo()
	r := New(repo, &stubExecutor{}, nil, zap.NewNop(), Config{QueueSize: 1})

	first, _ := uuid.NewV7()
	second, _ := uuid.NewV7()
	require.NoError(t, r.Submit(first))
	assert.ErrorIs(t, r.Submit(second), ErrQueueFull)
}

func TestCancelSemantics(t *testing.T) {
	pending := newJob("command", "r1")
	pending.Command = "show version"
	running := newJob("command", "r1")
	running.Command = "show version"
	running.Status = db.JobStatusRunning
	repo := newStubJobRepo(pending, running)
	notifier := &recordingNotifier{}
	r := New(repo, &stubExecutor{}, notifier, zap.NewNop(), Config{})

	require.NoError(t, r.Cancel(context.Background(), pending.ID))
	assert.Equal(t, db.JobStatusCanceled, repo.job(pending.ID).Status)
	assert.Equal(t, []string{db.JobStatusCanceled}, notifier.statuses)

	assert.ErrorIs(t, r.Cancel(context.Background(), running.ID), repositories.ErrNotPending)

	missing, _ := uuid.NewV7()
	assert.ErrorIs(t, r.Cancel(context.Background(), missing), repositories.ErrNotFound)
}

func TestRecoverPendingRequeues(t *testing.T) {
	a := newJob("command", "r1")
	a.Command = "show version"
	b := newJob("command", "r2")
	b.Command = "show version"
	done := newJob("command", "r3")
	done.Command = "show version"
	done.Status = db.JobStatusCompleted
	repo := newStubJobRepo(a, b, done)
	exec := &stubExecutor{results: map[string]dispatcher.Envelope{}}
	r := New(repo, exec, nil, zap.NewNop(), Config{})

	recovered, err := r.RecoverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	require.Eventually(t, func() bool {
		return repo.job(a.ID).Status == db.JobStatusCompleted &&
			repo.job(b.ID).Status == db.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	r.Stop()
}
