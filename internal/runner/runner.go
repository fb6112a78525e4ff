// Package runner owns the job lifecycle: an in-memory queue feeding a small
// worker pool that claims pending jobs, executes them through the dispatcher
// and records results and per-device logs. Job state lives in the database;
// the queue itself does not survive a restart, so a crashed process leaves
// its queued jobs pending until RecoverPending re-enqueues them.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/dispatcher"
	"github.com/mam15mon/network/internal/metrics"
	"github.com/mam15mon/network/internal/repositories"
)

const (
	// DefaultWorkers sets the number of concurrent jobs. Device-level
	// parallelism happens inside the dispatcher, so one job worker already
	// drives the whole fleet.
	DefaultWorkers = 1

	// DefaultQueueSize bounds the in-memory queue. Submit fails fast when it
	// is full rather than blocking API handlers.
	DefaultQueueSize = 256

	// maxRawOutput caps the per-device raw output stored in job logs.
	maxRawOutput = 20000

	truncationMarker = "\n...<truncated>..."
)

// ErrQueueFull is returned by Submit when the in-memory queue is at
// capacity.
var ErrQueueFull = fmt.Errorf("runner: queue full")

// Executor runs one task spec against a set of hosts. Satisfied by
// *dispatcher.Executor.
type Executor interface {
	Execute(ctx context.Context, hosts []string, spec dispatcher.TaskSpec) (map[string]dispatcher.Envelope, error)
}

// Notifier receives job lifecycle events. The websocket hub implements it;
// a nil notifier disables broadcasting.
type Notifier interface {
	JobUpdated(job *db.Job)
}

// Runner executes jobs from an in-memory queue.
type Runner struct {
	jobs     repositories.JobRepository
	executor Executor
	notifier Notifier
	logger   *zap.Logger

	queue   chan uuid.UUID
	workers int

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// Config tunes the runner. Zero values select the defaults.
type Config struct {
	Workers   int
	QueueSize int
}

// New builds a Runner. notifier may be nil.
func New(jobs repositories.JobRepository, executor Executor, notifier Notifier, logger *zap.Logger, cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Runner{
		jobs:     jobs,
		executor: executor,
		notifier: notifier,
		logger:   logger.Named("runner"),
		queue:    make(chan uuid.UUID, cfg.QueueSize),
		workers:  cfg.Workers,
		stopped:  make(chan struct{}),
	}
}

// Start launches the worker pool. Workers exit when ctx is canceled or Stop
// is called.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
}

// Stop closes the intake and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
	r.wg.Wait()
}

// Submit enqueues a job id for execution. The job row must already exist in
// pending state; a job that is no longer pending by the time a worker picks
// it up is skipped, which makes duplicate submissions harmless.
func (r *Runner) Submit(id uuid.UUID) error {
	select {
	case <-r.stopped:
		return fmt.Errorf("runner: stopped")
	default:
	}
	select {
	case r.queue <- id:
		metrics.QueueDepth.Set(float64(len(r.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel cancels a job that has not started yet. Running and finished jobs
// cannot be canceled; the repository reports those as ErrNotPending.
func (r *Runner) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := r.jobs.CancelPending(ctx, id); err != nil {
		return err
	}
	if job, err := r.jobs.GetByID(ctx, id); err == nil {
		r.notify(job)
	}
	return nil
}

// RecoverPending re-enqueues jobs left pending by a previous process. It is
// opt-in: operators who prefer to review stale jobs can leave it off and
// cancel them by hand.
func (r *Runner) RecoverPending(ctx context.Context) (int, error) {
	pending, err := r.jobs.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range pending {
		if err := r.Submit(pending[i].ID); err != nil {
			return recovered, fmt.Errorf("runner: recover %s: %w", pending[i].ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		r.logger.Info("recovered pending jobs", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (r *Runner) worker(ctx context.Context, n int) {
	defer r.wg.Done()
	logger := r.logger.With(zap.Int("worker", n))
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopped:
			return
		case id := <-r.queue:
			metrics.QueueDepth.Set(float64(len(r.queue)))
			if err := r.runJob(ctx, id); err != nil {
				// The job row already carries the failure; this is the
				// escape path for infrastructure errors around it.
				logger.Error("job execution error", zap.String("job_id", id.String()), zap.Error(err))
			}
		}
	}
}

// runJob executes one job end to end. Per-device failures land in the result
// map; an error return means the job infrastructure itself broke (claim,
// dispatch setup, persistence), in which case the job is marked failed with
// that error before returning it.
func (r *Runner) runJob(ctx context.Context, id uuid.UUID) error {
	claimed, err := r.jobs.ClaimPending(ctx, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("runner: claim %s: %w", id, err)
	}
	if !claimed {
		// Canceled, already ran, or never existed.
		return nil
	}

	job, err := r.jobs.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("runner: load %s: %w", id, err)
	}
	r.notify(job)

	// Re-runs must not accumulate stale per-device rows.
	if err := r.jobs.PurgeLogs(ctx, id); err != nil {
		return r.failJob(ctx, job, fmt.Errorf("runner: purge logs: %w", err))
	}

	spec, err := specFromJob(job)
	if err != nil {
		return r.failJob(ctx, job, err)
	}

	results, err := r.executor.Execute(ctx, job.Targets, spec)
	if err != nil {
		return r.failJob(ctx, job, err)
	}

	return r.finishJob(ctx, job, results)
}

// failJob records an execution-level failure on the job and returns the
// original error so the worker logs it too.
func (r *Runner) failJob(ctx context.Context, job *db.Job, cause error) error {
	now := time.Now().UTC()
	if err := r.jobs.UpdateStatus(ctx, job.ID, db.JobStatusFailed, &now, cause.Error()); err != nil {
		r.logger.Error("mark job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	metrics.JobsTotal.WithLabelValues(db.JobStatusFailed).Inc()
	job.Status = db.JobStatusFailed
	job.Error = cause.Error()
	job.CompletedAt = &now
	r.notify(job)
	return cause
}

func (r *Runner) finishJob(ctx context.Context, job *db.Job, results map[string]dispatcher.Envelope) error {
	now := time.Now().UTC()

	status := db.JobStatusCompleted
	failedHosts := 0
	resultMap := make(db.JSONMap, len(results))
	logs := make([]db.JobLog, 0, len(results))
	for name, env := range results {
		if env.Failed {
			failedHosts++
		}
		resultMap[name] = env.Map()
		logs = append(logs, logFromEnvelope(job.ID, name, env))
	}
	errMsg := ""
	if failedHosts > 0 {
		status = db.JobStatusFailed
		errMsg = fmt.Sprintf("%d of %d devices failed", failedHosts, len(results))
	}

	job.Status = status
	job.Results = resultMap
	job.Error = errMsg
	job.CompletedAt = &now
	if err := r.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("runner: persist results for %s: %w", job.ID, err)
	}
	if err := r.jobs.CreateLogs(ctx, logs); err != nil {
		return fmt.Errorf("runner: persist logs for %s: %w", job.ID, err)
	}

	metrics.JobsTotal.WithLabelValues(status).Inc()
	r.notify(job)
	r.logger.Info("job finished",
		zap.String("job_id", job.ID.String()),
		zap.String("status", status),
		zap.Int("devices", len(results)),
		zap.Int("failed", failedHosts))
	return nil
}

func (r *Runner) notify(job *db.Job) {
	if r.notifier != nil {
		r.notifier.JobUpdated(job)
	}
}

// specFromJob maps a job row onto the dispatcher's task union.
func specFromJob(job *db.Job) (dispatcher.TaskSpec, error) {
	kind := dispatcher.TaskKind(job.Kind)
	spec := dispatcher.TaskSpec{Kind: kind}
	switch kind {
	case dispatcher.KindCommand:
		spec.Command = job.Command
	case dispatcher.KindConfig:
		spec.ConfigLines = splitConfig(job.Config)
		spec.DryRun, _ = job.Params["dry_run"].(bool)
	case dispatcher.KindConnectivity:
	case dispatcher.KindCapability:
		spec.Capability, _ = job.Params["capability"].(string)
	case dispatcher.KindRunningConfig:
		spec.CommandOverride = job.Command
	default:
		return spec, fmt.Errorf("runner: unsupported job kind %q", job.Kind)
	}
	if v, ok := job.Params["timeout_seconds"]; ok {
		if seconds, ok := toFloat(v); ok && seconds > 0 {
			spec.TimeoutSeconds = &seconds
		}
	}
	if err := spec.Validate(); err != nil {
		return spec, err
	}
	return spec, nil
}

func splitConfig(config string) []string {
	return dispatcher.SplitCommands(config)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// logFromEnvelope builds the per-device log row: the envelope minus its bulky
// raw result, plus the raw text separately, truncated to the storage cap.
func logFromEnvelope(jobID uuid.UUID, device string, env dispatcher.Envelope) db.JobLog {
	status := db.ResultStatusSuccess
	if env.Failed {
		status = db.ResultStatusFailed
	}

	summary := env.Map()
	delete(summary, "result")

	return db.JobLog{
		JobID:      jobID,
		DeviceName: device,
		Status:     status,
		Result:     summary,
		RawOutput:  truncate(rawOutput(env.Result)),
		Error:      env.Exception,
	}
}

// rawOutput extracts the textual payload from an envelope result, if any.
func rawOutput(result any) string {
	switch v := result.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["output"].(string); ok {
			return s
		}
	}
	return ""
}

func truncate(s string) string {
	if len(s) <= maxRawOutput {
		return s
	}
	return s[:maxRawOutput] + truncationMarker
}
