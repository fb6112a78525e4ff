// Package scheduler triggers periodic configuration backups. It polls the
// database for due schedules on a fixed tick and serializes execution across
// instances with a database advisory lock, so several processes can run the
// scheduler loop and exactly one executes any given batch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/dispatcher"
	"github.com/mam15mon/network/internal/metrics"
	"github.com/mam15mon/network/internal/repositories"
	"github.com/mam15mon/network/internal/snapshot"
)

const (
	// tickInterval is how often each instance checks for due schedules.
	tickInterval = 5 * time.Second

	// lockKey identifies the scheduler's advisory lock. One coarse lock
	// covers the whole batch: backup batches are small and rare enough that
	// per-schedule locking buys nothing.
	lockKey int64 = 86402021

	// batchSize caps how many due schedules one tick executes. Leftover
	// schedules stay due and the next tick picks them up.
	batchSize = 10
)

// Capturer performs one configuration capture pass. Satisfied by
// *snapshot.Service.
type Capturer interface {
	CaptureRunningConfig(ctx context.Context, deviceNames []string, opts snapshot.CaptureOptions) (map[string]dispatcher.Envelope, error)
}

// Notifier receives terminal schedule runs. The websocket hub implements it;
// a nil notifier disables broadcasting.
type Notifier interface {
	ScheduleRunFinished(run *db.BackupRun)
}

// Scheduler runs the poll loop.
type Scheduler struct {
	schedules repositories.ScheduleRepository
	snapshots Capturer
	locker    db.AdvisoryLocker
	notifier  Notifier
	logger    *zap.Logger
}

// New builds a Scheduler. notifier may be nil.
func New(schedules repositories.ScheduleRepository, snapshots Capturer, locker db.AdvisoryLocker, notifier Notifier, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		schedules: schedules,
		snapshots: snapshots,
		locker:    locker,
		notifier:  notifier,
		logger:    logger.Named("scheduler"),
	}
}

// Run executes the poll loop until ctx is canceled. Tick errors are logged
// and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("tick", tickInterval),
		zap.Int64("lock_key", lockKey))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one scheduling pass: acquire the lock, execute the due batch,
// release. A tick that cannot get the lock is skipped; another instance is
// already on it. Exported so operators can trigger a pass on demand.
func (s *Scheduler) Tick(ctx context.Context) error {
	acquired, err := s.locker.TryAcquire(ctx, lockKey)
	if err != nil {
		return fmt.Errorf("scheduler: acquire lock: %w", err)
	}
	if !acquired {
		metrics.SchedulerTicksSkipped.Inc()
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey); err != nil {
			s.logger.Error("release lock", zap.Error(err))
		}
	}()

	due, err := s.schedules.ListDue(ctx, time.Now().UTC(), batchSize)
	if err != nil {
		return fmt.Errorf("scheduler: list due: %w", err)
	}

	for i := range due {
		// One schedule's failure must not keep the rest of the batch from
		// running.
		if err := s.runSchedule(ctx, &due[i]); err != nil {
			s.logger.Error("schedule run failed",
				zap.String("schedule_id", due[i].ID.String()),
				zap.String("schedule", due[i].Name),
				zap.Error(err))
		}
	}
	return nil
}

// ErrScheduleDisabled rejects manual runs of disabled schedules.
var ErrScheduleDisabled = errors.New("scheduler: schedule is disabled")

// ErrBusy means another instance holds the scheduler lock right now.
var ErrBusy = errors.New("scheduler: another instance is executing schedules")

// RunNow executes one schedule immediately, outside the due-batch flow. It
// takes the same advisory lock as Tick, so a manual run can never overlap a
// scheduled pass on another instance; callers get ErrBusy instead of a
// duplicate run. The watermark advances exactly as for a scheduled run.
func (s *Scheduler) RunNow(ctx context.Context, id uuid.UUID) (*db.BackupRun, error) {
	sched, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sched.Enabled {
		return nil, ErrScheduleDisabled
	}

	acquired, err := s.locker.TryAcquire(ctx, lockKey)
	if err != nil {
		return nil, fmt.Errorf("scheduler: acquire lock: %w", err)
	}
	if !acquired {
		return nil, ErrBusy
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey); err != nil {
			s.logger.Error("release lock", zap.Error(err))
		}
	}()

	return s.execute(ctx, sched)
}

func (s *Scheduler) runSchedule(ctx context.Context, sched *db.BackupSchedule) error {
	// The row may have changed between ListDue and now; act on its current
	// state so a just-disabled schedule is not run and re-watermarked.
	fresh, err := s.schedules.GetByID(ctx, sched.ID)
	if err != nil {
		return err
	}
	if !fresh.Enabled {
		s.logger.Debug("skipping disabled schedule",
			zap.String("schedule_id", fresh.ID.String()),
			zap.String("schedule", fresh.Name))
		return nil
	}
	_, err = s.execute(ctx, fresh)
	return err
}

// execute performs one backup run and records its outcome. The watermark
// always advances, success or failure: a schedule that errors keeps its
// cadence instead of being retried in a tight loop.
func (s *Scheduler) execute(ctx context.Context, sched *db.BackupSchedule) (*db.BackupRun, error) {
	startedAt := time.Now().UTC()
	run := &db.BackupRun{
		ScheduleID: sched.ID,
		StartedAt:  startedAt,
		Status:     db.RunStatusRunning,
	}
	if err := s.schedules.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("scheduler: create run: %w", err)
	}

	results, captureErr := s.capture(ctx, sched)

	status := db.RunStatusCompleted
	errMsg := ""
	resultMap := db.JSONMap{}
	switch {
	case captureErr != nil:
		status = db.RunStatusFailed
		errMsg = captureErr.Error()
	default:
		failed := 0
		for name, env := range results {
			resultMap[name] = env.Map()
			if env.Failed {
				failed++
			}
		}
		if failed > 0 {
			status = db.RunStatusFailed
			errMsg = fmt.Sprintf("%d of %d devices failed", failed, len(results))
		}
	}

	completedAt := time.Now().UTC()
	if err := s.schedules.FinishRun(ctx, run.ID, status, resultMap, errMsg, completedAt); err != nil {
		return nil, fmt.Errorf("scheduler: finish run: %w", err)
	}
	run.Status = status
	run.Results = resultMap
	run.Error = errMsg
	run.CompletedAt = &completedAt

	nextRunAt := completedAt.Add(time.Duration(sched.IntervalMinutes) * time.Minute)
	if err := s.schedules.UpdateAfterRun(ctx, sched.ID, startedAt, status, errMsg, nextRunAt); err != nil {
		return run, fmt.Errorf("scheduler: advance watermark: %w", err)
	}

	metrics.ScheduleRunsTotal.WithLabelValues(status).Inc()
	if s.notifier != nil {
		s.notifier.ScheduleRunFinished(run)
	}
	s.logger.Info("schedule ran",
		zap.String("schedule", sched.Name),
		zap.String("status", status),
		zap.Int("devices", len(sched.Devices)),
		zap.Time("next_run_at", nextRunAt))
	return run, nil
}

func (s *Scheduler) capture(ctx context.Context, sched *db.BackupSchedule) (map[string]dispatcher.Envelope, error) {
	if len(sched.Devices) == 0 {
		return nil, fmt.Errorf("scheduler: schedule has no devices")
	}
	opts := snapshot.CaptureOptions{CreatedBy: "scheduler"}
	if sched.Command != nil {
		opts.Command = *sched.Command
	}
	if sched.Timeout != nil && *sched.Timeout > 0 {
		seconds := float64(*sched.Timeout)
		opts.TimeoutSeconds = &seconds
	}
	return s.snapshots.CaptureRunningConfig(ctx, sched.Devices, opts)
}
