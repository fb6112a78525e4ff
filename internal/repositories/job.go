package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mam15mon/network/internal/db"
)

// ErrNotPending is returned when a state transition requires a job in
// pending status (cancel, edit) but the job has already moved on.
var ErrNotPending = errors.New("job is not pending")

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job record into the database.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// Update persists all fields of an existing job record.
func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of jobs and the total count,
// ordered by creation time descending (most recent first).
func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

// ClaimPending transitions pending -> running with a single conditional
// UPDATE, clearing prior results so a re-run starts from a clean slate.
// RowsAffected == 0 means the job was not pending (or does not exist) and
// the claim is reported as unsuccessful without error.
func (r *gormJobRepository) ClaimPending(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", id, "pending").
		Updates(map[string]interface{}{
			"status":       "running",
			"started_at":   startedAt,
			"completed_at": nil,
			"results":      "{}",
			"error":        "",
		})
	if result.Error != nil {
		return false, fmt.Errorf("jobs: claim pending: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CancelPending transitions pending -> canceled. The conditional UPDATE makes
// concurrent cancel/submit races resolve to exactly one winner.
func (r *gormJobRepository) CancelPending(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", id, "pending").
		Update("status", "canceled")
	if result.Error != nil {
		return fmt.Errorf("jobs: cancel pending: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish "gone" from "already running" for a precise API error.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// UpdateStatus updates only the status, completed_at and error fields of a
// job. Called at the end of job execution to avoid overwriting the results
// column written separately.
func (r *gormJobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": completedAt,
			"error":        errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending returns jobs still in pending state, oldest first.
func (r *gormJobRepository) ListPending(ctx context.Context) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status = ?", "pending").
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list pending: %w", err)
	}
	return jobs, nil
}

// PurgeLogs deletes all per-device logs for a job. Called before a re-run so
// the (job, device) rows can be rewritten without constraint trouble.
func (r *gormJobRepository) PurgeLogs(ctx context.Context, jobID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.JobLog{}, "job_id = ?", jobID).Error; err != nil {
		return fmt.Errorf("jobs: purge logs: %w", err)
	}
	return nil
}

// CreateLogs inserts all log rows in one batch. Logs are written in bulk at
// job completion, not row by row during execution, to avoid high-frequency
// write pressure on the database.
func (r *gormJobRepository) CreateLogs(ctx context.Context, logs []db.JobLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("jobs: create logs: %w", err)
	}
	return nil
}

// ListLogs returns all per-device logs for a job ordered by device name.
func (r *gormJobRepository) ListLogs(ctx context.Context, jobID uuid.UUID) ([]db.JobLog, error) {
	var logs []db.JobLog
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("device_name ASC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list logs: %w", err)
	}
	return logs, nil
}
