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

// gormScheduleRepository is the GORM implementation of ScheduleRepository.
type gormScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository returns a ScheduleRepository backed by the provided *gorm.DB.
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: db}
}

// Create inserts a new backup schedule.
func (r *gormScheduleRepository) Create(ctx context.Context, schedule *db.BackupSchedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("schedules: create: %w", err)
	}
	return nil
}

// GetByID retrieves a schedule by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupSchedule, error) {
	var schedule db.BackupSchedule
	err := r.db.WithContext(ctx).First(&schedule, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get by id: %w", err)
	}
	return &schedule, nil
}

// Update persists all fields of an existing schedule record. Save is used
// deliberately so nullable columns (command, timeout, next_run_at) can be
// cleared, not just overwritten.
func (r *gormScheduleRepository) Update(ctx context.Context, schedule *db.BackupSchedule) error {
	result := r.db.WithContext(ctx).Save(schedule)
	if result.Error != nil {
		return fmt.Errorf("schedules: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a schedule permanently. Run history rows are kept; they are
// an append-only audit trail.
func (r *gormScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.BackupSchedule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("schedules: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of schedules and the total count.
func (r *gormScheduleRepository) List(ctx context.Context, opts ListOptions) ([]db.BackupSchedule, int64, error) {
	var schedules []db.BackupSchedule
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.BackupSchedule{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("name ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&schedules).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list: %w", err)
	}
	return schedules, total, nil
}

// ListDue selects enabled schedules whose watermark has passed, ordered by
// due time then id so starvation is impossible, capped to bound tick length.
func (r *gormScheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]db.BackupSchedule, error) {
	var schedules []db.BackupSchedule
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("next_run_at IS NOT NULL").
		Where("next_run_at <= ?", now).
		Order("next_run_at ASC, id ASC").
		Limit(limit).
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("schedules: list due: %w", err)
	}
	return schedules, nil
}

// UpdateAfterRun records one execution outcome and advances the watermark in
// a single UPDATE, so a crash between "ran" and "rescheduled" cannot leave a
// schedule stuck.
func (r *gormScheduleRepository) UpdateAfterRun(ctx context.Context, id uuid.UUID, lastRunAt time.Time, lastStatus, lastError string, nextRunAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.BackupSchedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRunAt,
			"last_status": lastStatus,
			"last_error":  lastError,
			"next_run_at": nextRunAt,
		})
	if result.Error != nil {
		return fmt.Errorf("schedules: update after run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRun inserts a new run record (status "running").
func (r *gormScheduleRepository) CreateRun(ctx context.Context, run *db.BackupRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("schedules: create run: %w", err)
	}
	return nil
}

// FinishRun sets the terminal fields of a run record. Run rows are never
// otherwise mutated after creation.
func (r *gormScheduleRepository) FinishRun(ctx context.Context, id uuid.UUID, status string, results db.JSONMap, errMsg string, completedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.BackupRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"results":      results,
			"error":        errMsg,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("schedules: finish run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns the run history of one schedule, newest first.
func (r *gormScheduleRepository) ListRuns(ctx context.Context, scheduleID uuid.UUID, opts ListOptions) ([]db.BackupRun, int64, error) {
	var runs []db.BackupRun
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.BackupRun{}).
		Where("schedule_id = ?", scheduleID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: count runs: %w", err)
	}

	q := r.db.WithContext(ctx).
		Where("schedule_id = ?", scheduleID).
		Order("started_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list runs: %w", err)
	}
	return runs, total, nil
}
