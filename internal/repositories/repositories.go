// Package repositories defines the persistence interfaces consumed by the
// core engine (inventory building, job queue, scheduler, snapshot capture)
// and their GORM implementations. The interfaces are the seam used by unit
// tests: the core packages are exercised against hand-rolled mocks, the GORM
// implementations stay thin enough to be covered by the integration surface.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mam15mon/network/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// DeviceRepository
// -----------------------------------------------------------------------------

// DeviceRepository provides read access to the inventory tables (devices,
// groups, system defaults) plus the CRUD operations used by the API layer.
// The core engine only reads: inventory mutation happens through the API and
// is followed by an explicit inventory rebuild.
type DeviceRepository interface {
	Create(ctx context.Context, device *db.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Device, error)
	GetByName(ctx context.Context, name string) (*db.Device, error)
	GetByNames(ctx context.Context, names []string) ([]db.Device, error)
	Update(ctx context.Context, device *db.Device) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Device, int64, error)

	// ListAll returns every device without pagination. Used by the inventory
	// builder, which needs the complete fleet in one pass.
	ListAll(ctx context.Context) ([]db.Device, error)

	CreateGroup(ctx context.Context, group *db.DeviceGroup) error
	UpdateGroup(ctx context.Context, group *db.DeviceGroup) error
	DeleteGroup(ctx context.Context, id uuid.UUID) error
	ListGroups(ctx context.Context) ([]db.DeviceGroup, error)
	GetGroupByID(ctx context.Context, id uuid.UUID) (*db.DeviceGroup, error)
	GetGroupByName(ctx context.Context, name string) (*db.DeviceGroup, error)

	// GetDefaults returns the single system-wide defaults record, creating it
	// with empty values on first access if it does not exist yet.
	GetDefaults(ctx context.Context) (*db.DeviceDefaults, error)
	UpdateDefaults(ctx context.Context, defaults *db.DeviceDefaults) error
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// JobRepository persists job lifecycle state and per-device execution logs.
type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	Update(ctx context.Context, job *db.Job) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)

	// ClaimPending atomically transitions a pending job to running, clearing
	// any prior results, error and completion timestamp. It returns false
	// (with no error) when the job is not in pending state, which makes
	// duplicate submissions a no-op.
	ClaimPending(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)

	// CancelPending atomically transitions a pending job to canceled.
	// Returns ErrNotFound if the job does not exist and ErrNotPending if it
	// is in any state other than pending.
	CancelPending(ctx context.Context, id uuid.UUID) error

	// UpdateStatus sets the terminal fields of a job without touching the
	// payload columns.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time, errMsg string) error

	// ListPending returns jobs left in pending state, oldest first. Used only
	// by the opt-in startup recovery pass.
	ListPending(ctx context.Context) ([]db.Job, error)

	PurgeLogs(ctx context.Context, jobID uuid.UUID) error
	CreateLogs(ctx context.Context, logs []db.JobLog) error
	ListLogs(ctx context.Context, jobID uuid.UUID) ([]db.JobLog, error)
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

// ScheduleRepository persists backup schedules and their append-only run
// history.
type ScheduleRepository interface {
	Create(ctx context.Context, schedule *db.BackupSchedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.BackupSchedule, error)
	Update(ctx context.Context, schedule *db.BackupSchedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.BackupSchedule, int64, error)

	// ListDue returns enabled schedules whose next_run_at watermark has been
	// reached, ordered by due time then id, capped at limit. The cap bounds
	// tick duration so one slow batch cannot starve other instances for long.
	ListDue(ctx context.Context, now time.Time, limit int) ([]db.BackupSchedule, error)

	// UpdateAfterRun records the outcome of one execution and unconditionally
	// advances the watermark. Called after every run, success or failure.
	UpdateAfterRun(ctx context.Context, id uuid.UUID, lastRunAt time.Time, lastStatus, lastError string, nextRunAt time.Time) error

	CreateRun(ctx context.Context, run *db.BackupRun) error
	FinishRun(ctx context.Context, id uuid.UUID, status string, results db.JSONMap, errMsg string, completedAt time.Time) error
	ListRuns(ctx context.Context, scheduleID uuid.UUID, opts ListOptions) ([]db.BackupRun, int64, error)
}

// -----------------------------------------------------------------------------
// SnapshotRepository
// -----------------------------------------------------------------------------

// SnapshotRepository persists captured device configurations.
type SnapshotRepository interface {
	// CreateBatch inserts all snapshots in one transaction. The generated IDs
	// are backfilled into the passed structs.
	CreateBatch(ctx context.Context, snapshots []*db.ConfigSnapshot) error

	GetByID(ctx context.Context, id uuid.UUID) (*db.ConfigSnapshot, error)

	// List returns snapshot metadata (content omitted) newest first,
	// optionally filtered to one device.
	List(ctx context.Context, deviceID *uuid.UUID, opts ListOptions) ([]db.ConfigSnapshot, int64, error)
}
