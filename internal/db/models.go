package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Inventory
// -----------------------------------------------------------------------------

// Device represents one managed network element (switch, router, firewall).
// Name is the stable identity used everywhere else in the system: job targets,
// backup schedule device lists and dispatch results are all keyed by it.
// Password is encrypted at rest via EncryptedString.
//
// Data holds free-form extension data as JSON (e.g. command_timeouts rules,
// running_config_command override). ConnectionOptions holds per-connection-kind
// parameter bundles, also JSON; both are merged with group and defaults layers
// at inventory build time (see internal/inventory).
type Device struct {
	base
	Name       string          `gorm:"uniqueIndex;not null" json:"name"`
	Hostname   string          `gorm:"not null;index" json:"hostname"`
	Site       string          `gorm:"index;default:''" json:"site"`
	DeviceType string          `gorm:"index;default:''" json:"device_type"`
	Platform   string          `gorm:"not null;default:'cisco_ios'" json:"platform"`
	Port       int             `gorm:"default:22" json:"port"`
	Username   string          `gorm:"default:''" json:"username"`
	Password   EncryptedString `gorm:"type:text" json:"-"`

	// GroupName references DeviceGroup.Name. A device belongs to zero or one
	// group; a dangling reference is tolerated at inventory build time.
	GroupName *string `gorm:"index" json:"group_name"`

	Data              JSONMap `gorm:"type:text;default:'{}'" json:"data"`
	ConnectionOptions JSONMap `gorm:"type:text;default:'{}'" json:"connection_options"`

	IsActive    bool   `gorm:"not null;default:true" json:"is_active"`
	Description string `gorm:"type:text;default:''" json:"description"`
	Vendor      string `gorm:"default:''" json:"vendor"`
	Model       string `gorm:"default:''" json:"model"`
	OSVersion   string `gorm:"default:''" json:"os_version"`

	LastConnected *time.Time `json:"last_connected"`
}

// DeviceGroup is a named collection of devices sharing connection parameters
// and extension data. Scalar fields are nullable: nil means "inherit from
// defaults", a set value overrides the defaults layer for member devices.
type DeviceGroup struct {
	base
	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Description string `gorm:"type:text;default:''" json:"description"`

	Username *string         `json:"username"`
	Password EncryptedString `gorm:"type:text" json:"-"`
	Platform *string         `json:"platform"`
	Port     *int            `json:"port"`

	Data              JSONMap `gorm:"type:text;default:'{}'" json:"data"`
	ConnectionOptions JSONMap `gorm:"type:text;default:'{}'" json:"connection_options"`
}

// DeviceDefaults is the single system-wide bottom layer of the parameter
// resolution chain. Exactly one row exists; it is created on first access if
// missing (see repositories.DeviceRepository.GetDefaults).
type DeviceDefaults struct {
	base
	Name string `gorm:"uniqueIndex;not null;default:'default'" json:"name"`

	Username *string         `json:"username"`
	Password EncryptedString `gorm:"type:text" json:"-"`
	Platform *string         `json:"platform"`
	Port     *int            `json:"port"`

	Data              JSONMap `gorm:"type:text;default:'{}'" json:"data"`
	ConnectionOptions JSONMap `gorm:"type:text;default:'{}'" json:"connection_options"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is one fleet task submitted for background execution. Status transitions
// are monotonic: pending -> running -> completed | failed | canceled. Only
// pending jobs may be canceled or edited; running jobs cannot be aborted.
//
// Targets is the list of device names the job runs against. Results is the
// per-device envelope map produced by the dispatcher, keyed by device name.
// Job lifecycle states. Pending jobs are the only ones that can be canceled
// or edited; running jobs always reach exactly one terminal state.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// Per-device log and schedule-run outcome states.
const (
	ResultStatusSuccess = "success"
	ResultStatusFailed  = "failed"

	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

type Job struct {
	base
	Name        string `gorm:"not null" json:"name"`
	Description string `gorm:"type:text;default:''" json:"description"`

	// Kind selects the execution path: "command", "config", "connectivity",
	// "capability" or "running_config". See dispatcher.TaskKind.
	Kind   string `gorm:"not null;index" json:"kind"`
	Status string `gorm:"not null;default:'pending';index" json:"status"`

	Targets StringList `gorm:"type:text;not null" json:"targets"`

	Command string  `gorm:"type:text;default:''" json:"command"`
	Config  string  `gorm:"type:text;default:''" json:"config"`
	Params  JSONMap `gorm:"type:text;default:'{}'" json:"params"`

	Results JSONMap `gorm:"type:text;default:'{}'" json:"results"`
	Error   string  `gorm:"type:text;default:''" json:"error"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	CreatedBy string `gorm:"default:''" json:"created_by"`
}

// JobLog stores one row per (job, device) execution outcome. Rows are written
// in bulk after the job reaches a terminal status, never during execution, and
// prior rows for the same job are purged before a re-run.
//
// RawOutput is the device's textual output truncated to a fixed cap; Result
// holds the structured envelope fields with the bulky raw text removed.
type JobLog struct {
	base
	JobID      uuid.UUID `gorm:"type:text;not null;index:idx_job_device" json:"job_id"`
	DeviceName string    `gorm:"not null;index:idx_job_device" json:"device_name"`
	Status     string    `gorm:"not null" json:"status"` // "success" or "failed"

	Result    JSONMap `gorm:"type:text;default:'{}'" json:"result"`
	RawOutput string  `gorm:"type:text;default:''" json:"raw_output"`
	Error     string  `gorm:"type:text;default:''" json:"error"`
}

// -----------------------------------------------------------------------------
// Config snapshots
// -----------------------------------------------------------------------------

// ConfigSnapshot is one captured device configuration (e.g. running-config).
// Content is stored verbatim; ContentSHA256 allows cheap change detection
// between captures without comparing full texts.
type ConfigSnapshot struct {
	base
	DeviceID   uuid.UUID `gorm:"type:text;not null;index:idx_snapshot_device_time" json:"device_id"`
	ConfigType string    `gorm:"not null;default:'running';index" json:"config_type"`

	Content       string `gorm:"type:text;not null" json:"-"`
	ContentSHA256 string `gorm:"index;default:''" json:"content_sha256"`

	CollectedAt time.Time `gorm:"not null;index:idx_snapshot_device_time" json:"collected_at"`
	CreatedBy   string    `gorm:"default:''" json:"created_by"`
}

// -----------------------------------------------------------------------------
// Backup schedules
// -----------------------------------------------------------------------------

// BackupSchedule is a recurring configuration backup definition driven by the
// next_run_at watermark. Invariants: enabled=false implies NextRunAt is nil;
// enabled=true implies NextRunAt is always set. The scheduler advances
// NextRunAt by IntervalMinutes after every run, success or failure.
type BackupSchedule struct {
	base
	Name    string `gorm:"not null;index" json:"name"`
	Enabled bool   `gorm:"not null;default:true;index:idx_schedule_enabled_next" json:"enabled"`

	Devices         StringList `gorm:"type:text;not null" json:"devices"`
	IntervalMinutes int        `gorm:"not null;default:60" json:"interval_minutes"`

	// Command overrides the per-platform default capture command for all
	// devices in this schedule. Timeout overrides timeout resolution entirely.
	Command *string `gorm:"type:text" json:"command"`
	Timeout *int    `json:"timeout"`

	LastRunAt  *time.Time `gorm:"index" json:"last_run_at"`
	NextRunAt  *time.Time `gorm:"index:idx_schedule_enabled_next" json:"next_run_at"`
	LastStatus string     `gorm:"default:''" json:"last_status"`
	LastError  string     `gorm:"type:text;default:''" json:"last_error"`

	CreatedBy string `gorm:"default:''" json:"created_by"`
}

// BackupRun is the append-only audit record of one schedule execution.
// It is created with status "running" before capture starts and only its
// terminal fields (Status, Results, Error, CompletedAt) are set afterwards.
type BackupRun struct {
	base
	ScheduleID uuid.UUID `gorm:"type:text;not null;index:idx_run_schedule_time" json:"schedule_id"`

	StartedAt   time.Time  `gorm:"not null;index:idx_run_schedule_time" json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Status      string     `gorm:"not null;default:'running';index" json:"status"`

	Results JSONMap `gorm:"type:text;default:'{}'" json:"results"`
	Error   string  `gorm:"type:text;default:''" json:"error"`
}
