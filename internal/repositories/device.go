package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mam15mon/network/internal/db"
)

// gormDeviceRepository is the GORM implementation of DeviceRepository.
type gormDeviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository returns a DeviceRepository backed by the provided *gorm.DB.
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &gormDeviceRepository{db: db}
}

// Create inserts a new device record.
// Returns ErrConflict when the device name is already taken.
func (r *gormDeviceRepository) Create(ctx context.Context, device *db.Device) error {
	if err := r.db.WithContext(ctx).Create(device).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("devices: create: %w", err)
	}
	return nil
}

// GetByID retrieves a device by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Device, error) {
	var device db.Device
	err := r.db.WithContext(ctx).First(&device, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get by id: %w", err)
	}
	return &device, nil
}

// GetByName retrieves a device by its unique name.
func (r *gormDeviceRepository) GetByName(ctx context.Context, name string) (*db.Device, error) {
	var device db.Device
	err := r.db.WithContext(ctx).First(&device, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get by name: %w", err)
	}
	return &device, nil
}

// GetByNames retrieves all devices whose names appear in the given list.
// Missing names are not an error; callers compare the result against the
// request to detect them.
func (r *gormDeviceRepository) GetByNames(ctx context.Context, names []string) ([]db.Device, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var devices []db.Device
	if err := r.db.WithContext(ctx).Where("name IN ?", names).Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("devices: get by names: %w", err)
	}
	return devices, nil
}

// Update persists all fields of an existing device record.
func (r *gormDeviceRepository) Update(ctx context.Context, device *db.Device) error {
	result := r.db.WithContext(ctx).Save(device)
	if result.Error != nil {
		return fmt.Errorf("devices: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a device record permanently.
func (r *gormDeviceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Device{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("devices: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of devices and the total count, ordered by name.
func (r *gormDeviceRepository) List(ctx context.Context, opts ListOptions) ([]db.Device, int64, error) {
	var devices []db.Device
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Device{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("devices: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("name ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&devices).Error; err != nil {
		return nil, 0, fmt.Errorf("devices: list: %w", err)
	}
	return devices, total, nil
}

// ListAll returns every device in one pass, ordered by name.
func (r *gormDeviceRepository) ListAll(ctx context.Context) ([]db.Device, error) {
	var devices []db.Device
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("devices: list all: %w", err)
	}
	return devices, nil
}

// CreateGroup inserts a new device group.
// Returns ErrConflict when the group name is already taken.
func (r *gormDeviceRepository) CreateGroup(ctx context.Context, group *db.DeviceGroup) error {
	if err := r.db.WithContext(ctx).Create(group).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("devices: create group: %w", err)
	}
	return nil
}

// UpdateGroup persists all fields of an existing group record.
func (r *gormDeviceRepository) UpdateGroup(ctx context.Context, group *db.DeviceGroup) error {
	result := r.db.WithContext(ctx).Save(group)
	if result.Error != nil {
		return fmt.Errorf("devices: update group: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteGroup removes a group record. Member devices keep their group_name
// reference; the inventory builder tolerates the dangling reference.
func (r *gormDeviceRepository) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.DeviceGroup{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("devices: delete group: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetGroupByID retrieves a device group by its UUID.
func (r *gormDeviceRepository) GetGroupByID(ctx context.Context, id uuid.UUID) (*db.DeviceGroup, error) {
	var group db.DeviceGroup
	err := r.db.WithContext(ctx).First(&group, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get group by id: %w", err)
	}
	return &group, nil
}

// ListGroups returns all device groups.
func (r *gormDeviceRepository) ListGroups(ctx context.Context) ([]db.DeviceGroup, error) {
	var groups []db.DeviceGroup
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("devices: list groups: %w", err)
	}
	return groups, nil
}

// GetGroupByName retrieves a device group by its unique name.
func (r *gormDeviceRepository) GetGroupByName(ctx context.Context, name string) (*db.DeviceGroup, error) {
	var group db.DeviceGroup
	err := r.db.WithContext(ctx).First(&group, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get group by name: %w", err)
	}
	return &group, nil
}

// GetDefaults returns the single system-wide defaults record, creating an
// empty one on first access. The create is tolerant of a concurrent first
// access racing to the same insert: the loser re-reads the winner's row.
func (r *gormDeviceRepository) GetDefaults(ctx context.Context) (*db.DeviceDefaults, error) {
	var defaults db.DeviceDefaults
	err := r.db.WithContext(ctx).First(&defaults).Error
	if err == nil {
		return &defaults, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("devices: get defaults: %w", err)
	}

	defaults = db.DeviceDefaults{Name: "default", Data: db.JSONMap{}, ConnectionOptions: db.JSONMap{}}
	if err := r.db.WithContext(ctx).Create(&defaults).Error; err != nil {
		if isUniqueViolation(err) {
			var existing db.DeviceDefaults
			if err2 := r.db.WithContext(ctx).First(&existing).Error; err2 == nil {
				return &existing, nil
			}
		}
		return nil, fmt.Errorf("devices: create defaults: %w", err)
	}
	return &defaults, nil
}

// UpdateDefaults persists the system-wide defaults record.
func (r *gormDeviceRepository) UpdateDefaults(ctx context.Context, defaults *db.DeviceDefaults) error {
	result := r.db.WithContext(ctx).Save(defaults)
	if result.Error != nil {
		return fmt.Errorf("devices: update defaults: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint violation.
// GORM translates these to ErrDuplicatedKey for most dialects; the string
// check covers the modernc sqlite driver which bypasses the translator.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
