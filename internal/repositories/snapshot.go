package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mam15mon/network/internal/db"
)

// gormSnapshotRepository is the GORM implementation of SnapshotRepository.
type gormSnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository returns a SnapshotRepository backed by the provided *gorm.DB.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &gormSnapshotRepository{db: db}
}

// CreateBatch inserts all snapshots in one statement. GORM backfills the
// generated IDs into the passed structs, which the snapshot service uses to
// report snapshot_id in its result map.
func (r *gormSnapshotRepository) CreateBatch(ctx context.Context, snapshots []*db.ConfigSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&snapshots).Error; err != nil {
		return fmt.Errorf("snapshots: create batch: %w", err)
	}
	return nil
}

// GetByID retrieves a snapshot including its full configuration text.
// Returns ErrNotFound if no record exists.
func (r *gormSnapshotRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ConfigSnapshot, error) {
	var snapshot db.ConfigSnapshot
	err := r.db.WithContext(ctx).First(&snapshot, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshots: get by id: %w", err)
	}
	return &snapshot, nil
}

// List returns snapshot metadata newest first, optionally filtered to one
// device. The content column is omitted: running configs run to
// megabytes and listing must stay cheap.
func (r *gormSnapshotRepository) List(ctx context.Context, deviceID *uuid.UUID, opts ListOptions) ([]db.ConfigSnapshot, int64, error) {
	var snapshots []db.ConfigSnapshot
	var total int64

	countQ := r.db.WithContext(ctx).Model(&db.ConfigSnapshot{})
	if deviceID != nil {
		countQ = countQ.Where("device_id = ?", *deviceID)
	}
	if err := countQ.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: count: %w", err)
	}

	q := r.db.WithContext(ctx).
		Select("id", "created_at", "updated_at", "device_id", "config_type", "content_sha256", "collected_at", "created_by").
		Order("collected_at DESC, id DESC")
	if deviceID != nil {
		q = q.Where("device_id = ?", *deviceID)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&snapshots).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: list: %w", err)
	}
	return snapshots, total, nil
}
