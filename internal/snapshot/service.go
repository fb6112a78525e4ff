// Package snapshot captures device running configurations into content-hashed
// snapshot rows and renders diffs between any two captures of a device.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/dispatcher"
	"github.com/mam15mon/network/internal/metrics"
	"github.com/mam15mon/network/internal/repositories"
)

// configTypeRunning is the only config type captured today. The column
// exists so startup or candidate configs can be stored later without a
// schema change.
const configTypeRunning = "running"

// Executor runs one task spec against a set of hosts. Satisfied by
// *dispatcher.Executor.
type Executor interface {
	Execute(ctx context.Context, hosts []string, spec dispatcher.TaskSpec) (map[string]dispatcher.Envelope, error)
}

// Service coordinates capture: dispatch the running-config task, hash and
// persist the successful outputs, and report a per-device outcome map.
type Service struct {
	devices   repositories.DeviceRepository
	snapshots repositories.SnapshotRepository
	executor  Executor
	logger    *zap.Logger
}

// NewService builds a snapshot service.
func NewService(devices repositories.DeviceRepository, snapshots repositories.SnapshotRepository, executor Executor, logger *zap.Logger) *Service {
	return &Service{
		devices:   devices,
		snapshots: snapshots,
		executor:  executor,
		logger:    logger.Named("snapshot"),
	}
}

// CaptureOptions tune one capture pass.
type CaptureOptions struct {
	// Command overrides the per-platform capture command.
	Command string
	// TimeoutSeconds overrides timeout resolution for the capture command.
	TimeoutSeconds *float64
	// CreatedBy is recorded on the snapshot rows.
	CreatedBy string
}

// CaptureRunningConfig captures the running configuration of the named
// devices. Devices missing from the database get a failed entry instead of
// failing the whole pass; all known devices are dispatched together. The
// returned map has one envelope per requested device; successful entries
// carry the snapshot id and content hash in their result.
func (s *Service) CaptureRunningConfig(ctx context.Context, deviceNames []string, opts CaptureOptions) (map[string]dispatcher.Envelope, error) {
	if len(deviceNames) == 0 {
		return nil, fmt.Errorf("snapshot: no devices requested")
	}

	records, err := s.devices.GetByNames(ctx, deviceNames)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load devices: %w", err)
	}
	byName := make(map[string]*db.Device, len(records))
	for i := range records {
		byName[records[i].Name] = &records[i]
	}

	results := make(map[string]dispatcher.Envelope, len(deviceNames))
	var known []string
	for _, name := range deviceNames {
		if _, ok := byName[name]; ok {
			known = append(known, name)
		} else {
			results[name] = dispatcher.FailedEnvelope("device not found")
		}
	}

	if len(known) > 0 {
		envelopes, err := s.executor.Execute(ctx, known, dispatcher.TaskSpec{
			Kind:            dispatcher.KindRunningConfig,
			CommandOverride: opts.Command,
			TimeoutSeconds:  opts.TimeoutSeconds,
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot: capture: %w", err)
		}

		collectedAt := time.Now().UTC()
		var rows []*db.ConfigSnapshot
		var rowNames []string
		for _, name := range known {
			env := envelopes[name]
			if env.Failed {
				results[name] = env
				continue
			}
			content, ok := env.Result.(string)
			if !ok || strings.TrimSpace(content) == "" {
				results[name] = dispatcher.FailedEnvelope("empty configuration output")
				continue
			}
			sum := sha256.Sum256([]byte(content))
			rows = append(rows, &db.ConfigSnapshot{
				DeviceID:      byName[name].ID,
				ConfigType:    configTypeRunning,
				Content:       content,
				ContentSHA256: hex.EncodeToString(sum[:]),
				CollectedAt:   collectedAt,
				CreatedBy:     opts.CreatedBy,
			})
			rowNames = append(rowNames, name)
			results[name] = env
		}

		if len(rows) > 0 {
			if err := s.snapshots.CreateBatch(ctx, rows); err != nil {
				return nil, fmt.Errorf("snapshot: persist: %w", err)
			}
			for i, name := range rowNames {
				env := results[name]
				env.Result = map[string]any{
					"snapshot_id": rows[i].ID.String(),
					"sha256":      rows[i].ContentSHA256,
					"bytes":       len(rows[i].Content),
				}
				results[name] = env
			}
		}
	}

	for name, env := range results {
		metrics.SnapshotsTotal.WithLabelValues(env.Status).Inc()
		if env.Failed {
			s.logger.Warn("capture failed",
				zap.String("device", name),
				zap.String("exception", env.Exception))
		}
	}
	return results, nil
}

// Get returns one snapshot with its full content.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.ConfigSnapshot, error) {
	return s.snapshots.GetByID(ctx, id)
}
