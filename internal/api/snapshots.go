package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/repositories"
	"github.com/mam15mon/network/internal/snapshot"
)

// SnapshotHandler groups the configuration snapshot HTTP handlers.
type SnapshotHandler struct {
	repo    repositories.SnapshotRepository
	service *snapshot.Service
	logger  *zap.Logger
}

// NewSnapshotHandler creates a new SnapshotHandler.
func NewSnapshotHandler(repo repositories.SnapshotRepository, service *snapshot.Service, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		repo:    repo,
		service: service,
		logger:  logger.Named("snapshot_handler"),
	}
}

type captureRequest struct {
	Devices        []string `json:"devices"`
	Command        string   `json:"command"`
	TimeoutSeconds *float64 `json:"timeout_seconds"`
}

type listSnapshotsResponse struct {
	Items []db.ConfigSnapshot `json:"items"`
	Total int64               `json:"total"`
}

// Capture handles POST /api/v1/snapshots/capture: a synchronous capture pass
// over the named devices. Per-device failures land in the result map, they
// do not fail the request.
func (h *SnapshotHandler) Capture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Devices) == 0 {
		ErrUnprocessable(w, "devices must not be empty")
		return
	}

	results, err := h.service.CaptureRunningConfig(r.Context(), req.Devices, snapshot.CaptureOptions{
		Command:        req.Command,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedBy:      createdBy(r),
	})
	if err != nil {
		h.logger.Error("capture failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, results)
}

// List handles GET /api/v1/snapshots. Content is omitted from list
// responses; fetch a single snapshot for the full text. Optional device_id
// query parameter filters to one device.
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	var deviceID *uuid.UUID
	if raw := r.URL.Query().Get("device_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrBadRequest(w, "invalid device_id: must be a valid UUID")
			return
		}
		deviceID = &id
	}

	snapshots, total, err := h.repo.List(r.Context(), deviceID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list snapshots", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listSnapshotsResponse{Items: snapshots, Total: total})
}

// GetByID handles GET /api/v1/snapshots/{id} and returns the snapshot with
// its full configuration text.
func (h *SnapshotHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	snap, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get snapshot", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{
		"snapshot": snap,
		"content":  snap.Content,
	})
}

// Diff handles GET /api/v1/snapshots/{id}/diff/{other}: the line diff from
// snapshot {id} to snapshot {other}.
func (h *SnapshotHandler) Diff(w http.ResponseWriter, r *http.Request) {
	fromID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	toID, ok := parseUUID(w, r, "other")
	if !ok {
		return
	}

	diff, err := h.service.DiffSnapshots(r.Context(), fromID, toID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Warn("snapshot diff failed",
			zap.String("from", fromID.String()),
			zap.String("to", toID.String()),
			zap.Error(err))
		ErrUnprocessable(w, err.Error())
		return
	}
	Ok(w, diff)
}
