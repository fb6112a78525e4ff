package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/repositories"
	"github.com/mam15mon/network/internal/scheduler"
)

// ScheduleHandler groups the backup schedule HTTP handlers.
type ScheduleHandler struct {
	repo      repositories.ScheduleRepository
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// NewScheduleHandler creates a new ScheduleHandler.
func NewScheduleHandler(repo repositories.ScheduleRepository, sched *scheduler.Scheduler, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		repo:      repo,
		scheduler: sched,
		logger:    logger.Named("schedule_handler"),
	}
}

// scheduleRequest is the payload for schedule create and update.
type scheduleRequest struct {
	Name            *string  `json:"name"`
	Enabled         *bool    `json:"enabled"`
	Devices         []string `json:"devices"`
	IntervalMinutes *int     `json:"interval_minutes"`
	Command         *string  `json:"command"`
	Timeout         *int     `json:"timeout"`
}

type listSchedulesResponse struct {
	Items []db.BackupSchedule `json:"items"`
	Total int64               `json:"total"`
}

type listRunsResponse struct {
	Items []db.BackupRun `json:"items"`
	Total int64          `json:"total"`
}

// List handles GET /api/v1/schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	schedules, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list schedules", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listSchedulesResponse{Items: schedules, Total: total})
}

// GetByID handles GET /api/v1/schedules/{id}.
func (h *ScheduleHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	schedule, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, schedule)
}

// Create handles POST /api/v1/schedules. A new enabled schedule is due
// immediately: its watermark is set to now so the next scheduler tick picks
// it up.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil || *req.Name == "" {
		ErrUnprocessable(w, "name is required")
		return
	}
	if len(req.Devices) == 0 {
		ErrUnprocessable(w, "devices must not be empty")
		return
	}

	schedule := &db.BackupSchedule{
		Name:            *req.Name,
		Enabled:         true,
		Devices:         req.Devices,
		IntervalMinutes: 60,
		Command:         req.Command,
		Timeout:         req.Timeout,
		CreatedBy:       createdBy(r),
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}
	if req.IntervalMinutes != nil {
		if *req.IntervalMinutes <= 0 {
			ErrUnprocessable(w, "interval_minutes must be positive")
			return
		}
		schedule.IntervalMinutes = *req.IntervalMinutes
	}
	if schedule.Enabled {
		now := time.Now().UTC()
		schedule.NextRunAt = &now
	}

	if err := h.repo.Create(r.Context(), schedule); err != nil {
		h.logger.Error("failed to create schedule", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, schedule)
}

// Update handles PATCH /api/v1/schedules/{id}. Enabling a schedule that has
// no watermark makes it due immediately; disabling clears the watermark so a
// disabled schedule never looks due.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	schedule, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		schedule.Name = *req.Name
	}
	if req.Devices != nil {
		if len(req.Devices) == 0 {
			ErrUnprocessable(w, "devices must not be empty")
			return
		}
		schedule.Devices = req.Devices
	}
	if req.IntervalMinutes != nil {
		if *req.IntervalMinutes <= 0 {
			ErrUnprocessable(w, "interval_minutes must be positive")
			return
		}
		schedule.IntervalMinutes = *req.IntervalMinutes
	}
	if req.Command != nil {
		schedule.Command = req.Command
	}
	if req.Timeout != nil {
		schedule.Timeout = req.Timeout
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
		switch {
		case schedule.Enabled && schedule.NextRunAt == nil:
			now := time.Now().UTC()
			schedule.NextRunAt = &now
		case !schedule.Enabled:
			schedule.NextRunAt = nil
		}
	}

	if err := h.repo.Update(r.Context(), schedule); err != nil {
		h.logger.Error("failed to update schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, schedule)
}

// Delete handles DELETE /api/v1/schedules/{id}.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Run handles POST /api/v1/schedules/{id}/run: executes the schedule now,
// synchronously, and returns the finished run record. The watermark advances
// exactly as for a scheduled execution. Disabled schedules are rejected, and
// the run is serialized behind the scheduler lock: while another instance is
// mid-pass the caller gets a 409 instead of a duplicate run.
func (h *ScheduleHandler) Run(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	run, err := h.scheduler.RunNow(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		case errors.Is(err, scheduler.ErrScheduleDisabled):
			ErrUnprocessable(w, "schedule is disabled")
		case errors.Is(err, scheduler.ErrBusy):
			ErrConflict(w, "another scheduling pass is in progress, retry shortly")
		default:
			h.logger.Error("manual schedule run failed", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, run)
}

// ListRuns handles GET /api/v1/schedules/{id}/runs, newest first.
func (h *ScheduleHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	runs, total, err := h.repo.ListRuns(r.Context(), id, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list runs", zap.String("schedule_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listRunsResponse{Items: runs, Total: total})
}
