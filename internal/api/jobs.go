package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/dispatcher"
	"github.com/mam15mon/network/internal/repositories"
	"github.com/mam15mon/network/internal/runner"
)

// JobHandler groups the job HTTP handlers. Jobs are created here, queued on
// the runner and executed in the background; clients follow progress via the
// job resource or the websocket feed.
type JobHandler struct {
	repo   repositories.JobRepository
	runner *runner.Runner
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(repo repositories.JobRepository, run *runner.Runner, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		repo:   repo,
		runner: run,
		logger: logger.Named("job_handler"),
	}
}

// -----------------------------------------------------------------------------
// Request / response types
// -----------------------------------------------------------------------------

// createJobRequest is the payload for job submission. Kind selects the
// execution path; Confirm must be true for mutating kinds (config pushes).
type createJobRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Kind        string     `json:"kind"`
	Targets     []string   `json:"targets"`
	Command     string     `json:"command"`
	Config      string     `json:"config"`
	Params      db.JSONMap `json:"params"`
	Confirm     bool       `json:"confirm"`
}

type listJobsResponse struct {
	Items []db.Job `json:"items"`
	Total int64    `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// Create handles POST /api/v1/jobs. The job row is created in pending state
// and queued; a 202 means accepted for execution, not executed.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	kind, ok := dispatcher.KindByName(req.Kind)
	if !ok {
		ErrUnprocessable(w, "unknown job kind: "+req.Kind)
		return
	}
	if len(req.Targets) == 0 {
		ErrUnprocessable(w, "targets must not be empty")
		return
	}
	if kind.Mutating && !req.Confirm {
		ErrForbidden(w, "this job kind mutates device state; set confirm to true to proceed")
		return
	}
	if req.Params == nil {
		req.Params = db.JSONMap{}
	}

	job := &db.Job{
		Name:        req.Name,
		Description: req.Description,
		Kind:        req.Kind,
		Status:      db.JobStatusPending,
		Targets:     req.Targets,
		Command:     req.Command,
		Config:      req.Config,
		Params:      req.Params,
		Results:     db.JSONMap{},
		CreatedBy:   createdBy(r),
	}
	if job.Name == "" {
		job.Name = req.Kind + " job"
	}

	if err := h.repo.Create(r.Context(), job); err != nil {
		h.logger.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.runner.Submit(job.ID); err != nil {
		if errors.Is(err, runner.ErrQueueFull) {
			// The row stays pending; clients may resubmit or cancel it.
			ErrTooManyRequests(w, "job queue is full, try again later")
			return
		}
		h.logger.Error("failed to submit job", zap.String("id", job.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Accepted(w, job)
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listJobsResponse{Items: jobs, Total: total})
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, job)
}

// GetLogs handles GET /api/v1/jobs/{id}/logs: the per-device rows written
// after the job reached a terminal state, ordered by device name.
func (h *JobHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	logs, err := h.repo.ListLogs(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get job logs", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, logs)
}

// Cancel handles POST /api/v1/jobs/{id}/cancel. Only pending jobs can be
// canceled; a running job reports 409.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.runner.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		case errors.Is(err, repositories.ErrNotPending):
			ErrConflict(w, "only pending jobs can be canceled")
		default:
			h.logger.Error("failed to cancel job", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}

// Rerun handles POST /api/v1/jobs/{id}/rerun. The job is reset to pending
// and queued again; previous per-device logs are purged when it starts.
func (h *JobHandler) Rerun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if job.Status == db.JobStatusRunning || job.Status == db.JobStatusPending {
		ErrConflict(w, "job is already queued or running")
		return
	}

	job.Status = db.JobStatusPending
	job.Error = ""
	job.Results = db.JSONMap{}
	job.StartedAt = nil
	job.CompletedAt = nil
	if err := h.repo.Update(r.Context(), job); err != nil {
		h.logger.Error("failed to reset job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.runner.Submit(job.ID); err != nil {
		if errors.Is(err, runner.ErrQueueFull) {
			ErrTooManyRequests(w, "job queue is full, try again later")
			return
		}
		h.logger.Error("failed to submit job", zap.String("id", job.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Accepted(w, job)
}
