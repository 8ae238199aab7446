package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/api/middleware"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/api/response"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/jobs"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/store"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// JobService defines the interface the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, jobType string, ownerID uuid.UUID, payload json.RawMessage) (*models.Job, error)
	Status(ctx context.Context, jobID uuid.UUID) (*jobs.JobStatus, error)
	Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Retry(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Restart(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Delete(ctx context.Context, jobID uuid.UUID) error
	Prioritize(ctx context.Context, jobID uuid.UUID) error
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
}

// JobStatusResponse is the poll payload for GET /api/v1/jobs/{jobID}.
type JobStatusResponse struct {
	ID            uuid.UUID             `json:"id"`
	Type          string                `json:"type"`
	Status        string                `json:"status"`
	Progress      int                   `json:"progress"`
	CurrentStep   *string               `json:"current_step,omitempty"`
	TotalSteps    int                   `json:"total_steps"`
	Result        json.RawMessage       `json:"result,omitempty"`
	Error         *string               `json:"error,omitempty"`
	RetryInfo     models.RetryInfo      `json:"retry_info"`
	QueuePosition *models.QueuePosition `json:"queue_position,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Type == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "type is required", nil)
			return
		}
		if len(req.Payload) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "payload is required", nil)
			return
		}

		job, err := svc.Submit(r.Context(), req.Type, ownerID, req.Payload)
		if err != nil {
			if errors.Is(err, jobs.ErrUnknownJobType) {
				response.Error(w, http.StatusBadRequest, "UNKNOWN_JOB_TYPE",
					"No executor is registered for this job type", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to submit job", nil)
			return
		}

		response.Accepted(w, map[string]any{
			"job_id":     job.ID,
			"status":     job.Status,
			"type":       job.Type,
			"created_at": job.CreatedAt,
		})
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, status, ok := loadJobStatus(w, r, svc)
		if !ok {
			return
		}
		resp := JobStatusResponse{
			ID:            job.ID,
			Type:          job.Type,
			Status:        job.Status,
			Progress:      job.Progress,
			CurrentStep:   job.CurrentStep,
			TotalSteps:    job.TotalSteps,
			Error:         job.Error,
			RetryInfo:     status.RetryInfo,
			QueuePosition: status.QueuePosition,
			CreatedAt:     job.CreatedAt,
			UpdatedAt:     job.UpdatedAt,
		}
		if job.Status == models.JobStatusCompleted {
			resp.Result = job.Result
		}
		response.JSON(w, resp)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return controlHandler(svc, func(ctx context.Context, id uuid.UUID) (*models.Job, error) {
		return svc.Cancel(ctx, id)
	})
}

// NewRetryJobHandler returns an http.HandlerFunc for POST /api/v1/admin/jobs/{jobID}/retry.
func NewRetryJobHandler(svc JobService) http.HandlerFunc {
	return controlHandler(svc, func(ctx context.Context, id uuid.UUID) (*models.Job, error) {
		return svc.Retry(ctx, id)
	})
}

// NewRestartJobHandler returns an http.HandlerFunc for POST /api/v1/admin/jobs/{jobID}/restart.
func NewRestartJobHandler(svc JobService) http.HandlerFunc {
	return controlHandler(svc, func(ctx context.Context, id uuid.UUID) (*models.Job, error) {
		return svc.Restart(ctx, id)
	})
}

// controlHandler wraps a state-changing job operation with ownership checks
// and the shared error mapping.
func controlHandler(svc JobService, op func(context.Context, uuid.UUID) (*models.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := authorizeJobAccess(w, r, svc)
		if !ok {
			return
		}
		job, err := op(r.Context(), jobID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// NewDeleteJobHandler returns an http.HandlerFunc for DELETE /api/v1/admin/jobs/{jobID}.
func NewDeleteJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := authorizeJobAccess(w, r, svc)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), jobID); err != nil {
			writeJobError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// NewPrioritizeJobHandler returns an http.HandlerFunc for POST /api/v1/admin/jobs/{jobID}/prioritize.
func NewPrioritizeJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := authorizeJobAccess(w, r, svc)
		if !ok {
			return
		}
		if err := svc.Prioritize(r.Context(), jobID); err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"job_id":      jobID,
			"prioritized": true,
		})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/admin/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.JobFilter{
			Status: r.URL.Query().Get("status"),
			Type:   r.URL.Query().Get("type"),
			Page:   queryInt(r, "page", 1),
			Limit:  queryInt(r, "limit", 50),
		}
		if owner := r.URL.Query().Get("owner_id"); owner != "" {
			id, err := uuid.Parse(owner)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"owner_id must be a valid UUID", nil)
				return
			}
			filter.OwnerID = id
		}
		if filter.Limit > 200 {
			filter.Limit = 200
		}

		list, total, err := svc.List(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list jobs", nil)
			return
		}
		response.Collection(w, list, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// loadJobStatus parses the jobID path param, loads the job, and enforces that
// the caller either owns it or carries the admin scope.
func loadJobStatus(w http.ResponseWriter, r *http.Request, svc JobService) (*models.Job, *jobs.JobStatus, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return nil, nil, false
	}

	status, err := svc.Status(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return nil, nil, false
	}

	if !callerMayAccess(r, status.Job) {
		// Hide existence from other owners.
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
		return nil, nil, false
	}
	return status.Job, status, true
}

func authorizeJobAccess(w http.ResponseWriter, r *http.Request, svc JobService) (uuid.UUID, bool) {
	job, _, ok := loadJobStatus(w, r, svc)
	if !ok {
		return uuid.Nil, false
	}
	return job.ID, true
}

func callerMayAccess(r *http.Request, job *models.Job) bool {
	if mw.HasScope(r, "admin") {
		return true
	}
	ownerID, ok := mw.GetOwnerID(r)
	return ok && ownerID == job.OwnerID
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, jobs.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Job operation failed", nil)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
