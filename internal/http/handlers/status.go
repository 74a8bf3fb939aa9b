package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lifestream/lifestream-backend/internal/data/repos/jobs"
	"github.com/lifestream/lifestream-backend/internal/http/response"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
)

type StatusHandler struct {
	log  *logger.Logger
	jobs jobs.Table
}

func NewStatusHandler(log *logger.Logger, jobTable jobs.Table) *StatusHandler {
	return &StatusHandler{log: log.With("handler", "StatusHandler"), jobs: jobTable}
}

type statusResponse struct {
	JobID            string             `json:"job_id"`
	State            string             `json:"state"`
	Stage            string             `json:"stage,omitempty"`
	Progress         float64            `json:"progress"`
	ObjectKey        string             `json:"object_key"`
	ResultKey        string             `json:"result_key,omitempty"`
	FailureReportKey string             `json:"failure_report_key,omitempty"`
	ErrorSummary     string             `json:"error_summary,omitempty"`
	Timings          map[string]float64 `json:"timings"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at"`
}

// GET /api/v1/status/:job_id
func (h *StatusHandler) GetStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if err != nil {
		h.log.Error("status lookup failed", "job_id", jobID, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}

	response.RespondOK(c, statusResponse{
		JobID:            job.JobID,
		State:            string(job.State),
		Stage:            job.Stage,
		Progress:         job.Progress,
		ObjectKey:        job.ObjectKey,
		ResultKey:        job.ResultKey,
		FailureReportKey: job.FailureReportKey,
		ErrorSummary:     job.ErrorSummary,
		Timings:          jobs.DecodeTimings(job.Timings),
		CreatedAt:        job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        job.UpdatedAt.UTC().Format(time.RFC3339),
	})
}
