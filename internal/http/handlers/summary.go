package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lifestream/lifestream-backend/internal/data/repos/jobs"
	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/http/response"
	"github.com/lifestream/lifestream-backend/internal/platform/gcs"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
)

type SummaryHandler struct {
	log   *logger.Logger
	jobs  jobs.Table
	blobs gcs.BlobStore
}

func NewSummaryHandler(log *logger.Logger, jobTable jobs.Table, blobs gcs.BlobStore) *SummaryHandler {
	return &SummaryHandler{
		log:   log.With("handler", "SummaryHandler"),
		jobs:  jobTable,
		blobs: blobs,
	}
}

type videoMetadata struct {
	VideoSource     string  `json:"video_source"`
	Date            string  `json:"date"`
	DurationSeconds float64 `json:"duration_seconds"`
	CreatedAt       string  `json:"created_at"`
}

type summaryResponse struct {
	JobID           string             `json:"job_id"`
	SummaryMarkdown string             `json:"summary_markdown"`
	TimeBlocks      []domain.TimeBlock `json:"time_blocks"`
	VideoMetadata   videoMetadata      `json:"video_metadata"`
}

// GET /api/v1/summary/:job_id
func (h *SummaryHandler) GetSummary(c *gin.Context) {
	jobID := c.Param("job_id")
	ctx := c.Request.Context()

	job, err := h.jobs.Get(ctx, jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if err != nil {
		h.log.Error("summary lookup failed", "job_id", jobID, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if job.State != domain.JobCompleted {
		response.RespondError(c, http.StatusConflict, "job_not_completed",
			fmt.Errorf("job %s is %s", jobID, job.State))
		return
	}
	if job.ResultKey == "" {
		response.RespondError(c, http.StatusInternalServerError, "result_missing",
			fmt.Errorf("completed job %s has no result key", jobID))
		return
	}

	rc, err := h.blobs.Download(ctx, job.ResultKey)
	if err != nil {
		h.log.Error("summary download failed", "job_id", jobID, "key", job.ResultKey, "error", err)
		response.RespondError(c, http.StatusServiceUnavailable, "result_unavailable", err)
		return
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "result_unavailable", err)
		return
	}

	var summary domain.DailySummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		h.log.Error("stored summary is not valid JSON", "job_id", jobID, "key", job.ResultKey, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "result_corrupt", err)
		return
	}

	response.RespondOK(c, summaryResponse{
		JobID:           job.JobID,
		SummaryMarkdown: summary.ToMarkdown(),
		TimeBlocks:      summary.TimeBlocks,
		VideoMetadata: videoMetadata{
			VideoSource:     summary.VideoSource,
			Date:            summary.Date,
			DurationSeconds: summary.DurationSeconds,
			CreatedAt:       summary.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
}
