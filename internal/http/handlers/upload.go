package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lifestream/lifestream-backend/internal/data/repos/idempotency"
	"github.com/lifestream/lifestream-backend/internal/data/repos/jobs"
	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/http/response"
	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
	"github.com/lifestream/lifestream-backend/internal/platform/gcs"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
	"github.com/lifestream/lifestream-backend/internal/platform/redisq"
)

const maxUploadBytes = int64(2) << 30

var allowedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

type UploadHandler struct {
	log   *logger.Logger
	blobs gcs.BlobStore
	jobs  jobs.Table
	idem  idempotency.Table
	queue redisq.Queue
}

func NewUploadHandler(log *logger.Logger, blobs gcs.BlobStore, jobTable jobs.Table, idemTable idempotency.Table, queue redisq.Queue) *UploadHandler {
	return &UploadHandler{
		log:   log.With("handler", "UploadHandler"),
		blobs: blobs,
		jobs:  jobTable,
		idem:  idemTable,
		queue: queue,
	}
}

type presignRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

type presignResponse struct {
	JobID     string `json:"job_id"`
	UploadURL string `json:"upload_url"`
	ObjectKey string `json:"object_key"`
	ExpiresAt string `json:"expires_at"`
}

// POST /api/v1/upload/presigned-url
func (h *UploadHandler) PresignedURL(c *gin.Context) {
	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	ext := strings.ToLower(filepath.Ext(req.Filename))
	if !allowedExtensions[ext] {
		response.RespondError(c, http.StatusBadRequest, "unsupported_format",
			fmt.Errorf("unsupported video extension %q", ext))
		return
	}
	if req.SizeBytes <= 0 || req.SizeBytes > maxUploadBytes {
		response.RespondError(c, http.StatusBadRequest, "invalid_size",
			fmt.Errorf("size_bytes must be in (0, %d], got %d", maxUploadBytes, req.SizeBytes))
		return
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = gcs.ContentTypeForKey(req.Filename)
	}
	if !strings.HasPrefix(contentType, "video/") {
		response.RespondError(c, http.StatusBadRequest, "invalid_content_type",
			fmt.Errorf("content_type must be video/*, got %q", contentType))
		return
	}

	jobID := uuid.NewString()
	objectKey := buildObjectKey(time.Now().UTC(), jobID, req.Filename)

	ttl := envutil.Seconds("UPLOAD_URL_TTL_SECONDS", 15*time.Minute)
	uploadURL, err := h.blobs.SignedUploadURL(objectKey, contentType, ttl)
	if err != nil {
		h.log.Error("presign failed", "object_key", objectKey, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "presign_failed", err)
		return
	}

	response.RespondOK(c, presignResponse{
		JobID:     jobID,
		UploadURL: uploadURL,
		ObjectKey: objectKey,
		ExpiresAt: time.Now().UTC().Add(ttl).Format(time.RFC3339),
	})
}

type confirmRequest struct {
	JobID              string   `json:"job_id"`
	ObjectKey          string   `json:"object_key"`
	ClientDurationHint *float64 `json:"client_duration_hint,omitempty"`
}

type confirmResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// POST /api/v1/upload/confirm
//
// The same uploaded object confirmed twice returns the original job
// instead of enqueueing a second run.
func (h *UploadHandler) Confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.JobID == "" || req.ObjectKey == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request",
			fmt.Errorf("job_id and object_key required"))
		return
	}

	ctx := c.Request.Context()
	attrs, err := h.blobs.Attrs(ctx, req.ObjectKey)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "object_not_found",
			fmt.Errorf("uploaded object %q not found: %w", req.ObjectKey, err))
		return
	}

	ownerID, created, err := h.idem.Claim(ctx, req.ObjectKey, attrs.Etag, req.JobID)
	if err != nil {
		h.log.Error("idempotency claim failed", "object_key", req.ObjectKey, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if !created {
		// Duplicate confirm for the same object version.
		state := string(domain.JobQueued)
		if job, gerr := h.jobs.Get(ctx, ownerID); gerr == nil {
			state = string(job.State)
		}
		h.log.Info("duplicate confirm, returning existing job", "job_id", ownerID, "object_key", req.ObjectKey)
		response.RespondOK(c, confirmResponse{JobID: ownerID, State: state})
		return
	}

	job := &domain.Job{
		JobID:              req.JobID,
		ObjectKey:          req.ObjectKey,
		ObjectVersion:      attrs.Etag,
		ClientDurationHint: req.ClientDurationHint,
		State:              domain.JobQueued,
	}
	if err := h.jobs.Create(ctx, job); err != nil {
		if existing, gerr := h.jobs.Get(ctx, req.JobID); gerr == nil {
			response.RespondOK(c, confirmResponse{JobID: existing.JobID, State: string(existing.State)})
			return
		}
		h.log.Error("job create failed", "job_id", req.JobID, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}

	ev := redisq.UploadEvent{
		JobID:         req.JobID,
		ObjectKey:     req.ObjectKey,
		ObjectVersion: attrs.Etag,
		DurationHint:  req.ClientDurationHint,
	}
	if err := h.queue.Send(ctx, ev); err != nil {
		h.log.Error("enqueue failed", "job_id", req.JobID, "error", err)
		response.RespondError(c, http.StatusServiceUnavailable, "enqueue_failed", err)
		return
	}

	h.log.Info("upload confirmed", "job_id", req.JobID, "object_key", req.ObjectKey, "size", attrs.Size)
	response.RespondOK(c, confirmResponse{JobID: req.JobID, State: string(domain.JobQueued)})
}

func buildObjectKey(now time.Time, jobID, filename string) string {
	safe := unsafeKeyChars.ReplaceAllString(filepath.Base(filename), "_")
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("uploads/%s_%s_%s", now.Format("20060102_150405"), short, safe)
}
