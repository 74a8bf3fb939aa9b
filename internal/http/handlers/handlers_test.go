package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lifestream/lifestream-backend/internal/data/repos/idempotency"
	"github.com/lifestream/lifestream-backend/internal/data/repos/jobs"
	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/models/mock"
	"github.com/lifestream/lifestream-backend/internal/platform/gcs"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
	"github.com/lifestream/lifestream-backend/internal/platform/pinecone"
	"github.com/lifestream/lifestream-backend/internal/platform/redisq"
	"github.com/lifestream/lifestream-backend/internal/search"
)

// -------------------- fakes --------------------

type memJobs struct {
	mu   sync.Mutex
	rows map[string]*domain.Job
}

func newMemJobs() *memJobs { return &memJobs{rows: map[string]*domain.Job{}} }

func (m *memJobs) Create(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[job.JobID]; ok {
		return fmt.Errorf("duplicate job %s", job.JobID)
	}
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.rows[job.JobID] = &cp
	return nil
}

func (m *memJobs) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[jobID]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) FindQueuedByObjectKey(ctx context.Context, objectKey string) (*domain.Job, error) {
	return nil, jobs.ErrNotFound
}

func (m *memJobs) TransitionState(ctx context.Context, jobID string, from, to domain.JobState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[jobID]
	if !ok || j.State != from {
		return false, nil
	}
	j.State = to
	return true, nil
}

func (m *memJobs) SetTaskHandle(ctx context.Context, jobID, handle string) error { return nil }

func (m *memJobs) UpdateStage(ctx context.Context, jobID, stage string, progress float64, timings map[string]float64) (bool, error) {
	return true, nil
}

func (m *memJobs) Complete(ctx context.Context, jobID, resultKey string, timings map[string]float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[jobID]
	if !ok {
		return false, nil
	}
	j.State = domain.JobCompleted
	j.Progress = 1.0
	j.ResultKey = resultKey
	return true, nil
}

func (m *memJobs) Fail(ctx context.Context, jobID, stage, errSummary, failureReportKey string, timings map[string]float64) (bool, error) {
	return true, nil
}

type memIdem struct {
	mu   sync.Mutex
	rows map[string]string
}

func newMemIdem() *memIdem { return &memIdem{rows: map[string]string{}} }

func (m *memIdem) Claim(ctx context.Context, objectKey, objectVersion, jobID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := objectKey + "|" + objectVersion
	if owner, ok := m.rows[key]; ok {
		return owner, false, nil
	}
	m.rows[key] = jobID
	return jobID, true, nil
}

func (m *memIdem) Get(ctx context.Context, objectKey, objectVersion string) (*domain.IdempotencyRecord, error) {
	return nil, idempotency.ErrNotFound
}

func (m *memIdem) MarkProcessed(ctx context.Context, objectKey, objectVersion, resultKey string) error {
	return nil
}

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlob() *memBlob { return &memBlob{objects: map[string][]byte{}} }

func (b *memBlob) Upload(ctx context.Context, key string, r io.Reader) error {
	data, _ := io.ReadAll(r)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *memBlob) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlob) Attrs(ctx context.Context, key string) (*gcs.BlobAttrs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return &gcs.BlobAttrs{Key: key, Size: int64(len(data)), Etag: "etag-test", CType: "video/mp4"}, nil
}

func (b *memBlob) SignedUploadURL(key, contentType string, expiry time.Duration) (string, error) {
	return "https://storage.example/" + key, nil
}


func (b *memBlob) Delete(ctx context.Context, key string) error { return nil }

type fakeQueue struct {
	mu   sync.Mutex
	sent []redisq.UploadEvent
}

func (q *fakeQueue) Send(ctx context.Context, ev redisq.UploadEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, ev)
	return nil
}

func (q *fakeQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]redisq.Message, error) {
	return nil, nil
}

func (q *fakeQueue) Delete(ctx context.Context, receiptHandle string) error { return nil }

func (q *fakeQueue) Close() error { return nil }

type fakeVectorStore struct {
	matches []pinecone.QueryMatch
}

func (f *fakeVectorStore) Upsert(ctx context.Context, namespace string, vectors []pinecone.Vector) error {
	return nil
}

func (f *fakeVectorStore) Query(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]pinecone.QueryMatch, error) {
	return f.matches, nil
}

func (f *fakeVectorStore) DeleteByFilter(ctx context.Context, namespace string, filter map[string]any) error {
	return nil
}

// -------------------- harness --------------------

type harness struct {
	router *gin.Engine
	jobs   *memJobs
	idem   *memIdem
	blobs  *memBlob
	queue  *fakeQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}

	h := &harness{
		jobs:  newMemJobs(),
		idem:  newMemIdem(),
		blobs: newMemBlob(),
		queue: &fakeQueue{},
	}

	searchSvc := search.NewService(log, &mock.Embedder{}, &fakeVectorStore{}, &mock.Synthesizer{})

	upload := NewUploadHandler(log, h.blobs, h.jobs, h.idem, h.queue)
	status := NewStatusHandler(log, h.jobs)
	summary := NewSummaryHandler(log, h.jobs, h.blobs)
	query := NewQueryHandler(log, searchSvc)

	router := gin.New()
	v1 := router.Group("/api/v1")
	v1.GET("/health", HealthCheck)
	v1.POST("/upload/presigned-url", upload.PresignedURL)
	v1.POST("/upload/confirm", upload.Confirm)
	v1.GET("/status/:job_id", status.GetStatus)
	v1.GET("/summary/:job_id", summary.GetSummary)
	v1.POST("/query", query.Query)
	h.router = router
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// -------------------- tests --------------------

func TestHealth(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("health: code=%d body=%q", w.Code, w.Body.String())
	}
}

func TestPresignedURLHappyPath(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/api/v1/upload/presigned-url", presignRequest{
		Filename:    "My Day 08.mp4",
		ContentType: "video/mp4",
		SizeBytes:   1 << 20,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}

	var resp presignResponse
	decode(t, w, &resp)
	if resp.JobID == "" || resp.UploadURL == "" {
		t.Fatalf("response incomplete: %+v", resp)
	}
	if !strings.HasPrefix(resp.ObjectKey, "uploads/") {
		t.Fatalf("object key prefix: %q", resp.ObjectKey)
	}
	if strings.Contains(resp.ObjectKey, " ") {
		t.Fatalf("object key must not contain spaces: %q", resp.ObjectKey)
	}
	if !strings.HasSuffix(resp.ObjectKey, ".mp4") {
		t.Fatalf("object key keeps the extension: %q", resp.ObjectKey)
	}
}

func TestPresignedURLValidation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		req  presignRequest
		code string
	}{
		{"bad extension", presignRequest{Filename: "notes.txt", ContentType: "video/mp4", SizeBytes: 100}, "unsupported_format"},
		{"zero size", presignRequest{Filename: "a.mp4", ContentType: "video/mp4", SizeBytes: 0}, "invalid_size"},
		{"oversize", presignRequest{Filename: "a.mp4", ContentType: "video/mp4", SizeBytes: (2 << 30) + 1}, "invalid_size"},
		{"bad content type", presignRequest{Filename: "a.mp4", ContentType: "audio/mpeg", SizeBytes: 100}, "invalid_content_type"},
	}
	for _, c := range cases {
		w := h.do(t, http.MethodPost, "/api/v1/upload/presigned-url", c.req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: code=%d body=%s", c.name, w.Code, w.Body.String())
		}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		decode(t, w, &envelope)
		if envelope.Error.Code != c.code {
			t.Fatalf("%s: code=%q want=%q", c.name, envelope.Error.Code, c.code)
		}
	}
}

func TestConfirmEnqueuesJob(t *testing.T) {
	h := newHarness(t)
	h.blobs.Upload(context.Background(), "uploads/a.mp4", bytes.NewReader([]byte("video")))

	w := h.do(t, http.MethodPost, "/api/v1/upload/confirm", confirmRequest{
		JobID:     "job-1",
		ObjectKey: "uploads/a.mp4",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}

	var resp confirmResponse
	decode(t, w, &resp)
	if resp.JobID != "job-1" || resp.State != "queued" {
		t.Fatalf("response: %+v", resp)
	}

	job, err := h.jobs.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("job row: %v", err)
	}
	if job.State != domain.JobQueued || job.ObjectVersion != "etag-test" {
		t.Fatalf("job row: %+v", job)
	}

	if len(h.queue.sent) != 1 {
		t.Fatalf("queue sends: want=1 got=%d", len(h.queue.sent))
	}
	if h.queue.sent[0].JobID != "job-1" || h.queue.sent[0].ObjectKey != "uploads/a.mp4" {
		t.Fatalf("event: %+v", h.queue.sent[0])
	}
}

func TestConfirmMissingObjectIs404(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/api/v1/upload/confirm", confirmRequest{
		JobID:     "job-1",
		ObjectKey: "uploads/never-uploaded.mp4",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestConfirmDuplicateReturnsOriginalJob(t *testing.T) {
	h := newHarness(t)
	h.blobs.Upload(context.Background(), "uploads/a.mp4", bytes.NewReader([]byte("video")))

	first := h.do(t, http.MethodPost, "/api/v1/upload/confirm", confirmRequest{
		JobID: "job-1", ObjectKey: "uploads/a.mp4",
	})
	if first.Code != http.StatusOK {
		t.Fatalf("first confirm: %d", first.Code)
	}

	second := h.do(t, http.MethodPost, "/api/v1/upload/confirm", confirmRequest{
		JobID: "job-2", ObjectKey: "uploads/a.mp4",
	})
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate confirm: %d body=%s", second.Code, second.Body.String())
	}

	var resp confirmResponse
	decode(t, second, &resp)
	if resp.JobID != "job-1" {
		t.Fatalf("duplicate confirm must return the owning job, got %q", resp.JobID)
	}
	if len(h.queue.sent) != 1 {
		t.Fatalf("duplicate confirm must not enqueue again, sends=%d", len(h.queue.sent))
	}
	if _, err := h.jobs.Get(context.Background(), "job-2"); err == nil {
		t.Fatalf("no second job row expected")
	}
}

func TestStatusNotFound(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/api/v1/status/unknown-job", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("code=%d", w.Code)
	}
}

func TestStatusReturnsJobFields(t *testing.T) {
	h := newHarness(t)
	h.jobs.Create(context.Background(), &domain.Job{
		JobID:     "job-1",
		ObjectKey: "uploads/a.mp4",
		State:     domain.JobProcessing,
		Stage:     "asr",
		Progress:  0.36,
	})

	w := h.do(t, http.MethodGet, "/api/v1/status/job-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	var resp statusResponse
	decode(t, w, &resp)
	if resp.State != "processing" || resp.Stage != "asr" || resp.Progress != 0.36 {
		t.Fatalf("response: %+v", resp)
	}
	if resp.Timings == nil {
		t.Fatalf("timings must decode to a map, not null")
	}
}

func TestSummaryNotCompletedIs409(t *testing.T) {
	h := newHarness(t)
	h.jobs.Create(context.Background(), &domain.Job{
		JobID: "job-1", ObjectKey: "uploads/a.mp4", State: domain.JobProcessing,
	})
	w := h.do(t, http.MethodGet, "/api/v1/summary/job-1", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestSummaryHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.jobs.Create(ctx, &domain.Job{
		JobID: "job-1", ObjectKey: "uploads/a.mp4", State: domain.JobQueued,
	})
	h.jobs.TransitionState(ctx, "job-1", domain.JobQueued, domain.JobCompleted)
	h.jobs.Complete(ctx, "job-1", "results/job-1/summary.json", nil)

	stored := domain.DailySummary{
		Date:        "2026-08-20",
		VideoSource: "uploads/a.mp4",
		TimeBlocks: []domain.TimeBlock{
			{StartTime: "00:00:00", EndTime: "00:05:00", Activity: "Morning standup"},
		},
		DurationSeconds: 300,
		CreatedAt:       time.Now().UTC(),
	}
	raw, _ := json.Marshal(stored)
	h.blobs.Upload(ctx, "results/job-1/summary.json", bytes.NewReader(raw))

	w := h.do(t, http.MethodGet, "/api/v1/summary/job-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}

	var resp summaryResponse
	decode(t, w, &resp)
	if len(resp.TimeBlocks) != 1 || resp.TimeBlocks[0].Activity != "Morning standup" {
		t.Fatalf("time blocks: %+v", resp.TimeBlocks)
	}
	if !strings.Contains(resp.SummaryMarkdown, "# Daily Summary: 2026-08-20") {
		t.Fatalf("markdown: %q", resp.SummaryMarkdown)
	}
	if resp.VideoMetadata.DurationSeconds != 300 {
		t.Fatalf("metadata: %+v", resp.VideoMetadata)
	}
}

func TestQueryEmptyTextIs400(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/api/v1/query", queryRequest{Query: "  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestQueryReturnsResults(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/api/v1/query", queryRequest{Query: "what happened today"})
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	var resp search.Response
	decode(t, w, &resp)
	if resp.Query != "what happened today" {
		t.Fatalf("response query: %q", resp.Query)
	}
}
