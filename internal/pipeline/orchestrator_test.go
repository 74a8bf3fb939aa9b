package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lifestream/lifestream-backend/internal/data/repos/idempotency"
	"github.com/lifestream/lifestream-backend/internal/data/repos/jobs"
	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/memory"
	"github.com/lifestream/lifestream-backend/internal/models"
	"github.com/lifestream/lifestream-backend/internal/models/mock"
	"github.com/lifestream/lifestream-backend/internal/platform/gcs"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
	"github.com/lifestream/lifestream-backend/internal/platform/pinecone"
)

// -------------------- fakes --------------------

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlob() *memBlob { return &memBlob{objects: map[string][]byte{}} }

func (b *memBlob) Upload(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
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
	return &gcs.BlobAttrs{Key: key, Size: int64(len(data)), Etag: "etag-test"}, nil
}

func (b *memBlob) SignedUploadURL(key, contentType string, expiry time.Duration) (string, error) {
	return "https://storage.example/" + key, nil
}

func (b *memBlob) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memBlob) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

func (b *memBlob) get(key string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[key]
}

type fakeTools struct {
	duration float64
}

func (f *fakeTools) AssertReady(ctx context.Context) error { return nil }

func (f *fakeTools) ProbeDuration(ctx context.Context, videoPath string) (float64, error) {
	return f.duration, nil
}

func (f *fakeTools) ExtractAudio(ctx context.Context, videoPath, outPath string) (string, error) {
	if err := os.WriteFile(outPath, []byte("RIFFwav"), 0o644); err != nil {
		return "", err
	}
	return outPath, nil
}

func (f *fakeTools) ExtractFrameAt(ctx context.Context, videoPath string, atSeconds float64, outPath string) (string, error) {
	if err := os.WriteFile(outPath, []byte("jpeg"), 0o644); err != nil {
		return "", err
	}
	return outPath, nil
}

type fakeVectorStore struct {
	mu      sync.Mutex
	upserts int
	purges  int
}

func (s *fakeVectorStore) Upsert(ctx context.Context, namespace string, vectors []pinecone.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts += len(vectors)
	return nil
}

func (s *fakeVectorStore) Query(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]pinecone.QueryMatch, error) {
	return nil, nil
}

func (s *fakeVectorStore) DeleteByFilter(ctx context.Context, namespace string, filter map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purges++
	return nil
}

// -------------------- fixture --------------------

type fixture struct {
	orch  *Orchestrator
	jobs  jobs.Table
	idem  idempotency.Table
	blobs *memBlob
	store *fakeVectorStore

	diarizer    *mock.Diarizer
	transcriber *mock.Transcriber
	scenes      *mock.SceneDetector
	annotator   *mock.KeyframeAnnotator
	summarizer  *mock.Summarizer
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Job{}, &domain.IdempotencyRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := testLogger(t)
	f := &fixture{
		jobs:        jobs.NewTable(db),
		idem:        idempotency.NewTable(db),
		blobs:       newMemBlob(),
		store:       &fakeVectorStore{},
		diarizer:    &mock.Diarizer{},
		transcriber: &mock.Transcriber{},
		scenes:      &mock.SceneDetector{},
		annotator:   &mock.KeyframeAnnotator{},
		summarizer:  &mock.Summarizer{},
	}

	cfg := Config{
		Bucket:             "test-bucket",
		ChunkWindowSeconds: 300,
		SceneFrameSkip:     1,
		ParallelMaxWorkers: 2,
		WorkRoot:           t.TempDir(),
	}
	f.orch = NewOrchestrator(
		log, cfg,
		f.jobs, f.idem, f.blobs, &fakeTools{duration: 60},
		f.diarizer, f.transcriber, f.scenes, f.annotator, f.summarizer,
		memory.NewIndexer(log, &mock.Embedder{}, f.store),
	)
	return f
}

func (f *fixture) seedJob(t *testing.T, jobID string, state domain.JobState) {
	t.Helper()
	ctx := context.Background()
	objectKey := "uploads/" + jobID + ".mp4"
	if err := f.blobs.Upload(ctx, objectKey, bytes.NewReader([]byte("video-bytes"))); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	err := f.jobs.Create(ctx, &domain.Job{
		JobID:         jobID,
		ObjectKey:     objectKey,
		ObjectVersion: "etag-test",
		State:         state,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if _, _, err := f.idem.Claim(ctx, objectKey, "etag-test", jobID); err != nil {
		t.Fatalf("seed claim: %v", err)
	}
}

// -------------------- tests --------------------

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", domain.JobDispatched)

	if err := f.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, err := f.jobs.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != domain.JobCompleted {
		t.Fatalf("state: want=completed got=%s (%s)", job.State, job.ErrorSummary)
	}
	if job.Progress != 1.0 {
		t.Fatalf("progress: want=1.0 got=%v", job.Progress)
	}
	if job.ResultKey != "results/job-1/summary.json" {
		t.Fatalf("result key: got %q", job.ResultKey)
	}

	if !f.blobs.has("results/job-1/summary.json") || !f.blobs.has("results/job-1/summary.md") {
		t.Fatalf("summary artifacts missing")
	}
	if !f.blobs.has("results/job-1/audio.wav") {
		t.Fatalf("staged audio artifact missing")
	}

	var summary domain.DailySummary
	if err := json.Unmarshal(f.blobs.get("results/job-1/summary.json"), &summary); err != nil {
		t.Fatalf("summary json: %v", err)
	}
	if len(summary.TimeBlocks) != 1 {
		t.Fatalf("60s video in 300s windows: want 1 block, got %d", len(summary.TimeBlocks))
	}
	if summary.DurationSeconds != 60 {
		t.Fatalf("duration: got %v", summary.DurationSeconds)
	}

	timings := jobs.DecodeTimings(job.Timings)
	for _, stage := range []string{StageDownload, StageASR, StageSummarization, StageIndexing} {
		if _, ok := timings[stage]; !ok {
			t.Fatalf("timings missing stage %q: %v", stage, timings)
		}
	}

	if f.store.upserts == 0 {
		t.Fatalf("indexing should upsert chunks")
	}
	if f.store.purges != 1 {
		t.Fatalf("indexing should purge stale chunks once, got %d", f.store.purges)
	}

	rec, err := f.idem.Get(context.Background(), job.ObjectKey, "etag-test")
	if err != nil {
		t.Fatalf("idempotency record: %v", err)
	}
	if rec.Status != "processed" {
		t.Fatalf("idempotency status: want=processed got=%q", rec.Status)
	}
}

func TestRunFatalASRFailure(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", domain.JobDispatched)
	f.transcriber.Fn = func(ctx context.Context, audioURI string) ([]domain.AudioSegment, error) {
		return nil, fmt.Errorf("speech backend unavailable")
	}

	if err := f.orch.Run(context.Background(), "job-1"); err == nil {
		t.Fatalf("fatal stage failure must return an error")
	}

	job, _ := f.jobs.Get(context.Background(), "job-1")
	if job.State != domain.JobFailed {
		t.Fatalf("state: want=failed got=%s", job.State)
	}
	if job.Stage != StageASR {
		t.Fatalf("failed stage: want=%q got=%q", StageASR, job.Stage)
	}
	if job.FailureReportKey != "results/job-1/failure_report.json" {
		t.Fatalf("failure report key: got %q", job.FailureReportKey)
	}

	var report struct {
		Stage      string `json:"stage"`
		ErrorClass string `json:"error_class"`
	}
	if err := json.Unmarshal(f.blobs.get("results/job-1/failure_report.json"), &report); err != nil {
		t.Fatalf("failure report: %v", err)
	}
	if report.Stage != StageASR {
		t.Fatalf("report stage: got %q", report.Stage)
	}
	if report.ErrorClass != "transient_downstream" {
		t.Fatalf("error class: got %q", report.ErrorClass)
	}
}

func TestRunDegradedDiarizationStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", domain.JobDispatched)
	f.diarizer.Fn = func(ctx context.Context, audioURI string) ([]domain.AudioSegment, error) {
		return nil, fmt.Errorf("diarization model crashed")
	}

	if err := f.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("degradable failure must not fail the job: %v", err)
	}

	job, _ := f.jobs.Get(context.Background(), "job-1")
	if job.State != domain.JobCompleted {
		t.Fatalf("state: want=completed got=%s", job.State)
	}

	// Without diarization everything attributes to the single default speaker.
	var summary domain.DailySummary
	json.Unmarshal(f.blobs.get("results/job-1/summary.json"), &summary)
	for _, block := range summary.TimeBlocks {
		for _, seg := range block.AudioSegments {
			if seg.SpeakerID != "speaker_1" {
				t.Fatalf("degraded diarization speaker: got %q", seg.SpeakerID)
			}
		}
	}
}

func TestRunDegradedSceneDetectionFallsBackToFixedScenes(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", domain.JobDispatched)
	f.scenes.Fn = func(ctx context.Context, videoURI string) ([]models.Scene, error) {
		return nil, fmt.Errorf("video intelligence unavailable")
	}

	if err := f.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("degradable scene failure must not fail the job: %v", err)
	}

	var summary domain.DailySummary
	json.Unmarshal(f.blobs.get("results/job-1/summary.json"), &summary)
	frames := 0
	for _, block := range summary.TimeBlocks {
		frames += len(block.Keyframes)
	}
	// 60s at fixed 5s intervals yields 12 scenes; all extractable.
	if frames != 12 {
		t.Fatalf("fixed-interval fallback frames: want=12 got=%d", frames)
	}
}

func TestRunUnclaimableJob(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", domain.JobQueued)

	if err := f.orch.Run(context.Background(), "job-1"); err == nil {
		t.Fatalf("queued job is not claimable by the processor")
	}
	job, _ := f.jobs.Get(context.Background(), "job-1")
	if job.State != domain.JobQueued {
		t.Fatalf("unclaimable job must be left alone, got %s", job.State)
	}
}

func TestRunTerminalJobIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", domain.JobDispatched)
	f.jobs.TransitionState(context.Background(), "job-1", domain.JobDispatched, domain.JobProcessing)
	f.jobs.Complete(context.Background(), "job-1", "results/job-1/summary.json", nil)

	if err := f.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("terminal job is a no-op: %v", err)
	}
}

func TestRunMissingBlobFailsAtDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.jobs.Create(ctx, &domain.Job{
		JobID: "job-1", ObjectKey: "uploads/gone.mp4", ObjectVersion: "etag-test",
		State: domain.JobDispatched,
	})

	if err := f.orch.Run(ctx, "job-1"); err == nil {
		t.Fatalf("missing source object must fail the job")
	}
	job, _ := f.jobs.Get(ctx, "job-1")
	if job.State != domain.JobFailed || job.Stage != StageDownload {
		t.Fatalf("failure stage: state=%s stage=%q", job.State, job.Stage)
	}
}
