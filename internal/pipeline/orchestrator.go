package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lifestream/lifestream-backend/internal/data/repos/idempotency"
	"github.com/lifestream/lifestream-backend/internal/data/repos/jobs"
	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/media"
	"github.com/lifestream/lifestream-backend/internal/memory"
	"github.com/lifestream/lifestream-backend/internal/models"
	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
	"github.com/lifestream/lifestream-backend/internal/platform/gcs"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
)

type Config struct {
	Bucket              string
	ChunkWindowSeconds  float64
	SceneFrameSkip      int
	ParallelMaxWorkers  int
	SpeakerRegistryPath string
	WorkRoot            string
}

func ConfigFromEnv() Config {
	return Config{
		Bucket:              envutil.String("MEDIA_GCS_BUCKET_NAME", ""),
		ChunkWindowSeconds:  envutil.Float("CHUNK_WINDOW_SECONDS", 300),
		SceneFrameSkip:      envutil.Int("SCENE_DETECTION_FRAME_SKIP", 2),
		ParallelMaxWorkers:  envutil.Int("PARALLEL_MAX_WORKERS", 2),
		SpeakerRegistryPath: envutil.String("SPEAKER_REGISTRY_PATH", "known_speakers.yaml"),
		WorkRoot:            envutil.String("PIPELINE_WORK_ROOT", "/tmp/lifestream-work"),
	}
}

// Orchestrator runs the full pipeline for exactly one job. It is the only
// writer of that job row after the dispatched -> processing takeover; every
// update is gated on the row still being in processing.
type Orchestrator struct {
	log   *logger.Logger
	cfg   Config
	jobs  jobs.Table
	idem  idempotency.Table
	blobs gcs.BlobStore
	tools media.Tools

	diarizer    models.Diarizer
	transcriber models.Transcriber
	scenes      models.SceneDetector
	annotator   models.KeyframeAnnotator
	summarizer  models.Summarizer
	indexer     *memory.Indexer
}

func NewOrchestrator(
	log *logger.Logger,
	cfg Config,
	jobTable jobs.Table,
	idemTable idempotency.Table,
	blobs gcs.BlobStore,
	tools media.Tools,
	diarizer models.Diarizer,
	transcriber models.Transcriber,
	scenes models.SceneDetector,
	annotator models.KeyframeAnnotator,
	summarizer models.Summarizer,
	indexer *memory.Indexer,
) *Orchestrator {
	return &Orchestrator{
		log:         log.With("service", "Orchestrator"),
		cfg:         cfg,
		jobs:        jobTable,
		idem:        idemTable,
		blobs:       blobs,
		tools:       tools,
		diarizer:    diarizer,
		transcriber: transcriber,
		scenes:      scenes,
		annotator:   annotator,
		summarizer:  summarizer,
		indexer:     indexer,
	}
}

// runState accumulates stage outputs. The branch sub-stages touch disjoint
// fields but share the timing map, hence the mutex.
type runState struct {
	mu        sync.Mutex
	completed int
	timings   map[string]float64
	artifacts map[string]string

	videoPath string
	audioPath string
	audioURI  string
	duration  float64

	segments []domain.AudioSegment // speaker-attributed transcript
	scenes   []models.Scene
	frames   []domain.Keyframe

	contexts []domain.SynchronizedContext
	summary  *domain.DailySummary
}

type stageError struct {
	Stage string
	Err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *stageError) Unwrap() error { return e.Err }

// Run executes the pipeline for jobID. A returned error means the job was
// marked failed (or could not be claimed); the process should exit non-zero.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.State.Terminal() {
		o.log.Warn("job already terminal, nothing to do", "job_id", jobID, "state", job.State)
		return nil
	}

	ok, err := o.jobs.TransitionState(ctx, jobID, domain.JobDispatched, domain.JobProcessing)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !ok {
		o.log.Warn("job not in dispatched state, another task owns it", "job_id", jobID, "state", job.State)
		return fmt.Errorf("job %s not claimable", jobID)
	}

	workdir, err := os.MkdirTemp(o.cfg.WorkRoot, "job-"+jobID+"-")
	if err != nil {
		workdir, err = os.MkdirTemp("", "job-"+jobID+"-")
		if err != nil {
			return o.fail(ctx, job, StageDownload, fmt.Errorf("create workdir: %w", err), nil)
		}
	}
	defer os.RemoveAll(workdir)

	registry, err := memory.LoadSpeakerRegistry(o.cfg.SpeakerRegistryPath)
	if err != nil {
		o.log.Warn("speaker registry unreadable, using empty registry", "error", err)
		registry, _ = memory.LoadSpeakerRegistry("")
	}

	st := &runState{
		timings:   map[string]float64{},
		artifacts: map[string]string{},
	}

	if err := o.runSequence(ctx, job, st, workdir, registry); err != nil {
		se, okSE := err.(*stageError)
		stage := StageDownload
		if okSE {
			stage = se.Stage
		}
		return o.fail(ctx, job, stage, err, st)
	}

	resultKey := st.artifacts["summary_json"]
	done, err := o.jobs.Complete(ctx, jobID, resultKey, st.timings)
	if err != nil || !done {
		return o.fail(ctx, job, StageUpload, fmt.Errorf("complete job: ok=%v err=%v", done, err), st)
	}
	if err := o.idem.MarkProcessed(ctx, job.ObjectKey, job.ObjectVersion, resultKey); err != nil {
		o.log.Warn("idempotency record not marked processed", "job_id", jobID, "error", err)
	}

	o.log.Info("job completed", "job_id", jobID, "result_key", resultKey,
		"time_blocks", len(st.summary.TimeBlocks))
	return nil
}

func (o *Orchestrator) runSequence(ctx context.Context, job *domain.Job, st *runState, workdir string, registry *memory.SpeakerRegistry) error {
	if err := o.runStage(ctx, job, st, StageDownload, func(sctx context.Context) error {
		return o.download(sctx, job, st, workdir)
	}); err != nil {
		return err
	}

	if err := o.runStage(ctx, job, st, StageAudioExtraction, func(sctx context.Context) error {
		return o.extractAudio(sctx, job, st, workdir)
	}); err != nil {
		return err
	}

	if err := o.runBranches(ctx, job, st, workdir); err != nil {
		return err
	}

	if err := o.runStage(ctx, job, st, StageSynchronization, func(sctx context.Context) error {
		st.contexts = BuildContexts(st.duration, o.cfg.ChunkWindowSeconds, st.segments, st.frames, st.scenes)
		if len(st.contexts) == 0 {
			return fmt.Errorf("no synchronized contexts produced for duration %.2f", st.duration)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := o.runStage(ctx, job, st, StageClassification, func(sctx context.Context) error {
		for i := range st.contexts {
			if st.contexts[i].Metadata == nil {
				st.contexts[i].Metadata = map[string]any{}
			}
			st.contexts[i].Metadata["context_type"] = ClassifyContext(st.contexts[i])
		}
		return nil
	}); err != nil {
		return err
	}

	if err := o.runStage(ctx, job, st, StageSummarization, func(sctx context.Context) error {
		return o.summarize(sctx, job, st, registry)
	}); err != nil {
		return err
	}

	if err := o.runStage(ctx, job, st, StageUpload, func(sctx context.Context) error {
		return o.uploadArtifacts(sctx, job, st)
	}); err != nil {
		return err
	}

	return o.runStage(ctx, job, st, StageIndexing, func(sctx context.Context) error {
		chunks := memory.BuildChunks(job.JobID, st.summary)
		if perr := o.indexer.PurgeVideo(sctx, job.JobID); perr != nil {
			o.log.Warn("stale chunk purge failed, continuing with upserts", "job_id", job.JobID, "error", perr)
		}
		res, err := o.indexer.IndexChunks(sctx, chunks)
		if err != nil {
			return err
		}
		o.log.Info("summary indexed", "job_id", job.JobID, "chunks", res.Indexed, "failed", res.Failed)
		return nil
	})
}

// runBranches runs the audio (diarization, asr) and visual (scene detection,
// keyframes) branches concurrently. A fatal error on either branch cancels
// the sibling through the group context.
func (o *Orchestrator) runBranches(ctx context.Context, job *domain.Job, st *runState, workdir string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ParallelMaxWorkers)

	g.Go(func() error {
		var turns []domain.AudioSegment
		if err := o.runStage(gctx, job, st, StageDiarization, func(sctx context.Context) error {
			var derr error
			turns, derr = o.diarizer.Diarize(sctx, st.audioURI)
			return derr
		}); err != nil {
			return err
		}

		return o.runStage(gctx, job, st, StageASR, func(sctx context.Context) error {
			transcript, terr := o.transcriber.Transcribe(sctx, st.audioURI)
			if terr != nil {
				return terr
			}
			st.mu.Lock()
			st.segments = AttributeSpeakers(transcript, turns)
			st.mu.Unlock()
			return nil
		})
	})

	g.Go(func() error {
		if err := o.runStage(gctx, job, st, StageSceneDetection, func(sctx context.Context) error {
			scenes, serr := o.scenes.DetectScenes(sctx, o.gsURI(job.ObjectKey))
			if serr != nil {
				return serr
			}
			st.mu.Lock()
			st.scenes = scenes
			st.mu.Unlock()
			return nil
		}); err != nil {
			return err
		}

		st.mu.Lock()
		if len(st.scenes) == 0 {
			st.scenes = fixedIntervalScenes(st.duration, 5.0)
		}
		st.mu.Unlock()

		return o.runStage(gctx, job, st, StageKeyframes, func(sctx context.Context) error {
			return o.extractKeyframes(sctx, st, workdir)
		})
	})

	return g.Wait()
}

// runStage applies the soft timeout, records timing, enforces the fatal vs
// degradable policy and advances stage/progress on the job row.
func (o *Orchestrator) runStage(ctx context.Context, job *domain.Job, st *runState, name string, fn func(context.Context) error) error {
	timeout := StageTimeout(name)
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- fn(sctx) }()

	var err error
	select {
	case err = <-done:
	case <-sctx.Done():
		err = fmt.Errorf("exceeded %s timeout", timeout)
	}

	st.mu.Lock()
	st.timings[name] = time.Since(start).Seconds()
	st.mu.Unlock()

	if err != nil {
		if stageFatal(name) {
			return &stageError{Stage: name, Err: err}
		}
		o.log.Warn("degradable stage failed, continuing", "job_id", job.JobID, "stage", name, "error", err)
	}

	st.mu.Lock()
	st.completed++
	progress := float64(st.completed) / float64(totalStages)
	timings := make(map[string]float64, len(st.timings))
	for k, v := range st.timings {
		timings[k] = v
	}
	last := st.completed >= totalStages
	st.mu.Unlock()

	// Complete writes progress = 1.0 together with the state flip; the last
	// stage update must not get there first.
	if last {
		return nil
	}

	if _, uerr := o.jobs.UpdateStage(ctx, job.JobID, name, progress, timings); uerr != nil {
		o.log.Warn("stage update not persisted", "job_id", job.JobID, "stage", name, "error", uerr)
	}
	return nil
}

// -------------------- stages --------------------

func (o *Orchestrator) download(ctx context.Context, job *domain.Job, st *runState, workdir string) error {
	r, err := o.blobs.Download(ctx, job.ObjectKey)
	if err != nil {
		return err
	}
	defer r.Close()

	st.videoPath = filepath.Join(workdir, "input"+filepath.Ext(job.ObjectKey))
	f, err := os.Create(st.videoPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write video to %s: %w", st.videoPath, err)
	}
	return f.Close()
}

func (o *Orchestrator) extractAudio(ctx context.Context, job *domain.Job, st *runState, workdir string) error {
	dur, err := o.tools.ProbeDuration(ctx, st.videoPath)
	if err != nil {
		return err
	}
	st.duration = dur

	if job.ClientDurationHint != nil && *job.ClientDurationHint > 0 {
		hint := *job.ClientDurationHint
		if math.Abs(hint-dur)/dur > 0.20 {
			o.log.Warn("client duration hint diverges from probed duration, using probed",
				"job_id", job.JobID, "hint", hint, "probed", dur)
		}
	}

	st.audioPath = filepath.Join(workdir, "audio.wav")
	if _, err := o.tools.ExtractAudio(ctx, st.videoPath, st.audioPath); err != nil {
		return err
	}

	// Cloud ASR reads from the bucket, so the waveform is staged as a job
	// artifact.
	audioKey := fmt.Sprintf("results/%s/audio.wav", job.JobID)
	f, err := os.Open(st.audioPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := o.blobs.Upload(ctx, audioKey, f); err != nil {
		return fmt.Errorf("stage audio artifact: %w", err)
	}
	st.artifacts["audio"] = audioKey
	st.audioURI = o.gsURI(audioKey)
	return nil
}

func (o *Orchestrator) extractKeyframes(ctx context.Context, st *runState, workdir string) error {
	st.mu.Lock()
	scenes := st.scenes
	st.mu.Unlock()

	skip := o.cfg.SceneFrameSkip
	if skip <= 0 {
		skip = 1
	}

	frames := []domain.Keyframe{}
	for i, scene := range scenes {
		if i%skip != 0 {
			continue
		}
		framePath := filepath.Join(workdir, fmt.Sprintf("frame_%04d.jpg", i))
		if _, err := o.tools.ExtractFrameAt(ctx, st.videoPath, scene.StartSeconds, framePath); err != nil {
			o.log.Warn("keyframe extraction failed for scene, skipping", "scene_start", scene.StartSeconds, "error", err)
			continue
		}

		kf := domain.Keyframe{
			TimestampSeconds: scene.StartSeconds,
			FramePath:        framePath,
			SceneChange:      true,
		}
		if img, err := os.ReadFile(framePath); err == nil {
			labels, aerr := o.annotator.AnnotateFrame(ctx, img)
			if aerr != nil {
				o.log.Warn("keyframe labeling failed, keeping unlabeled frame", "scene_start", scene.StartSeconds, "error", aerr)
			} else {
				kf.Labels = labels
			}
		}
		frames = append(frames, kf)
	}

	st.mu.Lock()
	st.frames = frames
	st.mu.Unlock()
	return nil
}

func (o *Orchestrator) summarize(ctx context.Context, job *domain.Job, st *runState, registry *memory.SpeakerRegistry) error {
	blocks := make([]domain.TimeBlock, 0, len(st.contexts))
	attempted := 0
	failed := 0

	for _, sc := range st.contexts {
		hasContent := len(sc.AudioSegments) > 0 || len(sc.Keyframes) > 0
		if hasContent {
			attempted++
		}
		block, err := SummarizeContext(ctx, o.summarizer, registry, sc)
		if err != nil {
			failed++
			o.log.Warn("context summarization degraded to default block",
				"job_id", job.JobID, "window_start", sc.StartSeconds, "error", err)
		}
		if ct, ok := sc.Metadata["context_type"].(string); ok {
			block.ContextType = ct
		}
		blocks = append(blocks, block)
	}

	if attempted > 0 && failed == attempted {
		return fmt.Errorf("summarizer failed for all %d non-empty contexts", attempted)
	}

	st.summary = &domain.DailySummary{
		Date:            job.CreatedAt.UTC().Format("2006-01-02"),
		VideoSource:     job.ObjectKey,
		TimeBlocks:      blocks,
		DurationSeconds: st.duration,
		CreatedAt:       time.Now().UTC(),
	}
	return nil
}

func (o *Orchestrator) uploadArtifacts(ctx context.Context, job *domain.Job, st *runState) error {
	raw, err := json.MarshalIndent(st.summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	jsonKey := fmt.Sprintf("results/%s/summary.json", job.JobID)
	if err := o.blobs.Upload(ctx, jsonKey, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("upload summary.json: %w", err)
	}
	st.artifacts["summary_json"] = jsonKey

	mdKey := fmt.Sprintf("results/%s/summary.md", job.JobID)
	if err := o.blobs.Upload(ctx, mdKey, strings.NewReader(st.summary.ToMarkdown())); err != nil {
		return fmt.Errorf("upload summary.md: %w", err)
	}
	st.artifacts["summary_md"] = mdKey
	return nil
}

// -------------------- failure path --------------------

type failureReport struct {
	JobID        string             `json:"job_id"`
	Stage        string             `json:"stage"`
	ErrorClass   string             `json:"error_class"`
	ErrorMessage string             `json:"error_message"`
	Context      string             `json:"context,omitempty"`
	Timings      map[string]float64 `json:"timings"`
	Artifacts    map[string]string  `json:"artifacts,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

func (o *Orchestrator) fail(ctx context.Context, job *domain.Job, stage string, cause error, st *runState) error {
	timings := map[string]float64{}
	artifacts := map[string]string{}
	contextNote := ""
	if st != nil {
		st.mu.Lock()
		for k, v := range st.timings {
			timings[k] = v
		}
		for k, v := range st.artifacts {
			artifacts[k] = v
		}
		contextNote = fmt.Sprintf("duration=%.2f segments=%d frames=%d contexts=%d",
			st.duration, len(st.segments), len(st.frames), len(st.contexts))
		st.mu.Unlock()
	}

	report := failureReport{
		JobID:        job.JobID,
		Stage:        stage,
		ErrorClass:   errorClass(cause),
		ErrorMessage: cause.Error(),
		Context:      contextNote,
		Timings:      timings,
		Artifacts:    artifacts,
		CreatedAt:    time.Now().UTC(),
	}

	reportKey := fmt.Sprintf("results/%s/failure_report.json", job.JobID)
	raw, _ := json.MarshalIndent(report, "", "  ")
	if err := o.blobs.Upload(ctx, reportKey, bytes.NewReader(raw)); err != nil {
		o.log.Error("failure report not uploaded", "job_id", job.JobID, "error", err)
		reportKey = ""
	}

	if _, err := o.jobs.Fail(ctx, job.JobID, stage, cause.Error(), reportKey, timings); err != nil {
		o.log.Error("job not marked failed", "job_id", job.JobID, "error", err)
	}

	o.log.Error("job failed", "job_id", job.JobID, "stage", stage, "error", cause)
	return fmt.Errorf("job %s failed at %s: %w", job.JobID, stage, cause)
}

func errorClass(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "http 5"), strings.Contains(msg, "unavailable"):
		return "transient_downstream"
	default:
		return "stage_error"
	}
}

// -------------------- helpers --------------------

func (o *Orchestrator) gsURI(key string) string {
	return "gs://" + o.cfg.Bucket + "/" + key
}

func fixedIntervalScenes(duration, interval float64) []models.Scene {
	if duration <= 0 || interval <= 0 {
		return nil
	}
	scenes := []models.Scene{}
	for start := 0.0; start < duration; start += interval {
		end := start + interval
		if end > duration {
			end = duration
		}
		scenes = append(scenes, models.Scene{StartSeconds: start, EndSeconds: end})
	}
	return scenes
}
