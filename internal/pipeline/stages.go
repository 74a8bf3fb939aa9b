package pipeline

import (
	"strings"
	"time"

	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
)

// Stage names, in execution order. Diarization/asr and scene_detection/
// keyframes run as two parallel branches; everything else is sequential.
const (
	StageDownload        = "download"
	StageAudioExtraction = "audio_extraction"
	StageDiarization     = "diarization"
	StageASR             = "asr"
	StageSceneDetection  = "scene_detection"
	StageKeyframes       = "keyframes"
	StageSynchronization = "synchronization"
	StageClassification  = "meeting_classification"
	StageSummarization   = "summarization"
	StageUpload          = "upload"
	StageIndexing        = "indexing"
)

var stageOrder = []string{
	StageDownload,
	StageAudioExtraction,
	StageDiarization,
	StageASR,
	StageSceneDetection,
	StageKeyframes,
	StageSynchronization,
	StageClassification,
	StageSummarization,
	StageUpload,
	StageIndexing,
}

// totalStages drives the progress fraction completed_stages / total_stages.
var totalStages = len(stageOrder)

// fatalStages marks which stages fail the job outright. Everything else
// degrades: the orchestrator logs a warning, applies the stage's fallback,
// and moves on.
var fatalStages = map[string]bool{
	StageDownload:        true,
	StageAudioExtraction: true,
	StageASR:             true,
	StageSynchronization: true,
	StageSummarization:   true,
	StageUpload:          true,
}

func stageFatal(name string) bool { return fatalStages[name] }

var defaultStageTimeouts = map[string]time.Duration{
	StageDownload:        10 * time.Minute,
	StageAudioExtraction: 10 * time.Minute,
	StageDiarization:     30 * time.Minute,
	StageASR:             30 * time.Minute,
	StageSceneDetection:  30 * time.Minute,
	StageKeyframes:       10 * time.Minute,
	StageSynchronization: 1 * time.Minute,
	StageClassification:  1 * time.Minute,
	StageSummarization:   20 * time.Minute,
	StageUpload:          5 * time.Minute,
	StageIndexing:        10 * time.Minute,
}

// StageTimeout reads STAGE_TIMEOUT_SECONDS_<STAGE> (upper-cased stage name),
// falling back to the built-in default.
func StageTimeout(name string) time.Duration {
	key := "STAGE_TIMEOUT_SECONDS_" + strings.ToUpper(name)
	if d := envutil.Seconds(key, 0); d > 0 {
		return d
	}
	if d, ok := defaultStageTimeouts[name]; ok {
		return d
	}
	return 10 * time.Minute
}
