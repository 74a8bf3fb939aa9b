package models

import (
	"context"

	"github.com/lifestream/lifestream-backend/internal/domain"
)

// Scene is one detected shot of the video.
type Scene struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

// The pipeline talks to every external model through one of these narrow
// strategies. Each has a hosted implementation and a mock for tests; the
// orchestrator never knows which it holds.

// Diarizer splits the audio into speaker turns. Returned segments carry
// SpeakerID and timing but no text.
type Diarizer interface {
	Diarize(ctx context.Context, audioURI string) ([]domain.AudioSegment, error)
}

// Transcriber produces timed transcript segments. Returned segments carry
// text and timing but no speaker attribution.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURI string) ([]domain.AudioSegment, error)
}

// SceneDetector finds shot boundaries in the video.
type SceneDetector interface {
	DetectScenes(ctx context.Context, videoURI string) ([]Scene, error)
}

// KeyframeAnnotator labels a single extracted frame.
type KeyframeAnnotator interface {
	AnnotateFrame(ctx context.Context, image []byte) ([]string, error)
}

// Summarizer turns a synchronized context prompt into a structured block.
type Summarizer interface {
	SummarizeJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error)
}

// Embedder maps texts to vectors, preserving input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Synthesizer composes a natural-language answer from retrieved passages.
type Synthesizer interface {
	Synthesize(ctx context.Context, system, user string) (string, error)
}
