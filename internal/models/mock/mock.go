// Package mock provides in-memory model strategies for tests and local runs
// without hosted credentials. Every mock is deterministic unless a Fn field
// overrides it.
package mock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/models"
)

type Diarizer struct {
	Fn func(ctx context.Context, audioURI string) ([]domain.AudioSegment, error)
}

func (d *Diarizer) Diarize(ctx context.Context, audioURI string) ([]domain.AudioSegment, error) {
	if d.Fn != nil {
		return d.Fn(ctx, audioURI)
	}
	return []domain.AudioSegment{
		{StartSeconds: 0, EndSeconds: 30, SpeakerID: "speaker_1"},
		{StartSeconds: 30, EndSeconds: 60, SpeakerID: "speaker_2"},
	}, nil
}

type Transcriber struct {
	Fn func(ctx context.Context, audioURI string) ([]domain.AudioSegment, error)
}

func (t *Transcriber) Transcribe(ctx context.Context, audioURI string) ([]domain.AudioSegment, error) {
	if t.Fn != nil {
		return t.Fn(ctx, audioURI)
	}
	return []domain.AudioSegment{
		{StartSeconds: 0, EndSeconds: 30, Text: "Let's review the quarterly roadmap."},
		{StartSeconds: 30, EndSeconds: 60, Text: "I will send the updated figures tomorrow."},
	}, nil
}

type SceneDetector struct {
	Fn func(ctx context.Context, videoURI string) ([]models.Scene, error)
}

func (s *SceneDetector) DetectScenes(ctx context.Context, videoURI string) ([]models.Scene, error) {
	if s.Fn != nil {
		return s.Fn(ctx, videoURI)
	}
	return []models.Scene{
		{StartSeconds: 0, EndSeconds: 45},
		{StartSeconds: 45, EndSeconds: 60},
	}, nil
}

type KeyframeAnnotator struct {
	Fn func(ctx context.Context, image []byte) ([]string, error)
}

func (k *KeyframeAnnotator) AnnotateFrame(ctx context.Context, image []byte) ([]string, error) {
	if k.Fn != nil {
		return k.Fn(ctx, image)
	}
	return []string{"person", "whiteboard"}, nil
}

type Summarizer struct {
	Fn func(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error)
}

func (s *Summarizer) SummarizeJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error) {
	if s.Fn != nil {
		return s.Fn(ctx, system, user, schema)
	}
	return map[string]any{
		"activity":           "Team discussion",
		"location":           "Office",
		"transcript_summary": "The team reviewed the roadmap and agreed on next steps.",
		"visual_summary":     "Two people at a whiteboard.",
		"action_items":       []any{"Send updated figures"},
		"participants":       []any{"speaker_1", "speaker_2"},
	}, nil
}

type Embedder struct {
	Dim int
	Fn  func(ctx context.Context, texts []string) ([][]float32, error)
}

// Embed hashes each text into a fixed vector so equal inputs always embed
// equally.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.Fn != nil {
		return e.Fn(ctx, texts)
	}
	dim := e.Dim
	if dim <= 0 {
		dim = 8
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		sum := sha256.Sum256([]byte(t))
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = float32(sum[j%len(sum)]) / 255.0
		}
		out[i] = vec
	}
	return out, nil
}

type Synthesizer struct {
	Fn func(ctx context.Context, system, user string) (string, error)
}

func (s *Synthesizer) Synthesize(ctx context.Context, system, user string) (string, error) {
	if s.Fn != nil {
		return s.Fn(ctx, system, user)
	}
	if strings.TrimSpace(user) == "" {
		return "", fmt.Errorf("empty prompt")
	}
	return "Based on the retrieved context, the team reviewed the roadmap.", nil
}
