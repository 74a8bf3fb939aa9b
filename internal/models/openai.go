package models

import (
	"context"

	"github.com/lifestream/lifestream-backend/internal/platform/openai"
)

// OpenAI-backed strategies. All three share one client; they exist so the
// pipeline depends on the narrow interfaces, not the full API surface.

type openAISummarizer struct {
	c openai.Client
}

func NewOpenAISummarizer(c openai.Client) Summarizer {
	return &openAISummarizer{c: c}
}

func (s *openAISummarizer) SummarizeJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error) {
	return s.c.GenerateJSON(ctx, system, user, "time_block", schema)
}

type openAIEmbedder struct {
	c openai.Client
}

func NewOpenAIEmbedder(c openai.Client) Embedder {
	return &openAIEmbedder{c: c}
}

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.c.Embed(ctx, texts)
}

type openAISynthesizer struct {
	c openai.Client
}

func NewOpenAISynthesizer(c openai.Client) Synthesizer {
	return &openAISynthesizer{c: c}
}

func (s *openAISynthesizer) Synthesize(ctx context.Context, system, user string) (string, error) {
	return s.c.GenerateText(ctx, system, user)
}
