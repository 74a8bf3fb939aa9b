package search

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/lifestream/lifestream-backend/internal/models"
	"github.com/lifestream/lifestream-backend/internal/platform/apierr"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
	"github.com/lifestream/lifestream-backend/internal/platform/pinecone"
)

// Filters narrows retrieval. Date, video and source type translate into the
// vector store's filter dialect; speaker filtering happens post-retrieval
// because chunks carry speaker lists.
type Filters struct {
	Date        string   `json:"date,omitempty"`
	VideoID     string   `json:"video_id,omitempty"`
	SpeakerIDs  []string `json:"speaker_ids,omitempty"`
	SourceTypes []string `json:"source_types,omitempty"`
}

type Result struct {
	ChunkID      string   `json:"chunk_id"`
	VideoID      string   `json:"video_id"`
	Date         string   `json:"date"`
	StartSeconds float64  `json:"start_seconds"`
	EndSeconds   float64  `json:"end_seconds"`
	SourceType   string   `json:"source_type"`
	Speakers     []string `json:"speakers,omitempty"`
	Text         string   `json:"text"`
	Score        float64  `json:"score"`
}

type Response struct {
	Query        string   `json:"query"`
	Results      []Result `json:"results"`
	Answer       string   `json:"answer,omitempty"`
	TotalResults int      `json:"total_results"`
}

const synthesisSystemPrompt = `You answer questions about a person's recorded days using only the provided context passages.
Cite times and dates when the context includes them. If the context does not contain the answer, say so plainly.`

type Service struct {
	log      *logger.Logger
	embedder models.Embedder
	store    pinecone.VectorStore
	synth    models.Synthesizer
}

func NewService(log *logger.Logger, embedder models.Embedder, store pinecone.VectorStore, synth models.Synthesizer) *Service {
	return &Service{
		log:      log.With("service", "SearchService"),
		embedder: embedder,
		store:    store,
		synth:    synth,
	}
}

// Query embeds the question, retrieves candidates, filters and optionally
// synthesizes an answer. Synthesis failure degrades to results-only.
func (s *Service) Query(ctx context.Context, query string, topK int, minScore float64, withAnswer bool, f Filters) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apierr.New(http.StatusBadRequest, "invalid_query", fmt.Errorf("query text required"))
	}
	// Zero means the caller omitted top_k; anything else outside [1, 50] is
	// rejected rather than silently clamped.
	if topK == 0 {
		topK = 10
	}
	if topK < 1 || topK > 50 {
		return nil, apierr.New(http.StatusBadRequest, "invalid_top_k",
			fmt.Errorf("top_k must be within [1, 50], got %d", topK))
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) != 1 {
		return nil, apierr.New(http.StatusServiceUnavailable, "embedding_unavailable",
			fmt.Errorf("embed query: %w", err))
	}

	filter := pinecone.And(
		eqIfSet("date", f.Date),
		eqIfSet("video_id", f.VideoID),
		pinecone.In("source_type", f.SourceTypes),
	)

	// Over-fetch to survive the post-retrieval speaker and score cuts.
	fetchK := topK * 2
	matches, err := s.store.Query(ctx, "", vecs[0], fetchK, filter)
	if err != nil {
		return nil, apierr.New(http.StatusServiceUnavailable, "vector_store_unavailable",
			fmt.Errorf("vector query: %w", err))
	}

	results := []Result{}
	for _, m := range matches {
		if m.Score < minScore {
			continue
		}
		r := resultFromMatch(m)
		if len(f.SpeakerIDs) > 0 && !speakersIntersect(r.Speakers, f.SpeakerIDs) {
			continue
		}
		results = append(results, r)
		if len(results) >= topK {
			break
		}
	}

	resp := &Response{
		Query:        query,
		Results:      results,
		TotalResults: len(results),
	}

	if withAnswer && len(results) > 0 {
		answer, serr := s.synth.Synthesize(ctx, synthesisSystemPrompt, synthesisPrompt(query, results))
		if serr != nil {
			s.log.Warn("answer synthesis degraded to results only", "error", serr)
		} else {
			resp.Answer = strings.TrimSpace(answer)
		}
	}
	return resp, nil
}

func synthesisPrompt(query string, results []Result) string {
	var b strings.Builder
	b.WriteString("Context passages:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] (%s, %s-%s, %s) %s\n",
			i+1, r.Date, fmtSeconds(r.StartSeconds), fmtSeconds(r.EndSeconds), r.SourceType, r.Text)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", query)
	return b.String()
}

func fmtSeconds(s float64) string {
	total := int(s)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

func resultFromMatch(m pinecone.QueryMatch) Result {
	r := Result{ChunkID: m.ID, Score: m.Score}
	if m.Metadata == nil {
		return r
	}
	r.VideoID, _ = m.Metadata["video_id"].(string)
	r.Date, _ = m.Metadata["date"].(string)
	r.SourceType, _ = m.Metadata["source_type"].(string)
	r.Text, _ = m.Metadata["text"].(string)
	if v, ok := m.Metadata["start_seconds"].(float64); ok {
		r.StartSeconds = v
	}
	if v, ok := m.Metadata["end_seconds"].(float64); ok {
		r.EndSeconds = v
	}
	if raw, ok := m.Metadata["speakers"].([]any); ok {
		for _, sp := range raw {
			if s, ok := sp.(string); ok {
				r.Speakers = append(r.Speakers, s)
			}
		}
	}
	return r
}

func speakersIntersect(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

func eqIfSet(field, value string) map[string]any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return pinecone.Eq(field, value)
}
