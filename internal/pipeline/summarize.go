package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/memory"
	"github.com/lifestream/lifestream-backend/internal/models"
)

const summarizeSystemPrompt = `You analyze one time window of a recorded day and produce a structured summary.
Be concrete and specific. Derive the activity title from what actually happened in the transcript and visuals.
Never use the generic title "Activity". If nobody speaks, describe what is visible instead.`

// timeBlockSchema constrains the summarizer to the fields the block needs.
var timeBlockSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"activity":           map[string]any{"type": "string"},
		"location":           map[string]any{"type": "string"},
		"transcript_summary": map[string]any{"type": "string"},
		"visual_summary":     map[string]any{"type": "string"},
		"action_items":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"participants":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []any{"activity", "transcript_summary", "action_items", "participants"},
	"additionalProperties": false,
}

// buildUserPrompt renders one synchronized context as speaker-labeled
// transcript lines plus visual context lines.
func buildUserPrompt(sc domain.SynchronizedContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Time window: %s - %s\n\n",
		domain.FormatTimestamp(sc.StartSeconds), domain.FormatTimestamp(sc.EndSeconds))

	if len(sc.AudioSegments) > 0 {
		b.WriteString("Transcript:\n")
		for _, seg := range sc.AudioSegments {
			spk := seg.SpeakerID
			if spk == "" {
				spk = "speaker_1"
			}
			fmt.Fprintf(&b, "[%s] (%s-%s): %s\n",
				spk,
				domain.FormatTimestamp(seg.StartSeconds),
				domain.FormatTimestamp(seg.EndSeconds),
				seg.Text)
		}
	} else {
		b.WriteString("Transcript: (no speech)\n")
	}

	if len(sc.Keyframes) > 0 {
		b.WriteString("\nVisual context:\n")
		for _, kf := range sc.Keyframes {
			labels := "frame"
			if len(kf.Labels) > 0 {
				labels = strings.Join(kf.Labels, ", ")
			}
			fmt.Fprintf(&b, "%s: %s\n", domain.FormatTimestamp(kf.TimestampSeconds), labels)
		}
	}
	return b.String()
}

// SummarizeContext produces one time block for a context. A per-context model
// failure degrades to the default block; only the caller decides whether a
// fully failed stage is fatal.
func SummarizeContext(ctx context.Context, summarizer models.Summarizer, registry *memory.SpeakerRegistry, sc domain.SynchronizedContext) (domain.TimeBlock, error) {
	if len(sc.AudioSegments) == 0 && len(sc.Keyframes) == 0 {
		return defaultBlock(sc), nil
	}

	raw, err := summarizer.SummarizeJSON(ctx, summarizeSystemPrompt, buildUserPrompt(sc), timeBlockSchema)
	if err != nil {
		return defaultBlock(sc), err
	}
	return blockFromResponse(raw, registry, sc), nil
}

func blockFromResponse(raw map[string]any, registry *memory.SpeakerRegistry, sc domain.SynchronizedContext) domain.TimeBlock {
	block := domain.TimeBlock{
		StartTime:     domain.FormatTimestamp(sc.StartSeconds),
		EndTime:       domain.FormatTimestamp(sc.EndSeconds),
		AudioSegments: sc.AudioSegments,
		Keyframes:     sc.Keyframes,
	}

	block.Activity = sanitizeActivity(stringField(raw, "activity"), sc)
	block.Location = stringField(raw, "location")
	block.TranscriptSummary = stringField(raw, "transcript_summary")
	block.VisualSummary = visualSummary(stringField(raw, "visual_summary"), sc)
	block.ActionItems = stringSlice(raw, "action_items")
	block.Participants = resolveParticipants(stringSlice(raw, "participants"), registry, sc)
	block.SourceReliability = sourceReliability(sc)
	return block
}

// defaultBlock is emitted without an LLM call when a context is empty, and
// as the degraded result when the summarizer fails.
func defaultBlock(sc domain.SynchronizedContext) domain.TimeBlock {
	return domain.TimeBlock{
		StartTime:         domain.FormatTimestamp(sc.StartSeconds),
		EndTime:           domain.FormatTimestamp(sc.EndSeconds),
		Activity:          activityFromTranscript(sc),
		Participants:      []domain.Participant{},
		ActionItems:       []string{},
		SourceReliability: sourceReliability(sc),
		AudioSegments:     sc.AudioSegments,
		Keyframes:         sc.Keyframes,
	}
}

// sanitizeActivity rejects the degenerate "Activity" title the model
// sometimes returns, substituting a transcript-derived one.
func sanitizeActivity(activity string, sc domain.SynchronizedContext) string {
	activity = strings.TrimSpace(activity)
	if activity == "" || strings.EqualFold(activity, "activity") {
		return activityFromTranscript(sc)
	}
	return activity
}

func activityFromTranscript(sc domain.SynchronizedContext) string {
	var b strings.Builder
	for _, seg := range sc.AudioSegments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(text)
	}
	transcript := b.String()
	if transcript == "" {
		return "No speech detected"
	}
	return clipWords(transcript, 80)
}

// clipWords truncates at a word boundary near limit and appends an ellipsis.
func clipWords(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

func visualSummary(fromModel string, sc domain.SynchronizedContext) string {
	fromModel = strings.TrimSpace(fromModel)
	if fromModel != "" {
		return fromModel
	}
	seen := map[string]bool{}
	labels := []string{}
	for _, kf := range sc.Keyframes {
		for _, l := range kf.Labels {
			if !seen[l] {
				seen[l] = true
				labels = append(labels, l)
			}
		}
	}
	if len(labels) == 0 {
		return ""
	}
	return "Visible: " + strings.Join(labels, ", ")
}

// resolveParticipants maps model-listed speaker ids through the registry,
// falling back to the speakers observed in the audio when the model lists
// none.
func resolveParticipants(speakerIDs []string, registry *memory.SpeakerRegistry, sc domain.SynchronizedContext) []domain.Participant {
	if len(speakerIDs) == 0 {
		seen := map[string]bool{}
		for _, seg := range sc.AudioSegments {
			if seg.SpeakerID != "" && !seen[seg.SpeakerID] {
				seen[seg.SpeakerID] = true
				speakerIDs = append(speakerIDs, seg.SpeakerID)
			}
		}
	}
	out := make([]domain.Participant, 0, len(speakerIDs))
	for _, id := range speakerIDs {
		id = normalizeSpeakerID(id)
		if id == "" {
			continue
		}
		out = append(out, registry.Resolve(id))
	}
	return out
}

func normalizeSpeakerID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// sourceReliability grades a block by how much raw signal backed it.
func sourceReliability(sc domain.SynchronizedContext) string {
	segs := len(sc.AudioSegments)
	frames := len(sc.Keyframes)
	switch {
	case segs > 5 && frames > 3:
		return "High"
	case segs < 2 || frames < 1:
		return "Low"
	default:
		return "Medium"
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func stringSlice(m map[string]any, key string) []string {
	out := []string{}
	items, ok := m[key].([]any)
	if !ok {
		return out
	}
	for _, it := range items {
		if s, ok := it.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
