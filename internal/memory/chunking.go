package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lifestream/lifestream-backend/internal/domain"
)

const (
	SourceSummaryBlock    = "summary_block"
	SourceTranscriptBlock = "transcript_block"
	SourceActionItem      = "action_item"

	// maxChunkChars bounds embedded text; truncation keeps the leading
	// content and appends an ellipsis.
	maxChunkChars = 1000

	// transcriptExcerptLimit caps how many segments feed a transcript chunk.
	transcriptExcerptLimit = 10
)

// BuildChunks turns a daily summary into indexable chunks with deterministic
// ids. Ordinals are block-relative and stable: summary = idx*2, transcript =
// idx*2+1, action item k of block idx = (idx+1)*100+k. Re-running over the
// same summary yields identical ids, so index writes are upserts.
func BuildChunks(videoID string, summary *domain.DailySummary) []domain.Chunk {
	if summary == nil {
		return nil
	}

	chunks := []domain.Chunk{}
	for idx, block := range summary.TimeBlocks {
		start := domain.ParseTimestamp(block.StartTime)
		end := domain.ParseTimestamp(block.EndTime)
		speakers := blockSpeakers(block)

		if text := summaryText(block); text != "" {
			ordinal := idx * 2
			chunks = append(chunks, domain.Chunk{
				ChunkID:      domain.ChunkID(videoID, summary.Date, start, end, SourceSummaryBlock, ordinal),
				VideoID:      videoID,
				Date:         summary.Date,
				StartSeconds: start,
				EndSeconds:   end,
				Speakers:     speakers,
				SourceType:   SourceSummaryBlock,
				Text:         truncate(text),
				Metadata:     blockMetadata(block),
			})
		}

		if text := transcriptText(block); text != "" {
			ordinal := idx*2 + 1
			chunks = append(chunks, domain.Chunk{
				ChunkID:      domain.ChunkID(videoID, summary.Date, start, end, SourceTranscriptBlock, ordinal),
				VideoID:      videoID,
				Date:         summary.Date,
				StartSeconds: start,
				EndSeconds:   end,
				Speakers:     speakers,
				SourceType:   SourceTranscriptBlock,
				Text:         truncate(text),
				Metadata:     withFlag(blockMetadata(block), "has_transcript"),
			})
		}

		for k, item := range block.ActionItems {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			ordinal := (idx+1)*100 + k
			chunks = append(chunks, domain.Chunk{
				ChunkID:      domain.ChunkID(videoID, summary.Date, start, end, SourceActionItem, ordinal),
				VideoID:      videoID,
				Date:         summary.Date,
				StartSeconds: start,
				EndSeconds:   end,
				Speakers:     speakers,
				SourceType:   SourceActionItem,
				Text:         truncate("Action item: " + item),
				Metadata:     withFlag(blockMetadata(block), "is_action_item"),
			})
		}
	}
	return chunks
}

// blockMetadata is the filtering metadata every chunk of a block shares.
func blockMetadata(block domain.TimeBlock) map[string]any {
	return map[string]any{
		"activity":            block.Activity,
		"location":            block.Location,
		"source_reliability":  block.SourceReliability,
		"context_type":        block.ContextType,
		"participant_count":   len(block.Participants),
		"audio_segment_count": len(block.AudioSegments),
		"keyframe_count":      len(block.Keyframes),
	}
}

func withFlag(meta map[string]any, key string) map[string]any {
	meta[key] = true
	return meta
}

func summaryText(block domain.TimeBlock) string {
	parts := []string{}
	if a := strings.TrimSpace(block.Activity); a != "" {
		parts = append(parts, a)
	}
	if l := strings.TrimSpace(block.Location); l != "" {
		parts = append(parts, "Location: "+l)
	}
	if len(block.Participants) > 0 {
		names := make([]string, 0, len(block.Participants))
		for _, p := range block.Participants {
			names = append(names, p.DisplayName)
		}
		parts = append(parts, "Participants: "+strings.Join(names, ", "))
	}
	if s := strings.TrimSpace(block.TranscriptSummary); s != "" {
		parts = append(parts, s)
	}
	if v := strings.TrimSpace(block.VisualSummary); v != "" {
		parts = append(parts, v)
	}
	return strings.Join(parts, ". ")
}

func transcriptText(block domain.TimeBlock) string {
	if len(block.AudioSegments) == 0 {
		return ""
	}
	lines := []string{}
	for _, seg := range block.AudioSegments {
		if len(lines) >= transcriptExcerptLimit {
			break
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if seg.SpeakerID != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", seg.SpeakerID, text))
		} else {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, " ")
}

func blockSpeakers(block domain.TimeBlock) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, p := range block.Participants {
		if p.SpeakerID != "" && !seen[p.SpeakerID] {
			seen[p.SpeakerID] = true
			out = append(out, p.SpeakerID)
		}
	}
	for _, seg := range block.AudioSegments {
		if seg.SpeakerID != "" && !seen[seg.SpeakerID] {
			seen[seg.SpeakerID] = true
			out = append(out, seg.SpeakerID)
		}
	}
	sort.Strings(out)
	return out
}

func truncate(s string) string {
	if len(s) <= maxChunkChars {
		return s
	}
	return s[:maxChunkChars-3] + "..."
}
