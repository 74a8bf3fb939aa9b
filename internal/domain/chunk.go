package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Chunk is an indexable, embedded unit of text derived from a time block.
type Chunk struct {
	ChunkID      string         `json:"chunk_id"`
	VideoID      string         `json:"video_id"`
	Date         string         `json:"date"`
	StartSeconds float64        `json:"start_seconds"`
	EndSeconds   float64        `json:"end_seconds"`
	Speakers     []string       `json:"speakers"`
	SourceType   string         `json:"source_type"` // summary_block | transcript_block | action_item | scene
	Text         string         `json:"text"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ChunkID derives the deterministic identity of a chunk. The input string is
// canonical (UTF-8, fixed field order, %.2f seconds); index maintenance and
// re-index upserts depend on it being stable across runs.
func ChunkID(videoID, date string, startSeconds, endSeconds float64, sourceType string, ordinal int) string {
	base := fmt.Sprintf("%s|%s|%.2f|%.2f|%s|%d", videoID, date, startSeconds, endSeconds, sourceType, ordinal)
	sum := sha256.Sum256([]byte(base))
	return "chunk_" + hex.EncodeToString(sum[:])[:16]
}
