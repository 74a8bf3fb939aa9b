package domain

import (
	"strings"
	"testing"
)

func TestChunkIDDeterministic(t *testing.T) {
	a := ChunkID("job-1", "2026-08-20", 0, 300, "summary_block", 0)
	b := ChunkID("job-1", "2026-08-20", 0, 300, "summary_block", 0)
	if a != b {
		t.Fatalf("same inputs must produce same id: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "chunk_") || len(a) != len("chunk_")+16 {
		t.Fatalf("unexpected id shape: %q", a)
	}
}

func TestChunkIDVariesByField(t *testing.T) {
	base := ChunkID("job-1", "2026-08-20", 0, 300, "summary_block", 0)
	variants := []string{
		ChunkID("job-2", "2026-08-20", 0, 300, "summary_block", 0),
		ChunkID("job-1", "2026-08-21", 0, 300, "summary_block", 0),
		ChunkID("job-1", "2026-08-20", 1, 300, "summary_block", 0),
		ChunkID("job-1", "2026-08-20", 0, 301, "summary_block", 0),
		ChunkID("job-1", "2026-08-20", 0, 300, "transcript_block", 0),
		ChunkID("job-1", "2026-08-20", 0, 300, "summary_block", 1),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collided with base id", i)
		}
	}
}

func TestChunkIDSubSecondPrecision(t *testing.T) {
	a := ChunkID("job-1", "2026-08-20", 0.01, 300, "summary_block", 0)
	b := ChunkID("job-1", "2026-08-20", 0.011, 300, "summary_block", 0)
	if a != b {
		t.Fatalf("seconds canonicalize to two decimals; ids should match")
	}
}
