package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/models/mock"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
	"github.com/lifestream/lifestream-backend/internal/platform/pinecone"
)

type captureStore struct {
	upserts [][]pinecone.Vector
	deletes []map[string]any
	err     error
}

func (s *captureStore) Upsert(ctx context.Context, namespace string, vectors []pinecone.Vector) error {
	if s.err != nil {
		return s.err
	}
	s.upserts = append(s.upserts, vectors)
	return nil
}

func (s *captureStore) Query(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]pinecone.QueryMatch, error) {
	return nil, nil
}

func (s *captureStore) DeleteByFilter(ctx context.Context, namespace string, filter map[string]any) error {
	if s.err != nil {
		return s.err
	}
	s.deletes = append(s.deletes, filter)
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

func testChunks(n int) []domain.Chunk {
	out := make([]domain.Chunk, n)
	for i := range out {
		out[i] = domain.Chunk{
			ChunkID:    fmt.Sprintf("chunk_%016x", i),
			VideoID:    "job-1",
			Date:       "2026-08-20",
			SourceType: SourceSummaryBlock,
			Text:       fmt.Sprintf("chunk text %d", i),
		}
	}
	return out
}

func TestIndexChunksEmpty(t *testing.T) {
	ix := NewIndexer(testLogger(t), &mock.Embedder{}, &captureStore{})
	res, err := ix.IndexChunks(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty input: %v", err)
	}
	if res.Total != 0 || res.Indexed != 0 {
		t.Fatalf("empty result: %+v", res)
	}
}

func TestIndexChunksBatches(t *testing.T) {
	t.Setenv("EMBEDDING_BATCH_SIZE", "4")
	store := &captureStore{}
	ix := NewIndexer(testLogger(t), &mock.Embedder{}, store)

	res, err := ix.IndexChunks(context.Background(), testChunks(10))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if res.Indexed != 10 || res.Failed != 0 {
		t.Fatalf("result: %+v", res)
	}
	if len(store.upserts) != 3 {
		t.Fatalf("batching: want 3 upserts, got %d", len(store.upserts))
	}
	if len(store.upserts[2]) != 2 {
		t.Fatalf("final partial batch: want 2 vectors, got %d", len(store.upserts[2]))
	}
}

func TestIndexChunksMetadataCarried(t *testing.T) {
	store := &captureStore{}
	ix := NewIndexer(testLogger(t), &mock.Embedder{}, store)

	if _, err := ix.IndexChunks(context.Background(), testChunks(1)); err != nil {
		t.Fatalf("index: %v", err)
	}
	v := store.upserts[0][0]
	if v.ID != "chunk_0000000000000000" {
		t.Fatalf("vector id: got %q", v.ID)
	}
	if v.Metadata["video_id"] != "job-1" || v.Metadata["source_type"] != SourceSummaryBlock {
		t.Fatalf("metadata: %#v", v.Metadata)
	}
	if v.Metadata["text"] != "chunk text 0" {
		t.Fatalf("text metadata: %#v", v.Metadata["text"])
	}
}

func TestIndexChunksFlattensBlockMetadata(t *testing.T) {
	store := &captureStore{}
	ix := NewIndexer(testLogger(t), &mock.Embedder{}, store)

	chunks := testChunks(1)
	chunks[0].Metadata = map[string]any{
		"activity":           "Morning standup",
		"location":           "Office",
		"source_reliability": "High",
		"context_type":       "meeting",
		"video_id":           "spoofed", // reserved key, must not win
	}
	if _, err := ix.IndexChunks(context.Background(), chunks); err != nil {
		t.Fatalf("index: %v", err)
	}

	md := store.upserts[0][0].Metadata
	if md["activity"] != "Morning standup" || md["location"] != "Office" {
		t.Fatalf("block metadata not carried: %#v", md)
	}
	if md["source_reliability"] != "High" || md["context_type"] != "meeting" {
		t.Fatalf("filtering metadata not carried: %#v", md)
	}
	if md["video_id"] != "job-1" {
		t.Fatalf("reserved key must not be overridden: %#v", md["video_id"])
	}
}

func TestPurgeVideo(t *testing.T) {
	store := &captureStore{}
	ix := NewIndexer(testLogger(t), &mock.Embedder{}, store)

	if err := ix.PurgeVideo(context.Background(), "job-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(store.deletes) != 1 {
		t.Fatalf("want 1 delete, got %d", len(store.deletes))
	}
	eq, ok := store.deletes[0]["video_id"].(map[string]any)
	if !ok || eq["$eq"] != "job-1" {
		t.Fatalf("delete filter: %#v", store.deletes[0])
	}

	if err := ix.PurgeVideo(context.Background(), "  "); err == nil {
		t.Fatalf("blank video id must be rejected")
	}
}

func TestIndexChunksAllBatchesFailedIsError(t *testing.T) {
	t.Setenv("EMBEDDING_MAX_RETRIES", "0")
	store := &captureStore{err: fmt.Errorf("index down")}
	embedder := &mock.Embedder{
		Fn: func(ctx context.Context, texts []string) ([][]float32, error) {
			return nil, fmt.Errorf("embeddings down")
		},
	}
	ix := NewIndexer(testLogger(t), embedder, store)

	res, err := ix.IndexChunks(context.Background(), testChunks(3))
	if err == nil {
		t.Fatalf("all batches failing must return an error")
	}
	if res.Failed != 3 || res.Indexed != 0 {
		t.Fatalf("result: %+v", res)
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("warnings expected for failed batches")
	}
}

func TestIndexChunksPartialFailureIsNotError(t *testing.T) {
	t.Setenv("EMBEDDING_BATCH_SIZE", "2")
	t.Setenv("EMBEDDING_MAX_RETRIES", "0")
	calls := 0
	embedder := &mock.Embedder{
		Fn: func(ctx context.Context, texts []string) ([][]float32, error) {
			calls++
			if calls == 1 {
				return nil, fmt.Errorf("transient")
			}
			out := make([][]float32, len(texts))
			for i := range out {
				out[i] = []float32{0.1}
			}
			return out, nil
		},
	}
	store := &captureStore{}
	ix := NewIndexer(testLogger(t), embedder, store)

	res, err := ix.IndexChunks(context.Background(), testChunks(4))
	if err != nil {
		t.Fatalf("partial failure is degradation, not error: %v", err)
	}
	if res.Indexed != 2 || res.Failed != 2 {
		t.Fatalf("result: %+v", res)
	}
}
