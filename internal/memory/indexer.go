package memory

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/models"
	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
	"github.com/lifestream/lifestream-backend/internal/platform/pinecone"
)

// Indexer embeds chunks in batches and upserts them to the vector store.
// Indexing is best-effort at the job level: the caller treats a returned
// error as degradation, not failure.
type Indexer struct {
	log        *logger.Logger
	embedder   models.Embedder
	store      pinecone.VectorStore
	batchSize  int
	maxRetries int
}

func NewIndexer(log *logger.Logger, embedder models.Embedder, store pinecone.VectorStore) *Indexer {
	return &Indexer{
		log:        log.With("service", "Indexer"),
		embedder:   embedder,
		store:      store,
		batchSize:  envutil.Int("EMBEDDING_BATCH_SIZE", 64),
		maxRetries: envutil.Int("EMBEDDING_MAX_RETRIES", 3),
	}
}

// IndexResult reports what made it into the index.
type IndexResult struct {
	Total    int
	Indexed  int
	Failed   int
	Warnings []string
}

func (ix *Indexer) IndexChunks(ctx context.Context, chunks []domain.Chunk) (*IndexResult, error) {
	res := &IndexResult{Total: len(chunks)}
	if len(chunks) == 0 {
		return res, nil
	}

	for off := 0; off < len(chunks); off += ix.batchSize {
		end := off + ix.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[off:end]

		if err := ix.indexBatch(ctx, batch); err != nil {
			res.Failed += len(batch)
			warn := fmt.Sprintf("batch %d-%d failed: %v", off, end-1, err)
			res.Warnings = append(res.Warnings, warn)
			ix.log.Warn("chunk batch not indexed", "from", off, "to", end-1, "error", err)
			continue
		}
		res.Indexed += len(batch)
	}

	if res.Failed > 0 && res.Indexed == 0 {
		return res, fmt.Errorf("indexing failed for all %d chunks", res.Total)
	}
	return res, nil
}

// PurgeVideo removes every chunk previously indexed for the video. Upserts
// overwrite chunks whose ids survive a re-run, but a block that shrinks leaves
// orphaned ordinals behind; purging first keeps the index in step with the
// latest summary.
func (ix *Indexer) PurgeVideo(ctx context.Context, videoID string) error {
	if strings.TrimSpace(videoID) == "" {
		return fmt.Errorf("videoID required")
	}
	return ix.store.DeleteByFilter(ctx, "", pinecone.Eq("video_id", videoID))
}

func (ix *Indexer) indexBatch(ctx context.Context, batch []domain.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	var vecs [][]float32
	backoff := 1 * time.Second
	var lastErr error
	for attempt := 0; attempt <= ix.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		vecs, err = ix.embedder.Embed(ctx, texts)
		if err == nil {
			break
		}
		lastErr = err
		if attempt == ix.maxRetries {
			return fmt.Errorf("embed after %d attempts: %w", attempt+1, lastErr)
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		ix.log.Warn("embedding batch retrying", "attempt", attempt+1, "sleep", sleep.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
	}
	if len(vecs) != len(batch) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(batch))
	}

	vectors := make([]pinecone.Vector, len(batch))
	for i, c := range batch {
		md := map[string]any{
			"video_id":      c.VideoID,
			"date":          c.Date,
			"start_seconds": c.StartSeconds,
			"end_seconds":   c.EndSeconds,
			"source_type":   c.SourceType,
			"speakers":      c.Speakers,
			"text":          c.Text,
		}
		// Block-level filtering metadata rides along flattened; the reserved
		// identity keys above win on collision.
		for k, v := range c.Metadata {
			if _, taken := md[k]; !taken {
				md[k] = v
			}
		}
		vectors[i] = pinecone.Vector{
			ID:       c.ChunkID,
			Values:   vecs[i],
			Metadata: md,
		}
	}
	return ix.store.Upsert(ctx, "", vectors)
}
