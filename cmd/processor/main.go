package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/lifestream/lifestream-backend/internal/data/repos/idempotency"
	"github.com/lifestream/lifestream-backend/internal/data/repos/jobs"
	"github.com/lifestream/lifestream-backend/internal/db"
	"github.com/lifestream/lifestream-backend/internal/media"
	"github.com/lifestream/lifestream-backend/internal/memory"
	"github.com/lifestream/lifestream-backend/internal/models"
	"github.com/lifestream/lifestream-backend/internal/pipeline"
	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
	"github.com/lifestream/lifestream-backend/internal/platform/gcpml"
	"github.com/lifestream/lifestream-backend/internal/platform/gcs"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
	"github.com/lifestream/lifestream-backend/internal/platform/openai"
	"github.com/lifestream/lifestream-backend/internal/platform/pinecone"
)

func main() {
	jobID := flag.String("job", "", "job id to process")
	flag.Parse()

	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *jobID == "" {
		log.Fatal("missing required -job flag")
	}
	log = log.With("job_id", *jobID)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	thePG := pg.DB()

	blobs, err := gcs.NewBlobStore(log)
	if err != nil {
		log.Fatal("Blob store init failed", "error", err)
	}

	tools := media.New(log)
	if err := tools.AssertReady(context.Background()); err != nil {
		log.Fatal("ffmpeg tooling unavailable", "error", err)
	}

	speech, err := gcpml.NewSpeechService(log)
	if err != nil {
		log.Fatal("Speech service init failed", "error", err)
	}
	video, err := gcpml.NewVideoService(log)
	if err != nil {
		log.Fatal("Video service init failed", "error", err)
	}
	vision, err := gcpml.NewVisionService(log)
	if err != nil {
		log.Fatal("Vision service init failed", "error", err)
	}

	oa, err := openai.NewClient(log)
	if err != nil {
		log.Fatal("OpenAI client init failed", "error", err)
	}

	pc, err := pinecone.New(log, pinecone.Config{APIKey: envutil.String("PINECONE_API_KEY", "")})
	if err != nil {
		log.Fatal("Pinecone client init failed", "error", err)
	}
	vectors, err := pinecone.NewVectorStore(log, pc)
	if err != nil {
		log.Fatal("Vector store init failed", "error", err)
	}

	embedder := models.NewOpenAIEmbedder(oa)
	indexer := memory.NewIndexer(log, embedder, vectors)

	orch := pipeline.NewOrchestrator(
		log,
		pipeline.ConfigFromEnv(),
		jobs.NewTable(thePG),
		idempotency.NewTable(thePG),
		blobs,
		tools,
		speech,
		speech,
		video,
		vision,
		models.NewOpenAISummarizer(oa),
		indexer,
	)

	if err := orch.Run(context.Background(), *jobID); err != nil {
		log.Error("Processing failed", "error", err)
		os.Exit(1)
	}
	log.Info("Processing completed")
}
