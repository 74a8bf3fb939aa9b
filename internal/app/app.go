package app

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lifestream/lifestream-backend/internal/data/repos/idempotency"
	"github.com/lifestream/lifestream-backend/internal/data/repos/jobs"
	"github.com/lifestream/lifestream-backend/internal/db"
	"github.com/lifestream/lifestream-backend/internal/http/handlers"
	"github.com/lifestream/lifestream-backend/internal/models"
	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
	"github.com/lifestream/lifestream-backend/internal/platform/gcs"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
	"github.com/lifestream/lifestream-backend/internal/platform/openai"
	"github.com/lifestream/lifestream-backend/internal/platform/pinecone"
	"github.com/lifestream/lifestream-backend/internal/platform/redisq"
	"github.com/lifestream/lifestream-backend/internal/search"
)

type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Router *gin.Engine
	Cfg    Config

	queue redisq.Queue
}

func New() (*App, error) {
	cfg := LoadConfig()
	gin.SetMode(cfg.GinMode)

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	jobTable := jobs.NewTable(theDB)
	idemTable := idempotency.NewTable(theDB)

	blobs, err := gcs.NewBlobStore(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	queue, err := redisq.NewQueue(log, "api")
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init queue: %w", err)
	}

	oa, err := openai.NewClient(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init openai client: %w", err)
	}

	pc, err := pinecone.New(log, pinecone.Config{APIKey: envutil.String("PINECONE_API_KEY", "")})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init pinecone client: %w", err)
	}
	vectors, err := pinecone.NewVectorStore(log, pc)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init vector store: %w", err)
	}

	searchSvc := search.NewService(log,
		models.NewOpenAIEmbedder(oa),
		vectors,
		models.NewOpenAISynthesizer(oa),
	)

	router := wireRouter(log, routerDeps{
		Upload:  handlers.NewUploadHandler(log, blobs, jobTable, idemTable, queue),
		Status:  handlers.NewStatusHandler(log, jobTable),
		Summary: handlers.NewSummaryHandler(log, jobTable, blobs),
		Query:   handlers.NewQueryHandler(log, searchSvc),
	})

	return &App{
		Log:    log,
		DB:     theDB,
		Router: router,
		Cfg:    cfg,
		queue:  queue,
	}, nil
}

func (a *App) Run() error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Log.Info("API listening", "port", a.Cfg.HTTPPort)
	return a.Router.Run(":" + a.Cfg.HTTPPort)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
