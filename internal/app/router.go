package app

import (
	"github.com/gin-gonic/gin"

	"github.com/lifestream/lifestream-backend/internal/http/handlers"
	"github.com/lifestream/lifestream-backend/internal/http/middleware"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
)

type routerDeps struct {
	Upload  *handlers.UploadHandler
	Status  *handlers.StatusHandler
	Summary *handlers.SummaryHandler
	Query   *handlers.QueryHandler
}

func wireRouter(log *logger.Logger, deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(log))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handlers.HealthCheck)
		v1.POST("/upload/presigned-url", deps.Upload.PresignedURL)
		v1.POST("/upload/confirm", deps.Upload.Confirm)
		v1.GET("/status/:job_id", deps.Status.GetStatus)
		v1.GET("/summary/:job_id", deps.Summary.GetSummary)
		v1.POST("/query", deps.Query.Query)
	}

	return router
}
