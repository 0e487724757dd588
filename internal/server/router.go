package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/soulmesh/lifestream-backend/internal/http/handlers"
	"github.com/soulmesh/lifestream-backend/internal/http/middleware"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

type RouterConfig struct {
	StreamHandler  *handlers.StreamHandler
	PatternHandler *handlers.PatternHandler
	Logger         *logger.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("lifestream-backend"))
	router.Use(middleware.AttachTraceContext())
	router.Use(middleware.RequestLogger(cfg.Logger))
	router.Use(middleware.CORS())

	router.GET("/healthcheck", handlers.HealthCheck)

	stream := router.Group("/api/v1/stream")
	{
		stream.POST("/ingest", cfg.StreamHandler.Ingest)
		stream.GET("/events/:subject_id", cfg.StreamHandler.Events)
		stream.GET("/stats/:subject_id", cfg.StreamHandler.Stats)
		stream.GET("/patterns/:subject_id", cfg.PatternHandler.Patterns)
		stream.GET("/insights/:subject_id", cfg.PatternHandler.Insights)
		stream.POST("/mine/:subject_id", cfg.PatternHandler.Mine)
	}

	return router
}
