package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soulmesh/lifestream-backend/internal/data/db"
	"github.com/soulmesh/lifestream-backend/internal/data/events"
	"github.com/soulmesh/lifestream-backend/internal/data/repos/insights"
	"github.com/soulmesh/lifestream-backend/internal/data/repos/mining"
	"github.com/soulmesh/lifestream-backend/internal/data/repos/patterns"
	"github.com/soulmesh/lifestream-backend/internal/graph"
	"github.com/soulmesh/lifestream-backend/internal/http/handlers"
	"github.com/soulmesh/lifestream-backend/internal/miner"
	"github.com/soulmesh/lifestream-backend/internal/observability"
	"github.com/soulmesh/lifestream-backend/internal/platform/clickhousedb"
	"github.com/soulmesh/lifestream-backend/internal/platform/envutil"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
	"github.com/soulmesh/lifestream-backend/internal/platform/neo4jdb"
	"github.com/soulmesh/lifestream-backend/internal/platform/redisdb"
	"github.com/soulmesh/lifestream-backend/internal/server"
	"github.com/soulmesh/lifestream-backend/internal/services"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Tracing
	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "lifestream-backend",
		Environment: logMode,
	})

	// Env
	log.Info("Loading environment variables from main...")
	port := envutil.GetEnv("PORT", "8080", log)
	maxBatchSize := envutil.GetEnvAsInt("INGEST_MAX_BATCH_SIZE", 1000, log)

	minerCfg, err := miner.LoadConfig(log)
	if err != nil {
		log.Error("Miner config invalid", "error", err)
		os.Exit(1)
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// ClickHouse
	clickhouseClient, err := clickhousedb.NewFromEnv(log)
	if err != nil {
		log.Error("ClickHouse init failed", "error", err)
		os.Exit(1)
	}

	// Neo4j (optional)
	neo4jClient, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		log.Warn("Neo4j init failed, graph write-back disabled", "error", err)
	}

	// Redis (optional)
	redisClient, err := redisdb.NewFromEnv(log)
	if err != nil {
		log.Warn("Redis init failed, mining leases disabled", "error", err)
	}

	// Stores and repos
	log.Info("Setting up repos from main...")
	eventStore := events.NewClickHouseStore(clickhouseClient, log)
	patternRepo := patterns.NewPatternRepo(thePG, log)
	insightRepo := insights.NewInsightRepo(thePG, log)
	miningRunRepo := mining.NewMiningRunRepo(thePG, log)

	// Services
	log.Info("Setting up services from main...")
	ingestService := services.NewIngestService(eventStore, log, maxBatchSize)
	queryService := services.NewQueryService(eventStore, patternRepo, insightRepo, log)

	// Miner
	insightWriter := graph.NewInsightWriter(neo4jClient, log)
	reconciler := miner.NewReconciler(thePG, patternRepo, minerCfg, log)
	projector := miner.NewProjector(thePG, patternRepo, insightRepo, insightWriter, minerCfg, log)
	patternMiner := miner.New(eventStore, miningRunRepo, reconciler, projector, redisClient, minerCfg, log)

	scheduler, err := miner.NewScheduler(patternMiner, minerCfg, log)
	if err != nil {
		log.Error("Scheduler init failed", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	// Handlers
	log.Info("Setting up handlers from main...")
	streamHandler := handlers.NewStreamHandler(ingestService, queryService)
	patternHandler := handlers.NewPatternHandler(queryService, patternMiner)

	router := server.NewRouter(server.RouterConfig{
		StreamHandler:  streamHandler,
		PatternHandler: patternHandler,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown failed", "error", err)
	}
	if err := neo4jClient.Close(ctx); err != nil {
		log.Warn("Neo4j close failed", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		log.Warn("Redis close failed", "error", err)
	}
	if otelShutdown != nil {
		if err := otelShutdown(ctx); err != nil {
			log.Warn("Tracer shutdown failed", "error", err)
		}
	}
	log.Info("Shutdown complete")
}
