package main

import (
	"context"
	"fmt"
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
	"github.com/soulmesh/lifestream-backend/internal/miner"
	"github.com/soulmesh/lifestream-backend/internal/observability"
	"github.com/soulmesh/lifestream-backend/internal/platform/clickhousedb"
	"github.com/soulmesh/lifestream-backend/internal/platform/envutil"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
	"github.com/soulmesh/lifestream-backend/internal/platform/neo4jdb"
	"github.com/soulmesh/lifestream-backend/internal/platform/redisdb"
)

// Standalone mining worker: same pipeline the API can trigger per subject,
// run on a schedule across all active subjects. MINER_RUN_ONCE=true runs a
// single cycle and exits, for cron-managed deployments.
func main() {
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

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "lifestream-miner",
		Environment: logMode,
	})
	defer func() {
		if otelShutdown == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			log.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	runOnce := envutil.GetEnv("MINER_RUN_ONCE", "false", log) == "true"

	minerCfg, err := miner.LoadConfig(log)
	if err != nil {
		log.Error("Miner config invalid", "error", err)
		os.Exit(1)
	}

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

	clickhouseClient, err := clickhousedb.NewFromEnv(log)
	if err != nil {
		log.Error("ClickHouse init failed", "error", err)
		os.Exit(1)
	}

	neo4jClient, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		log.Warn("Neo4j init failed, graph write-back disabled", "error", err)
	}

	redisClient, err := redisdb.NewFromEnv(log)
	if err != nil {
		log.Warn("Redis init failed, mining leases disabled", "error", err)
	}

	eventStore := events.NewClickHouseStore(clickhouseClient, log)
	patternRepo := patterns.NewPatternRepo(thePG, log)
	insightRepo := insights.NewInsightRepo(thePG, log)
	miningRunRepo := mining.NewMiningRunRepo(thePG, log)

	insightWriter := graph.NewInsightWriter(neo4jClient, log)
	reconciler := miner.NewReconciler(thePG, patternRepo, minerCfg, log)
	projector := miner.NewProjector(thePG, patternRepo, insightRepo, insightWriter, minerCfg, log)
	patternMiner := miner.New(eventStore, miningRunRepo, reconciler, projector, redisClient, minerCfg, log)

	if runOnce {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		if err := patternMiner.MineAll(ctx); err != nil {
			log.Error("Mining cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	scheduler, err := miner.NewScheduler(patternMiner, minerCfg, log)
	if err != nil {
		log.Error("Scheduler init failed", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := neo4jClient.Close(ctx); err != nil {
		log.Warn("Neo4j close failed", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		log.Warn("Redis close failed", "error", err)
	}
	log.Info("Shutdown complete")
}
