package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

// Scheduler triggers full mining cycles on a cron schedule. Missed fires
// are harmless: every cycle re-scans the whole window, so the durable
// MiningRun records, not process-lifetime timers, are the source of truth
// for what has been mined.
type Scheduler struct {
	cron  *cron.Cron
	miner *Miner
	log   *logger.Logger
}

func NewScheduler(m *Miner, cfg Config, baseLog *logger.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:  cron.New(),
		miner: m,
		log:   baseLog.With("component", "MinerScheduler"),
	}
	_, err := s.cron.AddFunc(cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		if err := s.miner.MineAll(ctx); err != nil {
			s.log.Error("Scheduled mining cycle failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("miner: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Mining scheduler started")
}

// Stop halts scheduling and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("Mining scheduler stopped")
}
