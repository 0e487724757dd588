package miner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soulmesh/lifestream-backend/internal/platform/envutil"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

// Config holds every mining tunable. All values are configuration, not
// policy: defaults follow the original deployment and can be overridden per
// environment via env vars or an optional YAML file.
type Config struct {
	WindowDays       int     `yaml:"window_days"`
	MaxEventsPerScan int     `yaml:"max_events_per_scan"`
	EpsilonMeters    float64 `yaml:"epsilon_meters"`
	MinPoints        int     `yaml:"min_points"`
	RadiusPercentile float64 `yaml:"radius_percentile"`

	MergeRadiusMeters  float64 `yaml:"merge_radius_meters"`
	MinOccurrences     int     `yaml:"min_occurrences"`
	RoutineWindowHours int     `yaml:"routine_window_hours"`
	ShrinkagePrior     float64 `yaml:"shrinkage_prior"`
	HabitMinRatio      float64 `yaml:"habit_min_ratio"`

	SmoothingOldWeight float64 `yaml:"smoothing_old_weight"`
	GracePeriodDays    int     `yaml:"grace_period_days"`
	ProjectionDelta    float64 `yaml:"projection_delta"`

	Concurrency int           `yaml:"concurrency"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	Schedule    string        `yaml:"schedule"`
}

func DefaultConfig() Config {
	return Config{
		WindowDays:         30,
		MaxEventsPerScan:   10000,
		EpsilonMeters:      100,
		MinPoints:          5,
		RadiusPercentile:   0.9,
		MergeRadiusMeters:  150,
		MinOccurrences:     3,
		RoutineWindowHours: 2,
		ShrinkagePrior:     3,
		HabitMinRatio:      6,
		SmoothingOldWeight: 0.7,
		GracePeriodDays:    30,
		ProjectionDelta:    0.05,
		Concurrency:        4,
		LeaseTTL:           10 * time.Minute,
		Schedule:           "0 3 * * *",
	}
}

// LoadConfig layers env vars over defaults, then an optional YAML file
// (MINER_CONFIG_PATH) over both.
func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := DefaultConfig()

	cfg.WindowDays = envutil.GetEnvAsInt("MINER_WINDOW_DAYS", cfg.WindowDays, log)
	cfg.MaxEventsPerScan = envutil.GetEnvAsInt("MINER_MAX_EVENTS_PER_SCAN", cfg.MaxEventsPerScan, log)
	cfg.EpsilonMeters = envutil.GetEnvAsFloat("MINER_EPSILON_METERS", cfg.EpsilonMeters, log)
	cfg.MinPoints = envutil.GetEnvAsInt("MINER_MIN_POINTS", cfg.MinPoints, log)
	cfg.RadiusPercentile = envutil.GetEnvAsFloat("MINER_RADIUS_PERCENTILE", cfg.RadiusPercentile, log)
	cfg.MergeRadiusMeters = envutil.GetEnvAsFloat("MINER_MERGE_RADIUS_METERS", cfg.MergeRadiusMeters, log)
	cfg.MinOccurrences = envutil.GetEnvAsInt("MINER_MIN_OCCURRENCES", cfg.MinOccurrences, log)
	cfg.RoutineWindowHours = envutil.GetEnvAsInt("MINER_ROUTINE_WINDOW_HOURS", cfg.RoutineWindowHours, log)
	cfg.ShrinkagePrior = envutil.GetEnvAsFloat("MINER_SHRINKAGE_PRIOR", cfg.ShrinkagePrior, log)
	cfg.HabitMinRatio = envutil.GetEnvAsFloat("MINER_HABIT_MIN_RATIO", cfg.HabitMinRatio, log)
	cfg.SmoothingOldWeight = envutil.GetEnvAsFloat("MINER_SMOOTHING_OLD_WEIGHT", cfg.SmoothingOldWeight, log)
	cfg.GracePeriodDays = envutil.GetEnvAsInt("MINER_GRACE_PERIOD_DAYS", cfg.GracePeriodDays, log)
	cfg.ProjectionDelta = envutil.GetEnvAsFloat("MINER_PROJECTION_DELTA", cfg.ProjectionDelta, log)
	cfg.Concurrency = envutil.GetEnvAsInt("MINER_CONCURRENCY", cfg.Concurrency, log)
	cfg.LeaseTTL = envutil.GetEnvAsDuration("MINER_LEASE_TTL", cfg.LeaseTTL, log)
	cfg.Schedule = envutil.GetEnv("MINER_SCHEDULE", cfg.Schedule, log)

	if path := os.Getenv("MINER_CONFIG_PATH"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read miner config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse miner config %q: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.WindowDays <= 0 {
		return fmt.Errorf("miner config: window_days must be positive")
	}
	if c.EpsilonMeters <= 0 {
		return fmt.Errorf("miner config: epsilon_meters must be positive")
	}
	if c.MinPoints < 1 {
		return fmt.Errorf("miner config: min_points must be at least 1")
	}
	if c.RadiusPercentile <= 0 || c.RadiusPercentile > 1 {
		return fmt.Errorf("miner config: radius_percentile must be in (0, 1]")
	}
	if c.SmoothingOldWeight < 0 || c.SmoothingOldWeight > 1 {
		return fmt.Errorf("miner config: smoothing_old_weight must be in [0, 1]")
	}
	if c.RoutineWindowHours < 1 || c.RoutineWindowHours > 24 {
		return fmt.Errorf("miner config: routine_window_hours must be in [1, 24]")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("miner config: concurrency must be at least 1")
	}
	return nil
}

func (c Config) Window(now time.Time) (time.Time, time.Time) {
	end := now.UTC()
	return end.AddDate(0, 0, -c.WindowDays), end
}

func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}
