package redisdb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

// Client wraps the Redis connection used for per-subject mining leases.
// Returns (nil, nil) when REDIS_ADDR is unset: a single miner process does
// not need cross-process coordination.
type Client struct {
	rdb *redis.Client
	log *logger.Logger
}

func NewFromEnv(log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("redisdb: logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisdb: ping: %w", err)
	}

	return &Client{rdb: rdb, log: log.With("client", "RedisDB")}, nil
}

func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// AcquireLease takes a short-lived exclusive lease on one subject's mining
// run. A nil client always grants the lease. The returned release func is
// safe to call once the run finishes; the TTL bounds the damage of a crash.
func (c *Client) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, func(), error) {
	if c == nil || c.rdb == nil {
		return true, func() {}, nil
	}
	ok, err := c.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("redisdb: acquire lease %q: %w", key, err)
	}
	if !ok {
		return false, nil, nil
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.rdb.Del(rctx, key).Err(); err != nil {
			c.log.Warn("Failed to release mining lease", "key", key, "error", err)
		}
	}
	return true, release, nil
}
