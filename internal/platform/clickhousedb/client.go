package clickhousedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

// Client manages the ClickHouse connection backing the event store.
type Client struct {
	DB  *sql.DB
	log *logger.Logger
}

func NewFromEnv(log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("clickhousedb: logger required")
	}

	host := strings.TrimSpace(os.Getenv("CLICKHOUSE_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(os.Getenv("CLICKHOUSE_PORT"))
	if port == "" {
		port = "9000"
	}
	user := strings.TrimSpace(os.Getenv("CLICKHOUSE_USER"))
	if user == "" {
		user = "default"
	}
	password := strings.TrimSpace(os.Getenv("CLICKHOUSE_PASSWORD"))
	database := strings.TrimSpace(os.Getenv("CLICKHOUSE_DATABASE"))
	if database == "" {
		database = "lifestream"
	}

	dsn := fmt.Sprintf("clickhouse://%s:%s@%s:%s/%s?secure=false", user, password, host, port, database)

	conn, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhousedb: open connection: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhousedb: ping: %w", err)
	}

	c := &Client{DB: conn, log: log.With("client", "ClickHouseDB")}
	if err := c.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.log.Info("ClickHouse connected", "host", host, "port", port, "database", database)
	return c, nil
}

func (c *Client) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

func (c *Client) ensureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS events (
			id UUID,
			subject_id UUID,
			timestamp DateTime64(3, 'UTC'),
			seq UInt64,
			event_type LowCardinality(String),
			event_subtype String,
			source LowCardinality(String),
			lat Nullable(Float64),
			lon Nullable(Float64),
			accuracy Nullable(Float64),
			speed Nullable(Float64),
			payload String
		)
		ENGINE = MergeTree
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (subject_id, timestamp, seq)
	`
	if _, err := c.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("clickhousedb: ensure events table: %w", err)
	}
	return nil
}
