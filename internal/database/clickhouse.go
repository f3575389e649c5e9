package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/radiusdt/newsdesk/internal/config"
	"go.uber.org/zap"
)

// ClickHouseDB wraps the native ClickHouse connection used by the event log.
type ClickHouseDB struct {
	Conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseDB dials ClickHouse and pings it.
func NewClickHouseDB(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout:     5 * time.Second,
		ConnMaxLifetime: time.Hour,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("connected to ClickHouse",
		zap.Strings("addr", cfg.Addr),
		zap.String("database", cfg.Database),
	)

	return &ClickHouseDB{Conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (c *ClickHouseDB) Close() error {
	if c.Conn != nil {
		c.logger.Info("ClickHouse connection closed")
		return c.Conn.Close()
	}
	return nil
}

// Health checks if ClickHouse is reachable.
func (c *ClickHouseDB) Health(ctx context.Context) error {
	return c.Conn.Ping(ctx)
}
