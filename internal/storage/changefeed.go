package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/newsdesk/internal/models"
	"go.uber.org/zap"
)

// ChangeChannel is the NOTIFY channel the schema triggers publish on.
const ChangeChannel = "engagement_changes"

// PostgresChangeFeed implements ChangeFeed with LISTEN/NOTIFY. Each
// subscription hijacks one connection from the pool for its lifetime.
type PostgresChangeFeed struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresChangeFeed creates a change feed over pool.
func NewPostgresChangeFeed(pool *pgxpool.Pool, logger *zap.Logger) *PostgresChangeFeed {
	return &PostgresChangeFeed{pool: pool, logger: logger}
}

func (f *PostgresChangeFeed) Subscribe(ctx context.Context, tables []string) (<-chan models.Change, error) {
	pooled, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, classify("acquire listen connection", err)
	}
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, classify("listen", err)
	}

	watched := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		watched[t] = struct{}{}
	}

	out := make(chan models.Change, 64)
	go func() {
		defer close(out)
		defer conn.Close(context.Background())

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					f.logger.Warn("change feed connection lost", zap.Error(err))
				}
				return
			}

			var change models.Change
			if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
				f.logger.Warn("malformed change notification",
					zap.String("payload", n.Payload),
					zap.Error(err),
				)
				continue
			}
			if _, ok := watched[change.Table]; !ok {
				continue
			}

			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	f.logger.Info("subscribed to change feed",
		zap.String("channel", ChangeChannel),
		zap.Strings("tables", tables),
	)
	return out, nil
}

// String identifies the feed in logs.
func (f *PostgresChangeFeed) String() string {
	return fmt.Sprintf("postgres LISTEN %s", ChangeChannel)
}
