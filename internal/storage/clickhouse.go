package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/radiusdt/newsdesk/internal/models"
)

// ClickHouseEventLog implements EventLog on a ClickHouse MergeTree table.
type ClickHouseEventLog struct {
	conn driver.Conn
}

// NewClickHouseEventLog wraps an open connection and ensures the table exists.
func NewClickHouseEventLog(ctx context.Context, conn driver.Conn) (*ClickHouseEventLog, error) {
	err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS engagement_events (
			id          String,
			kind        LowCardinality(String),
			occurred_at DateTime64(3, 'UTC'),
			article_id  String,
			ad_id       String,
			comment_id  String,
			viewer_ip   String,
			action      LowCardinality(String)
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(occurred_at)
		ORDER BY (kind, occurred_at)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create engagement_events table: %w", err)
	}
	return &ClickHouseEventLog{conn: conn}, nil
}

func (l *ClickHouseEventLog) Append(ctx context.Context, e *models.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	batch, err := l.conn.PrepareBatch(ctx, "INSERT INTO engagement_events")
	if err != nil {
		return &TransientError{Op: "prepare event batch", Err: err}
	}
	if err := batch.Append(
		e.ID,
		string(e.Kind),
		e.OccurredAt.UTC(),
		e.ArticleID,
		e.AdID,
		e.CommentID,
		e.ViewerIP,
		e.Action,
	); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := batch.Send(); err != nil {
		return &TransientError{Op: "send event batch", Err: err}
	}
	return nil
}

func (l *ClickHouseEventLog) Since(ctx context.Context, since time.Time) ([]*models.Event, error) {
	rows, err := l.conn.Query(ctx, `
		SELECT id, kind, occurred_at, article_id, ad_id, comment_id, viewer_ip, action
		FROM engagement_events
		WHERE occurred_at >= ?
		ORDER BY occurred_at
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.Event, 0)
	for rows.Next() {
		var e models.Event
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.OccurredAt, &e.ArticleID, &e.AdID, &e.CommentID, &e.ViewerIP, &e.Action); err != nil {
			return nil, err
		}
		e.Kind = models.EventKind(kind)
		events = append(events, &e)
	}
	return events, rows.Err()
}
