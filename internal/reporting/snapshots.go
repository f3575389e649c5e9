package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/newsdesk/internal/cache"
	"go.uber.org/zap"
)

// RefreshArticles recomputes the article snapshot and stores it.
func (e *Engine) RefreshArticles(ctx context.Context) error {
	return refresh(ctx, e, cache.KeyArticles, e.ComputeArticleMetrics)
}

// RefreshAds recomputes the ad snapshot and stores it.
func (e *Engine) RefreshAds(ctx context.Context) error {
	return refresh(ctx, e, cache.KeyAds, e.ComputeAdMetrics)
}

// RefreshLive recomputes the live snapshot and stores it.
func (e *Engine) RefreshLive(ctx context.Context) error {
	return refresh(ctx, e, cache.KeyLive, e.ComputeLiveMetrics)
}

func refresh[T any](ctx context.Context, e *Engine, key string, compute func(context.Context) (*T, error)) error {
	start := time.Now()
	snap, err := compute(ctx)
	e.metrics.RecordRefresh(key, time.Since(start), err)
	if err != nil {
		return err
	}
	if e.cache == nil {
		return nil
	}
	if err := e.cache.Set(ctx, key, snap, e.snapshotTTL); err != nil {
		return fmt.Errorf("store %s snapshot: %w", key, err)
	}
	return nil
}

// ArticleSnapshot returns the cached article snapshot, computing and
// caching it on a miss.
func (e *Engine) ArticleSnapshot(ctx context.Context) (*ArticleMetrics, error) {
	return snapshot(ctx, e, cache.KeyArticles, e.ComputeArticleMetrics)
}

// AdSnapshot returns the cached ad snapshot, computing it on a miss.
func (e *Engine) AdSnapshot(ctx context.Context) (*AdMetrics, error) {
	return snapshot(ctx, e, cache.KeyAds, e.ComputeAdMetrics)
}

// LiveSnapshot returns the cached live snapshot, computing it on a miss.
func (e *Engine) LiveSnapshot(ctx context.Context) (*LiveMetrics, error) {
	return snapshot(ctx, e, cache.KeyLive, e.ComputeLiveMetrics)
}

func snapshot[T any](ctx context.Context, e *Engine, key string, compute func(context.Context) (*T, error)) (*T, error) {
	if e.cache != nil {
		var cached T
		ok, err := e.cache.Get(ctx, key, &cached)
		if err != nil {
			e.logger.Warn("snapshot cache read failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		if ok {
			return &cached, nil
		}
	}

	snap, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.Set(ctx, key, snap, e.snapshotTTL); err != nil {
			e.logger.Warn("snapshot cache write failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
	return snap, nil
}
