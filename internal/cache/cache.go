// Package cache stores the latest computed metric snapshots so that
// dashboard reads never trigger a recompute.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot keys.
const (
	KeyArticles = "articles"
	KeyAds      = "ads"
	KeyLive     = "live"
)

// SnapshotCache stores JSON-encodable snapshots by key.
type SnapshotCache interface {
	// Get decodes the stored snapshot into dst and reports whether it existed.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
}

// =============================================
// Redis
// =============================================

const redisKeyPrefix = "newsdesk:snapshot:"

// RedisSnapshotCache keeps snapshots in Redis as JSON strings.
type RedisSnapshotCache struct {
	client *redis.Client
}

// NewRedisSnapshotCache creates a cache over client.
func NewRedisSnapshotCache(client *redis.Client) *RedisSnapshotCache {
	return &RedisSnapshotCache{client: client}
}

func (c *RedisSnapshotCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return true, nil
}

func (c *RedisSnapshotCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot %s: %w", key, err)
	}
	return nil
}

// =============================================
// In-memory
// =============================================

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemorySnapshotCache is the in-process fallback used when Redis is absent.
type MemorySnapshotCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemorySnapshotCache creates an empty cache.
func NewMemorySnapshotCache() *MemorySnapshotCache {
	return &MemorySnapshotCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemorySnapshotCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(entry.data, dst); err != nil {
		return false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return true, nil
}

func (c *MemorySnapshotCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}

	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}
