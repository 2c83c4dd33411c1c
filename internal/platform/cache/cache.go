package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a read-through TTL cache backed by Redis. It is advisory only:
// every method degrades to a miss (or a no-op) on backend errors so a
// broken cache never blocks a correctness-preserving fetch.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis. A failed ping is logged and tolerated; the cache
// simply misses until the backend comes back.
func New(addr string, db int, logger *slog.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("Could not connect to Redis cache; running degraded", "addr", addr, "error", err)
	}

	return &Cache{client: client, logger: logger.With("component", "cache")}
}

// Get unmarshals the cached JSON value for key into dest.
// Returns false on a miss, expiry, or any backend/decoding error.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.DebugContext(ctx, "Cache get failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.WarnContext(ctx, "Cache entry undecodable, dropping", "key", key, "error", err)
		_ = c.client.Del(ctx, key).Err()
		return false
	}
	return true
}

// Set stores value as JSON under key with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.WarnContext(ctx, "Cache set skipped, value not serializable", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.DebugContext(ctx, "Cache set failed", "key", key, "error", err)
	}
}

// Invalidate removes the given keys.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.DebugContext(ctx, "Cache invalidate failed", "keys", keys, "error", err)
	}
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
