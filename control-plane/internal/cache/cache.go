// Package cache provides Redis-backed caching for hot control-plane lookups.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/netscope-io/netscope/control-plane/internal/config"
	"github.com/netscope-io/netscope/pkg/types"
)

const keyPrefix = "netscope:cache:"

// Cache provides Redis-backed caching.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a new Redis-backed cache.
func New(redisURL string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), config.RedisConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Cache{
		client: client,
		logger: logger.With("component", "cache"),
	}, nil
}

// Get retrieves a cached value. Returns nil if not found or expired.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores a value in the cache with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, data, ttl).Err()
}

// GetJSON retrieves and unmarshals a cached JSON value.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals and stores a JSON value in the cache.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// Delete removes a key from the cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// DeletePattern removes all keys matching a pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, keyPrefix+pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return c.client.Del(ctx, keys...).Err()
	}
	return nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// =============================================================================
// DAEMONS
// =============================================================================

// DaemonKey is the cache key for a daemon record.
func DaemonKey(id string) string {
	return "daemon:" + id
}

// GetDaemon returns a cached daemon, or nil on a miss.
func (c *Cache) GetDaemon(ctx context.Context, id string) (*types.Daemon, error) {
	var d types.Daemon
	ok, err := c.GetJSON(ctx, DaemonKey(id), &d)
	if err != nil || !ok {
		return nil, err
	}
	return &d, nil
}

// SetDaemon caches a daemon record.
func (c *Cache) SetDaemon(ctx context.Context, d *types.Daemon) error {
	return c.SetJSON(ctx, DaemonKey(d.ID), d, config.CacheTTLDaemon)
}

// InvalidateDaemon drops a daemon record.
func (c *Cache) InvalidateDaemon(ctx context.Context, id string) error {
	return c.Delete(ctx, DaemonKey(id))
}

// InvalidateDaemons drops every cached daemon record.
func (c *Cache) InvalidateDaemons(ctx context.Context) error {
	return c.DeletePattern(ctx, DaemonKey("*"))
}
