// Package cache provides the Redis access layer: the shared client, the
// load-transition signal stream, and the read-API rate limiter. The spill
// stream itself lives with the buffer pool that owns its lifecycle.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps the shared Redis client used by the spill path, the rate
// limiter, and the load signal publisher.
type Cache struct {
	client *redis.Client
}

// New parses the Redis URL, tunes the connection pool, and verifies
// connectivity before handing the client out.
func New(ctx context.Context, redisURL string) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Spill writes arrive in bursts when buffers saturate, so keep a few
	// idle conns warm. PoolTimeout bounds how long an XADD blocks when the
	// pool is exhausted under load.
	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Ping checks Redis connectivity. Used by the health endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client for components that manage
// their own keys, such as the stream spiller and the replay worker.
func (c *Cache) Client() *redis.Client {
	return c.client
}
