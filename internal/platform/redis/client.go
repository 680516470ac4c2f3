// Package redis wires the shared Redis deployment into the application:
// client construction plus the kv.Store adapter used by the cache, the rate
// limiter and the job queue.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/taskloom/taskloom-api/internal/config"
)

// NewClient creates a Redis client from configuration and verifies
// connectivity with a bounded ping. The command timeouts keep every store
// access cancellable so callers can treat a slow Redis as an unavailable one.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.CommandTimeout,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}
