package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window Backend backed by Redis, for deployments
// running more than one API instance. Fails open: if Redis is unreachable
// the request is allowed rather than rejected.
type RedisLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisLimiter connects to Redis at addr and verifies the connection.
func NewRedisLimiter(ctx context.Context, addr string, logger *slog.Logger) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisLimiter{client: client, logger: logger}, nil
}

// AllowRPM increments the caller's counter for the current minute window and
// compares it against the allowance.
func (r *RedisLimiter) AllowRPM(key string, rpm int) bool {
	if rpm <= 0 {
		rpm = DefaultConfig().RequestsPerMinute
	}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	window := time.Now().Unix() / 60
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, window)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("rate limit check failed, allowing request", "error", err)
		return true
	}
	return incr.Val() <= int64(rpm)
}

// Close releases the Redis connection.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
