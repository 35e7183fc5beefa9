package health

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Pinger is the subset of a go-redis client used for health checks.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisChecker implements health checking for Redis.
type RedisChecker struct {
	client Pinger
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client Pinger) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck performs a health check on Redis by sending a PING command.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
