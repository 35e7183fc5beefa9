package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter, starts the window on the
// first hit and returns the count and the window's remaining milliseconds.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisRateLimitStore implements RateLimitStore on Redis so limits hold
// across API instances. It fails open when Redis is unreachable.
type RedisRateLimitStore struct {
	client  *redis.Client
	prefix  string
	metrics *Metrics
}

// NewRedisRateLimitStore creates a Redis-backed store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: "toursync:ratelimit:"}
}

// SetMetrics counts fail-open events in m.
func (s *RedisRateLimitStore) SetMetrics(m *Metrics) {
	s.metrics = m
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, config.WindowDuration.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		if s.metrics != nil {
			s.metrics.IncRateLimitRedisErrors()
		}
		slog.WarnContext(ctx, "rate limit store unavailable, allowing request", "error", err)
		return true, config.RequestsPerWindow, 0
	}

	count, ttlMillis := int(res[0]), res[1]
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, 0
	}
	if ttlMillis < 0 {
		ttlMillis = config.WindowDuration.Milliseconds()
	}
	return false, 0, retryAfterSeconds(time.Duration(ttlMillis) * time.Millisecond)
}
