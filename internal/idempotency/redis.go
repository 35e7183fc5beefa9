package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepository implements Repository on Redis so replays are honored
// across API instances. Keys expire on their own after the TTL.
type RedisRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRepository creates a RedisRepository. ttl <= 0 uses DefaultExpiry.
func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{client: client, prefix: "toursync:idempotency:", ttl: ttl}
}

func (r *RedisRepository) redisKey(key string) string { return r.prefix + key }

// Reserve implements Repository with SET NX.
func (r *RedisRepository) Reserve(ctx context.Context, record *Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.Status = StatusProcessing

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.redisKey(record.Key), payload, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// Get implements Repository.
func (r *RedisRepository) Get(ctx context.Context, key string) (*Record, error) {
	payload, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &record, nil
}

// Complete implements Repository. The original TTL is kept.
func (r *RedisRepository) Complete(ctx context.Context, record *Record) error {
	record.Status = StatusCompleted
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	err = r.client.SetArgs(ctx, r.redisKey(record.Key), payload, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// Release implements Repository.
func (r *RedisRepository) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// DeleteOlderThan implements Repository. Redis expires keys itself, so this
// is a no-op.
func (r *RedisRepository) DeleteOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
