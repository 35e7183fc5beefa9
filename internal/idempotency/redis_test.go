package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis returns a client for a local Redis, skipping when none is running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestRedisRepository_Lifecycle(t *testing.T) {
	client := setupTestRedis(t)
	repo := NewRedisRepository(client, time.Minute)
	ctx := context.Background()

	if err := repo.Reserve(ctx, &Record{Key: "u1:k1", Method: "POST"}); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := repo.Reserve(ctx, &Record{Key: "u1:k1"}); err != ErrKeyExists {
		t.Errorf("second Reserve() error = %v, want ErrKeyExists", err)
	}

	if err := repo.Complete(ctx, &Record{Key: "u1:k1", ResponseBody: "{}", ResponseStatusCode: 201}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, err := repo.Get(ctx, "u1:k1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.ResponseStatusCode != 201 {
		t.Errorf("Get() = %+v", got)
	}
	if ttl := client.TTL(ctx, "toursync:idempotency:u1:k1").Val(); ttl <= 0 {
		t.Errorf("TTL = %v, want positive", ttl)
	}

	if err := repo.Release(ctx, "u1:k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Get(ctx, "u1:k1"); err != ErrKeyNotFound {
		t.Errorf("Get() after release error = %v", err)
	}
	if err := repo.Complete(ctx, &Record{Key: "missing"}); err != ErrKeyNotFound {
		t.Errorf("Complete(missing) error = %v", err)
	}
}
