package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := New(addr)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func counter(n int, calls *int) LoadFunc {
	return func(ctx context.Context) (int, error) {
		*calls++
		return n, nil
	}
}

func TestAvailable_ReadThrough(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	c := NewStockCache(client, time.Minute)
	client.Del(ctx, stockKey(101))

	calls := 0
	n, err := c.Available(ctx, 101, counter(7, &calls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7, got %d", n)
	}

	n, err = c.Available(ctx, 101, counter(3, &calls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Errorf("expected cached 7, got %d", n)
	}
	if calls != 1 {
		t.Errorf("expected 1 load, got %d", calls)
	}
}

func TestInvalidate_ForcesReload(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	c := NewStockCache(client, time.Minute)
	client.Del(ctx, stockKey(102))

	calls := 0
	if _, err := c.Available(ctx, 102, counter(5, &calls)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Invalidate(ctx, 102); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	n, err := c.Available(ctx, 102, counter(4, &calls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Errorf("expected reloaded 4, got %d", n)
	}
	if calls != 2 {
		t.Errorf("expected 2 loads, got %d", calls)
	}
}

func TestAvailable_FallsBackWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := NewStockCache(client, time.Minute)

	calls := 0
	n, err := c.Available(context.Background(), 1, counter(9, &calls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 9 || calls != 1 {
		t.Errorf("expected load result 9 after 1 call, got %d after %d", n, calls)
	}

	if err := c.Invalidate(context.Background(), 1); err == nil {
		t.Error("expected invalidate to report the connection error")
	}
}

func TestAvailable_LoadError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := NewStockCache(client, time.Minute)
	want := errors.New("db down")

	_, err := c.Available(context.Background(), 1, func(ctx context.Context) (int, error) {
		return 0, want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected load error, got %v", err)
	}
}
