package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const stockKeyPrefix = "stock:product:"

// LoadFunc counts a product's unused cards from the source of truth.
type LoadFunc func(ctx context.Context) (int, error)

// StockCache keeps unused-card counts in Redis. It is advisory only:
// fulfillment never reads it, and every Redis failure falls through to load.
type StockCache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

func NewStockCache(client *redis.Client, ttl time.Duration) *StockCache {
	return &StockCache{client: client, ttl: ttl}
}

func stockKey(productID int64) string {
	return fmt.Sprintf("%s%d", stockKeyPrefix, productID)
}

// Available returns the cached count for a product, calling load and caching
// its result on a miss.
func (c *StockCache) Available(ctx context.Context, productID int64, load LoadFunc) (int, error) {
	key := stockKey(productID)

	n, err := c.client.Get(ctx, key).Int()
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, redis.Nil) {
		log.Printf("stock cache get %s: %v", key, err)
	}

	n, err = load(ctx)
	if err != nil {
		return 0, err
	}

	if err := c.client.Set(ctx, key, n, c.ttl).Err(); err != nil {
		log.Printf("stock cache set %s: %v", key, err)
	}

	return n, nil
}

func (c *StockCache) Invalidate(ctx context.Context, productID int64) error {
	return c.client.Del(ctx, stockKey(productID)).Err()
}
