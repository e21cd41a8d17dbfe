package cache

import (
	"context"
	"encoding/json"
	"time"
)

// LayeredCache reads through a memory L1 into Redis and writes through both.
// L1 entries live for at most memTTL so other replicas' writes become visible.
type LayeredCache struct {
	l1      *MemoryCache
	l2      *RedisCache
	memSize int
	memTTL  time.Duration
}

// NewLayeredCache creates a layered cache over redisCache.
func NewLayeredCache(redisCache *RedisCache, opts ...LayeredOption) *LayeredCache {
	lc := &LayeredCache{l2: redisCache, memSize: 1000, memTTL: time.Minute}
	for _, opt := range opts {
		opt(lc)
	}
	lc.l1 = NewMemoryCache(WithMemoryMaxSize(lc.memSize))
	return lc
}

// Set writes L1 first so this replica keeps the value while Redis is down.
// The Redis error, if any, is still returned.
func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	_ = lc.l1.Set(ctx, key, value, lc.l1TTL(expiration))
	return lc.l2.Set(ctx, key, value, expiration)
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.l1.Get(ctx, key, dest); err == nil {
		return nil
	}
	if err := lc.l2.Get(ctx, key, dest); err != nil {
		return err
	}

	// promote
	if sp, ok := dest.(*string); ok {
		_ = lc.l1.Set(ctx, key, *sp, lc.memTTL)
	} else if b, err := json.Marshal(dest); err == nil {
		_ = lc.l1.Set(ctx, key, b, lc.memTTL)
	}
	return nil
}

func (lc *LayeredCache) l1TTL(expiration time.Duration) time.Duration {
	if expiration > 0 && expiration < lc.memTTL {
		return expiration
	}
	return lc.memTTL
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.l1.Delete(ctx, keys...)
	return lc.l2.Delete(ctx, keys...)
}

// Close closes both layers.
func (lc *LayeredCache) Close() error {
	_ = lc.l1.Close()
	return lc.l2.Close()
}

var _ Service = (*LayeredCache)(nil)
