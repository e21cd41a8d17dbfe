package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"FinCascade/internal/domain/models"
	"FinCascade/pkg/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*miniredis.Miniredis, *cache.RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, cache.NewRedisCache(client, "test")
}

func TestCacheFallbackStore_RememberAndGet(t *testing.T) {
	_, rc := newRedisCache(t)
	store := NewCacheFallbackStore(cache.NewLayeredCache(rc), time.Hour)
	ctx := context.Background()

	got, err := store.GetLastKnownGood(ctx, models.StageMacro, []string{"BTC"})
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Remember(ctx, models.StageMacro, []string{"BTC", "ETH"}, json.RawMessage(`{"regime":"risk-off"}`)))

	got, err = store.GetLastKnownGood(ctx, models.StageMacro, []string{"eth", "BTC"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"regime":"risk-off"}`, string(got))

	other, err := store.GetLastKnownGood(ctx, models.StageSector, []string{"BTC", "ETH"})
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestCacheFallbackStore_StoredRawInRedis(t *testing.T) {
	mr, rc := newRedisCache(t)
	store := NewCacheFallbackStore(rc, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Remember(ctx, models.StageAsset, []string{"SOL"}, json.RawMessage(`{"score":1}`)))
	raw, err := mr.Get("test:" + fallbackKey(models.StageAsset, []string{"SOL"}))
	require.NoError(t, err)
	assert.Equal(t, `{"score":1}`, raw)
	assert.Equal(t, time.Minute, mr.TTL("test:"+fallbackKey(models.StageAsset, []string{"SOL"})))

	mr.FastForward(2 * time.Minute)
	got, err := store.GetLastKnownGood(ctx, models.StageAsset, []string{"SOL"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheFallbackStore_MemoryOnly(t *testing.T) {
	mc := cache.NewMemoryCache()
	defer mc.Close()
	store := NewCacheFallbackStore(mc, 0)
	ctx := context.Background()

	require.NoError(t, store.Remember(ctx, models.StageTiming, []string{"BTC"}, json.RawMessage(`[1,2]`)))
	got, err := store.GetLastKnownGood(ctx, models.StageTiming, []string{"BTC"})
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(got))

	require.NoError(t, store.Remember(ctx, models.StageTiming, []string{"BTC"}, nil))
	got, _ = store.GetLastKnownGood(ctx, models.StageTiming, []string{"BTC"})
	assert.JSONEq(t, `[1,2]`, string(got), "empty payloads never overwrite")
}

func TestCacheFallbackStore_LayeredServesMemoryWhileRedisDown(t *testing.T) {
	mr, rc := newRedisCache(t)
	store := NewCacheFallbackStore(cache.NewLayeredCache(rc), time.Hour)
	ctx := context.Background()
	mr.Close()

	assert.Error(t, store.Remember(ctx, models.StageSector, []string{"BTC"}, json.RawMessage(`{"top":"energy"}`)))
	got, err := store.GetLastKnownGood(ctx, models.StageSector, []string{"BTC"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"top":"energy"}`, string(got))
}

func TestCacheFallbackStore_RedisDown(t *testing.T) {
	mr, rc := newRedisCache(t)
	store := NewCacheFallbackStore(rc, time.Minute)
	mr.Close()

	_, err := store.GetLastKnownGood(context.Background(), models.StageMacro, []string{"BTC"})
	assert.Error(t, err)
}

// gatedCache blocks Get until open is closed or the read context ends.
type gatedCache struct {
	*cache.MemoryCache
	entered chan struct{}
	open    chan struct{}
}

func (g *gatedCache) Get(ctx context.Context, key string, dest interface{}) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.open:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.MemoryCache.Get(ctx, key, dest)
}

func TestCacheFallbackStore_SharedReadSurvivesFirstCallerCancel(t *testing.T) {
	mc := cache.NewMemoryCache()
	defer mc.Close()
	gc := &gatedCache{MemoryCache: mc, entered: make(chan struct{}, 1), open: make(chan struct{})}
	store := NewCacheFallbackStore(gc, 0)
	require.NoError(t, mc.Set(context.Background(), fallbackKey(models.StageMacro, []string{"BTC"}), `{"regime":"risk-on"}`, 0))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := store.GetLastKnownGood(firstCtx, models.StageMacro, []string{"BTC"})
		firstErr <- err
	}()
	<-gc.entered

	type lookup struct {
		payload json.RawMessage
		err     error
	}
	second := make(chan lookup, 1)
	go func() {
		p, err := store.GetLastKnownGood(context.Background(), models.StageMacro, []string{"BTC"})
		second <- lookup{p, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(gc.open)
	got := <-second
	require.NoError(t, got.err)
	assert.JSONEq(t, `{"regime":"risk-on"}`, string(got.payload))
}
