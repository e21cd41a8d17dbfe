package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// noExpiry is used for entries written without a TTL.
const noExpiry = 7 * 24 * time.Hour

type memEntry struct {
	key      string
	value    interface{}
	expireAt time.Time
}

// MemoryCache is a size bounded LRU map with per entry expiry.
type MemoryCache struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List // front is most recently used
	maxSize    int
	sweepEvery time.Duration
	now        func() time.Time
	done       chan struct{}
	closeOnce  sync.Once
}

// NewMemoryCache creates the cache and starts its expiry sweeper.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	mc := &MemoryCache{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxSize:    1000,
		sweepEvery: 5 * time.Minute,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(mc)
	}
	go mc.sweep()
	return mc
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	if expiration <= 0 {
		expiration = noExpiry
	}
	expireAt := mc.now().Add(expiration)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if el, ok := mc.items[key]; ok {
		e := el.Value.(*memEntry)
		e.value, e.expireAt = value, expireAt
		mc.order.MoveToFront(el)
		return nil
	}
	for mc.order.Len() >= mc.maxSize {
		mc.removeElement(mc.order.Back())
	}
	mc.items[key] = mc.order.PushFront(&memEntry{key: key, value: value, expireAt: expireAt})
	return nil
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	el, ok := mc.items[key]
	if !ok {
		mc.mu.Unlock()
		return ErrCacheMiss
	}
	e := el.Value.(*memEntry)
	if !mc.now().Before(e.expireAt) {
		mc.removeElement(el)
		mc.mu.Unlock()
		return ErrCacheMiss
	}
	mc.order.MoveToFront(el)
	value := e.value
	mc.mu.Unlock()

	return assign(value, dest)
}

// assign copies a stored value into dest. Strings and byte slices are treated
// as already-encoded JSON so values written by Redis-backed layers round-trip.
func assign(value interface{}, dest interface{}) error {
	switch d := dest.(type) {
	case *interface{}:
		*d = value
		return nil
	case *string:
		switch v := value.(type) {
		case string:
			*d = v
			return nil
		case []byte:
			*d = string(v)
			return nil
		}
	}

	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("memory cache: encode: %w", err)
		}
		raw = b
	}
	return json.Unmarshal(raw, dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, key := range keys {
		if el, ok := mc.items[key]; ok {
			mc.removeElement(el)
		}
	}
	return nil
}

// Len returns the number of entries, expired ones included until swept.
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.order.Len()
}

func (mc *MemoryCache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	mc.order.Remove(el)
	delete(mc.items, el.Value.(*memEntry).key)
}

func (mc *MemoryCache) sweep() {
	ticker := time.NewTicker(mc.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-mc.done:
			return
		case <-ticker.C:
		}
		now := mc.now()
		mc.mu.Lock()
		for el := mc.order.Back(); el != nil; {
			prev := el.Prev()
			if !now.Before(el.Value.(*memEntry).expireAt) {
				mc.removeElement(el)
			}
			el = prev
		}
		mc.mu.Unlock()
	}
}

// Close stops the sweeper.
func (mc *MemoryCache) Close() error {
	mc.closeOnce.Do(func() { close(mc.done) })
	return nil
}

var _ Service = (*MemoryCache)(nil)
