package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxIdleKeys bounds the map; past it, buckets that refilled completely are dropped.
const maxIdleKeys = 4096

// KeyedLimiter throttles inbound callers, one lazily created bucket per key.
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewKeyed creates a keyed limiter; capacity <= 0 allows everything.
func NewKeyed(capacity, refillPerSec float64) *KeyedLimiter {
	return &KeyedLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(refillPerSec),
		burst:   int(math.Ceil(capacity)),
		now:     time.Now,
	}
}

// Allow reports whether key may make one more request now.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.burst <= 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxIdleKeys {
			l.evictFull(now)
		}
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b.AllowN(now, 1)
}

func (l *KeyedLimiter) evictFull(now time.Time) {
	for k, b := range l.buckets {
		if b.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, k)
		}
	}
}
