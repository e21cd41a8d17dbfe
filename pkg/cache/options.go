package cache

import "time"

// MemoryOption configures MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMemoryMaxSize bounds the number of entries; the least recently used is evicted first.
func WithMemoryMaxSize(size int) MemoryOption {
	return func(m *MemoryCache) {
		if size > 0 {
			m.maxSize = size
		}
	}
}

// WithMemoryCleanup sets how often expired entries are swept.
func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(m *MemoryCache) {
		if interval > 0 {
			m.sweepEvery = interval
		}
	}
}

// WithMemoryClock replaces time.Now, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryCache) {
		if now != nil {
			m.now = now
		}
	}
}

// LayeredOption configures LayeredCache.
type LayeredOption func(*LayeredCache)

// WithLayeredMemorySize sets the L1 size.
func WithLayeredMemorySize(size int) LayeredOption {
	return func(lc *LayeredCache) {
		if size > 0 {
			lc.memSize = size
		}
	}
}

// WithLayeredMemoryTTL caps how long L1 keeps an entry.
func WithLayeredMemoryTTL(ttl time.Duration) LayeredOption {
	return func(lc *LayeredCache) {
		if ttl > 0 {
			lc.memTTL = ttl
		}
	}
}
