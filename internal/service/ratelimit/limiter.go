package ratelimit

import (
	"math"
	"sync"
	"time"

	"FinCascade/internal/domain/models"

	"golang.org/x/time/rate"
)

// State is a snapshot of a token bucket.
type State struct {
	Tokens     float64
	LastRefill time.Time
	Capacity   float64
	RefillRate float64 // tokens per second
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter is the admission control for one downstream endpoint.
// A non-positive capacity disables limiting.
type Limiter struct {
	mu         sync.Mutex
	lim        *rate.Limiter
	capacity   float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
}

// New creates a limiter that starts with a full bucket.
func New(cfg models.RateLimit, opts ...Option) *Limiter {
	l := &Limiter{
		capacity:   cfg.Capacity,
		refillRate: cfg.RefillPerSec,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastRefill = l.now()
	if cfg.Capacity <= 0 {
		l.lim = rate.NewLimiter(rate.Inf, 0)
		return l
	}
	burst := int(math.Max(1, math.Floor(cfg.Capacity)))
	l.lim = rate.NewLimiter(rate.Limit(cfg.RefillPerSec), burst)
	// Seed the bucket at the injected clock so refill math starts from it.
	l.lim.SetLimitAt(l.lastRefill, l.lim.Limit())
	return l
}

// Allow consumes one token if available. Consumed tokens are never refunded.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.After(l.lastRefill) {
		l.lastRefill = now
	}
	return l.lim.AllowN(now, 1)
}

// State returns the current bucket contents.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	tokens := math.Inf(1)
	if l.capacity > 0 {
		tokens = l.lim.TokensAt(l.now())
	}
	return State{
		Tokens:     tokens,
		LastRefill: l.lastRefill,
		Capacity:   l.capacity,
		RefillRate: l.refillRate,
	}
}
