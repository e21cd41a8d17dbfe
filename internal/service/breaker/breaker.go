package breaker

import (
	"sync"
	"time"

	"FinCascade/internal/domain/models"
)

// Config holds the thresholds of one breaker.
type Config struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

// StateChangeFunc is called after every transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to models.BreakerState)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Permit is handed out by Allow and must be settled with Success, Failure or Release.
type Permit struct {
	Trial bool
	gen   uint64
}

// Stats is a snapshot of the breaker.
type Stats struct {
	State               models.BreakerState
	ConsecutiveFailures int
	LastFailureTime     time.Time
	FailureThreshold    int
	OpenTimeout         time.Duration
	TrialInFlight       bool
}

// Breaker is the per-endpoint circuit breaker.
//
// Closed lets calls through and counts consecutive failures. Reaching the
// threshold opens the circuit. Open rejects everything until OpenTimeout has
// passed since the last failure; the next Allow then moves to HalfOpen and
// admits a single trial. Other callers are rejected while the trial runs.
//
// Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	state               models.BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	trialInFlight       bool
	gen                 uint64

	now      func() time.Time
	onChange StateChangeFunc
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		state: models.BreakerClosed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the endpoint name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Allow decides whether a call may start. The Open to HalfOpen transition is
// evaluated here, lazily, never by a timer.
func (b *Breaker) Allow() (Permit, bool) {
	b.mu.Lock()
	var tr *transition
	defer func() { b.mu.Unlock(); b.notify(tr) }()

	switch b.state {
	case models.BreakerClosed:
		return Permit{gen: b.gen}, true
	case models.BreakerOpen:
		if b.now().Sub(b.lastFailureTime) < b.cfg.OpenTimeout {
			return Permit{}, false
		}
		tr = b.transitionTo(models.BreakerHalfOpen)
		b.trialInFlight = true
		return Permit{Trial: true, gen: b.gen}, true
	case models.BreakerHalfOpen:
		if b.trialInFlight {
			return Permit{}, false
		}
		b.trialInFlight = true
		return Permit{Trial: true, gen: b.gen}, true
	}
	return Permit{}, false
}

// StillAllowed re-checks a permit before a retry. A breaker that changed state
// since the permit was issued, for example one that opened mid-retry, returns false.
func (b *Breaker) StillAllowed(p Permit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.gen != b.gen {
		return false
	}
	if p.Trial {
		return b.state == models.BreakerHalfOpen && b.trialInFlight
	}
	return b.state == models.BreakerClosed
}

// Success settles a permit whose call succeeded.
func (b *Breaker) Success(p Permit) {
	b.mu.Lock()
	var tr *transition
	defer func() { b.mu.Unlock(); b.notify(tr) }()

	if p.Trial {
		if p.gen == b.gen && b.state == models.BreakerHalfOpen {
			b.trialInFlight = false
			tr = b.transitionTo(models.BreakerClosed)
		}
		return
	}
	if p.gen == b.gen && b.state == models.BreakerClosed {
		b.consecutiveFailures = 0
	}
}

// Failure settles a permit whose call failed with a breaker-relevant error.
func (b *Breaker) Failure(p Permit) {
	b.mu.Lock()
	var tr *transition
	defer func() { b.mu.Unlock(); b.notify(tr) }()

	now := b.now()
	if p.Trial {
		if p.gen == b.gen && b.state == models.BreakerHalfOpen {
			b.trialInFlight = false
			b.lastFailureTime = now
			tr = b.transitionTo(models.BreakerOpen)
		}
		return
	}
	// A permit from an earlier closed period says nothing about the current one.
	if p.gen != b.gen || b.state != models.BreakerClosed {
		return
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.lastFailureTime = now
		tr = b.transitionTo(models.BreakerOpen)
	}
}

// Release gives back a permit without judging the endpoint, e.g. when the
// caller's own deadline expired. A released trial goes to the next caller.
func (b *Breaker) Release(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Trial && p.gen == b.gen && b.state == models.BreakerHalfOpen {
		b.trialInFlight = false
	}
}

// State returns the current state without triggering the lazy transition.
func (b *Breaker) State() models.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureTime:     b.lastFailureTime,
		FailureThreshold:    b.cfg.FailureThreshold,
		OpenTimeout:         b.cfg.OpenTimeout,
		TrialInFlight:       b.trialInFlight,
	}
}

// Reset forces the breaker closed. Intended for operators.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var tr *transition
	defer func() { b.mu.Unlock(); b.notify(tr) }()
	b.trialInFlight = false
	if b.state != models.BreakerClosed {
		tr = b.transitionTo(models.BreakerClosed)
	}
	b.consecutiveFailures = 0
}

type transition struct {
	from, to models.BreakerState
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(to models.BreakerState) *transition {
	from := b.state
	b.state = to
	b.gen++
	if to == models.BreakerClosed {
		b.consecutiveFailures = 0
	}
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil || b.onChange == nil {
		return
	}
	b.onChange(b.name, tr.from, tr.to)
}
