package safety

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's lifecycle state.
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 5
	defaultFailureWindow    = 30 * time.Second
	defaultInitialCooldown  = 1 * time.Second
	defaultMaxCooldown      = 60 * time.Second
)

// Breaker is a per-peer circuit breaker (spec.md §4.I): after
// failureThreshold failures within failureWindow it opens, rejecting
// further attempts until a cooldown elapses; it then allows one trial
// (half-open) and either closes on success or reopens with a doubled
// cooldown on failure.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	failureWindow    time.Duration
	cooldown         time.Duration
	maxCooldown      time.Duration

	state        BreakerState
	failures     []time.Time
	openedAt     time.Time
	currentCool  time.Duration
	now          func() time.Time
}

// NewBreaker constructs a Breaker with default thresholds.
func NewBreaker() *Breaker {
	return NewBreakerWithLimits(defaultFailureThreshold, defaultInitialCooldown)
}

// NewBreakerWithLimits constructs a Breaker whose trip threshold and
// initial cooldown come from config.Config's circuit_breaker.* options
// rather than the package defaults. A non-positive threshold or cooldown
// falls back to its default.
func NewBreakerWithLimits(threshold int, initialCooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if initialCooldown <= 0 {
		initialCooldown = defaultInitialCooldown
	}
	return &Breaker{
		failureThreshold: threshold,
		failureWindow:    defaultFailureWindow,
		cooldown:         initialCooldown,
		maxCooldown:      defaultMaxCooldown,
		currentCool:      initialCooldown,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// Allow reports whether a new attempt may proceed, transitioning Open to
// Half-Open once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.currentCool {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker and resets its failure history.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = nil
	b.currentCool = b.cooldown
}

// RecordFailure records a failed attempt. In Half-Open, any failure
// reopens the breaker immediately with a doubled cooldown. In Closed, it
// opens once failureThreshold failures fall within failureWindow.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	if b.state == BreakerHalfOpen {
		b.trip(now)
		return
	}

	b.failures = append(b.failures, now)
	cutoff := now.Add(-b.failureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept

	if len(b.failures) >= b.failureThreshold {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	if b.state == BreakerOpen || b.state == BreakerHalfOpen {
		b.currentCool *= 2
		if b.currentCool > b.maxCooldown {
			b.currentCool = b.maxCooldown
		}
	}
	b.state = BreakerOpen
	b.openedAt = now
	b.failures = nil
}

// State reports the breaker's current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// PeerBreakers is a keyed collection of per-peer circuit breakers.
type PeerBreakers struct {
	mu        sync.Mutex
	byID      map[string]*Breaker
	threshold int
	cooldown  time.Duration
}

// NewPeerBreakers constructs an empty PeerBreakers collection. threshold
// and cooldown come from config.Config.CircuitBreaker and are applied to
// every breaker this collection creates; zero values fall back to the
// package defaults (see NewBreakerWithLimits).
func NewPeerBreakers(threshold int, cooldown time.Duration) *PeerBreakers {
	return &PeerBreakers{byID: make(map[string]*Breaker), threshold: threshold, cooldown: cooldown}
}

// For returns (creating if absent) the Breaker for peer key.
func (p *PeerBreakers) For(key string) *Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.byID[key]
	if !ok {
		b = NewBreakerWithLimits(p.threshold, p.cooldown)
		p.byID[key] = b
	}
	return b
}

// Remove drops the breaker for key, e.g. once its peer's session closes.
func (p *PeerBreakers) Remove(key string) {
	p.mu.Lock()
	delete(p.byID, key)
	p.mu.Unlock()
}
