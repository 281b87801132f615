package congestion

import (
	"sync"
	"time"
)

// Pacer enforces a send rate using a credit accumulator: each send debits
// credit by the packet size, and credit refills continuously at the
// target pacing rate. NextDelay returns how long the caller must wait
// before the next packet may go out, satisfying spec.md §4.C's
// requirement that the sender "MUST NOT burst past pacing rate."
type Pacer struct {
	mu         sync.Mutex
	bbr        *BBR
	credit     float64 // bytes
	lastRefill time.Time
	now        func() time.Time
}

// NewPacer builds a Pacer driven by bbr's PacingRate.
func NewPacer(bbr *BBR) *Pacer {
	return &Pacer{bbr: bbr, lastRefill: time.Now(), now: time.Now}
}

// NextDelay reports how long to wait before sending a packet of the given
// size, and debits the accumulator as if the packet were sent after that
// delay. Call this immediately before the actual send.
func (p *Pacer) NextDelay(packetSize int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.refill(now)

	rate := p.bbr.PacingRate() // bytes/sec
	if rate <= 0 {
		rate = 1
	}

	size := float64(packetSize)
	if p.credit >= size {
		p.credit -= size
		return 0
	}

	deficit := size - p.credit
	p.credit = 0
	// Pre-debit for the packet that will be sent after the delay: the wait
	// starts from any refill point an earlier call already moved into the
	// future, so back-to-back calls compound rather than each waiting only
	// from now.
	start := now
	if p.lastRefill.After(now) {
		start = p.lastRefill
	}
	p.lastRefill = start.Add(time.Duration(deficit / rate * float64(time.Second)))
	return p.lastRefill.Sub(now)
}

func (p *Pacer) refill(now time.Time) {
	elapsed := now.Sub(p.lastRefill)
	if elapsed <= 0 {
		return
	}
	rate := p.bbr.PacingRate()
	p.credit += elapsed.Seconds() * rate
	cap := float64(p.bbr.mtu) * 16
	if p.credit > cap {
		p.credit = cap
	}
	p.lastRefill = now
}
