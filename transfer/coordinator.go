package transfer

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Strategy selects how the coordinator assigns the next needed chunk
// across available peers (spec.md §4.H).
type Strategy uint8

const (
	FastestFirst Strategy = iota
	RoundRobin
)

// consecutiveFailureLimit is R in spec.md's "after R consecutive
// failures the peer enters circuit-breaker Open".
const consecutiveFailureLimit = 5

// ewmaAlpha weights how quickly a peer's score reacts to a new sample
// versus its history; 0.2 mirrors the teacher's own smoothing constant
// for link-quality estimates.
const ewmaAlpha = 0.2

// ErrNoPeersAvailable is returned when every known peer's breaker is
// open or no peer has been registered.
var ErrNoPeersAvailable = errors.New("transfer: no peers available for assignment")

// peerStats tracks one peer's rolling performance for scoring.
type peerStats struct {
	throughputEWMA   float64 // bytes/sec
	rttEWMA          float64 // seconds
	lossEWMA         float64 // [0,1]
	consecutiveFails int
	breakerOpen      bool
	openedAt         time.Time
}

func (p *peerStats) score() float64 {
	if p.breakerOpen {
		return -1
	}
	// Higher throughput and lower RTT/loss is better; normalize loosely
	// since this only needs to rank peers against each other.
	rttPenalty := 1.0
	if p.rttEWMA > 0 {
		rttPenalty = 1.0 / (1.0 + p.rttEWMA)
	}
	return p.throughputEWMA*rttPenalty*(1-p.lossEWMA) + 1
}

// breakerCooldown is the fixed Open duration before a peer becomes
// eligible again; unlike safety.Breaker this does not need doubling
// cooldowns since assignment failures are chunk-level, not connection
// attempts.
const breakerCooldown = 10 * time.Second

// Coordinator assigns chunk indices across multiple peers for one
// receive-direction transfer, tracking per-peer performance and
// circuit-breaking peers that repeatedly fail.
type Coordinator struct {
	mu sync.Mutex

	strategy Strategy
	reasm    *Reassembler

	peers       []string
	stats       map[string]*peerStats
	assigned    map[int]string // chunk idx -> peer currently assigned
	roundRobinN int

	now func() time.Time
}

// NewCoordinator constructs a Coordinator driving reasm with strategy.
func NewCoordinator(reasm *Reassembler, strategy Strategy) *Coordinator {
	return &Coordinator{
		strategy: strategy,
		reasm:    reasm,
		stats:    make(map[string]*peerStats),
		assigned: make(map[int]string),
		now:      time.Now,
	}
}

// AddPeer registers a peer as a chunk source.
func (c *Coordinator) AddPeer(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.stats[peerID]; ok {
		return
	}
	c.peers = append(c.peers, peerID)
	c.stats[peerID] = &peerStats{}
}

// RemovePeer drops a peer, returning any chunk currently assigned to it
// to the unassigned pool.
func (c *Coordinator) RemovePeer(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, peerID)
	for i, p := range c.peers {
		if p == peerID {
			c.peers = append(c.peers[:i], c.peers[i+1:]...)
			break
		}
	}
	for idx, p := range c.assigned {
		if p == peerID {
			delete(c.assigned, idx)
		}
	}
}

// NextAssignment picks the next unassigned, not-yet-received chunk index
// and the peer it should be requested from, per the coordinator's
// configured strategy.
func (c *Coordinator) NextAssignment() (idx int, peerID string, err error) {
	missing := c.reasm.Missing()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.reopenExpiredBreakersLocked()

	var target int
	found := false
	for _, m := range missing {
		if _, taken := c.assigned[m]; !taken {
			target = m
			found = true
			break
		}
	}
	if !found {
		return 0, "", errors.New("transfer: no unassigned chunks remain")
	}

	peer, err := c.pickPeerLocked()
	if err != nil {
		return 0, "", err
	}
	c.assigned[target] = peer
	return target, peer, nil
}

func (c *Coordinator) reopenExpiredBreakersLocked() {
	now := c.now()
	for _, s := range c.stats {
		if s.breakerOpen && now.Sub(s.openedAt) >= breakerCooldown {
			s.breakerOpen = false
			s.consecutiveFails = 0
		}
	}
}

func (c *Coordinator) pickPeerLocked() (string, error) {
	switch c.strategy {
	case RoundRobin:
		return c.pickRoundRobinLocked()
	default:
		return c.pickFastestFirstLocked()
	}
}

func (c *Coordinator) pickFastestFirstLocked() (string, error) {
	best := ""
	bestScore := -1.0
	for _, p := range c.peers {
		s := c.stats[p]
		if s.breakerOpen {
			continue
		}
		sc := s.score()
		if sc > bestScore {
			bestScore = sc
			best = p
		}
	}
	if best == "" {
		return "", ErrNoPeersAvailable
	}
	return best, nil
}

func (c *Coordinator) pickRoundRobinLocked() (string, error) {
	n := len(c.peers)
	if n == 0 {
		return "", ErrNoPeersAvailable
	}
	for i := 0; i < n; i++ {
		idx := (c.roundRobinN + i) % n
		p := c.peers[idx]
		if !c.stats[p].breakerOpen {
			c.roundRobinN = (idx + 1) % n
			return p, nil
		}
	}
	return "", ErrNoPeersAvailable
}

// RecordSuccess records a successful chunk transfer from peerID,
// updating its EWMA performance stats and clearing its failure streak.
func (c *Coordinator) RecordSuccess(idx int, peerID string, bytesPerSec, rttSeconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.assigned, idx)
	s, ok := c.stats[peerID]
	if !ok {
		return
	}
	s.throughputEWMA = ewma(s.throughputEWMA, bytesPerSec)
	s.rttEWMA = ewma(s.rttEWMA, rttSeconds)
	s.lossEWMA = ewma(s.lossEWMA, 0)
	s.consecutiveFails = 0
}

// RecordFailure returns idx to the unassigned pool and decays peerID's
// reliability; after consecutiveFailureLimit consecutive failures the
// peer's breaker opens for breakerCooldown.
func (c *Coordinator) RecordFailure(idx int, peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.assigned, idx)
	s, ok := c.stats[peerID]
	if !ok {
		return
	}
	s.lossEWMA = ewma(s.lossEWMA, 1)
	s.consecutiveFails++
	if s.consecutiveFails >= consecutiveFailureLimit && !s.breakerOpen {
		s.breakerOpen = true
		s.openedAt = c.now()
	}
}

func ewma(prev, sample float64) float64 {
	return ewmaAlpha*sample + (1-ewmaAlpha)*prev
}

// Snapshot reports each registered peer's current score, for
// diagnostics and tests.
func (c *Coordinator) Snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.stats))
	for p, s := range c.stats {
		out[p] = s.score()
	}
	return out
}

// rankedPeers returns peer IDs sorted by descending score, used by tests
// to assert FastestFirst behavior deterministically.
func (c *Coordinator) rankedPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := append([]string(nil), c.peers...)
	sort.Slice(peers, func(i, j int) bool {
		return c.stats[peers[i]].score() > c.stats[peers[j]].score()
	})
	return peers
}
