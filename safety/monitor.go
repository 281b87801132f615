package safety

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind classifies a recorded security-relevant event.
type EventKind uint8

const (
	EventRateLimited EventKind = iota
	EventAuthFailure
	EventReplayDetected
	EventReputationDenied
	EventBreakerTripped
	EventProtocolViolation
	EventChunkRejected
)

func (k EventKind) String() string {
	switch k {
	case EventRateLimited:
		return "rate_limited"
	case EventAuthFailure:
		return "auth_failure"
	case EventReplayDetected:
		return "replay_detected"
	case EventReputationDenied:
		return "reputation_denied"
	case EventBreakerTripped:
		return "breaker_tripped"
	case EventProtocolViolation:
		return "protocol_violation"
	case EventChunkRejected:
		return "chunk_rejected"
	default:
		return "unknown"
	}
}

// Event is one recorded security observation.
type Event struct {
	Kind EventKind
	Peer string
	At   time.Time
	Note string
}

const ringCapacity = 512

// Monitor accumulates security events in a fixed-size ring buffer plus
// atomic per-kind counters, and optionally notifies a callback as events
// arrive. Counters use atomics, so bumping or reading a counter never takes
// the ring buffer's lock; Record still takes that lock briefly to append
// each event (spec.md §4.I: the monitor must not become a bottleneck under
// attack traffic, which is exactly when it sees the most events).
type Monitor struct {
	mu     sync.Mutex
	ring   [ringCapacity]Event
	cursor int
	filled bool

	counters [7]uint64 // indexed by EventKind

	onEvent func(Event)
	now     func() time.Time
}

// NewMonitor constructs a Monitor. onEvent may be nil.
func NewMonitor(onEvent func(Event)) *Monitor {
	return &Monitor{onEvent: onEvent, now: time.Now}
}

// Record appends an event to the ring buffer, bumps its kind's counter,
// and invokes the callback (if set) outside the lock.
func (m *Monitor) Record(kind EventKind, peer, note string) {
	atomic.AddUint64(&m.counters[kind], 1)

	ev := Event{Kind: kind, Peer: peer, At: m.now(), Note: note}
	m.mu.Lock()
	m.ring[m.cursor] = ev
	m.cursor = (m.cursor + 1) % ringCapacity
	if m.cursor == 0 {
		m.filled = true
	}
	m.mu.Unlock()

	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// Recent returns up to the last ringCapacity events, oldest first.
func (m *Monitor) Recent() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.filled {
		out := make([]Event, m.cursor)
		copy(out, m.ring[:m.cursor])
		return out
	}
	out := make([]Event, ringCapacity)
	n := copy(out, m.ring[m.cursor:])
	copy(out[n:], m.ring[:m.cursor])
	return out
}

// Counts returns the cumulative count observed for each EventKind.
func (m *Monitor) Counts() map[EventKind]uint64 {
	out := make(map[EventKind]uint64, len(m.counters))
	for k := range m.counters {
		out[EventKind(k)] = atomic.LoadUint64(&m.counters[k])
	}
	return out
}

// Snapshot is a point-in-time introspection view of the monitor's state,
// supplementing the distilled spec with a read path operators can poll
// (e.g. from an admin endpoint) without needing to subscribe to onEvent.
type Snapshot struct {
	Counts []KindCount
	Recent []Event
}

// KindCount pairs an EventKind with its cumulative count.
type KindCount struct {
	Kind  EventKind
	Count uint64
}

// Snapshot captures current counters and recent events in one call.
func (m *Monitor) Snapshot() Snapshot {
	counts := m.Counts()
	kc := make([]KindCount, 0, len(counts))
	for k, v := range counts {
		kc = append(kc, KindCount{Kind: k, Count: v})
	}
	return Snapshot{Counts: kc, Recent: m.Recent()}
}
