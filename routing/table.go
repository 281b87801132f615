// Package routing implements the CID → session routing table (spec.md
// §3/§4.F): a sharded map so hot-path lookups by inbound datagrams don't
// contend with each other, with a periodic sweep that evicts sessions
// that have gone idle past their timeout.
package routing

import (
	"sync"
	"time"
)

// Session is the narrow view the routing table needs of a session: its
// idle duration (to decide eviction) and a way to force-close it.
type Session interface {
	IdleSince() time.Duration
	IdleTimeout() time.Duration
	Close(reason error) error
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	items map[uint64]Session
}

// Table is a sharded CID → session map. Reads hash the CID to a shard and
// take only that shard's read lock, so lookups on the hot path don't
// contend across unrelated connections.
type Table struct {
	shards [shardCount]*shard
}

// New constructs an empty Table.
func New() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &shard{items: make(map[uint64]Session)}
	}
	return t
}

func (t *Table) shardFor(cid uint64) *shard {
	return t.shards[cid%uint64(shardCount)]
}

// Add registers session under cid. Per spec.md's invariant, a CID maps to
// at most one active session; Add overwrites any prior entry for cid.
func (t *Table) Add(cid uint64, s Session) {
	sh := t.shardFor(cid)
	sh.mu.Lock()
	sh.items[cid] = s
	sh.mu.Unlock()
}

// Remove deletes cid's entry, if present. Per spec.md, removal completes
// within one scheduling quantum of an explicit close — this call is
// synchronous, so callers satisfy that by calling it directly from the
// close path rather than deferring to the sweep.
func (t *Table) Remove(cid uint64) {
	sh := t.shardFor(cid)
	sh.mu.Lock()
	delete(sh.items, cid)
	sh.mu.Unlock()
}

// Lookup returns the session registered for cid, if any.
func (t *Table) Lookup(cid uint64) (Session, bool) {
	sh := t.shardFor(cid)
	sh.mu.RLock()
	s, ok := sh.items[cid]
	sh.mu.RUnlock()
	return s, ok
}

// Len reports the total number of entries across all shards (used by
// metrics/tests, not the hot path).
func (t *Table) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Sweep removes and closes every session whose idle duration exceeds its
// configured idle timeout, bounding memory under ungraceful peer loss
// (spec.md §4.F). The timeout is each session's own IdleTimeout; the
// table has no default of its own.
func (t *Table) Sweep() (evicted int) {
	for _, sh := range t.shards {
		sh.mu.Lock()
		var stale []Session
		for cid, s := range sh.items {
			if s.IdleSince() > s.IdleTimeout() {
				stale = append(stale, s)
				delete(sh.items, cid)
			}
		}
		sh.mu.Unlock()

		for _, s := range stale {
			_ = s.Close(ErrIdleTimeout)
		}
		evicted += len(stale)
	}
	return evicted
}

// ErrIdleTimeout is the close reason recorded for sessions the sweep
// evicts.
var ErrIdleTimeout = errIdleTimeout{}

type errIdleTimeout struct{}

func (errIdleTimeout) Error() string { return "routing: session idle timeout exceeded" }
