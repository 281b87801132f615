package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	idle    time.Duration
	timeout time.Duration
	closed  bool
}

func (f *fakeSession) IdleSince() time.Duration  { return f.idle }
func (f *fakeSession) IdleTimeout() time.Duration { return f.timeout }
func (f *fakeSession) Close(reason error) error  { f.closed = true; return nil }

func TestAddLookupRemove(t *testing.T) {
	tbl := New()
	s := &fakeSession{timeout: time.Minute}
	tbl.Add(42, s)

	got, ok := tbl.Lookup(42)
	require.True(t, ok)
	require.Equal(t, s, got)

	tbl.Remove(42)
	_, ok = tbl.Lookup(42)
	require.False(t, ok)
}

func TestSweepEvictsIdle(t *testing.T) {
	tbl := New()
	fresh := &fakeSession{idle: time.Second, timeout: time.Minute}
	stale := &fakeSession{idle: time.Hour, timeout: time.Minute}
	tbl.Add(1, fresh)
	tbl.Add(2, stale)

	n := tbl.Sweep()
	require.Equal(t, 1, n)
	require.True(t, stale.closed)
	require.False(t, fresh.closed)

	_, ok := tbl.Lookup(2)
	require.False(t, ok)
	_, ok = tbl.Lookup(1)
	require.True(t, ok)
}
