package replay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcceptsStrictlyIncreasingSequence(t *testing.T) {
	w := New(Width)
	for i := uint64(0); i < 10; i++ {
		require.True(t, w.Accept(i), "seq %d", i)
	}
}

func TestRejectsExactDuplicate(t *testing.T) {
	w := New(Width)
	require.True(t, w.Accept(5))
	require.False(t, w.Accept(5))
}

func TestAcceptsOutOfOrderWithinWindow(t *testing.T) {
	w := New(Width)
	require.True(t, w.Accept(100))
	require.True(t, w.Accept(90))
	require.True(t, w.Accept(95))
	require.False(t, w.Accept(90)) // now a duplicate
}

func TestRejectsSequenceTooFarBehindWindow(t *testing.T) {
	w := New(Width)
	require.True(t, w.Accept(2000))
	require.False(t, w.Accept(0)) // more than Width behind highest
}

func TestSlideDiscardsOldBitsAsWindowAdvances(t *testing.T) {
	w := New(Width)
	require.True(t, w.Accept(0))
	require.True(t, w.Accept(Width + 100))
	// 0 has fallen off the trailing edge of the window now.
	require.False(t, w.Accept(0))
}

func TestHighestReportsSeenState(t *testing.T) {
	w := New(Width)
	_, seen := w.Highest()
	require.False(t, seen)

	w.Accept(42)
	h, seen := w.Highest()
	require.True(t, seen)
	require.EqualValues(t, 42, h)

	w.Accept(7) // behind highest, must not move it
	h, seen = w.Highest()
	require.True(t, seen)
	require.EqualValues(t, 42, h)
}

func TestNewEnforcesMinimumWidth(t *testing.T) {
	w := New(1) // rounded up to the enforced minimum of Width (1024)
	require.True(t, w.Accept(2000))
	require.True(t, w.Accept(2000-1023))  // 1023 behind highest, still in-window
	require.False(t, w.Accept(2000-1024)) // 1024 behind highest, outside the window
}
