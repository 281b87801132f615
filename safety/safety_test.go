package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucketRefillsOverTime(t *testing.T) {
	now := time.Now()
	b := NewBucket(10, 10) // 10 tokens, refill 10/sec
	b.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		require.True(t, b.Allow(1))
	}
	require.False(t, b.Allow(1))

	now = now.Add(500 * time.Millisecond)
	require.True(t, b.Allow(1))
	require.True(t, b.Allow(1))
	require.True(t, b.Allow(1))
	require.True(t, b.Allow(1))
	require.True(t, b.Allow(1))
	require.False(t, b.Allow(1))
}

func TestRateLimiterPerSessionPacket(t *testing.T) {
	rl := New(Config{ConnectionsPerIPPerMin: 60, PacketsPerSessionPerSec: 5, BytesPerSessionPerSec: 1000})
	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.AllowPacket(1) {
			allowed++
		}
	}
	require.LessOrEqual(t, allowed, 5)
	require.Greater(t, rl.Denials(), uint64(0))
}

func TestReputationDecaysTowardNeutral(t *testing.T) {
	now := time.Now()
	r := NewReputation()
	r.now = func() time.Time { return now }

	score := r.Penalize("1.2.3.4", 0.95)
	require.InDelta(t, 0.05, score, 1e-9)
	require.False(t, r.Allowed("1.2.3.4"))

	now = now.Add(reputationHalfLife)
	recovered := r.Score("1.2.3.4")
	require.Greater(t, recovered, score)
	require.InDelta(t, 0.525, recovered, 0.01)
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	now := time.Now()
	b := NewBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < defaultFailureThreshold; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	require.Equal(t, BreakerOpen, b.State())
	require.False(t, b.Allow())

	now = now.Add(defaultInitialCooldown)
	require.True(t, b.Allow())
	require.Equal(t, BreakerHalfOpen, b.State())

	b.RecordSuccess()
	require.Equal(t, BreakerClosed, b.State())
}

func TestBreakerReopensWithDoubledCooldownOnHalfOpenFailure(t *testing.T) {
	now := time.Now()
	b := NewBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < defaultFailureThreshold; i++ {
		b.Allow()
		b.RecordFailure()
	}
	now = now.Add(defaultInitialCooldown)
	b.Allow()
	require.Equal(t, BreakerHalfOpen, b.State())

	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	require.False(t, b.Allow())

	now = now.Add(defaultInitialCooldown)
	require.False(t, b.Allow())

	now = now.Add(defaultInitialCooldown)
	require.True(t, b.Allow())
}

func TestMonitorRecordsAndSnapshots(t *testing.T) {
	var seen []Event
	m := NewMonitor(func(e Event) { seen = append(seen, e) })

	m.Record(EventAuthFailure, "1.2.3.4", "bad transcript hash")
	m.Record(EventReplayDetected, "1.2.3.4", "seq already consumed")

	require.Len(t, seen, 2)
	snap := m.Snapshot()
	require.Len(t, snap.Recent, 2)

	var authCount uint64
	for _, kc := range snap.Counts {
		if kc.Kind == EventAuthFailure {
			authCount = kc.Count
		}
	}
	require.Equal(t, uint64(1), authCount)
}

func TestMonitorRingWraps(t *testing.T) {
	m := NewMonitor(nil)
	for i := 0; i < ringCapacity+10; i++ {
		m.Record(EventRateLimited, "peer", "")
	}
	recent := m.Recent()
	require.Len(t, recent, ringCapacity)
}
