package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBBRStartupAdvancesOnAck(t *testing.T) {
	b := New(1350)
	require.Equal(t, Startup, b.ModeNow())

	base := time.Now()
	send := base
	for i := 0; i < 5; i++ {
		ackTime := send.Add(50 * time.Millisecond)
		b.OnAck(AckSample{
			AckedBytes: 100000,
			SendTime:   send,
			AckTime:    ackTime,
			RTT:        50 * time.Millisecond,
		})
		send = ackTime
	}
	require.Greater(t, b.PacingRate(), 0.0)
	require.Greater(t, b.Cwnd(), uint64(0))
}

func TestPacerNeverExceedsRate(t *testing.T) {
	b := New(1350)
	b.OnAck(AckSample{AckedBytes: 100000, SendTime: time.Now(), AckTime: time.Now().Add(10 * time.Millisecond), RTT: 10 * time.Millisecond})
	p := NewPacer(b)

	d := p.NextDelay(1350)
	require.GreaterOrEqual(t, d, time.Duration(0))
}
