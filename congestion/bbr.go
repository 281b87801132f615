// Package congestion implements the BBR-style congestion control and
// pacing described in spec.md §4.C: a delivery-rate estimator drives a
// mode state machine (Startup, Drain, ProbeBW, ProbeRTT) that sets a
// pacing gain and a congestion window; a separate pacer enforces the
// resulting send rate with a credit accumulator so the sender never
// bursts past the target rate.
//
// The state machine shape (explicit Mode enum, one ACK-driven transition
// function, RTT/bandwidth sampling windows) is grounded on the
// other_examples QUIC congestion/pacing code retrieved for this spec
// (e.g. the conn_send/conn pacing logic in the quic internal packages and
// wireguard-go's single-writer pacer loop) — reimplemented from those
// shapes, not copied, since none of those packages is the chosen teacher.
package congestion

import (
	"time"
)

// Mode is BBR's current phase.
type Mode uint8

const (
	Startup Mode = iota
	Drain
	ProbeBW
	ProbeRTT
)

func (m Mode) String() string {
	switch m {
	case Startup:
		return "Startup"
	case Drain:
		return "Drain"
	case ProbeBW:
		return "ProbeBW"
	case ProbeRTT:
		return "ProbeRTT"
	default:
		return "Unknown"
	}
}

// probeBWGainCycle is the pacing-gain cycle BBR rotates through in
// ProbeBW mode, per spec.md §4.C.
var probeBWGainCycle = [8]float64{1.25, 0.75, 1, 1, 1, 1, 1, 1}

const (
	minRTTWindow       = 10 * time.Second
	bandwidthWindowRTT = 10 // expressed in round-trip counts
	startupGrowthMin   = 1.25
	probeRTTDuration   = 200 * time.Millisecond
	probeRTTCwndGain   = 4 // cwnd in packets during ProbeRTT, and the cwnd floor in every mode
)

// AckSample is the information a single ACK contributes to the estimator.
type AckSample struct {
	AckedBytes  uint64
	SendTime    time.Time
	AckTime     time.Time
	RTT         time.Duration
	IsAppLimited bool
}

// bandwidthSample is one observation of delivery rate over a window.
type bandwidthSample struct {
	bitsPerSecond float64
	at            time.Time
}

// BBR tracks one session's congestion state.
type BBR struct {
	mode Mode

	minRTT       time.Duration
	minRTTStamp  time.Time
	maxBandwidth float64 // bits/sec, max over the bandwidth window
	bwSamples    []bandwidthSample

	pacingGain float64
	cwndGain   float64
	cwnd       uint64 // bytes
	mtu        uint64

	cycleIndex  int
	cycleStart  time.Time
	probeRTTEnd time.Time

	roundsWithoutGrowth int
	lastRoundBandwidth  float64

	inFlight  uint64
	lossBytes uint64

	now func() time.Time
}

// New constructs a BBR estimator for one session. mtu bounds the minimum
// useful cwnd (at least a few packets).
func New(mtu uint64) *BBR {
	return &BBR{
		mode:       Startup,
		pacingGain: startupGrowthMin * 2, // BBR's startup gain is 2/ln2 ≈ 2.885; simplified per spec's "three consecutive probes" rule
		cwndGain:   2,
		cwnd:       mtu * 4,
		mtu:        mtu,
		now:        time.Now,
	}
}

// OnAck updates RTT/bandwidth estimates from one ACK sample and advances
// the mode state machine; spec.md: "On each ACK: update RTT, compute
// delivery rate, update bandwidth estimate, advance mode."
func (b *BBR) OnAck(sample AckSample) {
	now := b.now()
	if sample.RTT > 0 {
		b.updateMinRTT(sample.RTT, now)
	}

	elapsed := sample.AckTime.Sub(sample.SendTime)
	if elapsed > 0 && !sample.IsAppLimited {
		rate := float64(sample.AckedBytes) / elapsed.Seconds() // bytes/sec... converted below
		rate *= 8                                              // bits/sec
		b.bwSamples = append(b.bwSamples, bandwidthSample{bitsPerSecond: rate, at: now})
		b.pruneBandwidthSamples(now)
		b.recomputeMaxBandwidth()
	}

	b.advanceMode(now)
	b.recomputeCwnd()
}

func (b *BBR) updateMinRTT(rtt time.Duration, now time.Time) {
	if b.minRTT == 0 || now.Sub(b.minRTTStamp) > minRTTWindow || rtt < b.minRTT {
		b.minRTT = rtt
		b.minRTTStamp = now
	}
}

func (b *BBR) pruneBandwidthSamples(now time.Time) {
	if len(b.bwSamples) <= bandwidthWindowRTT {
		return
	}
	b.bwSamples = b.bwSamples[len(b.bwSamples)-bandwidthWindowRTT:]
}

func (b *BBR) recomputeMaxBandwidth() {
	var max float64
	for _, s := range b.bwSamples {
		if s.bitsPerSecond > max {
			max = s.bitsPerSecond
		}
	}
	b.maxBandwidth = max
}

// advanceMode implements spec.md's mode transitions: Startup exits when
// three consecutive probes fail to grow bandwidth by ≥25%; Drain lowers the
// pacing gain until in-flight falls to the BDP; ProbeBW cycles the pacing-gain
// table; ProbeRTT periodically drops cwnd to measure a fresh min_rtt.
func (b *BBR) advanceMode(now time.Time) {
	switch b.mode {
	case Startup:
		if b.maxBandwidth > b.lastRoundBandwidth*startupGrowthMin {
			b.roundsWithoutGrowth = 0
		} else {
			b.roundsWithoutGrowth++
		}
		b.lastRoundBandwidth = b.maxBandwidth
		if b.roundsWithoutGrowth >= 3 {
			b.mode = Drain
			b.pacingGain = 1 / (startupGrowthMin * 2)
		}
	case Drain:
		if b.inFlightEstimate() <= b.bdp() {
			b.mode = ProbeBW
			b.cycleIndex = 0
			b.cycleStart = now
			b.pacingGain = probeBWGainCycle[0]
		}
	case ProbeBW:
		if now.Sub(b.cycleStart) >= b.minRTT && b.minRTT > 0 {
			b.cycleIndex = (b.cycleIndex + 1) % len(probeBWGainCycle)
			b.cycleStart = now
			b.pacingGain = probeBWGainCycle[b.cycleIndex]
		}
		if b.minRTT > 0 && now.Sub(b.minRTTStamp) > minRTTWindow {
			b.mode = ProbeRTT
			b.probeRTTEnd = now.Add(probeRTTDuration)
			b.pacingGain = 1
		}
	case ProbeRTT:
		if now.After(b.probeRTTEnd) {
			b.mode = ProbeBW
			b.cycleIndex = 0
			b.cycleStart = now
			b.pacingGain = probeBWGainCycle[0]
			b.minRTTStamp = now
		}
	}
}

// bdp is the bandwidth-delay product: the in-flight bytes needed to keep
// the pipe full at the current bandwidth estimate.
func (b *BBR) bdp() uint64 {
	if b.minRTT <= 0 || b.maxBandwidth <= 0 {
		return b.mtu * 4
	}
	bytesPerSec := b.maxBandwidth / 8
	return uint64(bytesPerSec * b.minRTT.Seconds())
}

// inFlightEstimate reports the stream layer's last-reported in-flight
// byte count (set via SetInFlight after each write and each ACK batch).
func (b *BBR) inFlightEstimate() uint64 { return b.inFlight }

func (b *BBR) recomputeCwnd() {
	bdp := b.bdp()
	target := uint64(float64(bdp) * b.cwndGain)
	min := b.mtu * probeRTTCwndGain
	if target < min || b.mode == ProbeRTT {
		target = min
	}
	b.cwnd = target
}

// SetInFlight records the stream layer's current in-flight byte count,
// consulted by the Drain-to-ProbeBW transition.
func (b *BBR) SetInFlight(bytes uint64) { b.inFlight = bytes }

// PacingRate returns the current target send rate in bytes/sec.
func (b *BBR) PacingRate() float64 {
	if b.maxBandwidth <= 0 {
		return float64(b.mtu*4) / 0.1 // bootstrap: assume 100ms RTT until first sample
	}
	return (b.maxBandwidth / 8) * b.pacingGain
}

// Cwnd returns the current congestion window in bytes.
func (b *BBR) Cwnd() uint64 { return b.cwnd }

// ModeNow returns the current BBR mode, for diagnostics/metrics.
func (b *BBR) ModeNow() Mode { return b.mode }

// OnLoss is called when a retransmission timeout or selective-ACK gap
// signals loss. Per spec.md, BBR is delivery-rate driven: loss is
// recorded but does not collapse cwnd as Reno would.
func (b *BBR) OnLoss(lostBytes uint64) {
	b.lossBytes += lostBytes
}
