// Package replay implements the sliding-window replay filter described in
// spec.md §3/§4.B: a per-direction bitmap over the last Width sequence
// numbers. A sequence is accepted iff it is greater than the highest seen
// (the window slides forward) or it falls within the window and its bit is
// currently unset.
package replay

import "sync"

// Width is the default window size (spec.md requires ≥ 1024).
const Width = 1024

// Window is a single-direction replay filter. Zero value is not usable;
// use New.
type Window struct {
	mu      sync.Mutex
	width   uint64
	highest uint64
	seen    bool
	bitmap  []uint64 // width bits in 64-bit words; bit i tracks (highest - i)
}

// New returns a Window of the given width (rounded up to a multiple of 64).
func New(width uint64) *Window {
	if width < Width {
		width = Width
	}
	words := (width + 63) / 64
	return &Window{
		width:  words * 64,
		bitmap: make([]uint64, words),
	}
}

// Accept reports whether seq is a fresh, in-order-or-in-window sequence
// number, and if so marks it seen. A false return means the frame must be
// dropped and counted as a replay.
func (w *Window) Accept(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seen {
		w.seen = true
		w.highest = seq
		w.setBit(0)
		return true
	}

	if seq > w.highest {
		shift := seq - w.highest
		w.slide(shift)
		w.highest = seq
		w.setBit(0)
		return true
	}

	back := w.highest - seq
	if back >= w.width {
		return false // too old, outside the window entirely
	}
	if w.testBit(back) {
		return false // already seen
	}
	w.setBit(back)
	return true
}

// slide advances the window by shift positions, discarding bits that fall
// off the trailing edge.
func (w *Window) slide(shift uint64) {
	if shift >= w.width {
		for i := range w.bitmap {
			w.bitmap[i] = 0
		}
		return
	}
	wordShift := shift / 64
	bitShift := shift % 64
	n := len(w.bitmap)
	if bitShift == 0 {
		for i := n - 1; i >= 0; i-- {
			src := i - int(wordShift)
			if src >= 0 {
				w.bitmap[i] = w.bitmap[src]
			} else {
				w.bitmap[i] = 0
			}
		}
		return
	}
	for i := n - 1; i >= 0; i-- {
		var hi, lo uint64
		srcHi := i - int(wordShift)
		srcLo := srcHi - 1
		if srcHi >= 0 && srcHi < n {
			hi = w.bitmap[srcHi] << bitShift
		}
		if srcLo >= 0 && srcLo < n {
			lo = w.bitmap[srcLo] >> (64 - bitShift)
		}
		w.bitmap[i] = hi | lo
	}
}

func (w *Window) setBit(back uint64) {
	word := back / 64
	bit := back % 64
	w.bitmap[word] |= 1 << bit
}

func (w *Window) testBit(back uint64) bool {
	word := back / 64
	bit := back % 64
	return w.bitmap[word]&(1<<bit) != 0
}

// Highest returns the highest sequence number accepted so far.
func (w *Window) Highest() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highest, w.seen
}
