// Package ratchet implements WRAITH's symmetric-only key ratchet
// (spec.md §3/§4.B): every RekeyMessages messages or RekeyInterval
// (whichever comes first), send/recv keys are re-derived from the current
// chaining key via HKDF, and the old keys are destroyed. Unlike the
// teacher's Diffie-Hellman axolotl ratchet in ratchet.go (which this
// package is named after and whose *memguard.LockedBuffer-per-secret
// discipline it keeps), this ratchet never performs a fresh DH exchange —
// spec.md requires only one-way forward-secret key rotation driven by a
// shared chaining key, independently per direction.
package ratchet

import (
	"errors"
	"hash"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"github.com/wraith-net/wraith/crypto"
)

// DefaultRekeyMessages is N in spec.md §4.B (2^16 messages).
const DefaultRekeyMessages = 1 << 16

// DefaultRekeyInterval is T in spec.md §4.B (10 minutes).
const DefaultRekeyInterval = 10 * time.Minute

var hkdfInfo = []byte("wraith ratchet v1")

// ErrChainExhausted signals a programming error: Advance was called with
// no chaining key present (a ratchet that was never seeded from a
// handshake).
var ErrChainExhausted = errors.New("ratchet: chain key not initialised")

// Epoch bundles the two keys derived at a single ratchet step.
type Epoch struct {
	SendKey *crypto.Key
	RecvKey *crypto.Key
	Index   uint64
}

// Ratchet drives one direction pair (send/recv) of key rotation for a
// session. Each side of a session runs its own Ratchet, seeded with the
// same initial chaining key derived during the handshake (send/recv keys
// differ by role, per Noise_XX's directional split).
type Ratchet struct {
	chainKey      *crypto.Key
	rekeyMessages uint64
	rekeyInterval time.Duration

	messagesSinceRekey uint64
	lastRekeyAt        time.Time
	epochIndex         uint64

	now func() time.Time
}

// New seeds a Ratchet from the handshake's output chaining key. Ownership
// of chainKey transfers to the Ratchet (it will be destroyed on rekey).
func New(chainKey *crypto.Key) *Ratchet {
	return &Ratchet{
		chainKey:      chainKey,
		rekeyMessages: DefaultRekeyMessages,
		rekeyInterval: DefaultRekeyInterval,
		lastRekeyAt:   time.Now(),
		now:           time.Now,
	}
}

// WithLimits overrides the default rekey thresholds (configuration option
// rekey_interval_messages / rekey_interval_seconds in spec.md §6).
func (r *Ratchet) WithLimits(messages uint64, interval time.Duration) *Ratchet {
	r.rekeyMessages = messages
	r.rekeyInterval = interval
	return r
}

// ShouldRekey reports whether the next message should trigger a ratchet
// step, per the "every N messages or T seconds, whichever first" rule.
func (r *Ratchet) ShouldRekey() bool {
	if r.messagesSinceRekey >= r.rekeyMessages {
		return true
	}
	return r.now().Sub(r.lastRekeyAt) >= r.rekeyInterval
}

// OnMessage records that one message was sent/received under the current
// epoch; call once per frame on both directions so either hitting its
// threshold triggers a step.
func (r *Ratchet) OnMessage() {
	r.messagesSinceRekey++
}

// Advance derives the next epoch's send/recv keys and chain key from the
// current chain key, zeroizing the old chain key. initiatorSendLabel
// distinguishes which half of the derived output becomes this side's send
// key, so the initiator and responder end up with complementary (not
// identical) key pairs from the same shared chain key.
func (r *Ratchet) Advance(initiatorSendLabel bool) (*Epoch, error) {
	if r.chainKey == nil {
		return nil, ErrChainExhausted
	}
	h := hkdf.New(newBlake3Hash, r.chainKey.Bytes(), nil, hkdfInfo)

	nextChain := make([]byte, 32)
	if _, err := io.ReadFull(h, nextChain); err != nil {
		return nil, err
	}
	initToResp := make([]byte, 32)
	if _, err := io.ReadFull(h, initToResp); err != nil {
		return nil, err
	}
	respToInit := make([]byte, 32)
	if _, err := io.ReadFull(h, respToInit); err != nil {
		return nil, err
	}

	r.chainKey.Destroy()
	r.chainKey = crypto.NewKey(nextChain)
	r.messagesSinceRekey = 0
	r.lastRekeyAt = r.now()
	r.epochIndex++

	var sendBytes, recvBytes []byte
	if initiatorSendLabel {
		sendBytes, recvBytes = initToResp, respToInit
	} else {
		sendBytes, recvBytes = respToInit, initToResp
	}

	return &Epoch{
		SendKey: crypto.NewKey(sendBytes),
		RecvKey: crypto.NewKey(recvBytes),
		Index:   r.epochIndex,
	}, nil
}

// EpochIndex reports how many ratchet steps have occurred so far.
func (r *Ratchet) EpochIndex() uint64 { return r.epochIndex }

// Destroy zeroizes the current chaining key.
func (r *Ratchet) Destroy() {
	if r == nil {
		return
	}
	r.chainKey.Destroy()
}

// newBlake3Hash adapts blake3's 256-bit hash to the hash.Hash interface
// hkdf.New expects, matching the spec's choice of BLAKE3 as the ratchet's
// KDF primitive (spec.md §3: "derived from the current chaining key via a
// one-way KDF").
func newBlake3Hash() hash.Hash {
	h, err := blake3.New(32, nil)
	if err != nil {
		// Only returned for a malformed key; we always pass nil (unkeyed
		// mode), so this is unreachable in practice.
		panic("ratchet: blake3.New: " + err.Error())
	}
	return h
}
