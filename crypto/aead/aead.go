// Package aead implements the WRAITH session cipher: XChaCha20-Poly1305
// with 24-byte nonces derived from a 64-bit monotonic counter, the replay
// window from crypto/replay, and constant-time tag verification (provided
// by golang.org/x/crypto/chacha20poly1305 itself). This mirrors the way
// the teacher's stream/stream.go and ratchet.go drive nacl/secretbox, with
// XChaCha20-Poly1305 substituted per spec.md §4.B.
package aead

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wraith-net/wraith/crypto"
	"github.com/wraith-net/wraith/crypto/replay"
)

// ErrReplay is returned by Open when the nonce has already been seen or
// falls outside the replay window.
var ErrReplay = errors.New("aead: replay detected")

// ErrAuth is returned by Open when the ciphertext fails authentication.
var ErrAuth = errors.New("aead: authentication failed")

// Direction is a one-way AEAD channel: either the send or the recv side of
// a session for one epoch of the ratchet.
type Direction struct {
	key    *crypto.Key
	aead   cipherAEAD
	nonce  uint64 // next nonce to use when sealing; send side only
	window *replay.Window
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewSender constructs the send side of a direction from a 32-byte key.
func NewSender(key *crypto.Key) (*Direction, error) {
	a, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, err
	}
	return &Direction{key: key, aead: a}, nil
}

// NewReceiver constructs the recv side of a direction from a 32-byte key
// and a replay window width (spec.md requires ≥ 1024).
func NewReceiver(key *crypto.Key, windowWidth uint64) (*Direction, error) {
	a, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, err
	}
	return &Direction{key: key, aead: a, window: replay.New(windowWidth)}, nil
}

// Seal encrypts plaintext with the next send nonce (strictly increasing)
// and the given additional data (the frame header minus payload, per
// spec.md §4.B). It returns the ciphertext and the nonce counter used, so
// the caller can place it on the wire (as the frame's Sequence field).
func (d *Direction) Seal(plaintext, aad []byte) (ciphertext []byte, nonceCounter uint64) {
	nonceCounter = d.nonce
	d.nonce++
	nonce := encodeNonce(nonceCounter)
	return d.aead.Seal(nil, nonce[:], plaintext, aad), nonceCounter
}

// Open verifies the replay window, decrypts, and on success marks the
// nonce seen. On any failure the replay bitmap is left unchanged (so a
// forged packet can never poison the window for a later legitimate one).
func (d *Direction) Open(nonceCounter uint64, ciphertext, aad []byte) ([]byte, error) {
	if d.window == nil {
		return nil, errors.New("aead: Open called on a sender-only direction")
	}
	// Authenticate before consulting/mutating the window: an attacker
	// must not be able to burn legitimate sequence numbers by replaying
	// corrupted ciphertext for a nonce they guess is still in-window.
	nonce := encodeNonce(nonceCounter)
	plaintext, err := d.aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuth
	}
	if !d.window.Accept(nonceCounter) {
		return nil, ErrReplay
	}
	return plaintext, nil
}

// NextSendNonce reports the nonce that the next Seal call will use,
// without consuming it — the session stamps it into the frame's Sequence
// field before sealing.
func (d *Direction) NextSendNonce() uint64 { return d.nonce }

// Destroy zeroizes the underlying key.
func (d *Direction) Destroy() {
	if d == nil {
		return
	}
	d.key.Destroy()
}

func encodeNonce(counter uint64) [chacha20poly1305.NonceSizeX]byte {
	var nonce [chacha20poly1305.NonceSizeX]byte
	// Nonce is 24 bytes; the low 8 carry the counter, the remaining 16
	// stay zero. Uniqueness only requires the counter never repeat for a
	// given key, which the strictly-increasing send counter guarantees.
	binary.BigEndian.PutUint64(nonce[16:], counter)
	return nonce
}
