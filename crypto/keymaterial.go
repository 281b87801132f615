// Package crypto is the umbrella for WRAITH's cryptographic core: the
// Noise_XX handshake (crypto/handshake), the AEAD session cipher
// (crypto/aead), the symmetric ratchet (crypto/ratchet), the replay window
// (crypto/replay) and Elligator2 key hiding (crypto/elligator2). This file
// holds the key-zeroizing wrapper shared by all of them, modelled on the
// teacher's ratchet.go, which carries every secret in a
// *memguard.LockedBuffer so that key material is scrubbed from memory the
// moment it is no longer needed rather than left for the GC to collect.
package crypto

import "github.com/awnumar/memguard"

// Key is a fixed-size secret that zeroizes itself on Destroy. It forbids
// accidental copies by construction: callers only ever hold a *Key, never
// a Key value, and Bytes() hands back a slice view into memguard-locked
// memory rather than a copy.
type Key struct {
	buf *memguard.LockedBuffer
}

// NewKey takes ownership of secret (the caller must not reuse secret after
// this call) and returns a Key backed by locked, zero-on-destroy memory.
func NewKey(secret []byte) *Key {
	k := &Key{buf: memguard.NewBufferFromBytes(secret)}
	return k
}

// NewZeroKey allocates n bytes of locked memory, zeroed, for later use as a
// destination (e.g. before filling in key bytes derived in place).
func NewZeroKey(n int) *Key {
	return &Key{buf: memguard.NewBuffer(n)}
}

// Bytes returns the underlying secret bytes. The returned slice aliases
// locked memory and must not be retained past the Key's lifetime.
func (k *Key) Bytes() []byte {
	if k == nil || k.buf == nil {
		return nil
	}
	return k.buf.Bytes()
}

// Array32 returns the secret as a fixed [32]byte copy-free view; it panics
// if the key is not exactly 32 bytes, matching the spec's fixed key sizes.
func (k *Key) Array32() *[32]byte {
	b := k.Bytes()
	if len(b) != 32 {
		panic("crypto: Array32 called on a key that is not 32 bytes")
	}
	return (*[32]byte)(b)
}

// Destroy zeroizes and frees the underlying memory. Safe to call multiple
// times and on a nil Key.
func (k *Key) Destroy() {
	if k == nil || k.buf == nil {
		return
	}
	k.buf.Destroy()
}

// Clone returns an independent copy of the key in fresh locked memory,
// used when a derived chain key must outlive the buffer it was read from.
func (k *Key) Clone() *Key {
	cp := make([]byte, len(k.Bytes()))
	copy(cp, k.Bytes())
	return NewKey(cp)
}
