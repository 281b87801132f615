// Package identity implements the long-term Ed25519 signing identity
// spec.md §3 requires be kept separate from a node's Noise X25519
// static key: "signing keys are never used for key agreement." A
// node's Peer ID is the 32-byte Ed25519 public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// Keys is a node's long-term signing identity.
type Keys struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh identity keypair.
func Generate() (Keys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keys{}, err
	}
	return Keys{Public: pub, Private: priv}, nil
}

// FromSeed reconstructs an identity deterministically from a 32-byte seed,
// for loading a persisted identity from disk.
func FromSeed(seed []byte) (Keys, error) {
	if len(seed) != ed25519.SeedSize {
		return Keys{}, errors.New("identity: seed must be 32 bytes")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Keys{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// PeerID returns the 32-byte Peer ID: the raw Ed25519 public key.
func (k Keys) PeerID() [32]byte {
	var id [32]byte
	copy(id[:], k.Public)
	return id
}

// Sign signs msg with the identity's private key.
func (k Keys) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// Verify reports whether sig is a valid signature over msg by peerID.
func Verify(peerID [32]byte, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(peerID[:]), msg, sig)
}
