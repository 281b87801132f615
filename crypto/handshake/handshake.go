// Package handshake implements the Noise_XX-structured key agreement
// described in spec.md §4.B: three messages over X25519, with transcript
// binding via BLAKE3 and payload encryption via XChaCha20-Poly1305, first-
// flight ephemeral keys hidden behind Elligator2, and mutual
// authentication of both parties' long-term static keys against the
// caller-supplied expected peer identity.
//
// Noise_XX:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// This is a from-scratch implementation of the pattern (not a Noise
// framework binding) so that every primitive matches spec.md exactly:
// X25519 for DH, BLAKE3 for the transcript hash and symmetric-state KDF,
// XChaCha20-Poly1305 for message encryption, Elligator2 for first-flight
// key hiding. The symmetric-state bookkeeping (chaining key + transcript
// hash, mixed on every DH and every message) follows the general shape of
// the Noise framework's SymmetricState, the same shape the other_examples
// Noise-family transports (e.g. the wireguard/noisysockets handshakes in
// the retrieval pack) implement against a concrete cipher suite.
package handshake

import (
	"errors"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"github.com/wraith-net/wraith/crypto"
	"github.com/wraith-net/wraith/crypto/elligator2"
	"github.com/wraith-net/wraith/internal/csprng"
)

// Role distinguishes initiator from responder; each derives complementary
// send/recv keys from the same final chaining key.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

// Errors surfaced to the caller per spec.md §7 ("handshake-time crypto
// failures surface to caller as HandshakeFailed").
var (
	ErrPeerKeyMismatch = errors.New("handshake: peer static key does not match expected identity")
	ErrMalformed       = errors.New("handshake: malformed message")
	ErrWrongState      = errors.New("handshake: message received out of order")
	ErrAuth            = errors.New("handshake: payload authentication failed")
)

const (
	dhLen   = 32
	keyLen  = 32
	tagLen  = chacha20poly1305.Overhead
	protoID = "WRAITH_Noise_XX_25519_XChaChaPoly_BLAKE3_v1"
)

// StaticKeys is the caller's long-term X25519 keypair, separate from the
// Ed25519 identity signing key (spec.md §3: "Key types MUST NOT be
// confused").
type StaticKeys struct {
	Private [32]byte
	Public  [32]byte
}

// Output is the result of a completed handshake: the chaining key to seed
// the session's ratchet (crypto/ratchet), and the verified peer static
// public key.
type Output struct {
	ChainKey       *crypto.Key
	PeerStaticKey  [32]byte
	TranscriptHash [32]byte
}

// symmetricState tracks (chaining key, transcript hash) across the
// handshake, mixing in every DH output and every transmitted/received
// message, the way Noise's SymmetricState does.
type symmetricState struct {
	ck [32]byte
	h  [32]byte
}

func newSymmetricState(prologue []byte) *symmetricState {
	s := &symmetricState{}
	s.h = blake3.Sum256([]byte(protoID))
	s.ck = s.h
	s.mixHash(prologue)
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	buf := make([]byte, 0, len(s.h)+len(data))
	buf = append(buf, s.h[:]...)
	buf = append(buf, data...)
	s.h = blake3.Sum256(buf)
}

func (s *symmetricState) mixKey(ikm []byte) (cipherKey [32]byte) {
	r := hkdf.New(newBlake3Hash, ikm, s.ck[:], nil)
	var nextCK [32]byte
	must(r, nextCK[:])
	must(r, cipherKey[:])
	s.ck = nextCK
	return cipherKey
}

func must(r io.Reader, buf []byte) {
	n, err := r.Read(buf)
	if err != nil || n != len(buf) {
		panic("handshake: hkdf read failed")
	}
}

func newBlake3Hash() hash.Hash {
	h, err := blake3.New(32, nil)
	if err != nil {
		panic("handshake: blake3.New: " + err.Error())
	}
	return h
}

// encryptAndHash encrypts plaintext (may be empty) with a key derived from
// the current chaining key, mixes the ciphertext into the transcript, and
// returns the ciphertext. Used for messages 2 and 3's static-key payload.
func (s *symmetricState) encryptAndHash(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSizeX]byte // zero nonce: key is single-use per handshake message
	ct := aead.Seal(nil, nonce[:], plaintext, s.h[:])
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(key [32]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	pt, err := aead.Open(nil, nonce[:], ciphertext, s.h[:])
	if err != nil {
		return nil, ErrAuth
	}
	s.mixHash(ciphertext)
	return pt, nil
}

// Handshake drives one side of the three-message exchange. Create with
// NewInitiator or NewResponder, then alternate WriteMessage{1,2,3} and
// ReadMessage{1,2,3} with the transport per the Noise_XX message order.
type Handshake struct {
	role   Role
	state  *symmetricState
	static StaticKeys

	expectedPeer *[32]byte // nil if the peer identity is learned, not pinned

	ephPriv, ephPub   [32]byte
	peerEphPub        [32]byte
	peerStaticPub     [32]byte
	ephRepresentative [32]byte
}

// New constructs a Handshake for the given role. expectedPeerStatic, when
// non-nil, is verified against the peer's transmitted static key
// (spec.md §4.B mutual authentication); pass nil to accept whatever static
// key is offered (e.g. for a responder accepting an unknown initiator,
// which the node core then checks against its own trust policy).
func New(role Role, static StaticKeys, expectedPeerStatic *[32]byte, prologue []byte) *Handshake {
	return &Handshake{
		role:         role,
		state:        newSymmetricState(prologue),
		static:       static,
		expectedPeer: expectedPeerStatic,
	}
}

// WriteMessage1 (initiator only): -> e. Returns the wire bytes: a 32-byte
// Elligator2 representative of the ephemeral public key, with no
// preceding cleartext header (spec.md §6).
func (h *Handshake) WriteMessage1() ([]byte, error) {
	if h.role != Initiator {
		return nil, ErrWrongState
	}
	priv, pub, rep, err := elligator2.GenerateRepresentable(randFill)
	if err != nil {
		return nil, err
	}
	h.ephPriv, h.ephPub, h.ephRepresentative = priv, pub, rep
	h.state.mixHash(h.ephPub[:])
	return rep[:], nil
}

// ReadMessage1 (responder only): decodes the initiator's hidden ephemeral
// public key.
func (h *Handshake) ReadMessage1(msg []byte) error {
	if h.role != Responder {
		return ErrWrongState
	}
	if len(msg) != 32 {
		return ErrMalformed
	}
	var rep [32]byte
	copy(rep[:], msg)
	h.peerEphPub = elligator2.RepresentativeToPublicKey(&rep)
	h.state.mixHash(h.peerEphPub[:])
	return nil
}

// WriteMessage2 (responder only): <- e, ee, s, es.
func (h *Handshake) WriteMessage2() ([]byte, error) {
	if h.role != Responder {
		return nil, ErrWrongState
	}
	priv, pub, rep, err := elligator2.GenerateRepresentable(randFill)
	if err != nil {
		return nil, err
	}
	h.ephPriv, h.ephPub, h.ephRepresentative = priv, pub, rep
	h.state.mixHash(h.ephPub[:])

	ee, err := dh(h.ephPriv, h.peerEphPub)
	if err != nil {
		return nil, err
	}
	ck1 := h.state.mixKey(ee)

	encStatic, err := h.state.encryptAndHash(ck1, h.static.Public[:])
	if err != nil {
		return nil, err
	}

	es, err := dh(h.static.Private, h.peerEphPub)
	if err != nil {
		return nil, err
	}
	h.state.mixKey(es)

	out := make([]byte, 0, 32+len(encStatic))
	out = append(out, h.ephRepresentative[:]...)
	out = append(out, encStatic...)
	return out, nil
}

// ReadMessage2 (initiator only): decodes the responder's ephemeral and
// (encrypted) static keys, verifying the peer identity if pinned.
func (h *Handshake) ReadMessage2(msg []byte) error {
	if h.role != Initiator {
		return ErrWrongState
	}
	if len(msg) < 32+tagLen {
		return ErrMalformed
	}
	var rep [32]byte
	copy(rep[:], msg[:32])
	h.peerEphPub = elligator2.RepresentativeToPublicKey(&rep)
	h.state.mixHash(h.peerEphPub[:])

	ee, err := dh(h.ephPriv, h.peerEphPub)
	if err != nil {
		return err
	}
	ck1 := h.state.mixKey(ee)

	staticCT := msg[32:]
	staticPT, err := h.state.decryptAndHash(ck1, staticCT)
	if err != nil {
		return err
	}
	if len(staticPT) != 32 {
		return ErrMalformed
	}
	copy(h.peerStaticPub[:], staticPT)

	es, err := dh(h.ephPriv, h.peerStaticPub)
	if err != nil {
		return err
	}
	h.state.mixKey(es)

	if h.expectedPeer != nil && !elligator2.ConstantTimeCompare(h.peerStaticPub[:], h.expectedPeer[:]) {
		return ErrPeerKeyMismatch
	}
	return nil
}

// WriteMessage3 (initiator only): -> s, se. Completes the handshake on
// the initiator's side.
func (h *Handshake) WriteMessage3() ([]byte, error) {
	if h.role != Initiator {
		return nil, ErrWrongState
	}
	// s: the static key is sealed under a key derived from the chaining
	// key as it stands after message 2, which the responder also holds.
	k := h.state.mixKey(nil)
	encStatic, err := h.state.encryptAndHash(k, h.static.Public[:])
	if err != nil {
		return nil, err
	}
	// se: initiator static with responder ephemeral.
	se, err := dh(h.static.Private, h.peerEphPub)
	if err != nil {
		return nil, err
	}
	h.state.mixKey(se)
	return encStatic, nil
}

// ReadMessage3 (responder only): decodes and authenticates the
// initiator's static key, completing the handshake on the responder's
// side.
func (h *Handshake) ReadMessage3(msg []byte) error {
	if h.role != Responder {
		return ErrWrongState
	}
	k := h.state.mixKey(nil)
	staticPT, err := h.state.decryptAndHash(k, msg)
	if err != nil {
		return err
	}
	if len(staticPT) != 32 {
		return ErrMalformed
	}
	copy(h.peerStaticPub[:], staticPT)
	// se: responder ephemeral with initiator static, the same shared
	// secret the initiator mixed in.
	se, err := dh(h.ephPriv, h.peerStaticPub)
	if err != nil {
		return err
	}
	h.state.mixKey(se)

	if h.expectedPeer != nil && !elligator2.ConstantTimeCompare(h.peerStaticPub[:], h.expectedPeer[:]) {
		return ErrPeerKeyMismatch
	}
	return nil
}

// Finish returns the handshake's output once both sides have processed
// all three messages. Safe to call after WriteMessage3 (initiator) or
// ReadMessage3 (responder).
func (h *Handshake) Finish() *Output {
	ck := make([]byte, 32)
	copy(ck, h.state.ck[:])
	return &Output{
		ChainKey:       crypto.NewKey(ck),
		PeerStaticKey:  h.peerStaticPub,
		TranscriptHash: h.state.h,
	}
}

// Role reports which side of the exchange this Handshake is driving.
func (h *Handshake) Role() Role { return h.role }

func dh(private, public [32]byte) ([]byte, error) {
	return curve25519.X25519(private[:], public[:])
}

func randFill(buf []byte) error {
	csprng.MustRandom(csprng.Reader, buf)
	return nil
}
