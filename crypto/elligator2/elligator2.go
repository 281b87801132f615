// Package elligator2 hides Curve25519 public keys as uniform-looking
// 32-byte strings, so that first-flight handshake bytes are
// indistinguishable from random on the wire (spec.md §4.B). The forward/
// inverse map is the direct-map construction from Bernstein et al.,
// "Elligator: Elliptic-curve points indistinguishable from uniform random
// strings" specialised to Curve25519 (A=486662, p=2^255-19, non-square
// constant 2).
//
// This module's API mirrors agl/ed25519/extra25519's two entry points
// (ScalarBaseMult / RepresentativeToPublicKey), the package ratchet.go
// imports in the teacher repo, and the same map obfs4's transport uses to
// hide its handshake key. Unlike those, the field arithmetic here is done
// with math/big rather than a fixed-point field-element type: Elligator2
// only runs once per handshake (not per packet), so the extra allocation
// is an acceptable trade for an implementation that is easy to audit
// against the textbook formulas.
package elligator2

import (
	"crypto/subtle"
	"errors"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// ErrNotRepresentable is returned by PublicKeyToRepresentative when the
// given public key has no Elligator2 representative (expected ~50% of the
// time; callers should regenerate the keypair and retry).
var ErrNotRepresentable = errors.New("elligator2: public key is not representable")

// MaxKeygenRetries bounds the "retry until representable" loop per
// spec.md §9 (Open Question: retries are bounded to 64; beyond that a
// rare KeyEncodingFailure is surfaced).
const MaxKeygenRetries = 64

// ErrKeyEncodingFailure is returned by GenerateRepresentable when no
// representable keypair was found within MaxKeygenRetries attempts. This
// should essentially never happen (each attempt succeeds independently
// with probability ~1/2) but is surfaced as a typed, rare error rather than
// looping forever.
var ErrKeyEncodingFailure = errors.New("elligator2: exceeded retry bound without a representable key")

var (
	fieldP       = mustBigFromDecimal("57896044618658097711785492504343953926634992332820282019728792003956564819949") // 2^255-19
	curveA       = big.NewInt(486662)
	nonSquare    = big.NewInt(2)
	pPlus3Div8   = new(big.Int).Rsh(new(big.Int).Add(fieldP, big.NewInt(3)), 3)
	pMinus1Div4  = new(big.Int).Rsh(new(big.Int).Sub(fieldP, big.NewInt(1)), 2)
	pMinus1Div2  = new(big.Int).Rsh(new(big.Int).Sub(fieldP, big.NewInt(1)), 1)
	sqrtMinusOne = computeSqrtMinusOne()
)

func mustBigFromDecimal(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("elligator2: bad field prime constant")
	}
	return v
}

func computeSqrtMinusOne() *big.Int {
	minusOne := new(big.Int).Sub(fieldP, big.NewInt(1))
	return modSqrtKnownQR(minusOne)
}

func mod(x *big.Int) *big.Int {
	y := new(big.Int).Mod(x, fieldP)
	if y.Sign() < 0 {
		y.Add(y, fieldP)
	}
	return y
}

func modPow(base, exp *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, fieldP)
}

func legendre(a *big.Int) int {
	if a.Sign() == 0 {
		return 0
	}
	r := modPow(mod(a), pMinus1Div2)
	if r.Cmp(big.NewInt(1)) == 0 {
		return 1
	}
	return -1
}

// modSqrtKnownQR computes a square root of a mod p using the closed-form
// formula valid because fieldP ≡ 5 (mod 8); caller must know a is a QR.
func modSqrtKnownQR(a *big.Int) *big.Int {
	a = mod(a)
	x := modPow(a, pPlus3Div8)
	xx := mod(new(big.Int).Mul(x, x))
	if xx.Cmp(a) == 0 {
		return x
	}
	x = mod(new(big.Int).Mul(x, modPow(big.NewInt(2), pMinus1Div4)))
	return x
}

// modSqrt returns (sqrt(a), true) if a is a quadratic residue mod p, else
// (nil, false).
func modSqrt(a *big.Int) (*big.Int, bool) {
	a = mod(a)
	if a.Sign() == 0 {
		return big.NewInt(0), true
	}
	if legendre(a) != 1 {
		return nil, false
	}
	return modSqrtKnownQR(a), true
}

func modInverse(a *big.Int) *big.Int {
	return new(big.Int).ModInverse(mod(a), fieldP)
}

// directMap implements the Elligator2 forward map r -> u (a Curve25519
// Montgomery x-coordinate). It never fails: every field element r maps to
// some point on the curve.
func directMap(r *big.Int) *big.Int {
	r = mod(r)
	rr2 := mod(new(big.Int).Mul(nonSquare, mod(new(big.Int).Mul(r, r))))
	w := mod(new(big.Int).Add(big.NewInt(1), rr2))
	if w.Sign() == 0 {
		// r^2 == -1/nonSquare; degenerate input, map to the identity's
		// x-coordinate (0) by convention rather than dividing by zero.
		return big.NewInt(0)
	}
	v := mod(new(big.Int).Mul(new(big.Int).Neg(curveA), modInverse(w)))

	v2 := mod(new(big.Int).Mul(v, v))
	v3 := mod(new(big.Int).Mul(v2, v))
	c := mod(new(big.Int).Add(v3, mod(new(big.Int).Add(mod(new(big.Int).Mul(curveA, v2)), v))))

	if legendre(c) != -1 {
		return v
	}
	return mod(new(big.Int).Sub(new(big.Int).Neg(v), curveA))
}

// inverseMap implements the Elligator2 inverse map u -> r. It returns
// (nil, false) when u has no representative (the "negative" branch of the
// forward map was needed to reach it).
func inverseMap(u *big.Int) (*big.Int, bool) {
	u = mod(u)
	uPlusA := mod(new(big.Int).Add(u, curveA))
	if uPlusA.Sign() == 0 || u.Sign() == 0 {
		return nil, false
	}
	denom := mod(new(big.Int).Mul(nonSquare, u))
	r2 := mod(new(big.Int).Mul(new(big.Int).Neg(uPlusA), modInverse(denom)))
	r, ok := modSqrt(r2)
	if !ok {
		return nil, false
	}
	// Canonicalise to the smaller root so the 32-byte encoding does not
	// leak which of {r, p-r} was produced.
	other := mod(new(big.Int).Sub(fieldP, r))
	if other.Cmp(r) < 0 {
		r = other
	}
	return r, true
}

func beToLE32(v *big.Int) [32]byte {
	var out [32]byte
	b := v.Bytes() // big-endian, shortest form
	for i := 0; i < len(b) && i < 32; i++ {
		out[i] = b[len(b)-1-i]
	}
	return out
}

func le32ToBig(b *[32]byte) *big.Int {
	be := make([]byte, 32)
	for i := 0; i < 32; i++ {
		be[i] = b[31-i]
	}
	return new(big.Int).SetBytes(be)
}

// RepresentativeToPublicKey decodes a 32-byte Elligator2 representative
// (as received on the wire) into the Curve25519 public key it hides.
func RepresentativeToPublicKey(representative *[32]byte) (publicKey [32]byte) {
	rep := *representative
	rep[31] &= 0x3f // clear the top two bits used as randomisation padding
	r := le32ToBig(&rep)
	u := directMap(r)
	return beToLE32(u)
}

// PublicKeyToRepresentative attempts to encode pub as a uniform-looking
// representative. Returns ErrNotRepresentable roughly half the time, by
// construction of the map; callers should regenerate the keypair (see
// GenerateRepresentable).
func PublicKeyToRepresentative(pub *[32]byte, tweak byte) (representative [32]byte, err error) {
	u := le32ToBig(pub)
	r, ok := inverseMap(u)
	if !ok {
		return representative, ErrNotRepresentable
	}
	out := beToLE32(r)
	out[31] = (out[31] & 0x3f) | (tweak & 0xc0)
	return out, nil
}

// GenerateRepresentable produces a Curve25519 keypair whose public key is
// Elligator2-representable, retrying internally up to MaxKeygenRetries
// times against the supplied entropy source.
func GenerateRepresentable(randSource func([]byte) error) (private [32]byte, public [32]byte, representative [32]byte, err error) {
	var tweakBuf [1]byte
	for attempt := 0; attempt < MaxKeygenRetries; attempt++ {
		if err := randSource(private[:]); err != nil {
			return private, public, representative, err
		}
		private[0] &= 248
		private[31] &= 127
		private[31] |= 64

		pk, genErr := curve25519.X25519(private[:], curve25519.Basepoint)
		if genErr != nil {
			continue
		}
		copy(public[:], pk)

		if err := randSource(tweakBuf[:]); err != nil {
			return private, public, representative, err
		}
		rep, encErr := PublicKeyToRepresentative(&public, tweakBuf[0])
		if encErr == nil {
			representative = rep
			return private, public, representative, nil
		}
	}
	return private, public, representative, ErrKeyEncodingFailure
}

// ConstantTimeCompare is a small convenience wrapper kept alongside the
// map so handshake code comparing decoded keys does not reach for a
// variable-time bytes.Equal by habit.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
