package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/wraith-net/wraith/crypto/handshake"
	"github.com/wraith-net/wraith/frame"
	"github.com/wraith-net/wraith/internal/csprng"
)

type pairAddr string

func (a pairAddr) Network() string { return "pair" }
func (a pairAddr) String() string  { return string(a) }

// pairDispatcher delivers frames directly between two in-process
// sessions, standing in for node.Node's socket-backed Dispatcher so the
// session state machine can be exercised without real networking. Delivery
// runs on its own goroutine, mirroring the real node's socket/receiveLoop
// hop: a synchronous callback here would recurse into the sending
// session's own mutex (still held by the caller that triggered the send)
// and self-deadlock.
type pairDispatcher struct {
	peer func(h *frame.Header, payload []byte) error
}

func (d *pairDispatcher) SendDatagram(addr net.Addr, wire []byte) error {
	h, payload, err := frame.Parse(wire, 0, false)
	if err != nil {
		return err
	}
	go d.peer(h, payload)
	return nil
}

// waitForState polls until s reaches want or the timeout elapses.
func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session did not reach state %v, stuck at %v", want, s.State())
}

func genStatic(t *testing.T) handshake.StaticKeys {
	t.Helper()
	var priv [32]byte
	csprng.MustRandom(csprng.Reader, priv[:])
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	require.NoError(t, err)
	var pub [32]byte
	copy(pub[:], pubSlice)
	return handshake.StaticKeys{Private: priv, Public: pub}
}

func newEstablishedPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	iStatic := genStatic(t)
	rStatic := genStatic(t)

	var i, r *Session

	iDispatch := &pairDispatcher{}
	rDispatch := &pairDispatcher{}

	i = New(Config{
		CID: 42, Role: handshake.Initiator, PeerAddr: pairAddr("responder"),
		Static: iStatic, ExpectedPeer: &rStatic.Public, Dispatcher: iDispatch,
	})
	r = New(Config{
		CID: 42, Role: handshake.Responder, PeerAddr: pairAddr("initiator"),
		Static: rStatic, Dispatcher: rDispatch,
	})

	iDispatch.peer = func(h *frame.Header, payload []byte) error {
		return r.HandleHandshakeFrame(h, payload)
	}
	rDispatch.peer = func(h *frame.Header, payload []byte) error {
		return i.HandleHandshakeFrame(h, payload)
	}

	require.NoError(t, i.StartInitiator())
	waitForState(t, i, StateEstablished)
	waitForState(t, r, StateEstablished)

	return i, r
}

func TestSessionHandshakeEstablishes(t *testing.T) {
	i, r := newEstablishedPair(t)
	require.Equal(t, StateEstablished, i.State())
	require.Equal(t, StateEstablished, r.State())
}

func TestSessionSealOpenRoundTrip(t *testing.T) {
	i, r := newEstablishedPair(t)

	h := &frame.Header{Type: frame.TypeData, StreamID: 16, Offset: 0}
	wire, err := i.SealFrame(h, []byte("payload"))
	require.NoError(t, err)

	parsedHeader, ct, err := frame.Parse(wire, 0, false)
	require.NoError(t, err)

	pt, err := r.OpenFrame(parsedHeader, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), pt)
}

func TestSessionSealOpenAcrossRekeyBoundary(t *testing.T) {
	i, r := newEstablishedPair(t)

	// Force a rekey every 2 messages on both sides so the round trip
	// below crosses several epoch boundaries. Regression coverage for
	// the nonce/Sequence desync: SealFrame used to stamp an
	// independent, never-reset counter into the wire Sequence field
	// while the AEAD Direction's real nonce counter reset to 0 on every
	// rekey, so every frame after the first rekey failed to decrypt.
	i.sendRatchet.WithLimits(2, time.Hour)
	r.recvRatchet.WithLimits(2, time.Hour)

	for n := 0; n < 7; n++ {
		h := &frame.Header{Type: frame.TypeData, StreamID: 16, Offset: uint64(n)}
		wire, err := i.SealFrame(h, []byte("payload"))
		require.NoError(t, err, "SealFrame message %d", n)

		parsedHeader, ct, err := frame.Parse(wire, 0, false)
		require.NoError(t, err, "frame.Parse message %d", n)

		pt, err := r.OpenFrame(parsedHeader, ct)
		require.NoError(t, err, "OpenFrame message %d", n)
		require.Equal(t, []byte("payload"), pt)
	}
}

func TestSessionPingPongCarriesVersion(t *testing.T) {
	i, r := newEstablishedPair(t)
	r.localVersion = "wraithd-test/1.0"

	// Swap the handshake-phase dispatcher for one that routes PING/PONG
	// control frames through OpenFrame/SealFrame like the real node does.
	iDispatch := &pairDispatcher{}
	rDispatch := &pairDispatcher{}
	i.dispatcher = iDispatch
	r.dispatcher = rDispatch

	iDispatch.peer = func(h *frame.Header, payload []byte) error {
		pt, err := r.OpenFrame(h, payload)
		if err != nil {
			return err
		}
		return r.HandlePing(pt)
	}
	rDispatch.peer = func(h *frame.Header, payload []byte) error {
		pt, err := i.OpenFrame(h, payload)
		if err != nil {
			return err
		}
		i.HandlePong(pt)
		return nil
	}

	rtt, err := i.Ping()
	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, time.Duration(0))
	require.Equal(t, "wraithd-test/1.0", i.PeerVersion())
}
