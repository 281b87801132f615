package handshake

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wraith-net/wraith/internal/csprng"
)

func genStatic(t *testing.T) StaticKeys {
	t.Helper()
	var priv [32]byte
	csprng.MustRandom(csprng.Reader, priv[:])
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	return StaticKeys{Private: priv, Public: mustBasepointMult(priv)}
}

func mustBasepointMult(priv [32]byte) [32]byte {
	out, err := dh(priv, basepoint())
	if err != nil {
		panic(err)
	}
	var pub [32]byte
	copy(pub[:], out)
	return pub
}

func basepoint() [32]byte {
	var bp [32]byte
	bp[0] = 9
	return bp
}

func TestHandshakeRoundTrip(t *testing.T) {
	initStatic := genStatic(t)
	respStatic := genStatic(t)

	i := New(Initiator, initStatic, &respStatic.Public, []byte("prologue"))
	r := New(Responder, respStatic, &initStatic.Public, []byte("prologue"))

	msg1, err := i.WriteMessage1()
	require.NoError(t, err)
	require.NoError(t, r.ReadMessage1(msg1))

	msg2, err := r.WriteMessage2()
	require.NoError(t, err)
	require.NoError(t, i.ReadMessage2(msg2))

	msg3, err := i.WriteMessage3()
	require.NoError(t, err)
	require.NoError(t, r.ReadMessage3(msg3))

	oi := i.Finish()
	or := r.Finish()

	require.Equal(t, oi.TranscriptHash, or.TranscriptHash)
	require.Equal(t, oi.ChainKey.Bytes(), or.ChainKey.Bytes())
	require.Equal(t, respStatic.Public, oi.PeerStaticKey)
	require.Equal(t, initStatic.Public, or.PeerStaticKey)
}

func TestHandshakeRejectsWrongPeerKey(t *testing.T) {
	initStatic := genStatic(t)
	respStatic := genStatic(t)
	attacker := genStatic(t)

	i := New(Initiator, initStatic, &attacker.Public, nil) // expects the wrong key
	r := New(Responder, respStatic, nil, nil)

	msg1, err := i.WriteMessage1()
	require.NoError(t, err)
	require.NoError(t, r.ReadMessage1(msg1))

	msg2, err := r.WriteMessage2()
	require.NoError(t, err)
	err = i.ReadMessage2(msg2)
	require.ErrorIs(t, err, ErrPeerKeyMismatch)
}
