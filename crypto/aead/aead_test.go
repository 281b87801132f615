package aead

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wraith-net/wraith/crypto"
)

func newPair(t *testing.T) (*Direction, *Direction) {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	sender, err := NewSender(crypto.NewKey(append([]byte(nil), key...)))
	require.NoError(t, err)
	receiver, err := NewReceiver(crypto.NewKey(append([]byte(nil), key...)), 1024)
	require.NoError(t, err)
	return sender, receiver
}

func TestSealOpenRoundTrip(t *testing.T) {
	sender, receiver := newPair(t)

	ct, nonce := sender.Seal([]byte("payload"), []byte("aad"))
	require.EqualValues(t, 0, nonce)

	pt, err := receiver.Open(nonce, ct, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), pt)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	sender, receiver := newPair(t)

	ct, nonce := sender.Seal([]byte("payload"), []byte("aad"))
	ct[0] ^= 0xff

	_, err := receiver.Open(nonce, ct, []byte("aad"))
	require.ErrorIs(t, err, ErrAuth)
}

func TestOpenRejectsMismatchedAAD(t *testing.T) {
	sender, receiver := newPair(t)

	ct, nonce := sender.Seal([]byte("payload"), []byte("aad"))
	_, err := receiver.Open(nonce, ct, []byte("other aad"))
	require.ErrorIs(t, err, ErrAuth)
}

func TestOpenRejectsReplayedNonce(t *testing.T) {
	sender, receiver := newPair(t)

	ct, nonce := sender.Seal([]byte("payload"), []byte("aad"))
	_, err := receiver.Open(nonce, ct, []byte("aad"))
	require.NoError(t, err)

	_, err = receiver.Open(nonce, ct, []byte("aad"))
	require.ErrorIs(t, err, ErrReplay)
}

func TestOpenLeavesWindowUnchangedOnAuthFailure(t *testing.T) {
	sender, receiver := newPair(t)

	ct, nonce := sender.Seal([]byte("payload"), []byte("aad"))
	forged := append([]byte(nil), ct...)
	forged[0] ^= 0xff

	_, err := receiver.Open(nonce, forged, []byte("aad"))
	require.ErrorIs(t, err, ErrAuth)

	// A forged packet must not burn the legitimate nonce: the real
	// ciphertext for the same nonce should still be accepted afterward.
	pt, err := receiver.Open(nonce, ct, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), pt)
}

func TestSealNonceIncrementsAndMatchesNextSendNonce(t *testing.T) {
	sender, _ := newPair(t)

	require.EqualValues(t, 0, sender.NextSendNonce())
	_, n0 := sender.Seal([]byte("a"), nil)
	require.EqualValues(t, 0, n0)
	require.EqualValues(t, 1, sender.NextSendNonce())

	_, n1 := sender.Seal([]byte("b"), nil)
	require.EqualValues(t, 1, n1)
}

func TestOpenOnSenderOnlyDirectionErrors(t *testing.T) {
	sender, _ := newPair(t)
	_, err := sender.Open(0, []byte("ct"), nil)
	require.Error(t, err)
}
