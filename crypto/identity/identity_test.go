package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSignVerifyRoundTrip(t *testing.T) {
	keys, err := Generate()
	require.NoError(t, err)

	msg := []byte("wraith transfer offer")
	sig := keys.Sign(msg)
	require.True(t, Verify(keys.PeerID(), msg, sig))
	require.False(t, Verify(keys.PeerID(), []byte("tampered"), sig))
}

func TestFromSeedIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	k1, err := FromSeed(seed)
	require.NoError(t, err)
	k2, err := FromSeed(seed)
	require.NoError(t, err)
	require.Equal(t, k1.PeerID(), k2.PeerID())
}

func TestFromSeedRejectsWrongLength(t *testing.T) {
	_, err := FromSeed(make([]byte, 16))
	require.Error(t, err)
}
