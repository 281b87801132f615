package wire

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wraith-net/wraith/collaborators"
)

func TestObfuscatorRoundTrip(t *testing.T) {
	o := Obfuscator{}
	profiles := []collaborators.ObfuscationProfile{
		collaborators.ProfileNone,
		collaborators.ProfileTLSRecord,
		collaborators.ProfileWebSocketFrame,
		collaborators.ProfileDoH,
	}
	datagram := []byte("hello wraith")
	for _, p := range profiles {
		wrapped, err := o.Wrap(datagram, p)
		require.NoError(t, err)
		unwrapped, err := o.Unwrap(wrapped, p)
		require.NoError(t, err)
		require.Equal(t, datagram, unwrapped)
	}
}

func TestObfuscatorWebSocketProfileHandlesRealisticDatagram(t *testing.T) {
	o := Obfuscator{}
	// A 28-byte frame header plus payload, 1400 bytes in all: past the
	// WebSocket short-length field's 125-byte ceiling, so this exercises
	// the 126 escape with its 16-bit extended length.
	datagram := make([]byte, 1400)
	for i := range datagram {
		datagram[i] = byte(i)
	}
	wrapped, err := o.Wrap(datagram, collaborators.ProfileWebSocketFrame)
	require.NoError(t, err)
	unwrapped, err := o.Unwrap(wrapped, collaborators.ProfileWebSocketFrame)
	require.NoError(t, err)
	require.Equal(t, datagram, unwrapped)
}

func TestObfuscatorUnwrapRejectsTruncated(t *testing.T) {
	o := Obfuscator{}
	wrapped, err := o.Wrap([]byte("payload"), collaborators.ProfileTLSRecord)
	require.NoError(t, err)
	_, err = o.Unwrap(wrapped[:len(wrapped)-1], collaborators.ProfileTLSRecord)
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestFileIOPreallocateReadWriteChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	fio := NewFileIO(filepath.Join(dir, "state"))
	defer fio.Close()

	require.NoError(t, fio.Preallocate(path, 10))
	fio.SetChunkSize(path, 4)
	require.NoError(t, fio.WriteChunk(path, 0, []byte("abcd")))
	require.NoError(t, fio.WriteChunk(path, 1, []byte("efgh")))
	require.NoError(t, fio.WriteChunk(path, 2, []byte("ij")))

	got, err := fio.ReadChunk(path, 0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("abcd"), got)

	got, err = fio.ReadChunk(path, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []byte("ij"), got)
}

func TestFileIOPersistReceivedSet(t *testing.T) {
	dir := t.TempDir()
	fio := NewFileIO(dir)
	require.NoError(t, fio.PersistReceivedSet("xfer-1", []int{0, 2, 5}))
}

func TestUDPBackendSendRecv(t *testing.T) {
	var backend UDPBackend
	serverSock, err := backend.Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer serverSock.Close()

	clientSock, err := backend.Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer clientSock.Close()

	require.NoError(t, clientSock.Send([]byte("ping"), serverSock.LocalAddr()))

	datagram, _, err := serverSock.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), datagram)
}
