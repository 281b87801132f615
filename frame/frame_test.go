package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	h := &Header{
		Type:       TypeData,
		Flags:      FlagFIN,
		StreamID:   16,
		Sequence:   42,
		Offset:     1024,
		PayloadLen: 5,
		CID:        0xdeadbeef,
		Reserved:   0,
	}
	wire := Encode(h, []byte("hello"))
	got, payload, err := Parse(wire, 0, false)
	require.NoError(t, err)
	require.Equal(t, h.Type, got.Type)
	require.Equal(t, h.Flags, got.Flags)
	require.Equal(t, h.StreamID, got.StreamID)
	require.Equal(t, h.Sequence, got.Sequence)
	require.Equal(t, h.Offset, got.Offset)
	require.Equal(t, h.CID, got.CID)
	require.Equal(t, []byte("hello"), payload)
}

func TestParseRejectsReservedStream(t *testing.T) {
	h := &Header{Type: TypeData, StreamID: 3}
	wire := Encode(h, nil)
	_, _, err := Parse(wire, 0, false)
	require.ErrorIs(t, err, ErrReservedStream)
}

func TestParseRejectsOversizePayload(t *testing.T) {
	h := &Header{Type: TypeData, StreamID: 16, PayloadLen: uint16(mtu)}
	wire := Encode(h, nil)
	_, _, err := Parse(wire, 0, false)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestParseRejectsTruncated(t *testing.T) {
	_, _, err := Parse(make([]byte, 10), 0, false)
	require.ErrorIs(t, err, ErrTooShort)
}

func TestParseRejectsUnknownType(t *testing.T) {
	h := &Header{Type: Type(200), StreamID: 16}
	wire := Encode(h, nil)
	_, _, err := Parse(wire, 0, false)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestParseRejectsOffsetOverflow(t *testing.T) {
	h := &Header{Type: TypeData, StreamID: 16, Offset: MaxOffset}
	wire := Encode(h, nil)
	_, _, err := Parse(wire, 0, false)
	require.ErrorIs(t, err, ErrOffsetOverflow)
}

func TestParseSequenceDelta(t *testing.T) {
	h := &Header{Type: TypeData, StreamID: 16, Sequence: 5}
	wire := Encode(h, nil)
	_, _, err := Parse(wire, 0, true)
	require.NoError(t, err)

	h2 := &Header{Type: TypeData, StreamID: 16, Sequence: 5 + MaxSequenceDelta + 1}
	wire2 := Encode(h2, nil)
	_, _, err = Parse(wire2, 0, true)
	require.ErrorIs(t, err, ErrInvalidSequenceDelta)
}

func TestParseNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		make([]byte, HeaderSize-1),
		make([]byte, HeaderSize),
		make([]byte, HeaderSize+1000),
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Parse panicked on input len %d: %v", len(in), r)
				}
			}()
			_, _, _ = Parse(in, 0, false)
		}()
	}
}

func FuzzParse(f *testing.F) {
	f.Add([]byte{})
	f.Add(make([]byte, HeaderSize))
	h := &Header{Type: TypeData, StreamID: 16, Sequence: 1, PayloadLen: 4}
	f.Add(Encode(h, []byte("data")))

	f.Fuzz(func(t *testing.T, b []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Parse panicked: %v", r)
			}
		}()
		_, _, _ = Parse(b, 0, false)
	})
}
