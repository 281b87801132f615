// Package frame implements the WRAITH wire frame: a fixed 28-byte header
// plus variable payload. Encoding and parsing never panic — parse returns a
// typed error for any malformed input, including truncated or adversarial
// byte strings, so that the codec can sit directly on the receive path.
package frame

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed, on-wire size of a frame header in bytes.
const HeaderSize = 28

// MinStreamID is the lowest stream_id a DATA/STREAM_OPEN/STREAM_CLOSE frame may
// carry; 0-15 are reserved for control use.
const MinStreamID = 16

// MaxOffset is the exclusive upper bound on a frame's byte offset (2^48).
const MaxOffset = 1 << 48

// MaxSequenceDelta bounds how far a sequence number may jump from the last
// accepted value on the same CID, guarding against wraparound confusion.
const MaxSequenceDelta = 1 << 20

// Type enumerates the frame's logical kind.
type Type uint8

const (
	TypeHandshake1 Type = iota
	TypeHandshake2
	TypeHandshake3
	TypeData
	TypeAck
	TypePing
	TypePong
	TypePathChallenge
	TypePathResponse
	TypeClose
	TypeRekey
	TypeStreamOpen
	TypeStreamClose
	TypeTransferOffer
	TypeChunkRequest
	TypeTransferCancel
)

func (t Type) valid() bool {
	return t <= TypeTransferCancel
}

// Flag bits carried in the header's flags byte.
type Flag uint8

const (
	// FlagNextEpoch marks a frame as sealed under the ratchet's next-epoch
	// key; the receiver auto-advances its recv keys on first sight of it.
	FlagNextEpoch Flag = 1 << 0
	// FlagFIN marks the final DATA frame of a stream at a known offset.
	FlagFIN Flag = 1 << 1
	// FlagMagic must always be set; it lets parse reject traffic produced
	// by a different protocol sharing the same UDP port quickly.
	FlagMagic Flag = 1 << 7
)

// Header is the strongly-typed decoded form of the 28-byte wire header.
type Header struct {
	Type       Type
	Flags      Flag
	StreamID   uint16
	Sequence   uint32
	Offset     uint64 // logical offset into the stream; must be < MaxOffset
	PayloadLen uint16
	CID        uint64
	Reserved   uint16
}

// Error is a typed parse/validation failure. Error implements the standard
// error interface; callers that need to distinguish failure modes should
// use errors.Is against the sentinel values below.
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Unwrap() error { return e.kind }

func newErr(kind error, msg string) error { return &Error{kind: kind, msg: msg} }

// Sentinel failure kinds, matched via errors.Is(err, frame.ErrTooShort) etc.
var (
	ErrTooShort            = errors.New("frame: too short")
	ErrBadMagic            = errors.New("frame: bad magic")
	ErrUnknownType         = errors.New("frame: unknown type")
	ErrReservedStream      = errors.New("frame: reserved stream id")
	ErrOffsetOverflow      = errors.New("frame: offset overflow")
	ErrPayloadTooLarge     = errors.New("frame: payload too large")
	ErrInvalidSequenceDelta = errors.New("frame: invalid sequence delta")
)

// Encode serialises header and payload into a single wire-format buffer.
// It never fails on well-formed input; callers are responsible for keeping
// header fields within the ranges Parse will accept on the remote end.
func Encode(h *Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	EncodeHeader(h, buf[:HeaderSize])
	copy(buf[HeaderSize:], payload)
	return buf
}

// EncodeHeader writes h into dst, which must be at least HeaderSize bytes.
func EncodeHeader(h *Header, dst []byte) {
	_ = dst[HeaderSize-1]
	dst[0] = byte(h.Type)
	dst[1] = byte(h.Flags) | byte(FlagMagic)
	binary.BigEndian.PutUint16(dst[2:4], h.StreamID)
	binary.BigEndian.PutUint32(dst[4:8], h.Sequence)
	putUint48(dst[8:14], h.Offset)
	binary.BigEndian.PutUint16(dst[14:16], h.PayloadLen)
	binary.BigEndian.PutUint64(dst[16:24], h.CID)
	binary.BigEndian.PutUint16(dst[24:26], h.Reserved)
	binary.BigEndian.PutUint16(dst[26:28], 0) // padding to 28 bytes, reserved for future use
}

func putUint48(dst []byte, v uint64) {
	_ = dst[5]
	dst[0] = byte(v >> 40)
	dst[1] = byte(v >> 32)
	dst[2] = byte(v >> 24)
	dst[3] = byte(v >> 16)
	dst[4] = byte(v >> 8)
	dst[5] = byte(v)
}

func uint48(b []byte) uint64 {
	_ = b[5]
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

// mtu bounds PayloadLen validation; see SetMTU to override the
// compiled-in default at node construction time.
var mtu = 1350

// SetMTU configures the path MTU used by Parse's payload-length check. It
// is process-wide, set once at startup from configuration.
func SetMTU(m int) { mtu = m }

// MTU returns the currently configured path MTU.
func MTU() int { return mtu }

// Parse decodes and validates a header from buf, optionally checking the
// sequence delta against the last value accepted on this CID (pass 0,false
// if there is none yet, e.g. for a handshake-1 frame). Parse never panics:
// every early return is reached only after the corresponding length check.
func Parse(buf []byte, lastSequence uint32, haveLast bool) (*Header, []byte, error) {
	if len(buf) < HeaderSize {
		return nil, nil, newErr(ErrTooShort, "frame: header truncated")
	}
	if buf[1]&byte(FlagMagic) == 0 {
		return nil, nil, newErr(ErrBadMagic, "frame: magic bit unset")
	}
	h := &Header{
		Type:       Type(buf[0]),
		Flags:      Flag(buf[1]) &^ FlagMagic,
		StreamID:   binary.BigEndian.Uint16(buf[2:4]),
		Sequence:   binary.BigEndian.Uint32(buf[4:8]),
		Offset:     uint48(buf[8:14]),
		PayloadLen: binary.BigEndian.Uint16(buf[14:16]),
		CID:        binary.BigEndian.Uint64(buf[16:24]),
		Reserved:   binary.BigEndian.Uint16(buf[24:26]),
	}
	if !h.Type.valid() {
		return nil, nil, newErr(ErrUnknownType, "frame: unknown type enumerant")
	}
	if isStreamFrame(h.Type) && h.StreamID < MinStreamID {
		return nil, nil, newErr(ErrReservedStream, "frame: stream_id in reserved range")
	}
	if int(h.PayloadLen) > mtu-HeaderSize {
		return nil, nil, newErr(ErrPayloadTooLarge, "frame: payload_len exceeds MTU budget")
	}
	if h.Offset >= MaxOffset {
		return nil, nil, newErr(ErrOffsetOverflow, "frame: offset exceeds 2^48")
	}
	if haveLast && !sequenceDeltaOK(lastSequence, h.Sequence) {
		return nil, nil, newErr(ErrInvalidSequenceDelta, "frame: sequence delta out of range")
	}
	rest := buf[HeaderSize:]
	if len(rest) < int(h.PayloadLen) {
		return nil, nil, newErr(ErrTooShort, "frame: payload truncated")
	}
	return h, rest[:h.PayloadLen], nil
}

func isStreamFrame(t Type) bool {
	switch t {
	case TypeData, TypeStreamOpen, TypeStreamClose:
		return true
	default:
		return false
	}
}

// sequenceDeltaOK accepts both forward progress and the wraparound-adjacent
// case, matching the ±2^20 window spec.md requires.
func sequenceDeltaOK(last, next uint32) bool {
	delta := int64(next) - int64(last)
	if delta < 0 {
		delta += 1 << 32
	}
	if delta <= MaxSequenceDelta {
		return true
	}
	// wraparound equivalent: next is "behind" last by a small amount.
	back := int64(last) - int64(next)
	if back < 0 {
		back += 1 << 32
	}
	return back <= MaxSequenceDelta
}
