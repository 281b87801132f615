package wire

import (
	"encoding/binary"
	"errors"

	"github.com/wraith-net/wraith/collaborators"
)

// ErrMalformedEnvelope is returned by Unwrap when wrapped doesn't carry a
// well-formed envelope for the requested profile.
var ErrMalformedEnvelope = errors.New("wire: malformed obfuscation envelope")

// Obfuscator implements collaborators.Obfuscation. ProfileNone passes
// datagrams through unchanged; the others prepend a profile-specific
// header shaping the datagram to look like that protocol's framing, per
// spec.md §6. This is a shaping layer, not an encryption layer — the
// session's AEAD already authenticates the payload underneath.
type Obfuscator struct{}

const (
	tlsRecordHeaderLen = 5 // type(1) + version(2) + length(2), like a real TLS record
	dohHeaderLen       = 2 // simplified 2-byte length prefix over an HTTP/2 DATA-like frame

	wsLenShort    = 125 // RFC 6455 §5.2: payload lengths 0-125 fit the 7-bit field directly
	wsLenExt16    = 126 // escape value: next 2 bytes carry the real length
	wsLenExt64    = 127 // escape value: next 8 bytes carry the real length
	wsHeaderShort = 2
	wsHeaderExt16 = 4
	wsHeaderExt64 = 10
)

// Wrap shapes datagram to resemble the wire format named by profile.
func (Obfuscator) Wrap(datagram []byte, profile collaborators.ObfuscationProfile) ([]byte, error) {
	switch profile {
	case collaborators.ProfileNone:
		return datagram, nil
	case collaborators.ProfileTLSRecord:
		buf := make([]byte, tlsRecordHeaderLen+len(datagram))
		buf[0] = 0x17 // application_data
		buf[1], buf[2] = 0x03, 0x03
		binary.BigEndian.PutUint16(buf[3:5], uint16(len(datagram)))
		copy(buf[tlsRecordHeaderLen:], datagram)
		return buf, nil
	case collaborators.ProfileWebSocketFrame:
		return wsWrap(datagram), nil
	case collaborators.ProfileDoH:
		buf := make([]byte, dohHeaderLen+len(datagram))
		binary.BigEndian.PutUint16(buf[0:2], uint16(len(datagram)))
		copy(buf[dohHeaderLen:], datagram)
		return buf, nil
	default:
		return nil, ErrMalformedEnvelope
	}
}

// wsWrap shapes datagram as a single-frame binary WebSocket message,
// following RFC 6455 §5.2's length encoding: a 7-bit length fits payloads
// up to 125 bytes directly, longer payloads escape to a 16- or 64-bit
// extended length field. A WRAITH datagram (28-byte frame header plus
// payload, up to the path MTU) routinely exceeds 125 bytes, so the short
// field alone would silently truncate every realistic packet.
func wsWrap(datagram []byte) []byte {
	n := len(datagram)
	switch {
	case n <= wsLenShort:
		buf := make([]byte, wsHeaderShort+n)
		buf[0] = 0x82 // FIN + binary opcode
		buf[1] = byte(n)
		copy(buf[wsHeaderShort:], datagram)
		return buf
	case n <= 0xffff:
		buf := make([]byte, wsHeaderExt16+n)
		buf[0] = 0x82
		buf[1] = wsLenExt16
		binary.BigEndian.PutUint16(buf[2:4], uint16(n))
		copy(buf[wsHeaderExt16:], datagram)
		return buf
	default:
		buf := make([]byte, wsHeaderExt64+n)
		buf[0] = 0x82
		buf[1] = wsLenExt64
		binary.BigEndian.PutUint64(buf[2:10], uint64(n))
		copy(buf[wsHeaderExt64:], datagram)
		return buf
	}
}

// wsUnwrap reverses wsWrap, validating the declared length (in whichever
// of the three encodings the length byte selects) against the bytes
// actually present.
func wsUnwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) < wsHeaderShort {
		return nil, ErrMalformedEnvelope
	}
	lenField := wrapped[1] & 0x7f
	switch {
	case lenField <= wsLenShort:
		n := int(lenField)
		if len(wrapped)-wsHeaderShort != n {
			return nil, ErrMalformedEnvelope
		}
		return wrapped[wsHeaderShort:], nil
	case lenField == wsLenExt16:
		if len(wrapped) < wsHeaderExt16 {
			return nil, ErrMalformedEnvelope
		}
		n := int(binary.BigEndian.Uint16(wrapped[2:4]))
		if len(wrapped)-wsHeaderExt16 != n {
			return nil, ErrMalformedEnvelope
		}
		return wrapped[wsHeaderExt16:], nil
	default: // wsLenExt64
		if len(wrapped) < wsHeaderExt64 {
			return nil, ErrMalformedEnvelope
		}
		n := int(binary.BigEndian.Uint64(wrapped[2:10]))
		if len(wrapped)-wsHeaderExt64 != n {
			return nil, ErrMalformedEnvelope
		}
		return wrapped[wsHeaderExt64:], nil
	}
}

// Unwrap reverses Wrap, validating the envelope's declared length against
// the bytes actually present.
func (Obfuscator) Unwrap(wrapped []byte, profile collaborators.ObfuscationProfile) ([]byte, error) {
	switch profile {
	case collaborators.ProfileNone:
		return wrapped, nil
	case collaborators.ProfileTLSRecord:
		if len(wrapped) < tlsRecordHeaderLen {
			return nil, ErrMalformedEnvelope
		}
		n := binary.BigEndian.Uint16(wrapped[3:5])
		if int(n) != len(wrapped)-tlsRecordHeaderLen {
			return nil, ErrMalformedEnvelope
		}
		return wrapped[tlsRecordHeaderLen:], nil
	case collaborators.ProfileWebSocketFrame:
		return wsUnwrap(wrapped)
	case collaborators.ProfileDoH:
		if len(wrapped) < dohHeaderLen {
			return nil, ErrMalformedEnvelope
		}
		n := binary.BigEndian.Uint16(wrapped[0:2])
		if int(n) != len(wrapped)-dohHeaderLen {
			return nil, ErrMalformedEnvelope
		}
		return wrapped[dohHeaderLen:], nil
	default:
		return nil, ErrMalformedEnvelope
	}
}
