package session

import (
	"encoding/binary"
	"sync"

	"github.com/wraith-net/wraith/frame"
	"github.com/wraith-net/wraith/stream"
)

// streamSet holds the multiplexed streams opened on this session, keyed
// by stream ID (spec.md §3's per-session stream map).
type streamSet struct {
	mu      sync.Mutex
	streams map[uint16]*stream.Stream
}

// SendFrame implements stream.Sender: it seals h/payload under the
// session's current epoch and transmits the resulting datagram to the
// peer's current address. Streams never touch the AEAD/ratchet state
// directly; they only see this narrow interface.
func (s *Session) SendFrame(h *frame.Header, payload []byte) error {
	wire, err := s.SealFrame(h, payload)
	if err != nil {
		return err
	}
	return s.dispatcher.SendDatagram(s.PeerAddr(), wire)
}

// OpenStream creates and registers a new Stream with id, using this
// session as its Sender and failing the stream (not the session) on RTO
// exhaustion.
func (s *Session) OpenStream(id uint16) *stream.Stream {
	s.streamsMu().Lock()
	defer s.streamsMu().Unlock()
	if s.streams == nil {
		s.streams = make(map[uint16]*stream.Stream)
	}
	if existing, ok := s.streams[id]; ok {
		return existing
	}
	st := stream.New(id, s, s.log, func(err error) {
		s.log.Warn("session: stream failed", "cid", s.cid, "stream", id, "err", err)
	})
	s.streams[id] = st
	return st
}

// Stream returns the registered stream for id, if any.
func (s *Session) Stream(id uint16) (*stream.Stream, bool) {
	s.streamsMu().Lock()
	defer s.streamsMu().Unlock()
	st, ok := s.streams[id]
	return st, ok
}

func (s *Session) streamsMu() *sync.Mutex {
	return &s.streamSetMu
}

// HandleStreamFrame routes an inbound, already-decrypted DATA or ACK
// frame to its stream, opening a new Stream on first sight of a DATA
// frame for a previously-unseen stream ID (the peer-initiated accept
// path).
func (s *Session) HandleStreamFrame(h *frame.Header, payload []byte) error {
	switch h.Type {
	case frame.TypeData:
		st := s.OpenStream(h.StreamID)
		if err := st.HandleData(h, payload); err != nil {
			return err
		}
		return s.sendAckFor(st)
	case frame.TypeAck:
		st, ok := s.Stream(h.StreamID)
		if !ok {
			return nil
		}
		largest, ranges, window := decodeAck(payload)
		st.HandleAck(largest, ranges, window)
		return nil
	}
	return nil
}

// sendAckFor emits an ACK frame for st's current receive state.
func (s *Session) sendAckFor(st *stream.Stream) error {
	payload := encodeAck(st.RecvNextOffset(), nil, st.AdvertisedWindow())
	h := &frame.Header{Type: frame.TypeAck, StreamID: st.ID()}
	return s.SendFrame(h, payload)
}

// encodeAck lays out largest_acked(8) ∥ window(8) ∥ range_count(1) ∥
// ranges(16 each), a compact selective-ACK encoding local to this
// session/stream pair.
func encodeAck(largestAcked uint64, ranges [][2]uint64, window uint64) []byte {
	if len(ranges) > 8 {
		ranges = ranges[:8]
	}
	buf := make([]byte, 8+8+1+len(ranges)*16)
	binary.BigEndian.PutUint64(buf[0:], largestAcked)
	binary.BigEndian.PutUint64(buf[8:], window)
	buf[16] = byte(len(ranges))
	off := 17
	for _, r := range ranges {
		binary.BigEndian.PutUint64(buf[off:], r[0])
		binary.BigEndian.PutUint64(buf[off+8:], r[1])
		off += 16
	}
	return buf
}

func decodeAck(payload []byte) (largestAcked uint64, ranges [][2]uint64, window uint64) {
	if len(payload) < 17 {
		return 0, nil, 0
	}
	largestAcked = binary.BigEndian.Uint64(payload[0:])
	window = binary.BigEndian.Uint64(payload[8:])
	count := int(payload[16])
	off := 17
	for i := 0; i < count && off+16 <= len(payload); i++ {
		var r [2]uint64
		r[0] = binary.BigEndian.Uint64(payload[off:])
		r[1] = binary.BigEndian.Uint64(payload[off+8:])
		ranges = append(ranges, r)
		off += 16
	}
	return largestAcked, ranges, window
}
