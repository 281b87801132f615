package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/wraith-net/wraith/crypto/merkle"
	"github.com/wraith-net/wraith/frame"
	"github.com/wraith-net/wraith/safety"
	"github.com/wraith-net/wraith/session"
	"github.com/wraith-net/wraith/transfer"
)

// transferDirection distinguishes a local send from a local receive for
// one transfer.
type transferDirection uint8

const (
	dirSend transferDirection = iota
	dirReceive
)

// transferState is the node's bookkeeping for one active transfer,
// bridging the transfer package's chunker/reassembler/coordinator to
// concrete peer sessions.
type transferState struct {
	id        string
	direction transferDirection
	manifest  transfer.Manifest

	chunker *transfer.Chunker // send side only
	reasm   *transfer.Reassembler // receive side only
	coord   *transfer.Coordinator // receive side only

	streamID uint16
	cancelled bool

	// peerSessionByAddr maps peer address strings to their session, for
	// sends on both directions of this transfer.
	peerSessionByAddr map[string]*session.Session

	mu sync.Mutex
}

// transferManager owns every in-flight transfer on a Node.
type transferManager struct {
	n *Node

	mu        sync.Mutex
	byID      map[string]*transferState
	streamIdx map[streamKey]string // (session addr, stream id) -> transfer id
	nextStreamID uint16
}

type streamKey struct {
	addr string
	id   uint16
}

func newTransferManager(n *Node) *transferManager {
	return &transferManager{
		n:         n,
		byID:      make(map[string]*transferState),
		streamIdx: make(map[streamKey]string),
		nextStreamID: frame.MinStreamID,
	}
}

func (m *transferManager) allocStreamID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextStreamID
	m.nextStreamID++
	return id
}

func (m *transferManager) isTransferStream(s *session.Session, streamID uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streamIdx[streamKey{addr: s.PeerAddr().String(), id: streamID}]
	return ok
}

// --- Send direction ---

// SendFile offers fileData (already read into memory by the caller, or
// delegated to the I/O collaborator for larger files) to every peer in
// peers, splitting it into chunkSize-byte chunks addressed by a BLAKE3
// Merkle tree (spec.md §4.G's send_file).
func (n *Node) SendFile(transferID string, fileData []byte, peers []net.Addr) error {
	man, err := transfer.BuildManifest(fileData, n.cfg.ChunkSize)
	if err != nil {
		return err
	}

	srcPath := "sendbuf:" + transferID
	if fio, ok := n.collab.IO.(interface{ SetChunkSize(string, int) }); ok {
		fio.SetChunkSize(srcPath, man.ChunkSize)
	}
	// Stage the buffer through the I/O collaborator so Chunker.Read can
	// use the same read path a disk-backed implementation would.
	if err := n.collab.IO.Preallocate(srcPath, man.FileSize); err != nil {
		return err
	}
	for i := 0; i < man.NumChunks; i++ {
		start := i * man.ChunkSize
		end := start + man.ChunkSize
		if end > len(fileData) {
			end = len(fileData)
		}
		if err := n.collab.IO.WriteChunk(srcPath, i, fileData[start:end]); err != nil {
			return err
		}
	}

	streamID := n.transfers.allocStreamID()
	ts := &transferState{
		id:                transferID,
		direction:         dirSend,
		manifest:          man,
		chunker:           transfer.NewChunker(n.collab.IO, srcPath, man),
		streamID:          streamID,
		peerSessionByAddr: make(map[string]*session.Session),
	}

	n.transfers.mu.Lock()
	n.transfers.byID[transferID] = ts
	n.transfers.mu.Unlock()

	for _, peerAddr := range peers {
		sess, err := n.EnsureSession(peerAddr, nil)
		if err != nil {
			n.log.Warn("node: send_file could not reach peer", "peer", peerAddr, "err", err)
			continue
		}
		ts.mu.Lock()
		ts.peerSessionByAddr[peerAddr.String()] = sess
		ts.mu.Unlock()
		n.transfers.mu.Lock()
		n.transfers.streamIdx[streamKey{addr: peerAddr.String(), id: streamID}] = transferID
		n.transfers.mu.Unlock()

		if err := sess.SendFrame(&frame.Header{Type: frame.TypeTransferOffer, StreamID: streamID}, encodeOffer(transferID, man, streamID)); err != nil {
			n.log.Warn("node: send_file offer failed", "peer", peerAddr, "err", err)
		}
	}
	return nil
}

// CancelTransfer transitions the named transfer to cancelled, notifying
// every peer with a TRANSFER_CANCEL message (spec.md §4.G's
// cancel_transfer).
func (n *Node) CancelTransfer(transferID string) error {
	n.transfers.mu.Lock()
	ts, ok := n.transfers.byID[transferID]
	n.transfers.mu.Unlock()
	if !ok {
		return fmt.Errorf("node: unknown transfer %q", transferID)
	}
	ts.mu.Lock()
	ts.cancelled = true
	peers := make([]*session.Session, 0, len(ts.peerSessionByAddr))
	for _, s := range ts.peerSessionByAddr {
		peers = append(peers, s)
	}
	ts.mu.Unlock()

	payload := encodeTransferID(transferID)
	for _, s := range peers {
		_ = s.SendFrame(&frame.Header{Type: frame.TypeTransferCancel}, payload)
	}

	n.transfers.mu.Lock()
	delete(n.transfers.byID, transferID)
	for k, id := range n.transfers.streamIdx {
		if id == transferID {
			delete(n.transfers.streamIdx, k)
		}
	}
	n.transfers.mu.Unlock()
	return nil
}

// --- Receive direction ---

// handleOffer processes an inbound TRANSFER_OFFER: registers a
// Reassembler and Coordinator for the named transfer and remembers which
// (session, stream id) pair carries its chunk data.
func (m *transferManager) handleOffer(s *session.Session, payload []byte) {
	transferID, man, streamID, err := decodeOffer(payload)
	if err != nil {
		return
	}

	destPath := "recvbuf:" + transferID
	if fio, ok := m.n.collab.IO.(interface{ SetChunkSize(string, int) }); ok {
		fio.SetChunkSize(destPath, man.ChunkSize)
	}
	reasm, err := transfer.NewReassembler(m.n.collab.IO, destPath, man)
	if err != nil {
		m.n.log.Warn("node: reassembler init failed", "transfer", transferID, "err", err)
		return
	}
	coord := transfer.NewCoordinator(reasm, strategyFromConfig(string(m.n.cfg.MultiPeer.Strategy)))
	coord.AddPeer(s.PeerAddr().String())

	ts := &transferState{
		id:                transferID,
		direction:         dirReceive,
		manifest:          man,
		reasm:             reasm,
		coord:             coord,
		streamID:          streamID,
		peerSessionByAddr: map[string]*session.Session{s.PeerAddr().String(): s},
	}

	m.mu.Lock()
	m.byID[transferID] = ts
	m.streamIdx[streamKey{addr: s.PeerAddr().String(), id: streamID}] = transferID
	m.mu.Unlock()

	m.driveRequests(ts)
}

// driveRequests issues chunk requests for every currently-unassigned
// missing index, up to a small in-flight window, per the coordinator's
// configured strategy.
func (m *transferManager) driveRequests(ts *transferState) {
	const inFlightTarget = 16
	for i := 0; i < inFlightTarget; i++ {
		idx, peerID, err := ts.coord.NextAssignment()
		if err != nil {
			return
		}
		ts.mu.Lock()
		s := ts.peerSessionByAddr[peerID]
		ts.mu.Unlock()
		if s == nil {
			continue
		}
		_ = s.SendFrame(&frame.Header{Type: frame.TypeChunkRequest, StreamID: ts.streamID}, encodeChunkRequest(ts.id, idx))
	}
}

// handleChunkRequest serves one chunk over the transfer's dedicated
// stream on the send side.
func (m *transferManager) handleChunkRequest(s *session.Session, payload []byte) {
	transferID, idx, err := decodeChunkRequest(payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	ts, ok := m.byID[transferID]
	m.mu.Unlock()
	if !ok || ts.direction != dirSend || ts.chunker == nil {
		return
	}
	chunk, err := ts.chunker.Read(idx)
	if err != nil {
		return
	}
	h := &frame.Header{Type: frame.TypeData, StreamID: ts.streamID, Offset: uint64(idx)}
	_ = s.SendFrame(h, chunk)
}

// handleChunkFrame processes an inbound chunk DATA frame on the receive
// side: verifies it against the Merkle tree and feeds the coordinator's
// success/failure accounting, then requests more if work remains.
func (m *transferManager) handleChunkFrame(s *session.Session, h *frame.Header, payload []byte) {
	m.mu.Lock()
	transferID, ok := m.streamIdx[streamKey{addr: s.PeerAddr().String(), id: h.StreamID}]
	var ts *transferState
	if ok {
		ts = m.byID[transferID]
	}
	m.mu.Unlock()
	if ts == nil || ts.direction != dirReceive {
		return
	}

	idx := int(h.Offset)
	peerID := s.PeerAddr().String()
	if err := ts.reasm.Write(idx, payload); err != nil {
		ts.coord.RecordFailure(idx, peerID)
		m.n.monitor.Record(safety.EventChunkRejected, peerID, err.Error())
	} else {
		ts.coord.RecordSuccess(idx, peerID, float64(len(payload)), 0)
	}

	select {
	case <-ts.reasm.Done():
		m.finish(transferID)
		return
	default:
	}
	m.driveRequests(ts)
}

func (m *transferManager) finish(transferID string) {
	m.mu.Lock()
	delete(m.byID, transferID)
	for k, id := range m.streamIdx {
		if id == transferID {
			delete(m.streamIdx, k)
		}
	}
	m.mu.Unlock()
	m.n.log.Info("node: transfer complete", "transfer", transferID)
}

func (m *transferManager) handleCancel(payload []byte) {
	transferID, err := decodeTransferIDOnly(payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	delete(m.byID, transferID)
	for k, id := range m.streamIdx {
		if id == transferID {
			delete(m.streamIdx, k)
		}
	}
	m.mu.Unlock()
}

func strategyFromConfig(s string) transfer.Strategy {
	if s == "RoundRobin" {
		return transfer.RoundRobin
	}
	return transfer.FastestFirst
}

// --- wire encodings for transfer control messages ---

func encodeTransferID(id string) []byte {
	buf := make([]byte, 1+len(id))
	buf[0] = byte(len(id))
	copy(buf[1:], id)
	return buf
}

func decodeTransferIDOnly(buf []byte) (string, error) {
	if len(buf) < 1 || len(buf) < 1+int(buf[0]) {
		return "", errors.New("node: truncated transfer id")
	}
	n := int(buf[0])
	return string(buf[1 : 1+n]), nil
}

// encodeOffer sends the leaf hashes inline in the offer rather than over
// a separate hash-manifest stream — the Open Question spec.md §9 leaves
// open, resolved here in favor of the simpler single-frame transport
// (see DESIGN.md); collaborators.Discovery/a future stream-based variant
// can still supply leaves out of band for very large chunk counts.
func encodeOffer(transferID string, man transfer.Manifest, streamID uint16) []byte {
	idBuf := encodeTransferID(transferID)
	buf := make([]byte, len(idBuf)+merkle.Size+4+4+8+2+len(man.Leaves)*merkle.Size)
	off := copy(buf, idBuf)
	copy(buf[off:], man.Root[:])
	off += merkle.Size
	binary.BigEndian.PutUint32(buf[off:], uint32(man.ChunkSize))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(man.NumChunks))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], uint64(man.FileSize))
	off += 8
	binary.BigEndian.PutUint16(buf[off:], streamID)
	off += 2
	for _, leaf := range man.Leaves {
		copy(buf[off:], leaf[:])
		off += merkle.Size
	}
	return buf
}

func decodeOffer(buf []byte) (transferID string, man transfer.Manifest, streamID uint16, err error) {
	if len(buf) < 1 {
		return "", transfer.Manifest{}, 0, errors.New("node: truncated offer")
	}
	n := int(buf[0])
	if len(buf) < 1+n+merkle.Size+4+4+8+2 {
		return "", transfer.Manifest{}, 0, errors.New("node: truncated offer body")
	}
	transferID = string(buf[1 : 1+n])
	off := 1 + n
	copy(man.Root[:], buf[off:off+merkle.Size])
	off += merkle.Size
	man.ChunkSize = int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	man.NumChunks = int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	man.FileSize = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	streamID = binary.BigEndian.Uint16(buf[off:])
	off += 2
	if len(buf) < off+man.NumChunks*merkle.Size {
		return "", transfer.Manifest{}, 0, errors.New("node: truncated offer leaves")
	}
	man.Leaves = make([]merkle.Hash, man.NumChunks)
	for i := 0; i < man.NumChunks; i++ {
		copy(man.Leaves[i][:], buf[off:])
		off += merkle.Size
	}
	return transferID, man, streamID, nil
}

func encodeChunkRequest(transferID string, idx int) []byte {
	idBuf := encodeTransferID(transferID)
	buf := make([]byte, len(idBuf)+4)
	off := copy(buf, idBuf)
	binary.BigEndian.PutUint32(buf[off:], uint32(idx))
	return buf
}

func decodeChunkRequest(buf []byte) (transferID string, idx int, err error) {
	if len(buf) < 1 {
		return "", 0, errors.New("node: truncated chunk request")
	}
	n := int(buf[0])
	if len(buf) < 1+n+4 {
		return "", 0, errors.New("node: truncated chunk request body")
	}
	transferID = string(buf[1 : 1+n])
	idx = int(binary.BigEndian.Uint32(buf[1+n:]))
	return transferID, idx, nil
}
