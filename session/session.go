// Package session implements the per-peer secure channel state machine
// described in spec.md §3/§4.E: handshake drive, the AEAD+ratchet-backed
// encrypted channel, PING/PONG liveness, and PATH_CHALLENGE/RESPONSE
// address migration. Ownership follows spec.md §9: the node owns sessions
// by shared reference; a session holds only a narrow Dispatcher interface
// back to the node (datagram send only), never the node itself,
// eliminating the ownership cycle.
package session

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/wraith-net/wraith/crypto/aead"
	"github.com/wraith-net/wraith/crypto/handshake"
	"github.com/wraith-net/wraith/crypto/ratchet"
	"github.com/wraith-net/wraith/frame"
	"github.com/wraith-net/wraith/internal/csprng"
	"github.com/wraith-net/wraith/internal/worker"
	"github.com/wraith-net/wraith/stream"
)

// State is the session's lifecycle state, per spec.md §4.E.
type State uint8

const (
	StateInitial State = iota
	StateHandshake1Sent
	StateHandshake2Sent
	StateHandshake3Sent
	StateEstablished
	StateMigrating
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateHandshake1Sent:
		return "Handshake1Sent"
	case StateHandshake2Sent:
		return "Handshake2Sent"
	case StateHandshake3Sent:
		return "Handshake3Sent"
	case StateEstablished:
		return "Established"
	case StateMigrating:
		return "Migrating"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Timeouts, per spec.md §5.
const (
	HandshakeTimeout     = 5 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	PathValidationTimeout = 3 * time.Second
	PingInitialTimeout    = 1 * time.Second
	PingRetries           = 3
)

// Errors surfaced per spec.md §7.
var (
	ErrHandshakeFailed = errors.New("session: handshake failed")
	ErrClosed          = errors.New("session: closed")
	ErrTimeout         = errors.New("session: timeout")
	ErrPathValidation  = errors.New("session: path validation failed")
	ErrProtocol        = errors.New("session: protocol violation")
)

// Dispatcher is the narrow interface a Session needs from the node core:
// transmit a raw frame to the session's current (or migrating) address.
// Sessions never hold a reference to the node itself (spec.md §9's
// cycle-avoidance note).
type Dispatcher interface {
	SendDatagram(addr net.Addr, payload []byte) error
}

// Stats mirrors spec.md §3's per-session counters.
type Stats struct {
	BytesSent, BytesReceived     uint64
	PacketsSent, PacketsReceived uint64
	RTT                          time.Duration
	LossRate                     float64
}

// pendingPing is one in-flight PING awaiting its PONG.
type pendingPing struct {
	seq     uint64
	sentAt  time.Time
	resultC chan pingResult
}

type pingResult struct {
	rtt time.Duration
	err error
}

// pendingMigration tracks one in-flight PATH_CHALLENGE.
type pendingMigration struct {
	challenge   [8]byte
	newAddr     net.Addr
	initiatedAt time.Time
	resultC     chan error
}

// Session is a per-peer encrypted channel.
type Session struct {
	worker.Worker

	mu sync.Mutex

	cid        uint64
	role       handshake.Role
	state      State
	peerAddr   net.Addr
	establishedAt time.Time
	idleTimeout   time.Duration
	lastFrameAt   time.Time

	dispatcher Dispatcher
	log        *log.Logger

	hs           *handshake.Handshake
	sendDir      *aead.Direction
	recvDir      *aead.Direction
	sendRatchet  *ratchet.Ratchet
	recvRatchet  *ratchet.Ratchet

	pendingPingsMu sync.Mutex
	pendingPings   map[uint64]*pendingPing
	nextPingSeq    uint64

	pendingMigration *pendingMigration
	migrationMu      sync.Mutex

	streamSetMu sync.Mutex
	streams     map[uint16]*stream.Stream

	stats Stats

	localVersion string
	peerVersion  string
	peerVerMu    sync.Mutex

	rekeyMessages      uint64
	rekeyInterval      time.Duration
	pingInitialTimeout time.Duration
	pingRetries        int

	onClose func(reason error)
}

// Config bundles construction-time parameters sourced from node config
// (spec.md §6).
type Config struct {
	CID           uint64
	Role          handshake.Role
	PeerAddr      net.Addr
	Static        handshake.StaticKeys
	ExpectedPeer  *[32]byte
	Prologue      []byte
	IdleTimeout   time.Duration
	Dispatcher    Dispatcher
	Logger        *log.Logger
	OnClose       func(reason error)
	LocalVersion  string // echoed in PONG, supplementing the liveness check with interop diagnostics

	// RekeyMessages/RekeyInterval override the ratchet's default rekey
	// thresholds (config.Config's rekey_interval_messages/seconds). Zero
	// values leave the ratchet package's defaults in place.
	RekeyMessages uint64
	RekeyInterval time.Duration

	// PingInitialTimeout/PingRetries override the package defaults of the
	// same name (config.Config's ping.initial_timeout/ping.retries). Zero
	// values fall back to the package defaults.
	PingInitialTimeout time.Duration
	PingRetries        int
}

// New constructs a Session in StateInitial. Call StartInitiator to begin
// the exchange (initiator) or feed it an inbound HANDSHAKE_1 frame
// (responder).
func New(cfg Config) *Session {
	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}
	pingTimeout := cfg.PingInitialTimeout
	if pingTimeout <= 0 {
		pingTimeout = PingInitialTimeout
	}
	pingRetries := cfg.PingRetries
	if pingRetries <= 0 {
		pingRetries = PingRetries
	}
	s := &Session{
		cid:                cfg.CID,
		role:               cfg.Role,
		state:              StateInitial,
		peerAddr:           cfg.PeerAddr,
		idleTimeout:        idle,
		dispatcher:         cfg.Dispatcher,
		log:                cfg.Logger,
		hs:                 handshake.New(cfg.Role, cfg.Static, cfg.ExpectedPeer, cfg.Prologue),
		pendingPings:       make(map[uint64]*pendingPing),
		onClose:            cfg.OnClose,
		lastFrameAt:        time.Now(),
		localVersion:       cfg.LocalVersion,
		rekeyMessages:      cfg.RekeyMessages,
		rekeyInterval:      cfg.RekeyInterval,
		pingInitialTimeout: pingTimeout,
		pingRetries:        pingRetries,
	}
	return s
}

// CID returns the session's connection identifier.
func (s *Session) CID() uint64 { return s.cid }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerAddr returns the session's current peer address (may change under
// migration).
func (s *Session) PeerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerAddr
}

// StartInitiator sends HANDSHAKE_1 and transitions to Handshake1Sent.
func (s *Session) StartInitiator() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != handshake.Initiator || s.state != StateInitial {
		return errors.New("session: StartInitiator called in wrong state/role")
	}
	msg, err := s.hs.WriteMessage1()
	if err != nil {
		return err
	}
	s.state = StateHandshake1Sent
	return s.sendHandshakeFrameLocked(frame.TypeHandshake1, msg)
}

func (s *Session) sendHandshakeFrameLocked(t frame.Type, payload []byte) error {
	h := &frame.Header{Type: t, StreamID: 0, CID: s.cid, PayloadLen: uint16(len(payload))}
	return s.dispatcher.SendDatagram(s.peerAddr, frame.Encode(h, payload))
}

// HandleHandshakeFrame advances the handshake state machine on an inbound
// HANDSHAKE_{1,2,3} frame. It returns ErrHandshakeFailed (wrapping the
// underlying cause, e.g. handshake.ErrPeerKeyMismatch) on failure.
func (s *Session) HandleHandshakeFrame(h *frame.Header, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch h.Type {
	case frame.TypeHandshake1:
		if s.role != handshake.Responder || s.state != StateInitial {
			return nil // stale/duplicate retransmit; ignore
		}
		if err := s.hs.ReadMessage1(payload); err != nil {
			return s.failHandshakeLocked(err)
		}
		msg2, err := s.hs.WriteMessage2()
		if err != nil {
			return s.failHandshakeLocked(err)
		}
		s.state = StateHandshake2Sent
		return s.sendHandshakeFrameLocked(frame.TypeHandshake2, msg2)

	case frame.TypeHandshake2:
		if s.role != handshake.Initiator || s.state != StateHandshake1Sent {
			return nil
		}
		if err := s.hs.ReadMessage2(payload); err != nil {
			return s.failHandshakeLocked(err)
		}
		msg3, err := s.hs.WriteMessage3()
		if err != nil {
			return s.failHandshakeLocked(err)
		}
		s.state = StateHandshake3Sent
		if err := s.sendHandshakeFrameLocked(frame.TypeHandshake3, msg3); err != nil {
			return err
		}
		return s.completeLocked()

	case frame.TypeHandshake3:
		if s.role != handshake.Responder || s.state != StateHandshake2Sent {
			return nil
		}
		if err := s.hs.ReadMessage3(payload); err != nil {
			return s.failHandshakeLocked(err)
		}
		return s.completeLocked()
	}
	return nil
}

func (s *Session) failHandshakeLocked(cause error) error {
	s.state = StateClosed
	return &wrappedError{kind: ErrHandshakeFailed, cause: cause}
}

type wrappedError struct {
	kind  error
	cause error
}

func (e *wrappedError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }
func (e *wrappedError) Unwrap() error { return e.kind }
func (e *wrappedError) Cause() error  { return e.cause }

// completeLocked derives the initial AEAD directions from the handshake's
// chaining key (via one ratchet advance on each of the send and recv
// ratchets) and transitions to Established.
func (s *Session) completeLocked() error {
	out := s.hs.Finish()
	s.sendRatchet = ratchet.New(out.ChainKey.Clone())
	s.recvRatchet = ratchet.New(out.ChainKey)
	if s.rekeyMessages > 0 || s.rekeyInterval > 0 {
		messages, interval := s.rekeyMessages, s.rekeyInterval
		if messages == 0 {
			messages = ratchet.DefaultRekeyMessages
		}
		if interval == 0 {
			interval = ratchet.DefaultRekeyInterval
		}
		s.sendRatchet.WithLimits(messages, interval)
		s.recvRatchet.WithLimits(messages, interval)
	}

	isInitiator := s.role == handshake.Initiator
	sendEpoch, err := s.sendRatchet.Advance(isInitiator)
	if err != nil {
		return err
	}
	recvEpoch, err := s.recvRatchet.Advance(isInitiator)
	if err != nil {
		return err
	}

	sendDir, err := aead.NewSender(sendEpoch.SendKey)
	if err != nil {
		return err
	}
	recvDir, err := aead.NewReceiver(recvEpoch.RecvKey, 1024)
	if err != nil {
		return err
	}
	sendEpoch.RecvKey.Destroy()
	recvEpoch.SendKey.Destroy()

	s.sendDir = sendDir
	s.recvDir = recvDir
	s.state = StateEstablished
	s.establishedAt = time.Now()
	return nil
}

// SealFrame seals payload for transmission under the current epoch,
// ratcheting first if the epoch's message/time threshold has passed. The
// wire Sequence field carries the Direction's actual AEAD nonce counter
// (peeked via NextSendNonce before sealing, so it can be bound into the
// AAD) rather than an independent, never-reset counter: the counter
// resets to 0 on every rekey (crypto/aead.NewSender always starts a fresh
// Direction at nonce 0), so Sequence must reset with it or the receiver's
// Open call decrypts under the wrong nonce for every frame sent after the
// first rekey.
func (s *Session) SealFrame(h *frame.Header, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished && s.state != StateMigrating && s.state != StateClosing {
		return nil, ErrClosed
	}
	if s.sendRatchet.ShouldRekey() {
		if err := s.rekeySendLocked(); err != nil {
			return nil, err
		}
		h.Flags |= frame.FlagNextEpoch
	}
	h.CID = s.cid
	h.Sequence = uint32(s.sendDir.NextSendNonce())
	h.PayloadLen = uint16(len(payload))

	aad := make([]byte, frame.HeaderSize)
	frame.EncodeHeader(h, aad)
	ct, _ := s.sendDir.Seal(payload, aad)
	s.sendRatchet.OnMessage()
	s.stats.BytesSent += uint64(len(payload))
	s.stats.PacketsSent++
	return frame.Encode(h, ct), nil
}

func (s *Session) rekeySendLocked() error {
	isInitiator := s.role == handshake.Initiator
	epoch, err := s.sendRatchet.Advance(isInitiator)
	if err != nil {
		return err
	}
	s.sendDir.Destroy()
	sendDir, err := aead.NewSender(epoch.SendKey)
	if err != nil {
		return err
	}
	epoch.RecvKey.Destroy()
	s.sendDir = sendDir
	return nil
}

func (s *Session) rekeyRecvLocked() error {
	isInitiator := s.role == handshake.Initiator
	epoch, err := s.recvRatchet.Advance(isInitiator)
	if err != nil {
		return err
	}
	s.recvDir.Destroy()
	recvDir, err := aead.NewReceiver(epoch.RecvKey, 1024)
	if err != nil {
		return err
	}
	epoch.SendKey.Destroy()
	s.recvDir = recvDir
	return nil
}

// OpenFrame authenticates and decrypts an inbound DATA/ACK/etc. frame's
// payload. On FlagNextEpoch, the receiver auto-advances its recv keys
// before attempting to open, per spec.md §4.B.
func (s *Session) OpenFrame(h *frame.Header, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished && s.state != StateMigrating {
		return nil, ErrClosed
	}
	if h.Flags&frame.FlagNextEpoch != 0 && s.recvRatchet.ShouldRekey() {
		if err := s.rekeyRecvLocked(); err != nil {
			return nil, err
		}
	}
	aad := make([]byte, frame.HeaderSize)
	hdrCopy := *h
	hdrCopy.PayloadLen = uint16(len(ciphertext))
	frame.EncodeHeader(&hdrCopy, aad)

	pt, err := s.recvDir.Open(uint64(h.Sequence), ciphertext, aad)
	if err != nil {
		return nil, err
	}
	s.recvRatchet.OnMessage()
	s.stats.BytesReceived += uint64(len(pt))
	s.stats.PacketsReceived++
	s.lastFrameAt = time.Now()
	return pt, nil
}

// IdleSince reports how long it has been since the last frame was
// received on this session (used by the routing-table sweep).
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastFrameAt)
}

// IdleTimeout reports the session's configured idle timeout.
func (s *Session) IdleTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleTimeout
}

// --- PING/PONG liveness, spec.md §4.E ---

// Ping sends a PING and blocks (up to pingRetries exponential-backoff
// attempts, defaulting to PingRetries) for the matching PONG, returning
// the measured RTT or ErrTimeout.
func (s *Session) Ping() (time.Duration, error) {
	timeout := s.pingInitialTimeout
	if timeout <= 0 {
		timeout = PingInitialTimeout
	}
	retries := s.pingRetries
	if retries <= 0 {
		retries = PingRetries
	}
	for attempt := 0; attempt < retries; attempt++ {
		seq := s.nextPingSequence()
		resultC := make(chan pingResult, 1)

		s.pendingPingsMu.Lock()
		s.pendingPings[seq] = &pendingPing{seq: seq, sentAt: time.Now(), resultC: resultC}
		s.pendingPingsMu.Unlock()

		payload := append(make([]byte, 8), []byte(s.localVersion)...)
		binary.BigEndian.PutUint64(payload, seq)
		if err := s.sendControlFrame(frame.TypePing, payload); err != nil {
			s.dropPendingPing(seq)
			return 0, err
		}

		select {
		case r := <-resultC:
			return r.rtt, r.err
		case <-time.After(timeout):
			s.dropPendingPing(seq)
			timeout *= 2
		}
	}
	return 0, ErrTimeout
}

func (s *Session) nextPingSequence() uint64 {
	s.pendingPingsMu.Lock()
	defer s.pendingPingsMu.Unlock()
	seq := s.nextPingSeq
	s.nextPingSeq++
	return seq
}

func (s *Session) dropPendingPing(seq uint64) {
	s.pendingPingsMu.Lock()
	delete(s.pendingPings, seq)
	s.pendingPingsMu.Unlock()
}

func (s *Session) sendControlFrame(t frame.Type, payload []byte) error {
	h := &frame.Header{Type: t, CID: s.cid}
	wire, err := s.SealFrame(h, payload)
	if err != nil {
		return err
	}
	return s.dispatcher.SendDatagram(s.PeerAddr(), wire)
}

// HandlePing replies to an inbound PING with a PONG echoing the sequence
// and carrying this side's own version string, supplementing the
// liveness check with an interop diagnostic (spec.md §4.E).
func (s *Session) HandlePing(payload []byte) error {
	if len(payload) < 8 {
		return ErrProtocol
	}
	reply := append(append([]byte(nil), payload[:8]...), []byte(s.localVersion)...)
	return s.sendControlFrame(frame.TypePong, reply)
}

// PeerVersion returns the last version string the peer echoed in a PONG,
// or "" if none has been received yet.
func (s *Session) PeerVersion() string {
	s.peerVerMu.Lock()
	defer s.peerVerMu.Unlock()
	return s.peerVersion
}

// HandlePong signals the matching pending ping, if any, and records the
// peer's advertised version.
func (s *Session) HandlePong(payload []byte) {
	if len(payload) < 8 {
		return
	}
	if len(payload) > 8 {
		s.peerVerMu.Lock()
		s.peerVersion = string(payload[8:])
		s.peerVerMu.Unlock()
	}
	seq := binary.BigEndian.Uint64(payload)
	s.pendingPingsMu.Lock()
	p, ok := s.pendingPings[seq]
	if ok {
		delete(s.pendingPings, seq)
	}
	s.pendingPingsMu.Unlock()
	if ok {
		p.resultC <- pingResult{rtt: time.Since(p.sentAt)}
	}
}

// --- PATH_CHALLENGE/RESPONSE migration, spec.md §4.E ---

// Migrate initiates address migration to newAddr: picks an 8-byte
// challenge, records it, and sends PATH_CHALLENGE. It blocks up to
// PathValidationTimeout for the matching, address-verified PATH_RESPONSE.
func (s *Session) Migrate(newAddr net.Addr) error {
	var challenge [8]byte
	csprng.MustRandom(csprng.Reader, challenge[:])

	resultC := make(chan error, 1)
	s.migrationMu.Lock()
	s.pendingMigration = &pendingMigration{challenge: challenge, newAddr: newAddr, initiatedAt: time.Now(), resultC: resultC}
	s.migrationMu.Unlock()

	s.mu.Lock()
	s.state = StateMigrating
	s.mu.Unlock()

	h := &frame.Header{Type: frame.TypePathChallenge, CID: s.cid}
	wire, err := s.SealFrame(h, challenge[:])
	if err != nil {
		return err
	}
	if err := s.dispatcher.SendDatagram(newAddr, wire); err != nil {
		return err
	}

	select {
	case err := <-resultC:
		return err
	case <-time.After(PathValidationTimeout):
		s.migrationMu.Lock()
		s.pendingMigration = nil
		s.migrationMu.Unlock()
		s.mu.Lock()
		s.state = StateEstablished // migration failed, continue on old path
		s.mu.Unlock()
		return ErrPathValidation
	}
}

// HandlePathChallenge responds to an inbound PATH_CHALLENGE with a
// PATH_RESPONSE echoing the challenge inside the authenticated envelope
// (spec.md §9's resolved Open Question: this prevents off-path replay).
func (s *Session) HandlePathChallenge(payload []byte) error {
	return s.sendControlFrame(frame.TypePathResponse, payload)
}

// HandlePathResponse verifies an inbound PATH_RESPONSE against the
// pending migration: the challenge must match AND srcAddr must equal the
// recorded new address. Only then does the session's peer_addr update.
func (s *Session) HandlePathResponse(payload []byte, srcAddr net.Addr) error {
	s.migrationMu.Lock()
	pm := s.pendingMigration
	if pm == nil {
		s.migrationMu.Unlock()
		return ErrPathValidation
	}
	matches := len(payload) == 8 && string(payload) == string(pm.challenge[:]) && srcAddr.String() == pm.newAddr.String()
	if !matches {
		s.migrationMu.Unlock()
		return ErrPathValidation
	}
	s.pendingMigration = nil
	s.migrationMu.Unlock()

	s.mu.Lock()
	s.peerAddr = srcAddr
	s.state = StateEstablished
	s.mu.Unlock()

	select {
	case pm.resultC <- nil:
	default:
	}
	return nil
}

// Stats returns a snapshot of the session's traffic counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close exchanges a CLOSE frame (best-effort) and transitions to Closed,
// zeroizing key material. Per spec.md §3: "key material zeroized on
// drop."
func (s *Session) Close(reason error) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	prior := s.state
	s.state = StateClosing
	s.mu.Unlock()

	if prior == StateEstablished || prior == StateMigrating {
		_ = s.sendControlFrame(frame.TypeClose, nil)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.sendDir.Destroy()
	s.recvDir.Destroy()
	s.sendRatchet.Destroy()
	s.recvRatchet.Destroy()

	if s.onClose != nil {
		s.onClose(reason)
	}
	return nil
}

// EnsureDestroyKeyMaterial is a defensive double-destroy hook; Key.Destroy
// and crypto/aead.Direction.Destroy are idempotent, so calling this from a
// finalizer or test teardown alongside an explicit Close is always safe.
func (s *Session) EnsureDestroyKeyMaterial() {
	s.sendDir.Destroy()
	s.recvDir.Destroy()
}
