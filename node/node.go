// Package node implements the WRAITH node core (spec.md §4.G): it owns
// the routing table, the session map, the transfer manager, and the
// safety gates, binds a datagram socket, and drives the receive loop
// that unwraps, parses, routes, and decrypts inbound traffic. This is
// the top-level object an embedding application constructs; everything
// else in this module is a component it wires together.
package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/wraith-net/wraith/collaborators"
	"github.com/wraith-net/wraith/config"
	"github.com/wraith-net/wraith/crypto/handshake"
	"github.com/wraith-net/wraith/crypto/identity"
	"github.com/wraith-net/wraith/frame"
	"github.com/wraith-net/wraith/internal/worker"
	"github.com/wraith-net/wraith/routing"
	"github.com/wraith-net/wraith/safety"
	"github.com/wraith-net/wraith/session"
)

// sweepInterval is how often the routing table is swept for idle
// sessions (spec.md §4.F).
const sweepInterval = 10 * time.Second

// Collaborators bundles the external dependencies spec.md §6 delegates
// to the embedding application.
type Collaborators struct {
	Discovery   collaborators.Discovery // optional; nil disables peer resolution by ID
	Obfuscation collaborators.Obfuscation
	IO          collaborators.IO
	Backend     collaborators.DatagramBackend
}

// Node is the top-level WRAITH protocol engine for one local identity.
type Node struct {
	worker.Worker

	cfg    config.Config
	static handshake.StaticKeys
	log    *log.Logger

	collab Collaborators
	socket collaborators.Socket

	routes      *routing.Table
	sessionsMu  sync.Mutex
	sessionsByAddr map[string]*session.Session

	rateLimiter *safety.RateLimiter
	reputation  *safety.Reputation
	breakers    *safety.PeerBreakers
	monitor     *safety.Monitor

	transfers *transferManager

	nextCID uint64
	cidMu   sync.Mutex
}

// New constructs a Node. Call Start to bind its socket and begin
// processing traffic.
func New(cfg config.Config, static handshake.StaticKeys, collab Collaborators, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.Default()
	}
	n := &Node{
		cfg:            cfg,
		static:         static,
		log:            logger,
		collab:         collab,
		routes:         routing.New(),
		sessionsByAddr: make(map[string]*session.Session),
		rateLimiter:    safety.New(safety.Config{ConnectionsPerIPPerMin: cfg.RateLimit.ConnectionsPerIPPerMin, PacketsPerSessionPerSec: cfg.RateLimit.PacketsPerSessionPerSec, BytesPerSessionPerSec: cfg.RateLimit.BytesPerSessionPerSec}),
		reputation:     safety.NewReputation(),
		breakers:       safety.NewPeerBreakers(cfg.CircuitBreaker.Threshold, cfg.CircuitBreaker.Cooldown),
		monitor:        safety.NewMonitor(nil),
	}
	n.transfers = newTransferManager(n)
	return n
}

// Start binds the datagram socket and launches the receive and sweep
// loops.
func (n *Node) Start() error {
	frame.SetMTU(pathMTU(n.cfg))
	sock, err := n.collab.Backend.Bind(n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("node: bind %s: %w", n.cfg.ListenAddr, err)
	}
	n.socket = sock
	n.Go(n.receiveLoop)
	n.Go(n.sweepLoop)
	n.log.Info("node: started", "addr", sock.LocalAddr())
	return nil
}

func pathMTU(cfg config.Config) int {
	return 1350 // spec.md §6: datagrams MUST fit the path MTU; conservative default
}

// ListenAddr returns the address the node's socket is actually bound to,
// useful when ListenAddr in config used port 0 for an OS-assigned port.
func (n *Node) ListenAddr() string {
	if n.socket == nil {
		return n.cfg.ListenAddr
	}
	return n.socket.LocalAddr().String()
}

// Stop closes the node's socket (unblocking any pending Recv) and then
// halts its background loops.
func (n *Node) Stop() error {
	var closeErr error
	if n.socket != nil {
		closeErr = n.socket.Close()
	}
	n.Halt()
	return closeErr
}

// SendDatagram implements session.Dispatcher: it obfuscation-wraps and
// transmits payload to addr.
func (n *Node) SendDatagram(addr net.Addr, payload []byte) error {
	wrapped, err := n.collab.Obfuscation.Wrap(payload, obfuscationProfile(n.cfg.ObfuscationLevel))
	if err != nil {
		return err
	}
	return n.socket.Send(wrapped, addr)
}

func obfuscationProfile(level config.ObfuscationLevel) collaborators.ObfuscationProfile {
	switch level {
	case config.ObfuscationLow, config.ObfuscationMedium:
		return collaborators.ProfileWebSocketFrame
	case config.ObfuscationHigh, config.ObfuscationParanoid:
		return collaborators.ProfileTLSRecord
	default:
		return collaborators.ProfileNone
	}
}

// sweepLoop periodically evicts idle sessions from the routing table.
func (n *Node) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.HaltCh():
			return
		case <-ticker.C:
			if evicted := n.routes.Sweep(); evicted > 0 {
				n.log.Debug("node: sweep evicted idle sessions", "count", evicted)
			}
		}
	}
}

// newCID allocates a fresh, process-unique connection identifier.
func (n *Node) newCID() uint64 {
	n.cidMu.Lock()
	defer n.cidMu.Unlock()
	if n.nextCID == 0 {
		var seed [8]byte
		_, _ = rand.Read(seed[:])
		n.nextCID = binary.BigEndian.Uint64(seed[:]) | 1
	}
	n.nextCID += 2 // keep it odd/even-stable to avoid colliding with a concurrently-chosen peer CID space
	return n.nextCID
}

// EnsureSession returns the established (or establishing) session for
// peerAddr, creating and starting a handshake as initiator if none
// exists yet.
func (n *Node) EnsureSession(peerAddr net.Addr, expectedPeer *[32]byte) (*session.Session, error) {
	key := peerAddr.String()

	n.sessionsMu.Lock()
	if s, ok := n.sessionsByAddr[key]; ok {
		n.sessionsMu.Unlock()
		return s, nil
	}
	n.sessionsMu.Unlock()

	if !n.reputation.Allowed(hostOf(peerAddr)) {
		return nil, errors.New("node: peer reputation below threshold")
	}
	if !n.breakers.For(key).Allow() {
		return nil, errors.New("node: peer circuit breaker open")
	}

	cid := n.newCID()
	s := session.New(session.Config{
		CID:                cid,
		Role:               handshake.Initiator,
		PeerAddr:           peerAddr,
		Static:             n.static,
		ExpectedPeer:       expectedPeer,
		Prologue:           []byte(n.cfg.Noise.Prologue),
		IdleTimeout:        n.cfg.SessionIdleTimeout,
		Dispatcher:         n,
		Logger:             n.log,
		LocalVersion:       versioninfo.Short(),
		OnClose:            func(reason error) { n.onSessionClose(cid, key, reason) },
		RekeyMessages:      uint64(n.cfg.RekeyIntervalMessages),
		RekeyInterval:      time.Duration(n.cfg.RekeyIntervalSeconds) * time.Second,
		PingInitialTimeout: n.cfg.Ping.InitialTimeout,
		PingRetries:        n.cfg.Ping.Retries,
	})

	n.sessionsMu.Lock()
	n.sessionsByAddr[key] = s
	n.sessionsMu.Unlock()
	n.routes.Add(cid, s)

	if err := s.StartInitiator(); err != nil {
		n.breakers.For(key).RecordFailure()
		return nil, err
	}
	return s, nil
}

func (n *Node) onSessionClose(cid uint64, addrKey string, reason error) {
	n.routes.Remove(cid)
	n.sessionsMu.Lock()
	delete(n.sessionsByAddr, addrKey)
	n.sessionsMu.Unlock()
	n.rateLimiter.RemoveSession(cid)
	if reason != nil {
		n.monitor.Record(safety.EventProtocolViolation, addrKey, reason.Error())
	}
}

// discoveryRecord is the self-describing payload published to the
// Discovery collaborator, cbor-encoded: unlike the fixed binary layouts
// the wire protocol itself uses (spec.md's frame header, the transfer
// control frames), this record crosses into an external, versioned
// directory and benefits from a self-describing format a future field
// can be added to without breaking older readers.
type discoveryRecord struct {
	StaticKey [32]byte `cbor:"1,keyasint"`
	Signature []byte   `cbor:"2,keyasint"`
}

// Announce publishes this node's Noise static key to the Discovery
// collaborator under its Ed25519 Peer ID, signed by id so a resolver can
// verify the binding between the two key types spec.md §3 keeps
// separate. Returns an error if no Discovery collaborator was supplied.
func (n *Node) Announce(ctx context.Context, id identity.Keys, ttl int) error {
	if n.collab.Discovery == nil {
		return errors.New("node: no discovery collaborator configured")
	}
	rec := discoveryRecord{StaticKey: n.static.Public, Signature: id.Sign(n.static.Public[:])}
	payload, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}

	peerID := id.PeerID()
	return n.collab.Discovery.Announce(ctx, fmt.Sprintf("%x", peerID[:]), payload, ttl)
}

// ResolveRecord looks up and cbor-decodes a peer's published discovery
// record, verifying its signature against the claimed Peer ID before
// returning the bound Noise static key.
func (n *Node) ResolveRecord(ctx context.Context, peerID [32]byte) ([32]byte, error) {
	if n.collab.Discovery == nil {
		return [32]byte{}, errors.New("node: no discovery collaborator configured")
	}
	values, err := n.collab.Discovery.Lookup(ctx, fmt.Sprintf("%x", peerID[:]))
	if err != nil {
		return [32]byte{}, err
	}
	if len(values) == 0 {
		return [32]byte{}, errors.New("node: no discovery record for peer")
	}
	var rec discoveryRecord
	if err := cbor.Unmarshal(values[0], &rec); err != nil {
		return [32]byte{}, err
	}
	if !identity.Verify(peerID, rec.StaticKey[:], rec.Signature) {
		return [32]byte{}, errors.New("node: discovery record signature invalid")
	}
	return rec.StaticKey, nil
}

// CloseSession closes the session addressed by peerAddr, if any,
// exchanging a CLOSE frame and removing its routing entry.
func (n *Node) CloseSession(peerAddr net.Addr) error {
	n.sessionsMu.Lock()
	s, ok := n.sessionsByAddr[peerAddr.String()]
	n.sessionsMu.Unlock()
	if !ok {
		return nil
	}
	return s.Close(nil)
}

// MetricsCollector returns a prometheus.Collector exposing this node's
// security event counters, for the embedding application to register
// with its own registry.
func (n *Node) MetricsCollector() *safety.MetricsCollector {
	return safety.NewMetricsCollector(n.monitor)
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
