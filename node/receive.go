package node

import (
	"errors"
	"net"
	"time"

	"github.com/carlmjohnson/versioninfo"

	"github.com/wraith-net/wraith/crypto/aead"
	"github.com/wraith-net/wraith/crypto/handshake"
	"github.com/wraith-net/wraith/frame"
	"github.com/wraith-net/wraith/safety"
	"github.com/wraith-net/wraith/session"
)

// receiveLoop implements spec.md §4.G's receive path: read datagram →
// obfuscation.unwrap → parse header → lookup CID → route to session.
// Handshake-1 frames with no known CID spawn a pending responder
// session; every other unrecognised CID is dropped and counted.
func (n *Node) receiveLoop() {
	for {
		select {
		case <-n.HaltCh():
			return
		default:
		}

		datagram, src, err := n.socket.Recv()
		if err != nil {
			select {
			case <-n.HaltCh():
				return
			default:
			}
			n.log.Warn("node: recv error", "err", err)
			continue
		}
		n.handleDatagram(datagram, src)
	}
}

func (n *Node) handleDatagram(datagram []byte, src net.Addr) {
	if !n.rateLimiter.AllowConnection(hostOf(src)) {
		n.monitor.Record(safety.EventRateLimited, src.String(), "connection rate exceeded")
		return
	}
	if !n.reputation.Allowed(hostOf(src)) {
		n.monitor.Record(safety.EventReputationDenied, src.String(), "below reputation threshold")
		return
	}

	unwrapped, err := n.collab.Obfuscation.Unwrap(datagram, obfuscationProfile(n.cfg.ObfuscationLevel))
	if err != nil {
		n.monitor.Record(safety.EventProtocolViolation, src.String(), "obfuscation unwrap failed")
		return
	}

	h, payload, err := frame.Parse(unwrapped, 0, false)
	if err != nil {
		n.monitor.Record(safety.EventProtocolViolation, src.String(), "frame parse failed: "+err.Error())
		return
	}

	sess, ok := n.routes.Lookup(h.CID)
	if !ok {
		if h.Type == frame.TypeHandshake1 {
			// The initiator picks the session's shared CID and carries it
			// in every frame from the first one onward; a HANDSHAKE_1 for
			// a CID we don't yet recognise is a brand-new responder
			// session, keyed by that same CID (spec.md §4.G).
			if !n.rateLimiter.AllowConnection(hostOf(src)) {
				n.monitor.Record(safety.EventRateLimited, src.String(), "connection rate exceeded")
				return
			}
			n.acceptResponder(h, payload, src)
			return
		}
		n.monitor.Record(safety.EventProtocolViolation, src.String(), "unknown cid")
		return
	}
	s, ok := sess.(*session.Session)
	if !ok {
		return
	}

	if !n.rateLimiter.AllowPacket(h.CID) {
		n.monitor.Record(safety.EventRateLimited, src.String(), "packet rate exceeded")
		return
	}

	if isHandshakeType(h.Type) {
		if err := s.HandleHandshakeFrame(h, payload); err != nil {
			n.handleSessionError(s, src, err)
		}
		return
	}

	plaintext, err := s.OpenFrame(h, payload)
	if err != nil {
		if errors.Is(err, aead.ErrReplay) {
			n.monitor.Record(safety.EventReplayDetected, src.String(), err.Error())
		} else {
			n.monitor.Record(safety.EventAuthFailure, src.String(), err.Error())
		}
		n.reputation.Penalize(hostOf(src), 0.1)
		return
	}
	if !n.rateLimiter.AllowBytes(h.CID, float64(len(plaintext))) {
		n.monitor.Record(safety.EventRateLimited, src.String(), "bandwidth rate exceeded")
		return
	}

	n.dispatchFrame(s, h, plaintext, src)
}

func isHandshakeType(t frame.Type) bool {
	return t == frame.TypeHandshake1 || t == frame.TypeHandshake2 || t == frame.TypeHandshake3
}

func (n *Node) acceptResponder(h *frame.Header, payload []byte, src net.Addr) {
	// Adopt the initiator's chosen CID rather than minting our own: the
	// header carries it in cleartext and every subsequent frame in both
	// directions is tagged with this same value, so routing stays a
	// single shared key instead of needing per-direction CID mapping.
	cid := h.CID
	s := session.New(session.Config{
		CID:                cid,
		Role:               handshake.Responder,
		PeerAddr:           src,
		Static:             n.static,
		Prologue:           []byte(n.cfg.Noise.Prologue),
		IdleTimeout:        n.cfg.SessionIdleTimeout,
		Dispatcher:         n,
		Logger:             n.log,
		LocalVersion:       versioninfo.Short(),
		OnClose:            func(reason error) { n.onSessionClose(cid, src.String(), reason) },
		RekeyMessages:      uint64(n.cfg.RekeyIntervalMessages),
		RekeyInterval:      time.Duration(n.cfg.RekeyIntervalSeconds) * time.Second,
		PingInitialTimeout: n.cfg.Ping.InitialTimeout,
		PingRetries:        n.cfg.Ping.Retries,
	})
	n.routes.Add(cid, s)
	n.sessionsMu.Lock()
	n.sessionsByAddr[src.String()] = s
	n.sessionsMu.Unlock()

	if err := s.HandleHandshakeFrame(h, payload); err != nil {
		n.handleSessionError(s, src, err)
	}
}

func (n *Node) handleSessionError(s *session.Session, src net.Addr, err error) {
	n.monitor.Record(safety.EventAuthFailure, src.String(), err.Error())
	n.reputation.Penalize(hostOf(src), 0.2)
	n.breakers.For(src.String()).RecordFailure()
	_ = s.Close(err)
}

func (n *Node) dispatchFrame(s *session.Session, h *frame.Header, payload []byte, src net.Addr) {
	switch h.Type {
	case frame.TypeData, frame.TypeAck:
		if n.transfers.isTransferStream(s, h.StreamID) {
			n.transfers.handleChunkFrame(s, h, payload)
			return
		}
		_ = s.HandleStreamFrame(h, payload)
	case frame.TypePing:
		_ = s.HandlePing(payload)
	case frame.TypePong:
		s.HandlePong(payload)
	case frame.TypePathChallenge:
		_ = s.HandlePathChallenge(payload)
	case frame.TypePathResponse:
		_ = s.HandlePathResponse(payload, src)
	case frame.TypeClose:
		n.breakers.For(src.String()).RecordSuccess()
		_ = s.Close(errors.New("node: peer closed session"))
	case frame.TypeTransferOffer:
		n.transfers.handleOffer(s, payload)
	case frame.TypeChunkRequest:
		n.transfers.handleChunkRequest(s, payload)
	case frame.TypeTransferCancel:
		n.transfers.handleCancel(payload)
	}
}
