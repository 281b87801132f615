// Package collaborators declares the narrow external interfaces spec.md
// §6 delegates to the embedding application: discovery, obfuscation,
// chunk I/O, and the datagram backend. Node and transfer code depend
// only on these interfaces, never on a concrete implementation, so the
// core stays transport- and storage-agnostic the way the teacher's own
// client packages depend on an abstract PKI/transport rather than a
// concrete one.
package collaborators

import (
	"context"
	"net"
)

// Discovery resolves peer identities to addresses and publishes/looks up
// arbitrary key/value records, e.g. backed by a DHT or directory server.
type Discovery interface {
	Resolve(ctx context.Context, peerID string) (net.Addr, error)
	Announce(ctx context.Context, key string, value []byte, ttl int) error
	Lookup(ctx context.Context, key string) ([][]byte, error)
}

// ObfuscationProfile selects a traffic-shaping disguise for wrapped
// datagrams.
type ObfuscationProfile uint8

const (
	ProfileNone ObfuscationProfile = iota
	ProfileTLSRecord
	ProfileWebSocketFrame
	ProfileDoH
)

// Obfuscation wraps/unwraps raw protocol datagrams to disguise them as
// another protocol's traffic on the wire.
type Obfuscation interface {
	Wrap(datagram []byte, profile ObfuscationProfile) ([]byte, error)
	Unwrap(wrapped []byte, profile ObfuscationProfile) ([]byte, error)
}

// IO performs chunked file access and resume-state persistence on behalf
// of the transfer engine.
type IO interface {
	ReadChunk(path string, idx int, size int) ([]byte, error)
	WriteChunk(path string, idx int, data []byte) error
	Preallocate(path string, size int64) error
	PersistReceivedSet(transferID string, indices []int) error
}

// DatagramBackend sends and receives raw datagrams. Implementations may
// wrap plain UDP, AF_XDP, or io_uring per spec.md's backend enumeration.
type DatagramBackend interface {
	Bind(addr string) (Socket, error)
}

// Socket is a bound datagram endpoint.
type Socket interface {
	Send(datagram []byte, dst net.Addr) error
	Recv() (datagram []byte, src net.Addr, err error)
	LocalAddr() net.Addr
	Close() error
}
