// Package wire provides concrete, process-local implementations of the
// collaborators interfaces: a plain UDP datagram backend and a minimal
// obfuscation layer. Real deployments may swap these for AF_XDP/io_uring
// backends or richer traffic-shaping profiles; these cover the `udp`
// backend and the `none`/`TLSRecord`/`WebSocketFrame`/`DoH` profiles
// directly so the node core has something to run against out of the box.
package wire

import (
	"fmt"
	"net"

	"github.com/wraith-net/wraith/collaborators"
)

// UDPBackend binds plain net.UDPConn sockets.
type UDPBackend struct{}

// Bind opens a UDP socket listening on addr.
func (UDPBackend) Bind(addr string) (collaborators.Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("wire: listen %s: %w", addr, err)
	}
	return &udpSocket{conn: conn}, nil
}

type udpSocket struct {
	conn *net.UDPConn
}

func (s *udpSocket) Send(datagram []byte, dst net.Addr) error {
	udpDst, ok := dst.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", dst.String())
		if err != nil {
			return err
		}
		udpDst = resolved
	}
	_, err := s.conn.WriteToUDP(datagram, udpDst)
	return err
}

func (s *udpSocket) Recv() ([]byte, net.Addr, error) {
	buf := make([]byte, 65535)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

func (s *udpSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *udpSocket) Close() error { return s.conn.Close() }
