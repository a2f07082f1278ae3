// Package network handles peer-to-peer communication over TCP (or mTLS)
// using 1-byte-tag + 4-byte-length binary packet framing.
package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// Peer represents a connected remote node.
type Peer struct {
	ID   string
	Addr string

	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

// NewPeer wraps an established connection as a Peer.
func NewPeer(id, addr string, conn net.Conn) *Peer {
	return &Peer{ID: id, Addr: addr, conn: conn}
}

// DialPeer dials the remote address and returns a connected Peer.
// If tlsCfg is non-nil the connection is established over mTLS.
func DialPeer(id, addr string, tlsCfg *tls.Config) (*Peer, error) {
	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewPeer(id, addr, conn), nil
}

// SendPacket writes one tag + length-prefixed payload to the peer. It
// implements protoflow.Transport.
func (p *Peer) SendPacket(tag byte, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.ID)
	}
	return writePacket(p.conn, tag, payload)
}

// ReceivePacket reads the next packet addressed to this peer.
func (p *Peer) ReceivePacket() (tag byte, payload []byte, err error) {
	return readPacket(p.conn)
}

// Close terminates the peer connection.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}
