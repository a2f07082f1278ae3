package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Packet tags. RequestBlocks/SendBlocks reuse the
// tags protoflow already defines; the rest are defined here since they
// have no other natural home.
const (
	TagConnect     byte = 0x01
	TagPowBlock    byte = 0x10
	TagStateBlock  byte = 0x11
	TagRequestBlks byte = 0x20
	TagSendBlks    byte = 0x21
)

// MaxPacketSize bounds a single packet's payload, guarding against a
// malicious or corrupt length prefix forcing an unbounded allocation.
const MaxPacketSize = 32 * 1024 * 1024

// ReadDeadline bounds how long the rest of a packet may take to arrive
// once its header has been read; waiting for a header is not bounded.
const ReadDeadline = 30 * time.Second

// Connect is the wire payload of packet tag 0x01: a node's handshake,
// proving ownership of its advertised identity for this network.
type Connect struct {
	NodeID      string `json:"node_id"`
	NetworkName string `json:"network_name"`
	Signature   []byte `json:"signature"`
}

// SigningBody returns the bytes a Connect packet's signature covers:
// node_id || network_name.
func (c Connect) SigningBody() []byte {
	return []byte(c.NodeID + c.NetworkName)
}

// writePacket writes tag, a 4-byte big-endian length, then payload.
func writePacket(w io.Writer, tag byte, payload []byte) error {
	var header [5]byte
	header[0] = tag
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readPacket reads one tag + length-prefixed payload. Waiting for the
// next packet may block indefinitely (an idle peer is not a faulty
// peer), but once a header has arrived the rest of the packet must
// land within ReadDeadline so a half-written packet cannot wedge the
// read loop.
func readPacket(conn net.Conn) (tag byte, payload []byte, err error) {
	_ = conn.SetReadDeadline(time.Time{})
	var header [5]byte
	if _, err = io.ReadFull(conn, header[:]); err != nil {
		return 0, nil, err
	}
	tag = header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxPacketSize {
		return 0, nil, fmt.Errorf("network: packet too large: %d bytes", length)
	}
	_ = conn.SetReadDeadline(time.Now().Add(ReadDeadline))
	payload = make([]byte, length)
	if _, err = io.ReadFull(conn, payload); err != nil {
		return 0, nil, err
	}
	return tag, payload, nil
}
