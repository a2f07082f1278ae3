package network

import (
	"fmt"
	"sync"
)

// BanThreshold is the score at or below which a peer is banned.
const BanThreshold = -50

// DemeritMalformedReply is the score penalty for a malformed SendBlocks
// reply.
const DemeritMalformedReply = -10

// PacketHandler dispatches one received packet from peer.
type PacketHandler func(peer *Peer, tag byte, payload []byte)

type peerEntry struct {
	peer  *Peer
	score int
}

// PeerTable tracks connected peers under a single mutex: connection
// bookkeeping, demerit score, and ban state.
type PeerTable struct {
	mu sync.RWMutex

	peers    map[string]*peerEntry // nodeID -> entry
	banned   map[string]bool       // nodeID -> banned
	bannedIP map[string]bool       // remote addr, matched against Peer.Addr exactly -> banned

	onPacket PacketHandler
}

// NewPeerTable constructs an empty PeerTable dispatching received
// packets to onPacket.
func NewPeerTable(onPacket PacketHandler) *PeerTable {
	return &PeerTable{
		peers:    make(map[string]*peerEntry),
		banned:   make(map[string]bool),
		bannedIP: make(map[string]bool),
		onPacket: onPacket,
	}
}

// connect registers an already-established Peer under its node ID,
// rejecting banned nodes and banned addresses.
func (t *PeerTable) connect(p *Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.banned[p.ID] {
		return fmt.Errorf("network: node %s is banned", p.ID)
	}
	if t.bannedIP[p.Addr] {
		return fmt.Errorf("network: address %s is banned", p.Addr)
	}
	t.peers[p.ID] = &peerEntry{peer: p}
	return nil
}

// Disconnect closes and removes the peer with the given node ID.
func (t *PeerTable) Disconnect(nodeID string) {
	t.mu.Lock()
	entry, ok := t.peers[nodeID]
	if ok {
		delete(t.peers, nodeID)
	}
	t.mu.Unlock()
	if ok {
		entry.peer.Close()
	}
}

// IsConnected reports whether nodeID currently has a live session.
func (t *PeerTable) IsConnected(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[nodeID]
	return ok
}

// Ban marks nodeID as banned and disconnects it if currently connected.
func (t *PeerTable) Ban(nodeID string) {
	t.mu.Lock()
	t.banned[nodeID] = true
	entry, ok := t.peers[nodeID]
	if ok {
		delete(t.peers, nodeID)
	}
	t.mu.Unlock()
	if ok {
		entry.peer.Close()
	}
}

// BanIP marks addr as banned; future connections from it are refused.
func (t *PeerTable) BanIP(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bannedIP[addr] = true
}

// Demerit lowers nodeID's score by delta (delta is typically negative),
// banning it once the score falls to BanThreshold or below. It
// implements protoflow.ScoreKeeper.
func (t *PeerTable) Demerit(nodeID string, delta int) {
	t.mu.Lock()
	entry, ok := t.peers[nodeID]
	if !ok {
		t.mu.Unlock()
		return
	}
	entry.score += delta
	ban := entry.score <= BanThreshold
	t.mu.Unlock()
	if ban {
		t.Ban(nodeID)
	}
}

// SendTo sends a packet to one connected peer by node ID.
func (t *PeerTable) SendTo(nodeID string, tag byte, payload []byte) error {
	t.mu.RLock()
	entry, ok := t.peers[nodeID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("network: peer %s not connected", nodeID)
	}
	return entry.peer.SendPacket(tag, payload)
}

// Broadcast sends a packet to every connected peer, logging per-peer
// failures but not stopping the fan-out.
func (t *PeerTable) Broadcast(tag byte, payload []byte, onErr func(nodeID string, err error)) {
	t.mu.RLock()
	entries := make([]*peerEntry, 0, len(t.peers))
	for _, e := range t.peers {
		entries = append(entries, e)
	}
	t.mu.RUnlock()
	for _, e := range entries {
		if err := e.peer.SendPacket(tag, payload); err != nil && onErr != nil {
			onErr(e.peer.ID, err)
		}
	}
}

// rekey moves an entry registered under a provisional node ID (the
// remote address, before its Connect packet is verified) to its
// claimed node ID.
func (t *PeerTable) rekey(oldID, newID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.peers[oldID]
	if !ok {
		return
	}
	delete(t.peers, oldID)
	t.peers[newID] = entry
}

// Peers returns a snapshot of currently connected peers.
func (t *PeerTable) Peers() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, e := range t.peers {
		out = append(out, e.peer)
	}
	return out
}

// dispatch hands a received packet to the table's PacketHandler.
func (t *PeerTable) dispatch(p *Peer, tag byte, payload []byte) {
	if t.onPacket != nil {
		t.onPacket(p, tag, payload)
	}
}
