package network

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/purplenet/purple/crypto"
)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// BlockHandler decodes and appends one chain's serialized block onto
// its ingress queue.
type BlockHandler func(peer *Peer, payload []byte)

// ProtocolHandler routes RequestBlocks/SendBlocks payloads into the
// protoflow Sender/Receiver keyed by the wire Chain selector.
type ProtocolHandler func(peer *Peer, payload []byte)

// Node listens for incoming peers and manages outgoing connections,
// dispatching received packets by tag to the appropriate handler.
type Node struct {
	nodeID      string
	networkName string
	signKey     crypto.PrivateKey
	listenAddr  string
	tlsConfig   *tls.Config // nil -> plain TCP
	maxPeers    int

	table *PeerTable
	boot  *BootstrapCache

	onPowBlock      BlockHandler
	onStateBlock    BlockHandler
	onRequestBlocks ProtocolHandler
	onSendBlocks    ProtocolHandler
	onDisconnect    func(nodeID string)

	listener net.Listener
	stopCh   chan struct{}
}

// NewNode creates a Node that will listen on listenAddr under the given
// node identity and network name.
func NewNode(nodeID, networkName string, signKey crypto.PrivateKey, listenAddr string, tlsCfg *tls.Config) *Node {
	n := &Node{
		nodeID:      nodeID,
		networkName: networkName,
		signKey:     signKey,
		listenAddr:  listenAddr,
		tlsConfig:   tlsCfg,
		maxPeers:    DefaultMaxPeers,
		stopCh:      make(chan struct{}),
		boot:        NewBootstrapCache(DefaultBootstrapCacheSize),
	}
	n.table = NewPeerTable(n.dispatch)
	return n
}

// SetBootstrapCache replaces the node's bootstrap cache, e.g. with one
// restored from storage via LoadBootstrapCache.
func (n *Node) SetBootstrapCache(c *BootstrapCache) { n.boot = c }

// BootstrapCache exposes the node's cache of known-good peer addresses,
// so callers can persist it (Save) or redial its entries on restart.
func (n *Node) BootstrapCache() *BootstrapCache { return n.boot }

// OnPowBlock registers the handler for tag PowBlock packets.
func (n *Node) OnPowBlock(h BlockHandler) { n.onPowBlock = h }

// OnStateBlock registers the handler for tag StateBlock packets.
func (n *Node) OnStateBlock(h BlockHandler) { n.onStateBlock = h }

// OnRequestBlocks registers the handler for tag RequestBlocks packets.
func (n *Node) OnRequestBlocks(h ProtocolHandler) { n.onRequestBlocks = h }

// OnSendBlocks registers the handler for tag SendBlocks packets.
func (n *Node) OnSendBlocks(h ProtocolHandler) { n.onSendBlocks = h }

// OnPeerDisconnect registers a handler invoked after a peer's session
// ends for any reason, so in-flight protocol sessions against that peer
// can be failed immediately instead of waiting out their timers.
func (n *Node) OnPeerDisconnect(h func(nodeID string)) { n.onDisconnect = h }

// PeerTable exposes the node's peer table, e.g. so protoflow sessions
// can be constructed with it as their ScoreKeeper.
func (n *Node) PeerTable() *PeerTable { return n.table }

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop shuts down the node and disconnects all peers.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	for _, p := range n.table.Peers() {
		p.Close()
	}
}

// Connect dials addr, completes the Connect handshake, and registers
// the resulting peer under remoteNodeID.
func (n *Node) Connect(remoteNodeID, addr string) error {
	peer, err := DialPeer(remoteNodeID, addr, n.tlsConfig)
	if err != nil {
		return err
	}
	if err := n.table.connect(peer); err != nil {
		peer.Close()
		return err
	}
	if err := n.sendConnect(peer); err != nil {
		n.table.Disconnect(remoteNodeID)
		return err
	}
	n.boot.Remember(remoteNodeID, addr)
	go n.readLoop(peer)
	return nil
}

// Disconnect tears down the session with nodeID.
func (n *Node) Disconnect(nodeID string) { n.table.Disconnect(nodeID) }

// IsConnected reports whether a live session with nodeID exists.
func (n *Node) IsConnected(nodeID string) bool { return n.table.IsConnected(nodeID) }

// Ban disconnects nodeID and refuses future sessions from it.
func (n *Node) Ban(nodeID string) {
	n.table.Ban(nodeID)
	n.boot.Forget(nodeID)
}

// BanIP refuses future connections whose peer address equals addr;
// sessions already open are left as they are.
func (n *Node) BanIP(addr string) { n.table.BanIP(addr) }

// SendTo writes one framed packet to the peer registered as nodeID.
func (n *Node) SendTo(nodeID string, tag byte, payload []byte) error {
	return n.table.SendTo(nodeID, tag, payload)
}

// Broadcast writes one framed packet to every connected peer.
func (n *Node) Broadcast(tag byte, payload []byte) {
	n.table.Broadcast(tag, payload, func(nodeID string, err error) {
		log.Printf("[network] broadcast to %s: %v", nodeID, err)
	})
}

// Peers returns a snapshot of all connected peers.
func (n *Node) Peers() []*Peer { return n.table.Peers() }

func (n *Node) sendConnect(peer *Peer) error {
	body := Connect{NodeID: n.nodeID, NetworkName: n.networkName}
	body.Signature = crypto.Sign(n.signKey, body.SigningBody())
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return peer.SendPacket(TagConnect, payload)
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				log.Printf("[network] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		if len(n.table.Peers()) >= n.maxPeers {
			log.Printf("[network] max peers (%d) reached, rejecting %s", n.maxPeers, conn.RemoteAddr())
			conn.Close()
			continue
		}
		addr := conn.RemoteAddr().String()
		peer := NewPeer(addr, addr, conn) // node ID confirmed on first Connect packet
		if err := n.table.connect(peer); err != nil {
			conn.Close()
			continue
		}
		go n.readLoop(peer)
	}
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[network] readLoop panic from %s: %v", peer.ID, r)
		}
		n.table.Disconnect(peer.ID)
		if n.onDisconnect != nil {
			n.onDisconnect(peer.ID)
		}
	}()
	for {
		tag, payload, err := peer.ReceivePacket()
		if err != nil {
			return
		}
		n.dispatch(peer, tag, payload)
	}
}

// dispatch routes one packet to its handler, re-keying an inbound
// peer's table entry to its claimed node ID once a Connect handshake
// verifies.
func (n *Node) dispatch(peer *Peer, tag byte, payload []byte) {
	switch tag {
	case TagConnect:
		n.handleConnect(peer, payload)
	case TagPowBlock:
		if n.onPowBlock != nil {
			n.onPowBlock(peer, payload)
		}
	case TagStateBlock:
		if n.onStateBlock != nil {
			n.onStateBlock(peer, payload)
		}
	case TagRequestBlks:
		if n.onRequestBlocks != nil {
			n.onRequestBlocks(peer, payload)
		}
	case TagSendBlks:
		if n.onSendBlocks != nil {
			n.onSendBlocks(peer, payload)
		}
	default:
		log.Printf("[network] unknown packet tag 0x%02x from %s", tag, peer.ID)
	}
}

func (n *Node) handleConnect(peer *Peer, payload []byte) {
	var body Connect
	if err := json.Unmarshal(payload, &body); err != nil {
		log.Printf("[network] malformed Connect from %s: %v", peer.Addr, err)
		n.table.Disconnect(peer.ID)
		return
	}
	if body.NetworkName != n.networkName {
		log.Printf("[network] Connect network mismatch from %s: %q", peer.Addr, body.NetworkName)
		n.table.Disconnect(peer.ID)
		return
	}
	pubKey, err := crypto.PubKeyFromHex(body.NodeID)
	if err != nil {
		log.Printf("[network] Connect invalid node_id from %s: %v", peer.Addr, err)
		n.table.Disconnect(peer.ID)
		return
	}
	if !crypto.Verify(pubKey, body.SigningBody(), body.Signature) {
		log.Printf("[network] Connect signature verification failed from %s", peer.Addr)
		n.table.Disconnect(peer.ID)
		return
	}
	n.table.mu.RLock()
	banned := n.table.banned[body.NodeID]
	n.table.mu.RUnlock()
	if banned {
		log.Printf("[network] Connect from banned node %s at %s", body.NodeID, peer.Addr)
		n.table.Disconnect(peer.ID)
		return
	}

	n.table.rekey(peer.ID, body.NodeID)
	peer.ID = body.NodeID
	n.boot.Remember(body.NodeID, peer.Addr)
}
