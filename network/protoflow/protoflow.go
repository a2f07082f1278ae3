// Package protoflow implements the request-blocks protocol flow:
// a pair of short-lived state machines coordinating a bootstrap/catch-up
// fetch between a requesting Sender and a serving Receiver. Both chains
// (pow and state) share this package, parameterized over their own
// block type.
package protoflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/chain/ingress"
	"github.com/purplenet/purple/crypto"
)

// MaxBlocksPerRequest is the protocol ceiling on blocks-per-response.
const MaxBlocksPerRequest = 512

// DefaultSessionTimeout is how long a Sender waits for SendBlocks before
// the session times out.
const DefaultSessionTimeout = 15 * time.Second

// Backoff parameters for a Sender retrying against another peer.
const (
	BackoffBase = time.Second
	BackoffCap  = 30 * time.Second
	MaxRetries  = 5
)

// NextBackoff returns the retry delay for the given 0-based attempt
// number, doubling from BackoffBase and capped at BackoffCap.
func NextBackoff(attempt int) time.Duration {
	d := BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= BackoffCap {
			return BackoffCap
		}
	}
	if d > BackoffCap {
		d = BackoffCap
	}
	return d
}

// SendBlocksStatus labels why a Receiver did or didn't serve a request.
type SendBlocksStatus byte

const (
	StatusOK SendBlocksStatus = iota
	StatusUnknownAnchor
	StatusBusy
)

// RequestBlocks is the wire payload of packet tag 0x20. Chain
// multiplexes the two chain cores (pow/state) over one connection; a
// single peer session serves both chains concurrently.
type RequestBlocks struct {
	Chain    string        `json:"chain"`
	FromHash crypto.Digest `json:"from_hash"`
	MaxCount uint16        `json:"max_count"`
}

// SendBlocksEnvelope is the wire payload of packet tag 0x21, generic
// over the requesting chain's block type so json (un)marshalling
// produces concrete values, not chain.Block interfaces.
type SendBlocksEnvelope[B chain.Block] struct {
	Chain  string           `json:"chain"`
	Status SendBlocksStatus `json:"status"`
	Blocks []B              `json:"blocks"`
}

// Transport is the narrow send capability a Sender/Receiver needs from
// the peer connection; network.Peer implements it.
type Transport interface {
	SendPacket(tag byte, payload []byte) error
}

// ScoreKeeper demerits or bans a misbehaving peer; network.PeerTable
// implements it.
type ScoreKeeper interface {
	Demerit(peerID string, delta int)
}

// Packet tags for the two sync messages.
const (
	TagRequestBlocks byte = 0x20
	TagSendBlocks    byte = 0x21
)

var (
	ErrUnknownAnchor    = errors.New("protoflow: from_hash not on canonical branch")
	ErrBusy             = errors.New("protoflow: receiver has a request in flight")
	ErrProtocolTimeout  = errors.New("protoflow: session timed out")
	ErrPeerDisconnected = errors.New("protoflow: peer disconnected mid-session")
	ErrMalformedReply   = errors.New("protoflow: non-contiguous or undecodable block sequence")
)

// --- Sender ---

// Sender drives the Idle -> AwaitingResponse -> {Done, TimedOut,
// Rejected} machine for one peer session.
type Sender[B chain.Block] struct {
	mu sync.Mutex

	peerID    string
	chainName string
	queue     *ingress.Queue[B]
	decode    chain.Decoder[B]
	scoring   ScoreKeeper

	sm       *fsm.FSM
	fromHash crypto.Digest
	timer    *time.Timer
}

// NewSender constructs a Sender in the Idle state, feeding successfully
// validated blocks into queue. chainName labels which chain ("pow" or
// "state") this session requests blocks for, used to multiplex replies.
func NewSender[B chain.Block](peerID, chainName string, queue *ingress.Queue[B], decode chain.Decoder[B], scoring ScoreKeeper) *Sender[B] {
	s := &Sender[B]{peerID: peerID, chainName: chainName, queue: queue, decode: decode, scoring: scoring}
	s.sm = fsm.NewFSM(
		"idle",
		fsm.Events{
			{Name: "request", Src: []string{"idle"}, Dst: "awaiting_response"},
			{Name: "accept", Src: []string{"awaiting_response"}, Dst: "done"},
			{Name: "reject", Src: []string{"awaiting_response"}, Dst: "rejected"},
			{Name: "timeout", Src: []string{"awaiting_response"}, Dst: "timed_out"},
			{Name: "disconnect", Src: []string{"awaiting_response"}, Dst: "timed_out"},
			{Name: "reset", Src: []string{"done", "rejected", "timed_out"}, Dst: "idle"},
		},
		fsm.Callbacks{},
	)
	return s
}

// State returns the session's current state name.
func (s *Sender[B]) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.Current()
}

// Start emits RequestBlocks{fromHash, maxCount} over transport and
// starts the session timer. maxCount is clamped to MaxBlocksPerRequest.
func (s *Sender[B]) Start(transport Transport, fromHash crypto.Digest, maxCount uint16, timeout time.Duration) error {
	if maxCount == 0 || maxCount > MaxBlocksPerRequest {
		maxCount = MaxBlocksPerRequest
	}
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}

	s.mu.Lock()
	if err := s.sm.Event(context.Background(), "request"); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("protoflow: sender start: %w", err)
	}
	s.fromHash = fromHash
	s.mu.Unlock()

	payload, err := json.Marshal(RequestBlocks{Chain: s.chainName, FromHash: fromHash, MaxCount: maxCount})
	if err != nil {
		return err
	}
	if err := transport.SendPacket(TagRequestBlocks, payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		_ = s.sm.Event(context.Background(), "timeout")
		s.mu.Unlock()
	})
	s.mu.Unlock()
	return nil
}

// HandleSendBlocks validates a SendBlocks reply's contiguous linkage
// (each block's parent equals the previous block's hash, starting from
// fromHash), feeds validated blocks into the ingress queue, and
// advances the state machine. A malformed reply demerits the peer and
// transitions to Rejected.
func (s *Sender[B]) HandleSendBlocks(env SendBlocksEnvelope[B]) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	fromHash := s.fromHash
	s.mu.Unlock()

	if env.Status != StatusOK {
		return s.reject(fmt.Errorf("protoflow: receiver status %d", env.Status))
	}

	prev := fromHash
	for _, b := range env.Blocks {
		if b.ParentHash() != prev {
			return s.reject(ErrMalformedReply)
		}
		if b.ComputeHash() != b.BlockHash() {
			return s.reject(ErrMalformedReply)
		}
		prev = b.BlockHash()
	}

	for _, b := range env.Blocks {
		s.queue.Offer(b)
	}

	s.mu.Lock()
	err := s.sm.Event(context.Background(), "accept")
	s.mu.Unlock()
	return err
}

func (s *Sender[B]) reject(cause error) error {
	if s.scoring != nil {
		s.scoring.Demerit(s.peerID, -10)
	}
	s.mu.Lock()
	_ = s.sm.Event(context.Background(), "reject")
	s.mu.Unlock()
	return cause
}

// OnDisconnect transitions AwaitingResponse -> TimedOut immediately;
// a dead peer is never waited on.
func (s *Sender[B]) OnDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	_ = s.sm.Event(context.Background(), "disconnect")
}

// Reset returns a terminated session to Idle so it can be reused
// against the same or a different peer after a retry.
func (s *Sender[B]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.sm.Event(context.Background(), "reset")
}

// --- Receiver ---

// BranchWalker returns up to maxCount blocks from the receiver's
// canonical branch starting just after fromHash, ordered by increasing
// height, or ok=false if fromHash is not on the canonical branch.
type BranchWalker[B chain.Block] func(fromHash crypto.Digest, maxCount uint16) (blocks []B, ok bool)

// Receiver drives the Ready -> Serving -> Done machine, single-shot
// per request, with a capacity-1 semaphore bounding concurrency.
type Receiver[B chain.Block] struct {
	mu   sync.Mutex
	sm   *fsm.FSM
	walk BranchWalker[B]
	slot chan struct{}
}

// NewReceiver constructs a Receiver in the Ready state.
func NewReceiver[B chain.Block](walk BranchWalker[B]) *Receiver[B] {
	r := &Receiver[B]{
		walk: walk,
		slot: make(chan struct{}, 1),
	}
	r.slot <- struct{}{}
	r.sm = fsm.NewFSM(
		"ready",
		fsm.Events{
			{Name: "serve", Src: []string{"ready"}, Dst: "serving"},
			{Name: "complete", Src: []string{"serving"}, Dst: "done"},
			{Name: "reset", Src: []string{"done", "ready"}, Dst: "ready"},
		},
		fsm.Callbacks{},
	)
	return r
}

// HandleRequestBlocks services one RequestBlocks, returning the
// SendBlocksEnvelope to reply with. It never returns an error: protocol
// failures are encoded in the envelope's Status.
func (r *Receiver[B]) HandleRequestBlocks(req RequestBlocks) SendBlocksEnvelope[B] {
	select {
	case <-r.slot:
	default:
		return SendBlocksEnvelope[B]{Chain: req.Chain, Status: StatusBusy}
	}
	defer func() { r.slot <- struct{}{} }()

	r.mu.Lock()
	if err := r.sm.Event(context.Background(), "serve"); err != nil {
		r.mu.Unlock()
		return SendBlocksEnvelope[B]{Chain: req.Chain, Status: StatusBusy}
	}
	r.mu.Unlock()

	maxCount := req.MaxCount
	if maxCount == 0 || maxCount > MaxBlocksPerRequest {
		maxCount = MaxBlocksPerRequest
	}

	blocks, ok := r.walk(req.FromHash, maxCount)

	r.mu.Lock()
	_ = r.sm.Event(context.Background(), "complete")
	_ = r.sm.Event(context.Background(), "reset")
	r.mu.Unlock()

	if !ok {
		return SendBlocksEnvelope[B]{Chain: req.Chain, Status: StatusUnknownAnchor}
	}
	return SendBlocksEnvelope[B]{Chain: req.Chain, Status: StatusOK, Blocks: blocks}
}
