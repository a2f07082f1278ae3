package consensus

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/chain/statechain"
	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/events"
)

// Proposer is a PoA-style round-robin state-block producer: at most one
// configured proposer is eligible per height, determined by
// height % len(proposers).
type Proposer struct {
	state      *statechain.Chain
	mempool    *chain.Mempool
	emitter    *events.Emitter
	proposers  []string // hex pubkeys, round-robin order; empty -> always eligible (dev mode)
	priv       crypto.PrivateKey
	pub        crypto.PublicKey
	maxTxs     int
	onBlock    func(*chain.StateBlock)
}

// ErrNotProposer is returned by ProposeBlock on rounds where another
// validator holds the proposer slot.
var ErrNotProposer = errors.New("consensus: not the proposer for this round")

// NewProposer constructs a Proposer for the local validator identified
// by priv. An empty proposers list means single-node development mode:
// this node is always eligible.
func NewProposer(state *statechain.Chain, mempool *chain.Mempool, emitter *events.Emitter, proposers []string, priv crypto.PrivateKey, maxTxs int) *Proposer {
	if maxTxs <= 0 {
		maxTxs = 500
	}
	return &Proposer{
		state:     state,
		mempool:   mempool,
		emitter:   emitter,
		proposers: proposers,
		priv:      priv,
		pub:       priv.Public(),
		maxTxs:    maxTxs,
	}
}

// SetOnBlock registers a callback invoked from Run after each
// successfully appended proposal, e.g. to gossip it to peers.
func (p *Proposer) SetOnBlock(fn func(*chain.StateBlock)) { p.onBlock = fn }

// IsProposer reports whether this node is the round-robin proposer for
// nextHeight.
func (p *Proposer) IsProposer(nextHeight uint64) bool {
	if len(p.proposers) == 0 {
		return true
	}
	idx := int(nextHeight % uint64(len(p.proposers)))
	return p.proposers[idx] == p.pub.Hex()
}

// ProposeBlock builds, executes, signs, and appends the next state
// block anchored to powTip. It fails if this node is not the proposer
// for the next height.
func (p *Proposer) ProposeBlock(powTip crypto.Digest) (*chain.StateBlock, error) {
	_, tipHeight := p.state.Tip()
	nextHeight := tipHeight + 1
	if !p.IsProposer(nextHeight) {
		return nil, ErrNotProposer
	}

	txs := p.mempool.Pending(p.maxTxs)

	tipHash, _ := p.state.Tip()
	candidate := chain.NewStateBlock(nextHeight, tipHash, powTip, p.pub.Hex(), txs)

	parentState, err := p.state.CurrentState()
	if err != nil {
		return nil, fmt.Errorf("consensus: load parent state: %w", err)
	}

	// Compute the root against a clone of the parent state before
	// signing: ApplyForProposal never mutates parentState, so if Append
	// later rejects the block (e.g. the pow anchor moved underneath us),
	// nothing has been committed.
	_, root, err := parentState.ApplyForProposal(candidate)
	if err != nil {
		return nil, fmt.Errorf("consensus: execute proposal: %w", err)
	}
	candidate.Header.StateRoot = root
	candidate.SignProposer(p.priv)

	if err := p.state.Append(candidate); err != nil {
		return nil, fmt.Errorf("consensus: append proposed block: %w", err)
	}

	txIDs := make([]string, len(txs))
	for i, tx := range txs {
		txIDs[i] = tx.ID
	}
	p.mempool.Remove(txIDs)

	return candidate, nil
}

// Run proposes a block on every tick this node is the round's proposer,
// anchoring each proposal to the pow chain's tip at tick time. It blocks
// until done is closed.
func (p *Proposer) Run(interval time.Duration, powTip func() crypto.Digest, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			block, err := p.ProposeBlock(powTip())
			if err != nil {
				if !errors.Is(err, ErrNotProposer) {
					log.Printf("[consensus] propose block error: %v", err)
				}
				continue
			}
			log.Printf("[consensus] proposed state block %d (%s)", block.Header.Height, block.Hash)
			if p.onBlock != nil {
				p.onBlock(block)
			}
		}
	}
}
