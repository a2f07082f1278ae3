// Package statechain wires chain.Core[*chain.StateBlock] together with
// the chain/state world-state model. It exists as its own package,
// separate from both chain and chain/state, because chain/state already
// imports chain (for chain.StateBlock and friends): code that needs
// both Core and WorldState together would create an import cycle if it
// lived inside package chain itself.
package statechain

import (
	"fmt"
	"sync"
	"time"

	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/chain/state"
	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/events"
	"github.com/purplenet/purple/storage"
)

// maxBlockTimeDrift bounds how far a state block's declared timestamp
// may sit in the future relative to wall clock when it is validated.
const maxBlockTimeDrift = int64(15 * time.Second)

// PowAnchor is the narrow view onto the pow chain the state chain needs
// to enforce the cross-chain anchor rule:
// a state block's anchor must name a block the pow chain still
// considers canonical. *chain.PowChain satisfies this.
type PowAnchor interface {
	Has(hash crypto.Digest) bool
	IsAncestor(hash crypto.Digest) bool
}

// Chain wires a Core[*chain.StateBlock] with a bounded tipIndex
// from block hash to the WorldState produced by applying every
// block back to genesis.
type Chain struct {
	core       *chain.Core[*chain.StateBlock]
	powChain   PowAnchor
	emitter    *events.Emitter
	proposers  []string // hex pubkeys, round-robin order; empty -> no restriction
	genesis    crypto.Digest
	evictDepth uint64

	mu       sync.RWMutex
	tipIndex map[crypto.Digest]*state.WorldState
}

// New constructs (or restores) the state chain. genesisState must be
// the WorldState committed at genesisBlock's StateRoot. proposers, if
// non-empty, restricts block production to a round-robin rotation over
// that set (enforced against candidate.Header.Proposer at validate
// time).
func New(db storage.Column, genesisBlock *chain.StateBlock, genesisState *state.WorldState, powChain PowAnchor, emitter *events.Emitter, proposers []string, finalityHorizon uint64) (*Chain, error) {
	horizon := finalityHorizon
	if horizon == 0 {
		horizon = chain.DefaultFinalityHorizon
	}
	sc := &Chain{
		powChain:  powChain,
		emitter:   emitter,
		proposers: proposers,
		genesis:   genesisBlock.BlockHash(),
		// Keep cached states deep enough to serve the next checkpoint
		// without a replay from genesis.
		evictDepth: horizon + chain.DefaultCheckpointInterval,
		tipIndex: map[crypto.Digest]*state.WorldState{
			genesisBlock.BlockHash(): genesisState,
		},
	}

	core, err := chain.New(chain.Config[*chain.StateBlock]{
		DB:              db,
		Decode:          chain.DecodeStateBlock,
		Genesis:         genesisBlock,
		Validate:        sc.validate,
		OnCommit:        sc.onCommit,
		OnReorg:         sc.onReorg,
		Checkpoint:      sc.checkpoint,
		FinalityHorizon: finalityHorizon,
	})
	if err != nil {
		return nil, err
	}
	sc.core = core

	if hash, _, ok := core.LatestCheckpoint(); ok {
		// The checkpoint's own bytes are just a marker (the RootHash at
		// commit time); the actual data already lives in db's committed
		// columns via WorldState.Commit, so a fresh overlay-free
		// WorldState over db is already equivalent to full replay from
		// genesis up to this block.
		sc.mu.Lock()
		sc.tipIndex[hash] = state.NewWorldState(db, emitter)
		sc.mu.Unlock()
	}
	return sc, nil
}

// checkpoint flushes block's accumulated world state into db's
// committed columns and returns a marker (its root hash) for Core to
// persist under the s: key. Only called once a block has crossed the
// finality horizon, so the flush can never be undone by a later reorg.
func (sc *Chain) checkpoint(block *chain.StateBlock) ([]byte, error) {
	ws, err := sc.stateFor(block)
	if err != nil {
		return nil, err
	}
	if err := ws.Commit(); err != nil {
		return nil, err
	}
	root := ws.RootHash()
	return []byte(root.String()), nil
}

func (sc *Chain) validate(candidate, parent *chain.StateBlock) error {
	if len(sc.proposers) > 0 {
		idx := int(candidate.Header.Height % uint64(len(sc.proposers)))
		if expected := sc.proposers[idx]; candidate.Header.Proposer != expected {
			return fmt.Errorf("chain: wrong proposer for height %d: got %s want %s", candidate.Header.Height, candidate.Header.Proposer, expected)
		}
	}
	if sc.powChain != nil {
		if !sc.powChain.Has(candidate.Header.PowAnchor) || !sc.powChain.IsAncestor(candidate.Header.PowAnchor) {
			return fmt.Errorf("chain: state block %s anchors to non-canonical pow block %s", candidate.Hash, candidate.Header.PowAnchor)
		}
	}
	if err := candidate.VerifyIntegrity(); err != nil {
		return err
	}
	if err := candidate.VerifySignature(); err != nil {
		return err
	}

	now := time.Now().UnixNano()
	if candidate.Header.Timestamp > now+maxBlockTimeDrift {
		return fmt.Errorf("chain: state block timestamp too far in future: %d (now %d)", candidate.Header.Timestamp, now)
	}
	if candidate.Header.Timestamp < parent.Header.Timestamp {
		return fmt.Errorf("chain: state block timestamp %d precedes parent %d", candidate.Header.Timestamp, parent.Header.Timestamp)
	}

	parentState, err := sc.stateFor(parent)
	if err != nil {
		return err
	}

	// With no configured proposer rotation, block production is open
	// until someone bonds stake; from then on only bonded validators
	// (as of the parent state) may propose.
	if len(sc.proposers) == 0 {
		if bonded := parentState.BondedValidators(); len(bonded) > 0 {
			eligible := false
			for _, v := range bonded {
				if v == candidate.Header.Proposer {
					eligible = true
					break
				}
			}
			if !eligible {
				return fmt.Errorf("chain: proposer %s holds no stake bond", candidate.Header.Proposer)
			}
		}
	}

	next, err := parentState.Apply(candidate)
	if err != nil {
		return err
	}
	ws, ok := next.(*state.WorldState)
	if !ok {
		return fmt.Errorf("chain: unexpected state type %T", next)
	}

	sc.mu.Lock()
	sc.tipIndex[candidate.BlockHash()] = ws
	sc.mu.Unlock()
	return nil
}

// stateFor returns block's cached world state, recomputing from the
// nearest cached ancestor (genesis at worst) when the cache has been
// evicted or the chain was just restored from disk.
func (sc *Chain) stateFor(block *chain.StateBlock) (*state.WorldState, error) {
	hash := block.BlockHash()
	sc.mu.RLock()
	if ws, ok := sc.tipIndex[hash]; ok {
		sc.mu.RUnlock()
		return ws, nil
	}
	sc.mu.RUnlock()

	parent, ok := sc.core.Get(block.ParentHash())
	if !ok {
		return nil, fmt.Errorf("chain: state recompute: ancestor %s not found", block.ParentHash())
	}
	parentState, err := sc.stateFor(parent)
	if err != nil {
		return nil, err
	}
	next, err := parentState.Apply(block)
	if err != nil {
		return nil, err
	}
	ws := next.(*state.WorldState)

	sc.mu.Lock()
	sc.tipIndex[hash] = ws
	sc.mu.Unlock()
	return ws, nil
}

func (sc *Chain) onCommit(block *chain.StateBlock, forward bool) error {
	if !forward {
		sc.mu.Lock()
		delete(sc.tipIndex, block.BlockHash())
		sc.mu.Unlock()
		return nil
	}
	if sc.emitter != nil {
		sc.emitter.Emit(events.Event{
			Type:        events.EventBlockCommit,
			BlockHeight: block.Header.Height,
			Data:        map[string]any{"hash": block.Hash.String(), "proposer": block.Header.Proposer},
		})
	}
	return nil
}

func (sc *Chain) onReorg(r chain.Reorg) {
	if sc.emitter == nil {
		return
	}
	sc.emitter.Emit(events.Event{
		Type: events.EventReorg,
		Data: map[string]any{
			"orphaned": len(r.Orphaned),
			"adopted":  len(r.Adopted),
			"common":   r.Common.String(),
		},
	})
}

// HandlePowReorg is the cross-chain invalidation hook: when
// the pow chain's canonical tip moves, any state block anchored to a
// now-orphaned pow block is no longer acceptable. This walks the state
// chain's own canonical branch for the first block whose anchor fell
// off the pow chain's canonical branch and discards it and everything
// built on top of it.
//
// This is a deliberate simplification from the idealized behavior of
// revalidating every affected block against the new canonical pow
// branch (which could, in principle, still validate a state block
// whose original anchor moved, if a different still-canonical pow
// ancestor happens to satisfy the anchor check). Dropping the branch
// outright is safe (never admits an invalid block) but not maximally
// available; a proposer who loses blocks this way simply re-proposes
// them anchored to the new pow tip.
func (sc *Chain) HandlePowReorg(r chain.Reorg) {
	if len(r.Orphaned) == 0 {
		return
	}
	orphanedSet := make(map[crypto.Digest]bool, len(r.Orphaned))
	for _, h := range r.Orphaned {
		orphanedSet[h] = true
	}

	for _, b := range sc.core.CanonicalBranch() {
		if orphanedSet[b.Header.PowAnchor] {
			_ = sc.core.Discard(b.BlockHash())
			return
		}
	}
}

// Append validates and inserts block, then drops any tipIndex entries
// for blocks pruneBelowFinality has since removed from the DAG.
func (sc *Chain) Append(block *chain.StateBlock) error {
	if err := sc.core.Append(block); err != nil {
		return err
	}
	sc.evictPruned()
	return nil
}

// evictPruned drops tipIndex entries for blocks the DAG no longer holds
// and for canonical blocks buried deeper than evictDepth. The genesis
// entry always survives: it is the recompute base of last resort.
func (sc *Chain) evictPruned() {
	_, tipHeight := sc.core.Tip()

	sc.mu.RLock()
	cached := make([]crypto.Digest, 0, len(sc.tipIndex))
	for hash := range sc.tipIndex {
		cached = append(cached, hash)
	}
	sc.mu.RUnlock()

	var victims []crypto.Digest
	for _, hash := range cached {
		if hash == sc.genesis {
			continue
		}
		block, ok := sc.core.Get(hash)
		if !ok || block.Header.Height+sc.evictDepth < tipHeight {
			victims = append(victims, hash)
		}
	}

	sc.mu.Lock()
	for _, hash := range victims {
		delete(sc.tipIndex, hash)
	}
	sc.mu.Unlock()
}

// CurrentState returns the world state at the canonical tip.
func (sc *Chain) CurrentState() (*state.WorldState, error) {
	tip, _ := sc.core.Tip()
	block, ok := sc.core.Get(tip)
	if !ok {
		return nil, fmt.Errorf("chain: state tip %s missing from DAG", tip)
	}
	return sc.stateFor(block)
}

// Tip returns the canonical tip hash and height.
func (sc *Chain) Tip() (crypto.Digest, uint64) { return sc.core.Tip() }

// Get returns the block with the given hash, if present anywhere in the DAG.
func (sc *Chain) Get(hash crypto.Digest) (*chain.StateBlock, bool) { return sc.core.Get(hash) }

// Has reports whether hash is present in the DAG.
func (sc *Chain) Has(hash crypto.Digest) bool { return sc.core.Has(hash) }

// BlocksAfter backs the request-blocks protocol flow's Receiver side.
func (sc *Chain) BlocksAfter(fromHash crypto.Digest, maxCount uint16) ([]*chain.StateBlock, bool) {
	return sc.core.BlocksAfter(fromHash, maxCount)
}
