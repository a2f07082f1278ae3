package chain

import (
	"fmt"
	"sync"

	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/storage"
)

// PowChain wires a Core[*PowBlock] with the pow chain's PowState: a
// bounded cache (tipIndex) from block hash to the consensus state
// produced by applying every block back to genesis. The cache key is
// the block's own hash, not its parent's, since a validate closure is
// invoked with (candidate, parent) and needs to record candidate's
// resulting state for its own children to look up later.
type PowChain struct {
	core       *Core[*PowBlock]
	genesis    crypto.Digest
	evictDepth uint64

	mu       sync.RWMutex
	tipIndex map[crypto.Digest]*PowState
}

// NewPowChain constructs (or restores) the pow chain. authorizedMiners,
// if non-empty, restricts block production to that miner set; empty
// means any miner may produce blocks.
// onReorg, if non-nil, is notified whenever the pow chain's canonical
// tip switches branches; the state chain subscribes through this to
// enforce its cross-chain anchor rule.
func NewPowChain(db storage.Column, genesisBlock *PowBlock, authorizedMiners []string, finalityHorizon uint64, onReorg ReorgHook) (*PowChain, error) {
	horizon := finalityHorizon
	if horizon == 0 {
		horizon = DefaultFinalityHorizon
	}
	pc := &PowChain{
		genesis: genesisBlock.BlockHash(),
		// Keep cached states deep enough to serve the next checkpoint
		// without a replay from genesis.
		evictDepth: horizon + DefaultCheckpointInterval,
		tipIndex: map[crypto.Digest]*PowState{
			genesisBlock.BlockHash(): GenesisPowState(authorizedMiners),
		},
	}

	core, err := New(Config[*PowBlock]{
		DB:              db,
		Decode:          DecodePowBlock,
		Genesis:         genesisBlock,
		Validate:        pc.validate,
		OnCommit:        pc.onCommit,
		OnReorg:         onReorg,
		Checkpoint:      pc.checkpoint,
		FinalityHorizon: finalityHorizon,
	})
	if err != nil {
		return nil, err
	}
	pc.core = core

	if hash, data, ok := core.LatestCheckpoint(); ok {
		ps, err := DeserializePowState(data)
		if err != nil {
			return nil, fmt.Errorf("chain: decode pow checkpoint: %w", err)
		}
		pc.mu.Lock()
		pc.tipIndex[hash] = ps
		pc.mu.Unlock()
	}
	return pc, nil
}

// checkpoint serializes the consensus state for block (normally still
// cached from the earlier Append that validated it, otherwise
// recomputed), for Core to persist under the s: key.
func (pc *PowChain) checkpoint(block *PowBlock) ([]byte, error) {
	ps, err := pc.stateFor(block, pc.dagFetch)
	if err != nil {
		return nil, err
	}
	return ps.Serialize()
}

func (pc *PowChain) validate(candidate, parent *PowBlock) error {
	parentState, err := pc.stateFor(parent, pc.dagFetch)
	if err != nil {
		return err
	}
	next, err := parentState.Apply(candidate)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	pc.tipIndex[candidate.BlockHash()] = next
	pc.mu.Unlock()
	return nil
}

// stateFor returns block's cached consensus state, recomputing from the
// nearest cached ancestor (genesis at worst) when the cache has been
// evicted or the chain was just restored from disk, where the tipIndex
// starts out holding only genesis. fetch resolves ancestors: pc.core.Get
// from outside Core, pc.dagFetch from hooks Core runs under its own lock.
func (pc *PowChain) stateFor(block *PowBlock, fetch func(crypto.Digest) (*PowBlock, bool)) (*PowState, error) {
	hash := block.BlockHash()
	pc.mu.RLock()
	if s, ok := pc.tipIndex[hash]; ok {
		pc.mu.RUnlock()
		return s, nil
	}
	pc.mu.RUnlock()

	parent, ok := fetch(block.ParentHash())
	if !ok {
		return nil, fmt.Errorf("chain: pow state recompute: ancestor %s not found", block.ParentHash())
	}
	parentState, err := pc.stateFor(parent, fetch)
	if err != nil {
		return nil, err
	}
	next, err := parentState.Apply(block)
	if err != nil {
		return nil, err
	}
	pc.mu.Lock()
	pc.tipIndex[hash] = next
	pc.mu.Unlock()
	return next, nil
}

// dagFetch reads the DAG without taking Core's lock, which the caller
// (a validate or checkpoint hook inside Core.Append) already holds.
func (pc *PowChain) dagFetch(hash crypto.Digest) (*PowBlock, bool) { return pc.core.dag.Fetch(hash) }

func (pc *PowChain) onCommit(block *PowBlock, forward bool) error {
	if !forward {
		pc.mu.Lock()
		delete(pc.tipIndex, block.BlockHash())
		pc.mu.Unlock()
	}
	return nil
}

// Append validates and inserts block, then drops any tipIndex entries
// for blocks pruneBelowFinality has since removed from the DAG.
func (pc *PowChain) Append(block *PowBlock) error {
	if err := pc.core.Append(block); err != nil {
		return err
	}
	pc.evictPruned()
	return nil
}

// evictPruned drops tipIndex entries for blocks the DAG no longer holds
// and for canonical blocks buried deeper than evictDepth. The genesis
// entry always survives: it is the recompute base of last resort.
func (pc *PowChain) evictPruned() {
	_, tipHeight := pc.core.Tip()

	pc.mu.RLock()
	cached := make([]crypto.Digest, 0, len(pc.tipIndex))
	for hash := range pc.tipIndex {
		cached = append(cached, hash)
	}
	pc.mu.RUnlock()

	var victims []crypto.Digest
	for _, hash := range cached {
		if hash == pc.genesis {
			continue
		}
		block, ok := pc.core.Get(hash)
		if !ok || block.Height()+pc.evictDepth < tipHeight {
			victims = append(victims, hash)
		}
	}

	pc.mu.Lock()
	for _, hash := range victims {
		delete(pc.tipIndex, hash)
	}
	pc.mu.Unlock()
}

// CurrentState returns the consensus state at the canonical tip.
func (pc *PowChain) CurrentState() (*PowState, error) {
	tip, _ := pc.core.Tip()
	block, ok := pc.core.Get(tip)
	if !ok {
		return nil, fmt.Errorf("chain: pow tip %s missing from DAG", tip)
	}
	return pc.stateFor(block, pc.core.Get)
}

// Tip returns the canonical tip hash and height.
func (pc *PowChain) Tip() (crypto.Digest, uint64) { return pc.core.Tip() }

// Get returns the block with the given hash, if present anywhere in the DAG.
func (pc *PowChain) Get(hash crypto.Digest) (*PowBlock, bool) { return pc.core.Get(hash) }

// Has reports whether hash is present in the DAG.
func (pc *PowChain) Has(hash crypto.Digest) bool { return pc.core.Has(hash) }

// IsAncestor reports whether hash is on the canonical branch.
func (pc *PowChain) IsAncestor(hash crypto.Digest) bool { return pc.core.IsAncestor(hash) }

// BlocksAfter backs the request-blocks protocol flow's Receiver side.
func (pc *PowChain) BlocksAfter(fromHash crypto.Digest, maxCount uint16) ([]*PowBlock, bool) {
	return pc.core.BlocksAfter(fromHash, maxCount)
}

// CanonicalBranch returns the canonical branch's blocks, root-first.
func (pc *PowChain) CanonicalBranch() []*PowBlock { return pc.core.CanonicalBranch() }
