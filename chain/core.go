package chain

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/purplenet/purple/chain/dag"
	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/storage"
)

// DefaultFinalityHorizon is the number of blocks behind the canonical tip
// a branch must fall before it is pruned.
const DefaultFinalityHorizon = 5

// DefaultCheckpointInterval is how often, in blocks, the canonical chain
// persists a state checkpoint under the s: key.
const DefaultCheckpointInterval = 128

// Validator performs domain-specific acceptance checks on a candidate
// block against its already-validated parent. Structural checks (hash,
// height, signature) are performed by Core before Validator runs.
type Validator[B Block] func(candidate, parent B) error

// CommitHook is invoked once per block, in height order, as it joins the
// canonical chain (forward=true) or leaves it during a reorg
// (forward=false).
type CommitHook[B Block] func(block B, forward bool) error

// CheckpointFunc returns the bytes to persist under the s:<hash> key for
// a canonical block that has just crossed the finality horizon at a
// checkpointInterval boundary, or nil to skip checkpointing that block.
// PowChain and statechain.Chain supply this from their own consensus
// state; entries are sparse, one per interval.
type CheckpointFunc[B Block] func(block B) ([]byte, error)

// Reorg describes a canonical-tip change that replaced one branch with
// another.
type Reorg struct {
	Orphaned []crypto.Digest // blocks leaving the canonical chain, tip-first
	Adopted  []crypto.Digest // blocks joining the canonical chain, root-first
	Common   crypto.Digest   // lowest common ancestor
}

// ReorgHook is notified whenever the canonical tip switches branches.
type ReorgHook func(Reorg)

// Core is the append-only block engine shared by the pow chain and the
// state chain. Both are instantiations of Core[B] over their own block
// type; this type owns DAG maintenance, fork choice, reorg detection,
// and finality pruning, and carries no chain-specific validation logic
// of its own.
type Core[B Block] struct {
	mu sync.RWMutex

	dag     *dag.Graph[B]
	db      storage.Column
	decode  Decoder[B]
	genesis B

	tip    crypto.Digest
	height uint64

	finalityHorizon    uint64
	checkpointInterval uint64

	validate   Validator[B]
	commitHook CommitHook[B]
	reorgHook  ReorgHook
	checkpoint CheckpointFunc[B]
}

// Config configures a new Core.
type Config[B Block] struct {
	DB                 storage.Column
	Decode             Decoder[B]
	Genesis            B
	Validate           Validator[B]
	OnCommit           CommitHook[B]
	OnReorg            ReorgHook
	Checkpoint         CheckpointFunc[B]
	FinalityHorizon    uint64
	CheckpointInterval uint64
}

// New constructs a Core seeded with genesis, or restores one from db if
// a persisted tip is found.
func New[B Block](cfg Config[B]) (*Core[B], error) {
	horizon := cfg.FinalityHorizon
	if horizon == 0 {
		horizon = DefaultFinalityHorizon
	}
	interval := cfg.CheckpointInterval
	if interval == 0 {
		interval = DefaultCheckpointInterval
	}

	c := &Core[B]{
		dag:                dag.New[B](),
		db:                 cfg.DB,
		decode:             cfg.Decode,
		genesis:            cfg.Genesis,
		validate:           cfg.Validate,
		commitHook:         cfg.OnCommit,
		reorgHook:          cfg.OnReorg,
		checkpoint:         cfg.Checkpoint,
		finalityHorizon:    horizon,
		checkpointInterval: interval,
	}

	if err := c.restoreOrInit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Core[B]) restoreOrInit() error {
	it := c.db.NewIterator([]byte("b:"))
	defer it.Release()

	// The iterator yields blocks in hash order; AddVertex needs parents
	// first, so stage everything and insert by ascending height.
	var stored []B
	for it.Next() {
		block, err := c.decode(it.Value())
		if err != nil {
			return err
		}
		stored = append(stored, block)
	}
	if err := it.Error(); err != nil {
		return err
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Height() < stored[j].Height() })
	for _, block := range stored {
		if err := c.dag.AddVertex(block); err != nil {
			return err
		}
	}

	if len(stored) == 0 {
		if err := c.dag.AddVertex(c.genesis); err != nil {
			return err
		}
		c.tip = c.genesis.BlockHash()
		c.height = c.genesis.Height()

		data, err := c.genesis.Serialize()
		if err != nil {
			return err
		}
		batch := c.db.NewBatch()
		batch.Set(blockKey(c.tip), data)
		stageHeightIndex(batch, c.genesis)
		batch.Set([]byte("tip"), []byte(c.tip.String()))
		return batch.Write()
	}

	tipBytes, err := c.db.Get([]byte("tip"))
	if err != nil {
		return err
	}
	tip, err := crypto.DigestFromHex(string(tipBytes))
	if err != nil {
		return err
	}
	block, ok := c.dag.Fetch(tip)
	if !ok {
		return ErrOrphanBlock
	}
	c.tip = tip
	c.height = block.Height()

	// The persisted tip is trusted as a starting point, but a crash
	// between appending a block and settling fork choice over it can
	// leave it stale relative to the now-fully-rebuilt DAG (a competing
	// branch the crash never got to compare against might actually win).
	// Re-running fork choice against the restored DAG corrects that.
	if _, err := c.settleCanonicalTip(c.db.NewBatch(), c.tip); err != nil {
		return err
	}

	// A reorg marker left over from a crash mid-settle means the "tip"
	// pointer write landed but the post-reorg hooks/pruning may not have
	// run. The tip pointer itself is the durable source of truth (it was
	// written as part of the same atomic batch as the height index), so
	// recovery is just replaying the now-idempotent hook/prune pass and
	// clearing the marker instead of leaving it to masquerade as a
	// pending reorg.
	if _, err := c.db.Get(reorgMarkerKey); err == nil {
		c.pruneBelowFinality()
		if err := c.db.Delete(reorgMarkerKey); err != nil {
			return err
		}
	}
	return nil
}

// Tip returns the current canonical tip hash and height.
func (c *Core[B]) Tip() (crypto.Digest, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip, c.height
}

// Get returns the block with the given hash, if present anywhere in the
// DAG (not necessarily on the canonical branch).
func (c *Core[B]) Get(hash crypto.Digest) (B, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dag.Fetch(hash)
}

// Has reports whether hash is present in the DAG.
func (c *Core[B]) Has(hash crypto.Digest) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dag.Has(hash)
}

// AtHeight returns the canonical branch's block hash at height h per the
// persisted h: index, or ok=false if nothing is indexed there
// (height never reached, or pruned below finality before it was ever
// canonical). Unlike CanonicalBranch/BlocksAfter, which walk the
// in-memory DAG's ancestry chain, this is a direct index lookup.
func (c *Core[B]) AtHeight(h uint64) (crypto.Digest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := c.db.Get(append([]byte("h:"), heightBytes(h)...))
	if err != nil {
		return crypto.Digest{}, false
	}
	hash, err := crypto.DigestFromHex(string(data))
	if err != nil {
		return crypto.Digest{}, false
	}
	return hash, true
}

// LatestCheckpoint returns the checkpoint blob a CheckpointFunc wrote
// for the highest canonical-branch block that has one, if any. Callers
// use this at construction time to seed their own cache from the most
// recent durable checkpoint instead of replaying from genesis.
func (c *Core[B]) LatestCheckpoint() (hash crypto.Digest, data []byte, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, h := range c.dag.Ancestors(c.tip) {
		blob, err := c.db.Get(checkpointKey(h))
		if err == nil {
			return h, blob, true
		}
	}
	return crypto.Digest{}, nil, false
}

// Append validates and inserts block, re-running fork choice and, if the
// canonical tip moves to a different branch, firing reorgHook. The block
// record, height index, and tip pointer are written in a single atomic
// batch: either all of it lands or none of it does. A checkpoint, if one
// falls due, is written separately after that batch, best-effort.
//
// Returns ErrOrphanBlock if the parent is unknown: callers should queue a
// RequestBlocks for the missing ancestor and retry once it arrives.
func (c *Core[B]) Append(block B) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := block.BlockHash()
	if c.dag.Has(hash) {
		return ErrDuplicateBlock
	}
	if computed := block.ComputeHash(); computed != hash {
		return ErrHashMismatch
	}

	parentHash := block.ParentHash()
	parent, ok := c.dag.Fetch(parentHash)
	if !ok {
		return ErrOrphanBlock
	}
	if block.Height() != parent.Height()+1 {
		return ErrInvalidHeight
	}
	if c.validate != nil {
		if err := c.validate(block, parent); err != nil {
			return err
		}
	}

	data, err := block.Serialize()
	if err != nil {
		return err
	}
	if err := c.dag.AddVertex(block); err != nil {
		return err
	}

	batch := c.db.NewBatch()
	batch.Set(blockKey(hash), data)
	committed, err := c.settleCanonicalTip(batch, c.tip)
	if err != nil {
		if !committed {
			// Nothing durable happened: undo the in-memory insertion too,
			// so the DAG doesn't diverge from what's on disk.
			c.dag.RemoveSubtree(hash)
		}
		return err
	}
	return nil
}

// reorgMarkerKey holds the in-flight reorg's target tip while a
// multi-step settleCanonicalTip is underway, so a crash between the
// batch write and the post-reorg hooks/pruning can be detected and the
// marker cleared (rather than left to masquerade as a genuine pending
// reorg) on the next restoreOrInit.
var reorgMarkerKey = []byte("reorg_pending")

// settleCanonicalTip applies the fork-choice rule (argmax height, ties
// broken by the smallest block digest) across all tips. batch must
// already hold any write the caller wants bundled with the tip
// resolution (Append stages the new block's record into it before
// calling this); priorTip is the tip to diff the winner against for
// orphaned/adopted bookkeeping, and must equal c.tip at the time of the
// call. The returned committed flag is true once batch.Write has
// succeeded, so callers can tell a pre-write failure (nothing durable
// happened) from a post-write one (hooks/prune best-effort failure).
func (c *Core[B]) settleCanonicalTip(batch storage.ColumnBatch, priorTip crypto.Digest) (committed bool, err error) {
	best, bestHeight := c.bestTip()
	tipChanged := best != priorTip

	var orphaned, adopted []crypto.Digest
	var common crypto.Digest
	if tipChanged {
		var ok bool
		common, ok = c.dag.LowestCommonAncestor(priorTip, best)
		if !ok {
			return false, ErrOrphanBlock
		}
		orphaned = ancestryUntil(c.dag, priorTip, common)
		adopted = ancestryUntil(c.dag, best, common)
		reverse(adopted)
		for _, h := range adopted {
			b, ok := c.dag.Fetch(h)
			if !ok {
				continue
			}
			stageHeightIndex(batch, b)
		}
		batch.Set(reorgMarkerKey, []byte(best.String()))
	}
	batch.Set([]byte("tip"), []byte(best.String()))

	if err := batch.Write(); err != nil {
		return false, err
	}
	if !tipChanged {
		return true, nil
	}

	if c.commitHook != nil {
		for _, h := range orphaned {
			b, _ := c.dag.Fetch(h)
			if err := c.commitHook(b, false); err != nil {
				return true, err
			}
		}
		for _, h := range adopted {
			b, _ := c.dag.Fetch(h)
			if err := c.commitHook(b, true); err != nil {
				return true, err
			}
		}
	}

	c.tip = best
	c.height = bestHeight

	if len(orphaned) > 0 && c.reorgHook != nil {
		c.reorgHook(Reorg{Orphaned: orphaned, Adopted: adopted, Common: common})
	}
	c.pruneBelowFinality()
	c.maybeCheckpoint()
	return true, c.db.Delete(reorgMarkerKey)
}

// bestTip applies the fork-choice rule across the DAG's current tips,
// starting from the baseline already recorded in c.tip/c.height.
func (c *Core[B]) bestTip() (crypto.Digest, uint64) {
	best := c.tip
	bestHeight := c.height
	for _, candidate := range c.dag.Tips() {
		b, ok := c.dag.Fetch(candidate)
		if !ok {
			continue
		}
		h := b.Height()
		switch {
		case h > bestHeight:
			best, bestHeight = candidate, h
		case h == bestHeight && candidate.Less(best):
			best, bestHeight = candidate, h
		}
	}
	return best, bestHeight
}

// maybeCheckpoint writes an s:<hash> checkpoint for the canonical block
// at the most recent checkpointInterval boundary that has crossed the
// finality horizon, if one hasn't been written yet. It is best-effort
// and idempotent, like pruneBelowFinality: a crash before it runs just
// delays the checkpoint, it never corrupts one.
func (c *Core[B]) maybeCheckpoint() {
	if c.checkpoint == nil || c.checkpointInterval == 0 || c.height < c.finalityHorizon {
		return
	}
	finalHeight := c.height - c.finalityHorizon
	finalHeight -= finalHeight % c.checkpointInterval
	if finalHeight == 0 {
		return // genesis needs no checkpoint; its state is reconstructed directly
	}

	for _, h := range c.dag.Ancestors(c.tip) {
		b, ok := c.dag.Fetch(h)
		if !ok {
			continue
		}
		if b.Height() < finalHeight {
			return
		}
		if b.Height() != finalHeight {
			continue
		}
		key := checkpointKey(h)
		if _, err := c.db.Get(key); err == nil {
			return // already checkpointed
		}
		blob, err := c.checkpoint(b)
		if err != nil || blob == nil {
			return
		}
		_ = c.db.Set(key, blob)
		return
	}
}

// ancestryUntil walks from start back toward (but excluding) stop,
// returning the path tip-first.
func ancestryUntil[B Block](g *dag.Graph[B], start, stop crypto.Digest) []crypto.Digest {
	var out []crypto.Digest
	for _, h := range g.Ancestors(start) {
		if h == stop {
			break
		}
		out = append(out, h)
	}
	return out
}

func reverse(s []crypto.Digest) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// pruneBelowFinality removes sibling branches whose fork point is at
// least finalityHorizon blocks behind the canonical tip. The canonical
// branch itself is never pruned.
func (c *Core[B]) pruneBelowFinality() {
	if c.height <= c.finalityHorizon {
		return
	}
	finalHeight := c.height - c.finalityHorizon
	canonical := make(map[crypto.Digest]struct{})
	for _, h := range c.dag.Ancestors(c.tip) {
		canonical[h] = struct{}{}
	}

	for hash := range canonical {
		b, ok := c.dag.Fetch(hash)
		if !ok || b.Height() > finalHeight {
			continue
		}
		for _, child := range c.dag.Children(hash) {
			if _, onCanonical := canonical[child]; !onCanonical {
				c.dag.RemoveSubtree(child)
			}
		}
	}
}

// IsAncestor reports whether hash is on the canonical branch: either the
// canonical tip itself or one of its ancestors back to genesis. Used by
// the state chain to enforce the pow_anchor_hash cross-chain invariant.
func (c *Core[B]) IsAncestor(hash crypto.Digest) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, h := range c.dag.Ancestors(c.tip) {
		if h == hash {
			return true
		}
	}
	return false
}

// CanonicalBranch returns the current canonical branch's blocks,
// root-first.
func (c *Core[B]) CanonicalBranch() []B {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.canonicalBranchLocked()
}

func (c *Core[B]) canonicalBranchLocked() []B {
	hashes := c.dag.Ancestors(c.tip)
	out := make([]B, len(hashes))
	for i, h := range hashes {
		b, _ := c.dag.Fetch(h)
		out[len(hashes)-1-i] = b
	}
	return out
}

// BlocksAfter returns up to maxCount canonical-branch blocks strictly
// after fromHash, ordered by increasing height, or ok=false if fromHash
// is not on the canonical branch. It backs the request-blocks protocol
// flow's Receiver side.
func (c *Core[B]) BlocksAfter(fromHash crypto.Digest, maxCount uint16) (blocks []B, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	branch := c.canonicalBranchLocked()
	idx := -1
	for i, b := range branch {
		if b.BlockHash() == fromHash {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, false
	}
	end := idx + 1 + int(maxCount)
	if end > len(branch) {
		end = len(branch)
	}
	out := make([]B, end-(idx+1))
	copy(out, branch[idx+1:end])
	return out, true
}

// Discard removes hash and every descendant from the DAG, then re-runs
// fork choice. Used when a cross-chain invalidation (a state block's pow
// anchor orphaned by a pow reorg) makes a block and everything built on
// top of it permanently unacceptable. hash must not be genesis.
func (c *Core[B]) Discard(hash crypto.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	block, ok := c.dag.Fetch(hash)
	if !ok {
		return nil
	}
	wasCanonical := false
	for _, h := range c.dag.Ancestors(c.tip) {
		if h == hash {
			wasCanonical = true
			break
		}
	}

	parentHash := block.ParentHash()
	c.dag.RemoveSubtree(hash)

	if !wasCanonical {
		return nil
	}

	parent, ok := c.dag.Fetch(parentHash)
	if !ok {
		return ErrOrphanBlock
	}
	oldHeight := c.height
	c.tip = parentHash
	c.height = parent.Height()

	// Drop the h: entries the discarded segment held above the new tip;
	// settleCanonicalTip re-stages any that another branch now covers.
	batch := c.db.NewBatch()
	for h := c.height + 1; h <= oldHeight; h++ {
		batch.Delete(append([]byte("h:"), heightBytes(h)...))
	}
	_, err := c.settleCanonicalTip(batch, c.tip)
	return err
}

func blockKey(hash crypto.Digest) []byte {
	return append([]byte("b:"), hash.String()...)
}

func checkpointKey(hash crypto.Digest) []byte {
	return append([]byte("s:"), hash.String()...)
}

// stageHeightIndex stages h:<height> -> digest for a block that is
// now (or still) part of the canonical branch. Because fork choice only
// ever replaces the tip with a strictly-taller-or-tie-broken-better one,
// the adopted segment of a reorg always covers every height the
// orphaned segment could have claimed, so overwriting here is enough to
// correct stale entries without a separate delete pass.
func stageHeightIndex[B Block](batch storage.ColumnBatch, b B) {
	batch.Set(append([]byte("h:"), heightBytes(b.Height())...), []byte(b.BlockHash().String()))
}

func heightBytes(h uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h)
	return buf[:]
}
