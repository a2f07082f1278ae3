package chain_test

import (
	"bytes"
	"testing"

	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/internal/testutil"
	"github.com/purplenet/purple/storage"
)

// newCoreTestChain builds a bare Core[*chain.PowBlock] directly, bypassing
// PowChain, so checkpointInterval and the checkpoint function can be set to
// small test-friendly values instead of PowChain's production defaults.
func newCoreTestChain(t *testing.T, db storage.Column, finalityHorizon, checkpointInterval uint64, checkpoint chain.CheckpointFunc[*chain.PowBlock]) (*chain.Core[*chain.PowBlock], *chain.PowBlock) {
	t.Helper()
	genesis := chain.GenesisPowBlock(0)
	core, err := chain.New(chain.Config[*chain.PowBlock]{
		DB:                 db,
		Decode:             chain.DecodePowBlock,
		Genesis:            genesis,
		FinalityHorizon:    finalityHorizon,
		CheckpointInterval: checkpointInterval,
		Checkpoint:         checkpoint,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return core, genesis
}

func chainOf(t *testing.T, priv crypto.PrivateKey, pub crypto.PublicKey, parent *chain.PowBlock, n int) []*chain.PowBlock {
	t.Helper()
	out := make([]*chain.PowBlock, 0, n)
	cur := parent
	for i := 0; i < n; i++ {
		b := chain.NewPowBlock(cur.Height()+1, cur.BlockHash(), pub.Hex(), 0)
		b.SignMiner(priv)
		out = append(out, b)
		cur = b
	}
	return out
}

// The h: index must always name the canonical block at a height, and must
// be rewritten (not just appended to) when a reorg replaces the block that
// used to hold that height.
func TestCoreAtHeightTracksCanonicalReorg(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	db := storage.NewColumn(testutil.NewMemDB(), "pow")
	core, genesis := newCoreTestChain(t, db, 100, 128, nil)

	a1 := chainOf(t, priv, pub, genesis, 1)[0]
	if err := core.Append(a1); err != nil {
		t.Fatalf("Append a1: %v", err)
	}
	a2 := chainOf(t, priv, pub, a1, 1)[0]
	if err := core.Append(a2); err != nil {
		t.Fatalf("Append a2: %v", err)
	}

	if got, ok := core.AtHeight(2); !ok || got != a2.BlockHash() {
		t.Fatalf("AtHeight(2) = %v, %v, want a2, true", got, ok)
	}

	// Mint a b2 whose digest the tie-break favors, so appending it alone
	// (same height as a2) forces a reorg.
	var b2 *chain.PowBlock
	for nonce := uint64(0); ; nonce++ {
		cand := chain.NewPowBlock(a1.Height()+1, a1.BlockHash(), pub.Hex(), 0)
		cand.Header.Nonce = nonce
		cand.SignMiner(priv)
		if cand.BlockHash().Less(a2.BlockHash()) {
			b2 = cand
			break
		}
	}
	if err := core.Append(b2); err != nil {
		t.Fatalf("Append b2: %v", err)
	}

	got, ok := core.AtHeight(2)
	if !ok {
		t.Fatal("AtHeight(2) = not found after reorg")
	}
	if got != b2.BlockHash() {
		t.Errorf("AtHeight(2) = %v, want b2 (the now-canonical block), not the orphaned a2", got)
	}
	if got == a2.BlockHash() {
		t.Error("h: index still names the orphaned branch's block")
	}

	if _, ok := core.AtHeight(99); ok {
		t.Error("AtHeight for a height never reached should report not-found")
	}
}

// A crash that lands the persisted tip key behind the DAG's actual best
// tip must self-heal on restart: restoreOrInit re-runs fork choice instead
// of trusting the stored pointer blindly.
func TestCoreRestoreRederivesStaleTip(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	memdb := testutil.NewMemDB()
	db := storage.NewColumn(memdb, "pow")
	core, genesis := newCoreTestChain(t, db, 100, 128, nil)

	blocks := chainOf(t, priv, pub, genesis, 3)
	for _, b := range blocks {
		if err := core.Append(b); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	tip, height := core.Tip()
	if height != 3 || tip != blocks[2].BlockHash() {
		t.Fatalf("tip = %v height %d, want block 3 at height 3", tip, height)
	}

	// Simulate a crash that wrote the block record but never got to
	// settle the tip pointer onto it: roll "tip" back to block 2 by hand.
	if err := db.Set([]byte("tip"), []byte(blocks[1].BlockHash().String())); err != nil {
		t.Fatalf("Set tip: %v", err)
	}

	reopened, err := chain.New(chain.Config[*chain.PowBlock]{
		DB:              db,
		Decode:          chain.DecodePowBlock,
		Genesis:         genesis,
		FinalityHorizon: 100,
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	gotTip, gotHeight := reopened.Tip()
	if gotHeight != 3 || gotTip != blocks[2].BlockHash() {
		t.Fatalf("after restore: tip = %v height %d, want block 3 at height 3 (fork choice re-derived)", gotTip, gotHeight)
	}
	if got, ok := reopened.AtHeight(2); !ok || got != blocks[1].BlockHash() {
		t.Errorf("AtHeight(2) after restore = %v, %v, want block 2", got, ok)
	}
}

// The block record, h: index, and tip pointer land together or not at
// all: a batch write failure must not leave the DAG pointing at a block
// storage never durably recorded.
func TestCoreAppendRollsBackDAGOnBatchWriteFailure(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	fdb := &failingDB{MemDB: testutil.NewMemDB()}
	db := storage.NewColumn(fdb, "pow")
	core, genesis := newCoreTestChain(t, db, 100, 128, nil)

	a1 := chainOf(t, priv, pub, genesis, 1)[0]
	fdb.fail = true
	if err := core.Append(a1); err == nil {
		t.Fatal("Append: expected the injected batch-write failure to surface")
	}
	if core.Has(a1.BlockHash()) {
		t.Error("a block whose batch write failed must not remain in the DAG")
	}
	tip, height := core.Tip()
	if tip != genesis.BlockHash() || height != 0 {
		t.Error("a failed append must not move the canonical tip")
	}
}

// failingDB wraps testutil.MemDB and, once armed, fails every batch
// write, simulating a disk error partway through persistence.
type failingDB struct {
	*testutil.MemDB
	fail bool
}

func (f *failingDB) NewBatch() storage.Batch {
	return &failingBatch{Batch: f.MemDB.NewBatch(), fail: &f.fail}
}

type failingBatch struct {
	storage.Batch
	fail *bool
}

func (b *failingBatch) Write() error {
	if *b.fail {
		return errWriteFailed
	}
	return b.Batch.Write()
}

var errWriteFailed = bytes.ErrTooLarge

// maybeCheckpoint writes at most once per final height, is idempotent
// across repeated settles, and LatestCheckpoint finds it by walking
// canonical ancestry nearest-first.
func TestCoreCheckpointsOnceAtFinalityBoundary(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	db := storage.NewColumn(testutil.NewMemDB(), "pow")

	var calls int
	checkpoint := func(b *chain.PowBlock) ([]byte, error) {
		calls++
		return []byte(b.BlockHash().String()), nil
	}
	// finalityHorizon=1, checkpointInterval=4: height 4 only becomes a
	// checkpoint target once the tip reaches height 5 (4 = 5-1, the
	// nearest multiple of 4 at or below that). Every earlier settle
	// rounds down to finalHeight 0, which is skipped as needing no
	// checkpoint (genesis's state is always reconstructible directly).
	core, genesis := newCoreTestChain(t, db, 1, 4, checkpoint)

	blocks := chainOf(t, priv, pub, genesis, 5)
	for _, b := range blocks {
		if err := core.Append(b); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	hash, data, ok := core.LatestCheckpoint()
	if !ok {
		t.Fatal("LatestCheckpoint: expected a checkpoint once the tip cleared height 4's finality boundary")
	}
	wantHash := blocks[3].BlockHash() // height 4
	if hash != wantHash {
		t.Errorf("LatestCheckpoint hash = %v, want block at height 4 (%v)", hash, wantHash)
	}
	if !bytes.Equal(data, []byte(wantHash.String())) {
		t.Errorf("LatestCheckpoint data = %q, want %q", data, wantHash.String())
	}
	if calls != 1 {
		t.Errorf("checkpoint called %d times, want exactly 1 (idempotent against repeated settles)", calls)
	}

	// Appending one more block settles again; the height-4 checkpoint
	// must not be rewritten (calls stays at 1) since it already exists.
	b6 := chainOf(t, priv, pub, blocks[4], 1)[0]
	if err := core.Append(b6); err != nil {
		t.Fatalf("Append b6: %v", err)
	}
	if calls != 1 {
		t.Errorf("checkpoint called %d times after a non-boundary append, want still 1", calls)
	}
}
