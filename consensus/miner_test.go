package consensus_test

import (
	"context"
	"testing"
	"time"

	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/consensus"
	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/internal/testutil"
	"github.com/purplenet/purple/storage"
)

func newTestPowChain(t *testing.T) (*chain.PowChain, *chain.PowBlock) {
	t.Helper()
	genesis := chain.GenesisPowBlock(0)
	db := storage.NewColumn(testutil.NewMemDB(), "pow")
	pc, err := chain.NewPowChain(db, genesis, nil, chain.DefaultFinalityHorizon, nil)
	if err != nil {
		t.Fatalf("NewPowChain: %v", err)
	}
	return pc, genesis
}

func TestMinerMineOneAppendsAtZeroDifficulty(t *testing.T) {
	pow, genesis := newTestPowChain(t)
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	m := consensus.NewMiner(pow, priv, 0)

	block, err := m.MineOne(context.Background())
	if err != nil {
		t.Fatalf("MineOne: %v", err)
	}
	if block.Header.ParentHash != genesis.BlockHash() {
		t.Error("MineOne: expected the mined block to extend the current tip")
	}
	tip, height := pow.Tip()
	if tip != block.BlockHash() || height != 1 {
		t.Fatalf("tip = %v height %d, want the mined block at height 1", tip, height)
	}
}

func TestMinerMineOneRespectsCancellation(t *testing.T) {
	pow, _ := newTestPowChain(t)
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	// A difficulty this high will never be met in the test's lifetime, so
	// cancellation is the only way MineOne returns.
	m := consensus.NewMiner(pow, priv, 64)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.MineOne(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("MineOne = %v, want context.DeadlineExceeded", err)
	}
}
