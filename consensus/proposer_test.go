package consensus_test

import (
	"testing"

	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/chain/state"
	"github.com/purplenet/purple/chain/statechain"
	"github.com/purplenet/purple/consensus"
	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/internal/testutil"
	"github.com/purplenet/purple/storage"
)

func newTestStateChain(t *testing.T) *statechain.Chain {
	t.Helper()
	col := storage.NewColumn(testutil.NewMemDB(), "state")
	ws := state.NewWorldState(col, nil)
	genesis := chain.GenesisStateBlock(0, ws.RootHash())
	// nil powChain disables the cross-chain anchor check, which suits a
	// single-node proposer test uninterested in pow-chain wiring.
	sc, err := statechain.New(col, genesis, ws, nil, nil, nil, chain.DefaultFinalityHorizon)
	if err != nil {
		t.Fatalf("statechain.New: %v", err)
	}
	return sc
}

func TestProposerIsProposerSingleNodeAlwaysEligible(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	p := consensus.NewProposer(newTestStateChain(t), chain.NewMempool(1 << 20), nil, nil, priv, 0)
	if !p.IsProposer(1) || !p.IsProposer(42) {
		t.Error("IsProposer: an empty proposer list should make every height eligible")
	}
}

func TestProposerIsProposerRoundRobin(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	_, otherPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	proposers := []string{pub.Hex(), otherPub.Hex()}
	p := consensus.NewProposer(newTestStateChain(t), chain.NewMempool(1 << 20), nil, proposers, priv, 0)

	if !p.IsProposer(0) {
		t.Error("IsProposer(0): should be eligible at index 0")
	}
	if p.IsProposer(1) {
		t.Error("IsProposer(1): should not be eligible at index 1 (the other proposer's turn)")
	}
	if !p.IsProposer(2) {
		t.Error("IsProposer(2): round-robin should wrap back to index 0")
	}
}

func TestProposerProposeBlockAppendsAndDrainsMempool(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sc := newTestStateChain(t)
	mp := chain.NewMempool(1 << 20)
	p := consensus.NewProposer(sc, mp, nil, nil, priv, 0)

	// A zero-fee anchor needs no funded account, so it applies cleanly.
	tx, err := chain.NewTransaction(chain.TxAnchor, pub.Hex(), 0, 0, chain.AnchorPayload{Name: "doc", Digest: crypto.Hash([]byte("doc")).String()})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx.Sign(priv)
	if err := mp.Add(tx); err != nil {
		t.Fatalf("Add: %v", err)
	}

	block, err := p.ProposeBlock(crypto.Digest{})
	if err != nil {
		t.Fatalf("ProposeBlock: %v", err)
	}
	if block.Header.Height != 1 {
		t.Fatalf("Height = %d, want 1", block.Header.Height)
	}
	tip, height := sc.Tip()
	if tip != block.BlockHash() || height != 1 {
		t.Fatalf("tip = %v height %d, want the proposed block at height 1", tip, height)
	}
	if len(block.Transactions) != 1 || block.Transactions[0].ID != tx.ID {
		t.Fatalf("block carries %d txs, want the one pending tx", len(block.Transactions))
	}
	if mp.Size() != 0 {
		t.Fatalf("mempool Size() = %d, want 0 after the block is appended", mp.Size())
	}
}

func TestProposerProposeBlockRejectsWhenNotEligible(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	_, otherPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	_ = pub
	proposers := []string{otherPub.Hex()} // priv is never the eligible proposer
	p := consensus.NewProposer(newTestStateChain(t), chain.NewMempool(1 << 20), nil, proposers, priv, 0)

	if _, err := p.ProposeBlock(crypto.Digest{}); err == nil {
		t.Fatal("ProposeBlock: expected an error when this node is not the round's proposer")
	}
}
