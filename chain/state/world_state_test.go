package state_test

import (
	"testing"

	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/chain/state"
	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/internal/testutil"
	"github.com/purplenet/purple/storage"
)

func seedAccount(t *testing.T, col storage.Column, addr string, balance uint64) {
	t.Helper()
	acc := &chain.Account{Address: addr, Balance: balance}
	ws := state.NewWorldState(col, nil)
	if err := ws.SetAccount(acc); err != nil {
		t.Fatalf("SetAccount: %v", err)
	}
	if err := ws.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// TestWorldStateDeterminism verifies property #1 from the testable
// properties: applying the same block sequence from genesis against two
// independently initialized world states yields identical root hashes
// at every step.
func TestWorldStateDeterminism(t *testing.T) {
	senderPriv, senderPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	_, recipientPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sender := senderPub.Hex()
	recipient := recipientPub.Hex()

	colA := storage.NewColumn(testutil.NewMemDB(), "state")
	colB := storage.NewColumn(testutil.NewMemDB(), "state")
	seedAccount(t, colA, sender, 1000)
	seedAccount(t, colB, sender, 1000)

	wsA0 := state.NewWorldState(colA, nil)
	wsB0 := state.NewWorldState(colB, nil)
	if wsA0.RootHash() != wsB0.RootHash() {
		t.Fatal("two independently seeded world states should start with identical root hashes")
	}

	// Build block 1 once; both chains apply the exact same object so any
	// non-determinism in the block itself (e.g. timestamps) cannot leak
	// into the comparison.
	tx1, err := chain.NewTransaction(chain.TxTransfer, sender, 0, 0, chain.TransferPayload{To: recipient, Amount: 100})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx1.Sign(senderPriv)
	block1 := chain.NewStateBlock(1, crypto.Digest{}, crypto.Digest{}, sender, []*chain.Transaction{tx1})

	nextA, root1, err := wsA0.ApplyForProposal(block1)
	if err != nil {
		t.Fatalf("ApplyForProposal(block1) on A: %v", err)
	}
	block1.Header.StateRoot = root1

	gotA, err := wsA0.Apply(block1)
	if err != nil {
		t.Fatalf("Apply(block1) on A: %v", err)
	}
	gotB, err := wsB0.Apply(block1)
	if err != nil {
		t.Fatalf("Apply(block1) on B: %v", err)
	}
	if gotA.RootHash() != gotB.RootHash() {
		t.Fatal("root hashes diverged after block1 despite identical starting state and block sequence")
	}
	if gotA.RootHash() != nextA.RootHash() {
		t.Fatal("Apply and ApplyForProposal must agree on the resulting root for the same block")
	}

	wsA1 := gotA.(*state.WorldState)
	wsB1 := gotB.(*state.WorldState)

	tx2, err := chain.NewTransaction(chain.TxTransfer, sender, 1, 0, chain.TransferPayload{To: recipient, Amount: 50})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx2.Sign(senderPriv)
	block2 := chain.NewStateBlock(2, block1.BlockHash(), crypto.Digest{}, sender, []*chain.Transaction{tx2})
	_, root2, err := wsA1.ApplyForProposal(block2)
	if err != nil {
		t.Fatalf("ApplyForProposal(block2) on A: %v", err)
	}
	block2.Header.StateRoot = root2

	gotA2, err := wsA1.Apply(block2)
	if err != nil {
		t.Fatalf("Apply(block2) on A: %v", err)
	}
	gotB2, err := wsB1.Apply(block2)
	if err != nil {
		t.Fatalf("Apply(block2) on B: %v", err)
	}
	if gotA2.RootHash() != gotB2.RootHash() {
		t.Fatal("root hashes diverged after block2")
	}
}

func TestWorldStateApplyRejectsRootMismatch(t *testing.T) {
	senderPriv, senderPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	_, recipientPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sender := senderPub.Hex()

	col := storage.NewColumn(testutil.NewMemDB(), "state")
	seedAccount(t, col, sender, 1000)
	ws := state.NewWorldState(col, nil)

	tx, err := chain.NewTransaction(chain.TxTransfer, sender, 0, 0, chain.TransferPayload{To: recipientPub.Hex(), Amount: 1})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx.Sign(senderPriv)
	block := chain.NewStateBlock(1, crypto.Digest{}, crypto.Digest{}, sender, []*chain.Transaction{tx})
	block.Header.StateRoot = crypto.Hash([]byte("wrong"))

	if _, err := ws.Apply(block); err == nil {
		t.Fatal("Apply: expected a root-mismatch rejection for a falsely declared StateRoot")
	} else if reject, ok := err.(*state.ErrReject); !ok || reject.Reason != state.RejectStateRootMismatch {
		t.Errorf("err = %v, want a RejectStateRootMismatch ErrReject", err)
	}
}

func TestWorldStateApplyRejectsBadNonce(t *testing.T) {
	senderPriv, senderPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sender := senderPub.Hex()

	col := storage.NewColumn(testutil.NewMemDB(), "state")
	seedAccount(t, col, sender, 1000)
	ws := state.NewWorldState(col, nil)

	tx, err := chain.NewTransaction(chain.TxTransfer, sender, 7, 0, chain.TransferPayload{To: sender, Amount: 1})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx.Sign(senderPriv)
	block := chain.NewStateBlock(1, crypto.Digest{}, crypto.Digest{}, sender, []*chain.Transaction{tx})
	if _, _, err := ws.ApplyForProposal(block); err == nil {
		t.Fatal("ApplyForProposal: expected a bad-nonce rejection")
	} else if reject, ok := err.(*state.ErrReject); !ok || reject.Reason != state.RejectBadNonce {
		t.Errorf("err = %v, want a RejectBadNonce ErrReject", err)
	}
}

func TestWorldStateBondLocksAndUnbondReleasesStake(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sender := pub.Hex()

	col := storage.NewColumn(testutil.NewMemDB(), "state")
	seedAccount(t, col, sender, 1000)
	ws := state.NewWorldState(col, nil)

	bondTx, err := chain.NewTransaction(chain.TxBond, sender, 0, 0, chain.BondPayload{Amount: 400})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	bondTx.Sign(priv)
	block1 := chain.NewStateBlock(1, crypto.Digest{}, crypto.Digest{}, sender, []*chain.Transaction{bondTx})
	next, _, err := ws.ApplyForProposal(block1)
	if err != nil {
		t.Fatalf("ApplyForProposal(bond): %v", err)
	}

	acc, err := next.GetAccount(sender)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Balance != 600 {
		t.Errorf("balance after bond = %d, want 600 (400 locked)", acc.Balance)
	}
	bond, err := next.GetBond(sender)
	if err != nil {
		t.Fatalf("GetBond: %v", err)
	}
	if bond.Amount != 400 || bond.Since != 1 {
		t.Errorf("bond = %+v, want amount 400 locked since height 1", bond)
	}
	if got := next.BondedValidators(); len(got) != 1 || got[0] != sender {
		t.Errorf("BondedValidators() = %v, want [%s]", got, sender)
	}

	unbondTx, err := chain.NewTransaction(chain.TxUnbond, sender, 1, 0, chain.UnbondPayload{})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	unbondTx.Sign(priv)
	block2 := chain.NewStateBlock(2, block1.BlockHash(), crypto.Digest{}, sender, []*chain.Transaction{unbondTx})
	next2, _, err := next.ApplyForProposal(block2)
	if err != nil {
		t.Fatalf("ApplyForProposal(unbond): %v", err)
	}
	acc, _ = next2.GetAccount(sender)
	if acc.Balance != 1000 {
		t.Errorf("balance after unbond = %d, want the full 1000 back", acc.Balance)
	}
	if got := next2.BondedValidators(); len(got) != 0 {
		t.Errorf("BondedValidators() = %v, want empty after unbond", got)
	}
}

func TestWorldStateAnchorOwnership(t *testing.T) {
	alicePriv, alicePub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	bobPriv, bobPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	alice, bob := alicePub.Hex(), bobPub.Hex()

	col := storage.NewColumn(testutil.NewMemDB(), "state")
	seedAccount(t, col, alice, 100)
	seedAccount(t, col, bob, 100)
	ws := state.NewWorldState(col, nil)

	commit := crypto.Hash([]byte("artifact-v1"))
	anchorTx, err := chain.NewTransaction(chain.TxAnchor, alice, 0, 0, chain.AnchorPayload{Name: "artifact", Digest: commit.String()})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	anchorTx.Sign(alicePriv)
	block1 := chain.NewStateBlock(1, crypto.Digest{}, crypto.Digest{}, alice, []*chain.Transaction{anchorTx})
	next, _, err := ws.ApplyForProposal(block1)
	if err != nil {
		t.Fatalf("ApplyForProposal(anchor): %v", err)
	}

	anchor, err := next.GetAnchor("artifact")
	if err != nil {
		t.Fatalf("GetAnchor: %v", err)
	}
	if anchor.Owner != alice || anchor.Digest != commit || anchor.Version != 1 {
		t.Errorf("anchor = %+v, want alice's version-1 commitment", anchor)
	}

	// Someone else re-pointing the name must reject the whole block.
	steal, err := chain.NewTransaction(chain.TxAnchor, bob, 0, 0, chain.AnchorPayload{Name: "artifact", Digest: commit.String()})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	steal.Sign(bobPriv)
	block2 := chain.NewStateBlock(2, block1.BlockHash(), crypto.Digest{}, bob, []*chain.Transaction{steal})
	if _, _, err := next.ApplyForProposal(block2); err == nil {
		t.Fatal("ApplyForProposal: expected rejection of an anchor write by a non-owner")
	}

	// The owner may re-point it; the version advances.
	commit2 := crypto.Hash([]byte("artifact-v2"))
	repoint, err := chain.NewTransaction(chain.TxAnchor, alice, 1, 0, chain.AnchorPayload{Name: "artifact", Digest: commit2.String()})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	repoint.Sign(alicePriv)
	block3 := chain.NewStateBlock(2, block1.BlockHash(), crypto.Digest{}, alice, []*chain.Transaction{repoint})
	next3, _, err := next.ApplyForProposal(block3)
	if err != nil {
		t.Fatalf("ApplyForProposal(re-point): %v", err)
	}
	anchor, _ = next3.GetAnchor("artifact")
	if anchor.Digest != commit2 || anchor.Version != 2 {
		t.Errorf("anchor after re-point = %+v, want version 2 at the new digest", anchor)
	}
}

func TestWorldStateRejectsUnknownTxType(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sender := pub.Hex()
	col := storage.NewColumn(testutil.NewMemDB(), "state")
	seedAccount(t, col, sender, 100)
	ws := state.NewWorldState(col, nil)

	tx, err := chain.NewTransaction(chain.TxType("teleport"), sender, 0, 0, struct{}{})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx.Sign(priv)
	block := chain.NewStateBlock(1, crypto.Digest{}, crypto.Digest{}, sender, []*chain.Transaction{tx})
	if _, _, err := ws.ApplyForProposal(block); err == nil {
		t.Fatal("ApplyForProposal: expected rejection of an unknown transaction type")
	} else if reject, ok := err.(*state.ErrReject); !ok || reject.Reason != state.RejectUnknownTxType {
		t.Errorf("err = %v, want a RejectUnknownTxType ErrReject", err)
	}
}
