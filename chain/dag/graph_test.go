package dag

import (
	"testing"

	"github.com/purplenet/purple/crypto"
)

// fakeBlock is the minimal chain.Block implementation this package's
// tests need; it avoids importing the chain package's concrete block
// types (which would be a cross-package test dependency for no reason).
type fakeBlock struct {
	hash   crypto.Digest
	parent crypto.Digest
	height uint64
}

func (b fakeBlock) BlockHash() crypto.Digest   { return b.hash }
func (b fakeBlock) ParentHash() crypto.Digest  { return b.parent }
func (b fakeBlock) Height() uint64             { return b.height }
func (b fakeBlock) ComputeHash() crypto.Digest { return b.hash }
func (b fakeBlock) Serialize() ([]byte, error) { return b.hash[:], nil }

func hashOf(label string) crypto.Digest {
	return crypto.Hash([]byte(label))
}

func block(label, parentLabel string, height uint64) fakeBlock {
	var parent crypto.Digest
	if parentLabel != "" {
		parent = hashOf(parentLabel)
	}
	return fakeBlock{hash: hashOf(label), parent: parent, height: height}
}

func TestGraphLinearChain(t *testing.T) {
	g := New[fakeBlock]()
	genesis := block("genesis", "", 0)
	a1 := block("a1", "genesis", 1)
	a2 := block("a2", "a1", 2)

	for _, b := range []fakeBlock{genesis, a1, a2} {
		if err := g.AddVertex(b); err != nil {
			t.Fatalf("AddVertex(%v): %v", b.hash, err)
		}
	}

	tips := g.Tips()
	if len(tips) != 1 || tips[0] != a2.hash {
		t.Fatalf("Tips() = %v, want only a2", tips)
	}

	ancestors := g.Ancestors(a2.hash)
	want := []crypto.Digest{a2.hash, a1.hash, genesis.hash}
	if len(ancestors) != len(want) {
		t.Fatalf("Ancestors() length = %d, want %d", len(ancestors), len(want))
	}
	for i := range want {
		if ancestors[i] != want[i] {
			t.Errorf("Ancestors()[%d] = %v, want %v", i, ancestors[i], want[i])
		}
	}
}

func TestGraphForkProducesTwoTips(t *testing.T) {
	g := New[fakeBlock]()
	genesis := block("genesis", "", 0)
	a1 := block("a1", "genesis", 1)
	b1 := block("b1", "genesis", 1)
	for _, b := range []fakeBlock{genesis, a1, b1} {
		if err := g.AddVertex(b); err != nil {
			t.Fatalf("AddVertex: %v", err)
		}
	}

	tips := g.Tips()
	if len(tips) != 2 {
		t.Fatalf("Tips() = %v, want 2 tips", tips)
	}

	common, ok := g.LowestCommonAncestor(a1.hash, b1.hash)
	if !ok {
		t.Fatal("LowestCommonAncestor: not found")
	}
	if common != genesis.hash {
		t.Errorf("LowestCommonAncestor = %v, want genesis", common)
	}
}

func TestGraphLowestCommonAncestorDeepFork(t *testing.T) {
	g := New[fakeBlock]()
	genesis := block("genesis", "", 0)
	a1 := block("a1", "genesis", 1)
	a2 := block("a2", "a1", 2)
	b2 := block("b2", "a1", 2)
	b3 := block("b3", "b2", 3)
	for _, b := range []fakeBlock{genesis, a1, a2, b2, b3} {
		if err := g.AddVertex(b); err != nil {
			t.Fatalf("AddVertex: %v", err)
		}
	}

	common, ok := g.LowestCommonAncestor(a2.hash, b3.hash)
	if !ok {
		t.Fatal("LowestCommonAncestor: not found")
	}
	if common != a1.hash {
		t.Errorf("LowestCommonAncestor = %v, want a1", common)
	}
}

func TestGraphAddVertexRejectsDuplicateAndUnknownParent(t *testing.T) {
	g := New[fakeBlock]()
	genesis := block("genesis", "", 0)
	if err := g.AddVertex(genesis); err != nil {
		t.Fatalf("AddVertex(genesis): %v", err)
	}
	if err := g.AddVertex(genesis); err == nil {
		t.Error("AddVertex: expected error re-adding an existing hash")
	}

	orphan := block("orphan", "missing-parent", 1)
	if err := g.AddVertex(orphan); err == nil {
		t.Error("AddVertex: expected error for a block whose parent is absent")
	}
}

func TestGraphRemoveSubtree(t *testing.T) {
	g := New[fakeBlock]()
	genesis := block("genesis", "", 0)
	a1 := block("a1", "genesis", 1)
	a2 := block("a2", "a1", 2)
	b1 := block("b1", "genesis", 1)
	for _, b := range []fakeBlock{genesis, a1, a2, b1} {
		if err := g.AddVertex(b); err != nil {
			t.Fatalf("AddVertex: %v", err)
		}
	}

	g.RemoveSubtree(a1.hash)

	if g.Has(a1.hash) || g.Has(a2.hash) {
		t.Error("RemoveSubtree: a1/a2 should both be gone")
	}
	if !g.Has(genesis.hash) || !g.Has(b1.hash) {
		t.Error("RemoveSubtree: genesis/b1 should survive a sibling-branch removal")
	}
	tips := g.Tips()
	if len(tips) != 1 || tips[0] != b1.hash {
		t.Fatalf("Tips() after RemoveSubtree = %v, want only b1", tips)
	}
}

func TestGraphLabelTracksDepth(t *testing.T) {
	g := New[fakeBlock]()
	genesis := block("genesis", "", 0)
	a1 := block("a1", "genesis", 1)
	a2 := block("a2", "a1", 2)
	b1 := block("b1", "genesis", 1)
	for _, b := range []fakeBlock{genesis, a1, a2, b1} {
		if err := g.AddVertex(b); err != nil {
			t.Fatalf("AddVertex: %v", err)
		}
	}

	cases := []struct {
		hash crypto.Digest
		want uint64
	}{
		{genesis.hash, 0},
		{a1.hash, 1},
		{a2.hash, 2},
		{b1.hash, 1},
	}
	for _, c := range cases {
		got, ok := g.Label(c.hash)
		if !ok {
			t.Errorf("Label(%v): not found", c.hash)
			continue
		}
		if got != c.want {
			t.Errorf("Label(%v) = %d, want %d", c.hash, got, c.want)
		}
	}

	if _, ok := g.Label(hashOf("missing")); ok {
		t.Error("Label: expected not-found for a hash never inserted")
	}

	g.RemoveSubtree(a1.hash)
	if _, ok := g.Label(a1.hash); ok {
		t.Error("Label: depth entry should be cleaned up after RemoveSubtree")
	}
}

func TestGraphChildren(t *testing.T) {
	g := New[fakeBlock]()
	genesis := block("genesis", "", 0)
	a1 := block("a1", "genesis", 1)
	b1 := block("b1", "genesis", 1)
	for _, b := range []fakeBlock{genesis, a1, b1} {
		if err := g.AddVertex(b); err != nil {
			t.Fatalf("AddVertex: %v", err)
		}
	}
	children := g.Children(genesis.hash)
	if len(children) != 2 {
		t.Fatalf("Children(genesis) = %v, want 2", children)
	}
}
