// Package dag maintains the block DAG each chain core is built on: a
// directed graph of block digests where edges point from parent to
// child, plus the bookkeeping (tips, height index, hash index) the
// fork-choice rule and reorg machinery need.
package dag

import (
	"fmt"

	"github.com/purplenet/purple/crypto"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
)

// Block is the minimal contract Graph needs from a block type: the
// subset of chain.Block it actually calls. Declared locally (rather
// than importing chain.Block) so this package doesn't import chain,
// which itself depends on dag.
type Block interface {
	BlockHash() crypto.Digest
	ParentHash() crypto.Digest
}

// Graph indexes blocks of type B by digest on top of a gonum directed
// graph. It owns no consensus logic; Core consults it for ancestry,
// tips, and lookups.
type Graph[B Block] struct {
	g        *simple.DirectedGraph
	nextID   int64
	byHash   map[crypto.Digest]int64
	byID     map[int64]B
	tips     map[crypto.Digest]struct{}
	children map[crypto.Digest][]crypto.Digest
	depth    map[crypto.Digest]uint64
}

// New returns an empty Graph.
func New[B Block]() *Graph[B] {
	return &Graph[B]{
		g:        simple.NewDirectedGraph(),
		byHash:   make(map[crypto.Digest]int64),
		byID:     make(map[int64]B),
		tips:     make(map[crypto.Digest]struct{}),
		children: make(map[crypto.Digest][]crypto.Digest),
		depth:    make(map[crypto.Digest]uint64),
	}
}

type vertex struct {
	id int64
}

func (v vertex) ID() int64 { return v.id }

// Has reports whether a block with the given hash is present.
func (gr *Graph[B]) Has(hash crypto.Digest) bool {
	_, ok := gr.byHash[hash]
	return ok
}

// Fetch returns the block with the given hash.
func (gr *Graph[B]) Fetch(hash crypto.Digest) (B, bool) {
	id, ok := gr.byHash[hash]
	if !ok {
		var zero B
		return zero, false
	}
	b, ok := gr.byID[id]
	return b, ok
}

// AddVertex inserts block as a new DAG vertex. If it is not genesis
// (ParentHash known and present), the parent's child edge is recorded
// and the parent is removed from the tip set.
func (gr *Graph[B]) AddVertex(block B) error {
	hash := block.BlockHash()
	if gr.Has(hash) {
		return fmt.Errorf("dag: vertex %s already present", hash)
	}

	id := gr.nextID
	gr.nextID++
	v := vertex{id: id}
	gr.g.AddNode(v)
	gr.byHash[hash] = id
	gr.byID[id] = block
	gr.tips[hash] = struct{}{}

	parent := block.ParentHash()
	if !parent.IsZero() {
		parentID, ok := gr.byHash[parent]
		if !ok {
			return fmt.Errorf("dag: parent %s not present", parent)
		}
		gr.g.SetEdge(gr.g.NewEdge(vertex{id: parentID}, v))
		delete(gr.tips, parent)
		gr.children[parent] = append(gr.children[parent], hash)
		gr.depth[hash] = gr.depth[parent] + 1
	} else {
		gr.depth[hash] = 0
	}
	return nil
}

// Label returns hash's depth: genesis is 0, and every other block is one
// more than its parent's. It is computed incrementally as each vertex is
// inserted rather than walked per query.
func (gr *Graph[B]) Label(hash crypto.Digest) (uint64, bool) {
	d, ok := gr.depth[hash]
	return d, ok
}

// Tips returns the current tip hashes in no particular order.
func (gr *Graph[B]) Tips() []crypto.Digest {
	out := make([]crypto.Digest, 0, len(gr.tips))
	for h := range gr.tips {
		out = append(out, h)
	}
	return out
}

// Children returns the direct children of hash.
func (gr *Graph[B]) Children(hash crypto.Digest) []crypto.Digest {
	return gr.children[hash]
}

// Ancestors walks parent links from hash back to genesis, inclusive of
// hash, nearest first.
func (gr *Graph[B]) Ancestors(hash crypto.Digest) []crypto.Digest {
	var out []crypto.Digest
	cur := hash
	for {
		out = append(out, cur)
		b, ok := gr.Fetch(cur)
		if !ok {
			break
		}
		parent := b.ParentHash()
		if parent.IsZero() {
			break
		}
		cur = parent
	}
	return out
}

// LowestCommonAncestor finds the most recent block shared by the
// ancestries of a and b, used to compute the orphaned/adopted segments
// of a reorg.
func (gr *Graph[B]) LowestCommonAncestor(a, b crypto.Digest) (crypto.Digest, bool) {
	ancestorsA := gr.Ancestors(a)
	seen := make(map[crypto.Digest]struct{}, len(ancestorsA))
	for _, h := range ancestorsA {
		seen[h] = struct{}{}
	}
	for _, h := range gr.Ancestors(b) {
		if _, ok := seen[h]; ok {
			return h, true
		}
	}
	var zero crypto.Digest
	return zero, false
}

// RemoveSubtree deletes hash and every descendant reachable from it,
// used when pruning branches that fall below the finality horizon. If
// the removal leaves hash's parent childless, the parent becomes a tip
// again.
func (gr *Graph[B]) RemoveSubtree(hash crypto.Digest) {
	id, ok := gr.byHash[hash]
	if !ok {
		return
	}

	if root, ok := gr.byID[id]; ok {
		if parent := root.ParentHash(); !parent.IsZero() {
			if _, ok := gr.byHash[parent]; ok {
				siblings := gr.children[parent][:0]
				for _, child := range gr.children[parent] {
					if child != hash {
						siblings = append(siblings, child)
					}
				}
				gr.children[parent] = siblings
				if len(siblings) == 0 {
					gr.tips[parent] = struct{}{}
				}
			}
		}
	}

	var stack []int64
	stack = append(stack, id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		to := gr.g.From(cur)
		for to.Next() {
			stack = append(stack, to.Node().ID())
		}
		block := gr.byID[cur]
		curHash := block.BlockHash()
		delete(gr.byHash, curHash)
		delete(gr.byID, cur)
		delete(gr.tips, curHash)
		delete(gr.children, curHash)
		delete(gr.depth, curHash)
		gr.g.RemoveNode(cur)
	}
}

var _ graph.Node = vertex{}
