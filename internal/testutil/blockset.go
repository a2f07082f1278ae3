package testutil

import (
	"fmt"
	"math/rand"

	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/crypto"
)

// BlockTestSet is a generated pow-block graph for chain tests: every
// block in insertion order (parents always before children) plus the
// branch the fork-choice rule should settle on.
type BlockTestSet struct {
	Genesis   *chain.PowBlock
	Blocks    []*chain.PowBlock // all blocks, parents before children
	Canonical []*chain.PowBlock // expected canonical branch past genesis, root-first
}

// PowBlockTestSet generates a signed pow-block graph of the given depth
// with randomized forks. forkRate scales fork probability per height:
// 0 never forks, 10 forks half the time. depth below 5 and forkRate
// above 10 are rejected. The generator is deterministic for a given
// rng seed and keypair.
func PowBlockTestSet(priv crypto.PrivateKey, pub crypto.PublicKey, depth int, forkRate int, rng *rand.Rand) (*BlockTestSet, error) {
	if depth < 5 {
		return nil, fmt.Errorf("testutil: invalid depth %d: minimum is 5", depth)
	}
	if forkRate < 0 || forkRate > 10 {
		return nil, fmt.Errorf("testutil: invalid fork rate %d: must be between 0 and 10", forkRate)
	}

	set := &BlockTestSet{Genesis: chain.GenesisPowBlock(0)}
	tip := set.Genesis
	for height := 1; height <= depth; height++ {
		next := signedBlock(priv, pub, tip, rng.Uint64())
		set.Blocks = append(set.Blocks, next)
		set.Canonical = append(set.Canonical, next)

		// A fork sibling shares next's parent but never outranks it:
		// the canonical branch keeps extending next, so it stays ahead
		// of every one-block fork by height. The final height takes no
		// fork, where a lucky digest could win the tie-break instead.
		if height < depth && rng.Intn(20) < forkRate {
			fork := signedBlock(priv, pub, tip, rng.Uint64())
			set.Blocks = append(set.Blocks, fork)
		}
		tip = next
	}
	return set, nil
}

func signedBlock(priv crypto.PrivateKey, pub crypto.PublicKey, parent *chain.PowBlock, nonce uint64) *chain.PowBlock {
	b := chain.NewPowBlock(parent.Height()+1, parent.BlockHash(), pub.Hex(), 0)
	b.Header.Nonce = nonce
	b.SignMiner(priv)
	return b
}
