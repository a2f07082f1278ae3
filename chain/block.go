package chain

import "github.com/purplenet/purple/crypto"

// Block is the minimal contract the generic chain core needs from a
// block type. Both PowBlock and StateBlock implement it.
type Block interface {
	// BlockHash returns the block's own content hash.
	BlockHash() crypto.Digest

	// ParentHash returns the hash of the block this one extends. The
	// genesis block returns the zero digest.
	ParentHash() crypto.Digest

	// Height returns the block's height; genesis is 0.
	Height() uint64

	// ComputeHash recomputes the hash from the block's fields, for
	// comparison against BlockHash during validation.
	ComputeHash() crypto.Digest

	// Serialize returns the canonical wire encoding of the block.
	Serialize() ([]byte, error)
}

// Decoder reconstructs a block of type B from its wire encoding.
type Decoder[B Block] func([]byte) (B, error)
