// Package chain implements the generic append-only block core shared by
// the proof-of-work chain and the state chain. Both are instantiations
// of Core[B Block]; the fork-choice rule, ingress pipeline, and reorg
// machinery live here exactly once.
package chain

import "errors"

var (
	// ErrOrphanBlock is returned when a block's parent is not present
	// in the DAG. The caller should queue a RequestBlocks for the parent.
	ErrOrphanBlock = errors.New("chain: parent block not found")

	// ErrInvalidHeight is returned when a block's height does not equal
	// parent height + 1.
	ErrInvalidHeight = errors.New("chain: height does not follow parent")

	// ErrHashMismatch is returned when a block's declared hash does not
	// match its computed hash.
	ErrHashMismatch = errors.New("chain: declared hash does not match computed hash")

	// ErrDuplicateBlock is returned when a block with the same hash is
	// already present in the DAG.
	ErrDuplicateBlock = errors.New("chain: block already present")

	// ErrMissingSignature is returned when a block carries no miner
	// signature.
	ErrMissingSignature = errors.New("chain: missing signature")

	// ErrBadSignature is returned when a block's signature does not
	// verify against its claimed signer.
	ErrBadSignature = errors.New("chain: signature verification failed")

	// ErrMalformed is returned when a block fails basic structural
	// validation (empty fields, nil payload, etc).
	ErrMalformed = errors.New("chain: malformed block")

	// ErrBelowFinality is returned when an operation targets a height
	// already pruned below the finality horizon.
	ErrBelowFinality = errors.New("chain: height below finality horizon")

	// ErrAnchorMissing is returned when a state block's pow anchor
	// cannot be resolved against the pow chain's known set.
	ErrAnchorMissing = errors.New("chain: pow anchor not found")
)
