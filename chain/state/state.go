// Package state implements the state chain's application layer: the
// world-state model and the node's native transaction set (token
// transfers, validator bonds, anchor commitments).
package state

import (
	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/crypto"
)

// The record types are declared next to the transaction payloads in
// package chain; aliased here so the state layer reads in its own
// vocabulary.
type (
	Account = chain.Account
	Bond    = chain.Bond
	Anchor  = chain.Anchor
)

// RejectReason classifies why Apply refused a block, so a node can log
// and score the offending peer without string-matching errors.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectBadSignature
	RejectBadNonce
	RejectInsufficientBalance
	RejectBadPayload
	RejectOverflow
	RejectUnknownTxType
	RejectStateRootMismatch
)

// ErrReject wraps an execution or validation failure with its
// RejectReason.
type ErrReject struct {
	Reason RejectReason
	Err    error
}

func (e *ErrReject) Error() string { return e.Err.Error() }
func (e *ErrReject) Unwrap() error { return e.Err }

func reject(reason RejectReason, err error) error {
	return &ErrReject{Reason: reason, Err: err}
}

// State is the pure, content-addressed world state snapshot after some
// prefix of state blocks. Apply never mutates the receiver: it returns
// a new State reflecting block's transactions, leaving the caller free
// to keep the old State alive for a sibling branch.
type State interface {
	// RootHash is the deterministic digest of every account, bond, and
	// anchor currently live in this state.
	RootHash() crypto.Digest

	// Apply executes block's transactions against this state and
	// returns the resulting state. It fails closed: any single
	// transaction failure rejects the entire block.
	Apply(block *chain.StateBlock) (State, error)
}
