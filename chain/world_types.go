package chain

import (
	"math"

	"github.com/purplenet/purple/crypto"
)

// Account holds a participant's spendable balance and replay-protection
// nonce. Address is the hex-encoded ed25519 public key.
type Account struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// Debit removes amount from the balance, reporting false when the
// account cannot cover it.
func (a *Account) Debit(amount uint64) bool {
	if a.Balance < amount {
		return false
	}
	a.Balance -= amount
	return true
}

// Credit adds amount to the balance, reporting false when the result
// would wrap around.
func (a *Account) Credit(amount uint64) bool {
	if amount > math.MaxUint64-a.Balance {
		return false
	}
	a.Balance += amount
	return true
}

// Bond is a validator's locked stake. While a bond exists its amount is
// withheld from the account balance; unbonding returns it. A non-empty
// bonded set gates open-mode proposer eligibility on the state chain.
type Bond struct {
	Validator string `json:"validator"` // hex pubkey, also the record key
	Amount    uint64 `json:"amount"`
	Since     uint64 `json:"since"` // state-chain height the stake was first locked at
}

// Anchor is a named 32-byte commitment recorded in state: an external
// document, build artifact, or dataset pinned to a chain position.
// Names are first-come-first-owned; only the owner may re-point one.
type Anchor struct {
	Name    string        `json:"name"`
	Digest  crypto.Digest `json:"digest"`
	Owner   string        `json:"owner"`
	Height  uint64        `json:"height"` // state-chain height of the latest write
	Version uint64        `json:"version"`
}
