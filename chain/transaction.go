package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/purplenet/purple/crypto"
)

// TxType identifies the kind of operation a transaction performs.
type TxType string

const (
	TxTransfer TxType = "transfer"
	TxBond     TxType = "bond"
	TxUnbond   TxType = "unbond"
	TxAnchor   TxType = "anchor"
)

// Transaction is the atomic unit of work carried by a state block.
// From holds the sender's full hex-encoded ed25519 public key.
// Signature covers every field except ID (the hash of the signed fields)
// and Signature itself.
type Transaction struct {
	ID        string          `json:"id"`
	Type      TxType          `json:"type"`
	From      string          `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
}

type signingBody struct {
	Type      TxType          `json:"type"`
	From      string          `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Hash returns a deterministic digest of the transaction, sans Signature.
func (tx *Transaction) Hash() crypto.Digest {
	body := signingBody{
		Type:      tx.Type,
		From:      tx.From,
		Nonce:     tx.Nonce,
		Fee:       tx.Fee,
		Timestamp: tx.Timestamp,
		Payload:   tx.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return crypto.Digest{}
	}
	return crypto.Hash(data)
}

// Sign computes the signature and sets ID to the tx's hash.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	hash := tx.Hash()
	tx.Signature = crypto.Sign(priv, hash[:])
	tx.ID = hash.String()
}

// Verify checks the signature and that From is a valid public key.
func (tx *Transaction) Verify() error {
	if tx.From == "" {
		return errors.New("chain: transaction missing from field")
	}
	pub, err := crypto.PubKeyFromHex(tx.From)
	if err != nil {
		return fmt.Errorf("chain: invalid from pubkey: %w", err)
	}
	hash := tx.Hash()
	if !crypto.Verify(pub, hash[:], tx.Signature) {
		return ErrBadSignature
	}
	return nil
}

// NewTransaction creates an unsigned transaction stamped with the current
// time.
func NewTransaction(typ TxType, from string, nonce, fee uint64, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("chain: marshal payload: %w", err)
	}
	return &Transaction{
		Type:      typ,
		From:      from,
		Nonce:     nonce,
		Fee:       fee,
		Timestamp: time.Now().UnixNano(),
		Payload:   raw,
	}, nil
}

// ---- Payload types ----

// TransferPayload moves native tokens to another account.
type TransferPayload struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// BondPayload locks part of the sender's balance as validator stake.
// A repeated bond tops up the existing stake.
type BondPayload struct {
	Amount uint64 `json:"amount"`
}

// UnbondPayload releases the sender's entire stake back to its balance.
type UnbondPayload struct{}

// AnchorPayload records (or, for the owner, re-points) the named
// commitment. Digest is the hex form of the committed 32-byte value.
type AnchorPayload struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
}
