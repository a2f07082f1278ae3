package wallet

import (
	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/crypto"
)

// Wallet holds a key pair and provides transaction-building helpers.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key (used as "from" address).
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// Address returns the short human-readable address (first 20 bytes of SHA-256(pubkey)).
func (w *Wallet) Address() string {
	return w.pub.Address()
}

// NewTx creates a signed transaction. nonce should match the account's
// current nonce on the state chain.
func (w *Wallet) NewTx(typ chain.TxType, nonce, fee uint64, payload any) (*chain.Transaction, error) {
	tx, err := chain.NewTransaction(typ, w.pub.Hex(), nonce, fee, payload)
	if err != nil {
		return nil, err
	}
	tx.Sign(w.priv)
	return tx, nil
}

// Transfer creates a signed transfer transaction.
func (w *Wallet) Transfer(to string, amount, nonce, fee uint64) (*chain.Transaction, error) {
	return w.NewTx(chain.TxTransfer, nonce, fee, chain.TransferPayload{
		To:     to,
		Amount: amount,
	})
}

// Bond creates a signed transaction locking amount as validator stake.
func (w *Wallet) Bond(amount, nonce, fee uint64) (*chain.Transaction, error) {
	return w.NewTx(chain.TxBond, nonce, fee, chain.BondPayload{Amount: amount})
}

// Unbond creates a signed transaction releasing the wallet's stake.
func (w *Wallet) Unbond(nonce, fee uint64) (*chain.Transaction, error) {
	return w.NewTx(chain.TxUnbond, nonce, fee, chain.UnbondPayload{})
}

// Anchor creates a signed transaction recording (or re-pointing) the
// named commitment.
func (w *Wallet) Anchor(name string, digest crypto.Digest, nonce, fee uint64) (*chain.Transaction, error) {
	return w.NewTx(chain.TxAnchor, nonce, fee, chain.AnchorPayload{Name: name, Digest: digest.String()})
}
