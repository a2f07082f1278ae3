// Package identity bootstraps a node's own p2p keypair into the
// identity storage column: node_id -> public key, node_skey -> secret
// key.
package identity

import (
	"errors"
	"fmt"

	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/storage"
)

const (
	keyNodeID   = "node_id"
	keyNodeSKey = "node_skey"
)

// Identity is a node's p2p keypair and derived node ID.
type Identity struct {
	Priv crypto.PrivateKey
	Pub  crypto.PublicKey
}

// NodeID is the node's hex-encoded public key, used as its peer ID.
func (id Identity) NodeID() string { return id.Pub.Hex() }

// LoadOrCreate reads node_id/node_skey from the identity column. If
// absent, a new ed25519 keypair is generated and both keys are
// emplaced atomically via a single batch write.
func LoadOrCreate(col storage.Column) (Identity, error) {
	pubBytes, err := col.Get([]byte(keyNodeID))
	switch {
	case err == nil:
		skeyBytes, err := col.Get([]byte(keyNodeSKey))
		if err != nil {
			return Identity{}, fmt.Errorf("identity: node_id present but node_skey missing: %w", err)
		}
		return Identity{Priv: crypto.PrivateKey(skeyBytes), Pub: crypto.PublicKey(pubBytes)}, nil
	case errors.Is(err, storage.ErrNotFound):
		priv, pub, genErr := crypto.GenerateKeyPair()
		if genErr != nil {
			return Identity{}, fmt.Errorf("identity: generate keypair: %w", genErr)
		}
		batch := col.NewBatch()
		batch.Set([]byte(keyNodeID), pub)
		batch.Set([]byte(keyNodeSKey), priv)
		if writeErr := batch.Write(); writeErr != nil {
			return Identity{}, fmt.Errorf("identity: persist keypair: %w", writeErr)
		}
		return Identity{Priv: priv, Pub: pub}, nil
	default:
		return Identity{}, fmt.Errorf("identity: load node_id: %w", err)
	}
}
