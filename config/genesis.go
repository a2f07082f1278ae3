package config

import (
	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/chain/state"
	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/events"
	"github.com/purplenet/purple/storage"
)

// CreateGenesisPowBlock returns the network's fixed pow genesis block
// for ts (network launch time, usually a constant baked into the
// network's identity rather than time.Now()).
func CreateGenesisPowBlock(ts int64) *chain.PowBlock {
	return chain.GenesisPowBlock(ts)
}

// CreateGenesisState credits every account in cfg.Genesis.Alloc into a
// fresh WorldState over db, commits it, and returns both the state and
// its root hash so the caller can build the state genesis block.
func CreateGenesisState(cfg *Config, db storage.Column, emitter *events.Emitter) (*state.WorldState, crypto.Digest, error) {
	ws := state.NewWorldState(db, emitter)
	for pubkeyHex, balance := range cfg.Genesis.Alloc {
		acc := &chain.Account{Address: pubkeyHex, Balance: balance}
		if err := ws.SetAccount(acc); err != nil {
			return nil, crypto.Digest{}, err
		}
	}
	root := ws.RootHash()
	if err := ws.Commit(); err != nil {
		return nil, crypto.Digest{}, err
	}
	return ws, root, nil
}

// CreateGenesisStateBlock builds the state chain's genesis block
// committing to rootHash.
func CreateGenesisStateBlock(ts int64, rootHash crypto.Digest) *chain.StateBlock {
	return chain.GenesisStateBlock(ts, rootHash)
}
