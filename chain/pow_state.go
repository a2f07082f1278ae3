package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/purplenet/purple/crypto"
)

// PowState is the pow chain's consensus-state snapshot: an
// optional miner allow-list plus the chain's cumulative proof-of-work.
// The fork-choice rule itself never consults CumulativeWork (it stays
// argmax(height, -digest)); it is carried only because
// every chain exposes a content-addressed consensus snapshot, and an
// authority policy plus a running work counter is the natural one for
// this anchor chain.
type PowState struct {
	AuthorizedMiners map[string]bool // nil/empty -> open mining policy
	CumulativeWork   uint64
}

// GenesisPowState returns the pow chain's initial consensus state. An
// empty authorized set means any miner may produce blocks.
func GenesisPowState(authorizedMiners []string) *PowState {
	ps := &PowState{}
	if len(authorizedMiners) > 0 {
		ps.AuthorizedMiners = make(map[string]bool, len(authorizedMiners))
		for _, k := range authorizedMiners {
			ps.AuthorizedMiners[k] = true
		}
	}
	return ps
}

// Apply verifies block's signature and declared proof-of-work, and (if
// an allow-list is configured) that its miner belongs to it. It returns
// a new PowState with CumulativeWork incremented; ps is left untouched.
func (ps *PowState) Apply(block *PowBlock) (*PowState, error) {
	if err := block.VerifySignature(); err != nil {
		return nil, err
	}
	if !block.MeetsDifficulty() {
		return nil, fmt.Errorf("chain: block %s does not meet declared difficulty", block.Hash)
	}
	if len(ps.AuthorizedMiners) > 0 && !ps.AuthorizedMiners[block.Header.Miner] {
		return nil, fmt.Errorf("chain: miner %s is not authorized", block.Header.Miner)
	}
	return &PowState{
		AuthorizedMiners: ps.AuthorizedMiners,
		CumulativeWork:   ps.CumulativeWork + uint64(block.Header.Difficulty),
	}, nil
}

// RootHash commits to the state's counters. The pow chain's fork-choice
// rule never consults it, and checkpoints are written with Serialize.
func (ps *PowState) RootHash() crypto.Digest {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ps.CumulativeWork)
	return crypto.Hash(buf[:])
}

// powStateWire is PowState's JSON encoding; AuthorizedMiners is encoded
// as a sorted slice instead of a map so two checkpoints of the same
// policy serialize identically.
type powStateWire struct {
	AuthorizedMiners []string `json:"authorized_miners,omitempty"`
	CumulativeWork   uint64   `json:"cumulative_work"`
}

// Serialize encodes ps for a state checkpoint entry.
func (ps *PowState) Serialize() ([]byte, error) {
	wire := powStateWire{CumulativeWork: ps.CumulativeWork}
	for miner := range ps.AuthorizedMiners {
		wire.AuthorizedMiners = append(wire.AuthorizedMiners, miner)
	}
	sort.Strings(wire.AuthorizedMiners)
	return json.Marshal(wire)
}

// DeserializePowState reverses Serialize, reconstructing the
// AuthorizedMiners set from its wire slice.
func DeserializePowState(data []byte) (*PowState, error) {
	var wire powStateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	ps := &PowState{CumulativeWork: wire.CumulativeWork}
	if len(wire.AuthorizedMiners) > 0 {
		ps.AuthorizedMiners = make(map[string]bool, len(wire.AuthorizedMiners))
		for _, miner := range wire.AuthorizedMiners {
			ps.AuthorizedMiners[miner] = true
		}
	}
	return ps, nil
}
