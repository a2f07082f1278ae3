package chain

import (
	"encoding/json"
	"time"

	"github.com/purplenet/purple/crypto"
)

// PowHeader contains the fields hashed to produce a PowBlock's identity.
// It anchors wall-clock time and miner identity; it carries no application
// transactions.
type PowHeader struct {
	Height     uint64        `json:"height"`
	ParentHash crypto.Digest `json:"parent_hash"`
	Miner      string        `json:"miner"`      // miner's hex-encoded ed25519 public key
	MinerAddr  string        `json:"miner_addr"` // miner's derived account address
	ListenAddr string        `json:"listen_addr,omitempty"` // miner's advertised p2p endpoint
	Nonce      uint64        `json:"nonce"`
	Difficulty uint32        `json:"difficulty"` // required leading zero bits
	Timestamp  int64         `json:"timestamp"`
}

// PowBlock is a proof-of-work block: an identity anchor for the state
// chain. It carries no transactions of its own.
type PowBlock struct {
	Header    PowHeader     `json:"header"`
	Hash      crypto.Digest `json:"hash"`
	Signature []byte        `json:"signature"`
}

// BlockHash implements Block.
func (b *PowBlock) BlockHash() crypto.Digest { return b.Hash }

// ParentHash implements Block.
func (b *PowBlock) ParentHash() crypto.Digest { return b.Header.ParentHash }

// Height implements Block.
func (b *PowBlock) Height() uint64 { return b.Header.Height }

// ComputeHash returns the digest of the serialized header.
func (b *PowBlock) ComputeHash() crypto.Digest {
	data, err := json.Marshal(b.Header)
	if err != nil {
		return crypto.Digest{}
	}
	return crypto.Hash(data)
}

// Serialize implements Block.
func (b *PowBlock) Serialize() ([]byte, error) {
	return json.Marshal(b)
}

// DecodePowBlock reconstructs a PowBlock from its wire encoding.
func DecodePowBlock(data []byte) (*PowBlock, error) {
	var b PowBlock
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// MeetsDifficulty reports whether the block hash has at least
// Header.Difficulty leading zero bits, per the proof-of-work rule.
func (b *PowBlock) MeetsDifficulty() bool {
	return leadingZeroBits(b.Hash) >= b.Header.Difficulty
}

func leadingZeroBits(d crypto.Digest) uint32 {
	var n uint32
	for _, by := range d {
		if by == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if by&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

// SignMiner sets Hash and signs the block with the miner's private key.
// The caller is expected to have already found a Nonce satisfying
// MeetsDifficulty before calling this.
func (b *PowBlock) SignMiner(priv crypto.PrivateKey) {
	b.Hash = b.ComputeHash()
	b.Signature = crypto.Sign(priv, b.Hash[:])
}

// VerifySignature checks that Hash matches the recomputed header hash and
// that Signature is a valid miner signature over it.
func (b *PowBlock) VerifySignature() error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return ErrHashMismatch
	}
	if len(b.Signature) == 0 {
		return ErrMissingSignature
	}
	pub, err := crypto.PubKeyFromHex(b.Header.Miner)
	if err != nil {
		return err
	}
	if !crypto.Verify(pub, b.Hash[:], b.Signature) {
		return ErrBadSignature
	}
	return nil
}

// NewPowBlock creates an unsigned pow block extending parent. The
// miner's account address is derived from its public key; a bad miner
// hex leaves it empty, to be caught by signature verification later.
func NewPowBlock(height uint64, parentHash crypto.Digest, miner string, difficulty uint32) *PowBlock {
	var minerAddr string
	if pub, err := crypto.PubKeyFromHex(miner); err == nil {
		minerAddr = pub.Address()
	}
	return &PowBlock{
		Header: PowHeader{
			Height:     height,
			ParentHash: parentHash,
			Miner:      miner,
			MinerAddr:  minerAddr,
			Difficulty: difficulty,
			Timestamp:  time.Now().UnixNano(),
		},
	}
}

// GenesisPowBlock returns the network's fixed pow genesis block: height 0,
// zero parent hash, no miner, hash computed over the header.
func GenesisPowBlock(timestamp int64) *PowBlock {
	b := &PowBlock{
		Header: PowHeader{
			Height:    0,
			Timestamp: timestamp,
		},
	}
	b.Hash = b.ComputeHash()
	return b
}
