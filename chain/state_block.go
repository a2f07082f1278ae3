package chain

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/purplenet/purple/crypto"
)

// StateHeader contains the fields hashed to produce a StateBlock's identity.
type StateHeader struct {
	Height     uint64        `json:"height"`
	ParentHash crypto.Digest `json:"parent_hash"`
	PowAnchor  crypto.Digest `json:"pow_anchor_hash"` // hash of the pow block this state block anchors to
	StateRoot  crypto.Digest `json:"state_root"`      // root of world state after applying this block
	TxRoot     crypto.Digest `json:"tx_root"`
	Proposer   string        `json:"proposer"` // proposer's hex-encoded ed25519 public key
	Timestamp  int64         `json:"timestamp"`
}

// StateBlock carries application transactions and anchors to a pow block.
type StateBlock struct {
	Header       StateHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	Hash         crypto.Digest  `json:"hash"`
	Signature    []byte         `json:"signature"`
}

// BlockHash implements Block.
func (b *StateBlock) BlockHash() crypto.Digest { return b.Hash }

// ParentHash implements Block.
func (b *StateBlock) ParentHash() crypto.Digest { return b.Header.ParentHash }

// Height implements Block.
func (b *StateBlock) Height() uint64 { return b.Header.Height }

// ComputeHash returns the digest of the serialized header.
func (b *StateBlock) ComputeHash() crypto.Digest {
	data, err := json.Marshal(b.Header)
	if err != nil {
		return crypto.Digest{}
	}
	return crypto.Hash(data)
}

// Serialize implements Block.
func (b *StateBlock) Serialize() ([]byte, error) {
	return json.Marshal(b)
}

// DecodeStateBlock reconstructs a StateBlock from its wire encoding.
func DecodeStateBlock(data []byte) (*StateBlock, error) {
	var b StateBlock
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ComputeTxRoot builds a deterministic root digest from transaction IDs,
// length-prefixed to prevent boundary ambiguity between different ID sets.
func ComputeTxRoot(txs []*Transaction) crypto.Digest {
	if len(txs) == 0 {
		return crypto.Hash([]byte("empty"))
	}
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, tx := range txs {
		id := []byte(tx.ID)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(id)))
		buf.Write(lenBuf[:])
		buf.Write(id)
	}
	return crypto.Hash(buf.Bytes())
}

// SignProposer sets Hash and signs the block with the proposer's private key.
func (b *StateBlock) SignProposer(priv crypto.PrivateKey) {
	b.Hash = b.ComputeHash()
	b.Signature = crypto.Sign(priv, b.Hash[:])
}

// VerifySignature checks hash and proposer signature consistency.
func (b *StateBlock) VerifySignature() error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return ErrHashMismatch
	}
	if len(b.Signature) == 0 {
		return ErrMissingSignature
	}
	pub, err := crypto.PubKeyFromHex(b.Header.Proposer)
	if err != nil {
		return err
	}
	if !crypto.Verify(pub, b.Hash[:], b.Signature) {
		return ErrBadSignature
	}
	return nil
}

// VerifyIntegrity checks tx_root correctness independently of the signature.
func (b *StateBlock) VerifyIntegrity() error {
	if root := ComputeTxRoot(b.Transactions); root != b.Header.TxRoot {
		return ErrMalformed
	}
	return nil
}

// NewStateBlock creates an unsigned state block extending parent, anchored
// to powAnchor.
func NewStateBlock(height uint64, parentHash, powAnchor crypto.Digest, proposer string, txs []*Transaction) *StateBlock {
	return &StateBlock{
		Header: StateHeader{
			Height:     height,
			ParentHash: parentHash,
			PowAnchor:  powAnchor,
			TxRoot:     ComputeTxRoot(txs),
			Proposer:   proposer,
			Timestamp:  time.Now().UnixNano(),
		},
		Transactions: txs,
	}
}

// GenesisStateBlock returns the network's fixed state genesis block.
func GenesisStateBlock(timestamp int64, stateRoot crypto.Digest) *StateBlock {
	b := &StateBlock{
		Header: StateHeader{
			Height:    0,
			StateRoot: stateRoot,
			TxRoot:    ComputeTxRoot(nil),
			Timestamp: timestamp,
		},
	}
	b.Hash = b.ComputeHash()
	return b
}
