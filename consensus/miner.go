// Package consensus implements the two block-production engines that
// drive the pow chain and the state chain: a proof-of-work nonce search
// and a PoA-style round-robin proposer.
package consensus

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/crypto"
)

// Miner searches for a nonce satisfying the pow chain's declared
// difficulty and appends the resulting block.
type Miner struct {
	pow        *chain.PowChain
	priv       crypto.PrivateKey
	pub        crypto.PublicKey
	difficulty uint32
	listenAddr string
	onBlock    func(*chain.PowBlock)
}

// NewMiner constructs a Miner producing blocks for pow against the
// configured difficulty, signed by priv.
func NewMiner(pow *chain.PowChain, priv crypto.PrivateKey, difficulty uint32) *Miner {
	return &Miner{pow: pow, priv: priv, pub: priv.Public(), difficulty: difficulty}
}

// SetListenAddr sets the p2p endpoint advertised in mined block headers,
// so peers that learn of this miner through its blocks can dial it back.
func (m *Miner) SetListenAddr(addr string) { m.listenAddr = addr }

// SetOnBlock registers a callback invoked from Run after each
// successfully appended block, e.g. to gossip it to peers.
func (m *Miner) SetOnBlock(fn func(*chain.PowBlock)) { m.onBlock = fn }

// MineOne searches nonces starting at 0 until either a block meeting
// the configured difficulty is found and appended, or ctx is canceled.
func (m *Miner) MineOne(ctx context.Context) (*chain.PowBlock, error) {
	tip, height := m.pow.Tip()

	block := chain.NewPowBlock(height+1, tip, m.pub.Hex(), m.difficulty)
	block.Header.ListenAddr = m.listenAddr
	for nonce := uint64(0); ; nonce++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		block.Header.Nonce = nonce
		block.Hash = block.ComputeHash()
		if block.MeetsDifficulty() {
			break
		}
	}

	block.SignMiner(m.priv)
	if err := m.pow.Append(block); err != nil {
		return nil, fmt.Errorf("consensus: append mined block: %w", err)
	}
	return block, nil
}

// Run mines continuously, sleeping retryDelay between attempts after
// each block (successful or not), until done is closed.
func (m *Miner) Run(retryDelay time.Duration, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-done:
				cancel()
			case <-ctx.Done():
			}
		}()

		block, err := m.MineOne(ctx)
		cancel()
		if err != nil {
			if err != context.Canceled {
				log.Printf("[consensus] mining error: %v", err)
			}
		} else {
			log.Printf("[consensus] mined block %d (%s)", block.Header.Height, block.Hash)
			if m.onBlock != nil {
				m.onBlock(block)
			}
		}

		select {
		case <-done:
			return
		case <-time.After(retryDelay):
		}
	}
}
