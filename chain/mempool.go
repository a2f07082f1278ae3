package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultMempoolBytes is used when a node is configured with 0;
	// it matches the --mempool-size default of 150 MB.
	DefaultMempoolBytes = 150 << 20

	// txOverheadBytes approximates a transaction's fixed cost beyond its
	// payload: ID, sender key, signature, and encoding framing.
	txOverheadBytes = 256

	maxTxAge    = int64(time.Hour)
	maxTxFuture = int64(5 * time.Minute)
)

// Mempool is a thread-safe pending-transaction pool, bounded by the
// approximate memory its transactions occupy so a node's
// --mempool-size flag has somewhere to take effect.
type Mempool struct {
	mu       sync.RWMutex
	maxBytes int64
	curBytes int64
	txs      map[string]*Transaction
	ord      []string
}

// NewMempool creates an empty mempool bounded at maxBytes of
// transaction data. A non-positive maxBytes falls back to
// DefaultMempoolBytes.
func NewMempool(maxBytes int64) *Mempool {
	if maxBytes <= 0 {
		maxBytes = DefaultMempoolBytes
	}
	return &Mempool{maxBytes: maxBytes, txs: make(map[string]*Transaction)}
}

func txSize(tx *Transaction) int64 {
	return int64(len(tx.Payload)) + txOverheadBytes
}

// Add validates and inserts a transaction. Returns an error if the pool
// is full, the tx is already present, the signature is invalid, or the
// timestamp falls outside the acceptable window (-1h / +5m).
func (m *Mempool) Add(tx *Transaction) error {
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("invalid tx signature: %w", err)
	}
	now := time.Now().UnixNano()
	if now-tx.Timestamp > maxTxAge {
		return errors.New("transaction expired")
	}
	if tx.Timestamp-now > maxTxFuture {
		return errors.New("transaction timestamp too far in the future")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	size := txSize(tx)
	if m.curBytes+size > m.maxBytes {
		return errors.New("mempool full")
	}
	if _, exists := m.txs[tx.ID]; exists {
		return errors.New("tx already in pool")
	}
	m.txs[tx.ID] = tx
	m.ord = append(m.ord, tx.ID)
	m.curBytes += size
	return nil
}

// Get returns a transaction by ID.
func (m *Mempool) Get(id string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	return tx, ok
}

// Pending returns up to n pending transactions in insertion order.
func (m *Mempool) Pending(n int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Transaction, 0, n)
	for _, id := range m.ord {
		if tx, ok := m.txs[id]; ok {
			result = append(result, tx)
			if len(result) >= n {
				break
			}
		}
	}
	return result
}

// Remove deletes transactions by ID, called after a block carrying them
// commits to the canonical chain.
func (m *Mempool) Remove(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		if tx, ok := m.txs[id]; ok {
			m.curBytes -= txSize(tx)
		}
		delete(m.txs, id)
		removed[id] = true
	}
	filtered := m.ord[:0]
	for _, id := range m.ord {
		if !removed[id] {
			filtered = append(filtered, id)
		}
	}
	m.ord = filtered
}

// Size returns the current number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}

// SizeBytes returns the approximate memory the pending transactions
// occupy, the quantity the pool's bound applies to.
func (m *Mempool) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.curBytes
}
