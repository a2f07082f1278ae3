// Package ingress buffers incoming blocks between the network layer and
// a chain core, so a burst of gossip never blocks a peer's read loop.
package ingress

import (
	"sync/atomic"

	"github.com/purplenet/purple/chain"
)

// DefaultCapacity is the default queue depth per chain core.
const DefaultCapacity = 256

// Queue is a bounded single-producer/single-consumer channel of blocks.
// Producers choose their backpressure policy per call: Push blocks until
// space frees up, Offer drops and counts.
type Queue[B chain.Block] struct {
	ch      chan B
	dropped atomic.Uint64
}

// New returns a Queue with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New[B chain.Block](capacity int) *Queue[B] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[B]{ch: make(chan B, capacity)}
}

// Push enqueues block, blocking while the queue is full.
func (q *Queue[B]) Push(block B) {
	q.ch <- block
}

// Offer attempts to enqueue block, reporting false if the queue is full
// (the block is dropped and the drop counter incremented).
func (q *Queue[B]) Offer(block B) bool {
	select {
	case q.ch <- block:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dropped reports how many blocks Offer has discarded on a full queue.
func (q *Queue[B]) Dropped() uint64 {
	return q.dropped.Load()
}

// Blocks returns the channel blocks arrive on, for a consumer's range
// loop or select statement.
func (q *Queue[B]) Blocks() <-chan B {
	return q.ch
}

// Len reports the number of blocks currently buffered.
func (q *Queue[B]) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel. Callers must ensure no further
// Offer calls occur afterward.
func (q *Queue[B]) Close() {
	close(q.ch)
}
