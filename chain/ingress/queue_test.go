package ingress

import (
	"testing"
	"time"

	"github.com/purplenet/purple/crypto"
)

type fakeBlock struct{ hash crypto.Digest }

func (b fakeBlock) BlockHash() crypto.Digest   { return b.hash }
func (b fakeBlock) ParentHash() crypto.Digest  { return crypto.Digest{} }
func (b fakeBlock) Height() uint64             { return 0 }
func (b fakeBlock) ComputeHash() crypto.Digest { return b.hash }
func (b fakeBlock) Serialize() ([]byte, error) { return b.hash[:], nil }

func TestQueueOfferAndDrain(t *testing.T) {
	q := New[fakeBlock](2)
	b1 := fakeBlock{hash: crypto.Hash([]byte("one"))}
	b2 := fakeBlock{hash: crypto.Hash([]byte("two"))}

	if !q.Offer(b1) {
		t.Fatal("Offer(b1): expected success on empty queue")
	}
	if !q.Offer(b2) {
		t.Fatal("Offer(b2): expected success, queue has capacity 2")
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}

	got := <-q.Blocks()
	if got.BlockHash() != b1.hash {
		t.Error("Blocks(): expected FIFO order, b1 first")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := New[fakeBlock](1)
	b1 := fakeBlock{hash: crypto.Hash([]byte("one"))}
	b2 := fakeBlock{hash: crypto.Hash([]byte("two"))}

	if !q.Offer(b1) {
		t.Fatal("Offer(b1): expected success on empty queue")
	}
	if q.Offer(b2) {
		t.Error("Offer(b2): expected drop once the queue is full")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (b2 should have been dropped)", q.Len())
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", q.Dropped())
	}
}

func TestQueuePushBlocksUntilDrained(t *testing.T) {
	q := New[fakeBlock](1)
	b1 := fakeBlock{hash: crypto.Hash([]byte("one"))}
	b2 := fakeBlock{hash: crypto.Hash([]byte("two"))}
	q.Push(b1)

	done := make(chan struct{})
	go func() {
		q.Push(b2) // must block until b1 is consumed
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Push returned while the queue was still full")
	case <-time.After(20 * time.Millisecond):
	}

	<-q.Blocks()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push never completed after the queue drained")
	}
	if q.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0 (Push never drops)", q.Dropped())
	}
}

func TestQueueDefaultCapacity(t *testing.T) {
	q := New[fakeBlock](0)
	if cap(q.ch) != DefaultCapacity {
		t.Errorf("New(0) capacity = %d, want DefaultCapacity (%d)", cap(q.ch), DefaultCapacity)
	}
}
