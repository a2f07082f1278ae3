package events_test

import (
	"testing"

	"github.com/purplenet/purple/events"
)

func TestEmitterDeliversToSubscribers(t *testing.T) {
	e := events.NewEmitter()
	var got events.Event
	e.Subscribe(events.EventBlockCommit, func(ev events.Event) { got = ev })

	e.Emit(events.Event{Type: events.EventBlockCommit, BlockHeight: 7})
	if got.Type != events.EventBlockCommit || got.BlockHeight != 7 {
		t.Fatalf("got = %+v, want a block_commit event at height 7", got)
	}
}

func TestEmitterSkipsUnrelatedTypes(t *testing.T) {
	e := events.NewEmitter()
	called := false
	e.Subscribe(events.EventBlockCommit, func(ev events.Event) { called = true })

	e.Emit(events.Event{Type: events.EventReorg})
	if called {
		t.Error("handler for block_commit should not fire for a reorg event")
	}
}

func TestEmitterUnsubscribeStopsDelivery(t *testing.T) {
	e := events.NewEmitter()
	calls := 0
	sub := e.Subscribe(events.EventBlockCommit, func(ev events.Event) { calls++ })

	e.Emit(events.Event{Type: events.EventBlockCommit})
	e.Unsubscribe(sub)
	e.Emit(events.Event{Type: events.EventBlockCommit})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no delivery after Unsubscribe)", calls)
	}
	e.Unsubscribe(sub) // second removal is a no-op
}

func TestEmitterRecoversFromHandlerPanic(t *testing.T) {
	e := events.NewEmitter()
	secondCalled := false
	e.Subscribe(events.EventBlockCommit, func(ev events.Event) { panic("boom") })
	e.Subscribe(events.EventBlockCommit, func(ev events.Event) { secondCalled = true })

	e.Emit(events.Event{Type: events.EventBlockCommit}) // must not panic the caller
	if !secondCalled {
		t.Error("a panicking handler should not prevent later subscribers from running")
	}
}
