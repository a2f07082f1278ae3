package indexer_test

import (
	"testing"

	"github.com/purplenet/purple/events"
	"github.com/purplenet/purple/indexer"
	"github.com/purplenet/purple/internal/testutil"
)

func contains(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func TestIndexerTracksAnchorsByOwner(t *testing.T) {
	emitter := events.NewEmitter()
	idx := indexer.New(testutil.NewMemDB(), emitter)

	emitter.Emit(events.Event{Type: events.EventAnchorRecorded, Data: map[string]any{
		"name": "release-v1", "owner": "alice", "digest": "ab12", "version": uint64(1),
	}})
	anchors, err := idx.GetAnchorsByOwner("alice")
	if err != nil {
		t.Fatalf("GetAnchorsByOwner: %v", err)
	}
	if !contains(anchors, "release-v1") {
		t.Fatalf("anchors = %v, want it to contain release-v1", anchors)
	}

	// Re-pointing the same anchor must not create a second entry.
	emitter.Emit(events.Event{Type: events.EventAnchorRecorded, Data: map[string]any{
		"name": "release-v1", "owner": "alice", "digest": "cd34", "version": uint64(2),
	}})
	anchors, _ = idx.GetAnchorsByOwner("alice")
	if len(anchors) != 1 {
		t.Fatalf("anchors = %v, want exactly one entry after a re-point", anchors)
	}
}

func TestIndexerTracksBondedValidators(t *testing.T) {
	emitter := events.NewEmitter()
	idx := indexer.New(testutil.NewMemDB(), emitter)

	emitter.Emit(events.Event{Type: events.EventValidatorBonded, Data: map[string]any{
		"validator": "val-a", "amount": uint64(50), "total": uint64(50),
	}})
	validators, err := idx.Validators()
	if err != nil {
		t.Fatalf("Validators: %v", err)
	}
	if !contains(validators, "val-a") {
		t.Fatalf("validators = %v, want it to contain val-a after bonding", validators)
	}

	emitter.Emit(events.Event{Type: events.EventValidatorUnbonded, Data: map[string]any{
		"validator": "val-a", "amount": uint64(50),
	}})
	validators, _ = idx.Validators()
	if contains(validators, "val-a") {
		t.Error("val-a should be gone from the validator index after unbonding")
	}
}

func TestIndexerIgnoresMalformedEvents(t *testing.T) {
	emitter := events.NewEmitter()
	idx := indexer.New(testutil.NewMemDB(), emitter)

	// Missing fields must not panic and must not create spurious entries.
	emitter.Emit(events.Event{Type: events.EventAnchorRecorded, Data: map[string]any{}})
	emitter.Emit(events.Event{Type: events.EventValidatorBonded, Data: map[string]any{}})
	anchors, err := idx.GetAnchorsByOwner("")
	if err != nil {
		t.Fatalf("GetAnchorsByOwner: %v", err)
	}
	if len(anchors) != 0 {
		t.Errorf("anchors = %v, want empty for a malformed event", anchors)
	}
	validators, _ := idx.Validators()
	if len(validators) != 0 {
		t.Errorf("validators = %v, want empty for a malformed event", validators)
	}
}
