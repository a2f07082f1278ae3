// Package indexer maintains secondary lookup tables over committed
// state changes so operators can answer "which anchors does this
// account hold" or "who is bonded right now" without scanning the full
// state column.
//
// Each index membership is its own key, so additions and removals never
// rewrite a whole list:
//
//	idx:anchor:owner:<owner>/<name> -> latest digest hex
//	idx:validator/<pubkey>          -> latest bonded total
package indexer

import (
	"log"
	"strconv"
	"strings"

	"github.com/purplenet/purple/events"
	"github.com/purplenet/purple/storage"
)

const (
	nsAnchorOwner = "idx:anchor:owner:"
	nsValidator   = "idx:validator/"
)

// Indexer subscribes to chain events and keeps the lookup tables current.
type Indexer struct {
	db storage.DB
}

// New creates an Indexer backed by db and subscribes it to emitter.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db}
	emitter.Subscribe(events.EventAnchorRecorded, idx.onAnchorRecorded)
	emitter.Subscribe(events.EventValidatorBonded, idx.onValidatorBonded)
	emitter.Subscribe(events.EventValidatorUnbonded, idx.onValidatorUnbonded)
	return idx
}

// GetAnchorsByOwner returns the anchor names owner currently holds.
func (idx *Indexer) GetAnchorsByOwner(owner string) ([]string, error) {
	return idx.members(nsAnchorOwner + owner + "/")
}

// Validators returns every currently bonded validator pubkey.
func (idx *Indexer) Validators() ([]string, error) {
	return idx.members(nsValidator)
}

// ---- event handlers ----

func (idx *Indexer) onAnchorRecorded(ev events.Event) {
	name, _ := ev.Data["name"].(string)
	owner, _ := ev.Data["owner"].(string)
	digest, _ := ev.Data["digest"].(string)
	if name == "" || owner == "" {
		return
	}
	key := nsAnchorOwner + owner + "/" + name
	if err := idx.db.Set([]byte(key), []byte(digest)); err != nil {
		log.Printf("[indexer] anchor index write failed (owner=%s name=%s): %v", owner, name, err)
	}
}

func (idx *Indexer) onValidatorBonded(ev events.Event) {
	validator, _ := ev.Data["validator"].(string)
	if validator == "" {
		return
	}
	total, _ := ev.Data["total"].(uint64)
	value := strconv.FormatUint(total, 10)
	if err := idx.db.Set([]byte(nsValidator+validator), []byte(value)); err != nil {
		log.Printf("[indexer] bond index write failed (validator=%s): %v", validator, err)
	}
}

func (idx *Indexer) onValidatorUnbonded(ev events.Event) {
	validator, _ := ev.Data["validator"].(string)
	if validator == "" {
		return
	}
	if err := idx.db.Delete([]byte(nsValidator + validator)); err != nil {
		log.Printf("[indexer] bond index delete failed (validator=%s): %v", validator, err)
	}
}

// members returns every member key under prefix with the prefix
// stripped.
func (idx *Indexer) members(prefix string) ([]string, error) {
	it := idx.db.NewIterator([]byte(prefix))
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Key()), prefix))
	}
	return out, it.Error()
}
