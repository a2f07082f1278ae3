package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/purplenet/purple/storage"
)

// DefaultBootstrapCacheSize bounds how many known-good peer addresses are
// remembered across restarts.
const DefaultBootstrapCacheSize = 64

// bootstrapEntry is one remembered peer, keyed by node ID: for an
// inbound peer the ID it proved in a verified Connect handshake, for an
// outbound one the ID it was dialed under.
type bootstrapEntry struct {
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"last_seen"`
}

// BootstrapCache remembers addresses of peers this node has successfully
// connected to, so restart and catch-up can redial known-good peers
// instead of depending solely on configured seed peers. It is bounded:
// once full, the least-recently-seen entry is evicted to make room.
//
// This is deliberately narrower than a peer-discovery subsystem: no
// topology, no rumor propagation, just "who have we talked to before."
type BootstrapCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]bootstrapEntry // nodeID -> entry
}

// NewBootstrapCache returns an empty cache bounded to capacity entries.
func NewBootstrapCache(capacity int) *BootstrapCache {
	if capacity <= 0 {
		capacity = DefaultBootstrapCacheSize
	}
	return &BootstrapCache{
		capacity: capacity,
		entries:  make(map[string]bootstrapEntry),
	}
}

// Remember records that nodeID was last reachable at addr, evicting the
// stalest entry first if the cache is at capacity.
func (c *BootstrapCache) Remember(nodeID, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[nodeID]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[nodeID] = bootstrapEntry{Addr: addr, LastSeen: now()}
}

// Forget removes nodeID from the cache, e.g. once it has been banned.
func (c *BootstrapCache) Forget(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, nodeID)
}

func (c *BootstrapCache) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	first := true
	for id, e := range c.entries {
		if first || e.LastSeen.Before(oldest) {
			oldestID, oldest, first = id, e.LastSeen, false
		}
	}
	if !first {
		delete(c.entries, oldestID)
	}
}

// Addresses returns a nodeID -> addr snapshot of every remembered peer.
func (c *BootstrapCache) Addresses() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.entries))
	for id, e := range c.entries {
		out[id] = e.Addr
	}
	return out
}

// Len reports how many peers are currently remembered.
func (c *BootstrapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

const bootstrapCacheKey = "known_peers"

// Save persists the cache as a single JSON blob in col, under
// bootstrapCacheKey.
func (c *BootstrapCache) Save(col storage.Column) error {
	c.mu.Lock()
	data, err := json.Marshal(c.entries)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return col.Set([]byte(bootstrapCacheKey), data)
}

// LoadBootstrapCache restores a cache previously written by Save, or
// returns an empty cache bounded to capacity if none was persisted yet.
func LoadBootstrapCache(col storage.Column, capacity int) (*BootstrapCache, error) {
	c := NewBootstrapCache(capacity)
	data, err := col.Get([]byte(bootstrapCacheKey))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c, nil // nothing persisted yet
	case err != nil:
		return nil, fmt.Errorf("bootstrap cache: load: %w", err)
	}
	var entries map[string]bootstrapEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// now is a var so tests can control eviction ordering deterministically.
var now = time.Now
