// Package testutil provides in-memory implementations of storage
// interfaces for use in tests across the module. Never import this in
// production code.
package testutil

import (
	"slices"
	"strings"
	"sync"

	"github.com/purplenet/purple/storage"
)

// MemDB is a thread-safe in-memory storage.DB for tests.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemDB creates an empty MemDB.
func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *MemDB) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = slices.Clone(value)
	return nil
}

func (m *MemDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// NewIterator snapshots all keys under prefix in ascending order. Writes
// made after the call are not visible to the iterator.
func (m *MemDB) NewIterator(prefix []byte) storage.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it := &memIter{idx: -1}
	for k, v := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			it.keys = append(it.keys, k)
			it.vals = append(it.vals, slices.Clone(v))
		}
	}
	order := make([]int, len(it.keys))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int { return strings.Compare(it.keys[a], it.keys[b]) })
	sortedKeys := make([]string, len(order))
	sortedVals := make([][]byte, len(order))
	for i, j := range order {
		sortedKeys[i], sortedVals[i] = it.keys[j], it.vals[j]
	}
	it.keys, it.vals = sortedKeys, sortedVals
	return it
}

func (m *MemDB) NewBatch() storage.Batch {
	return &memBatch{db: m}
}

func (m *MemDB) Close() error { return nil }

// Len reports the number of stored keys, for test assertions.
func (m *MemDB) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// memBatch buffers writes and applies them under one lock acquisition,
// mirroring the all-or-nothing contract of the production batch.
type memBatch struct {
	db  *MemDB
	ops []func(map[string][]byte)
}

func (b *memBatch) Set(key, value []byte) {
	k, v := string(key), slices.Clone(value)
	b.ops = append(b.ops, func(data map[string][]byte) { data[k] = v })
}

func (b *memBatch) Delete(key []byte) {
	k := string(key)
	b.ops = append(b.ops, func(data map[string][]byte) { delete(data, k) })
}

func (b *memBatch) Reset() { b.ops = nil }

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		op(b.db.data)
	}
	return nil
}

type memIter struct {
	keys []string
	vals [][]byte
	idx  int
}

func (it *memIter) Next() bool    { it.idx++; return it.idx < len(it.keys) }
func (it *memIter) Key() []byte   { return []byte(it.keys[it.idx]) }
func (it *memIter) Value() []byte { return it.vals[it.idx] }
func (it *memIter) Release()      {}
func (it *memIter) Error() error  { return nil }
