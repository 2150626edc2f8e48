package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetops/driftwatch/dwatch/record"
)

// MemoryBacking is an in-memory BackingProvider. It backs tests and dry
// runs; the durable implementation lives in the db package.
type MemoryBacking struct {
	mu   sync.RWMutex
	live int64
	gens map[int64][]record.Record
}

// NewMemoryBacking returns an empty provider with no live generation.
func NewMemoryBacking() *MemoryBacking {
	return &MemoryBacking{gens: make(map[int64][]record.Record)}
}

func (m *MemoryBacking) LiveGeneration(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live, nil
}

func (m *MemoryBacking) Generation(gen int64) BackingStore {
	return &memoryGeneration{parent: m, gen: gen}
}

func (m *MemoryBacking) Commit(_ context.Context, gen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// An empty export commits an empty generation.
	if _, ok := m.gens[gen]; !ok {
		m.gens[gen] = nil
	}
	for g := range m.gens {
		if g < gen {
			delete(m.gens, g)
		}
	}
	m.live = gen
	return nil
}

// LiveRows returns a copy of the committed rows, for assertions.
func (m *MemoryBacking) LiveRows() []record.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]record.Record(nil), m.gens[m.live]...)
}

type memoryGeneration struct {
	parent *MemoryBacking
	gen    int64
}

func (g *memoryGeneration) RowCount(context.Context) (int64, error) {
	g.parent.mu.RLock()
	defer g.parent.mu.RUnlock()
	return int64(len(g.parent.gens[g.gen])), nil
}

func (g *memoryGeneration) ReadRange(_ context.Context, offset, count int64) ([]record.Record, error) {
	g.parent.mu.RLock()
	defer g.parent.mu.RUnlock()
	rows := g.parent.gens[g.gen]
	if offset >= int64(len(rows)) {
		return nil, nil
	}
	end := offset + count
	if end > int64(len(rows)) {
		end = int64(len(rows))
	}
	return append([]record.Record(nil), rows[offset:end]...), nil
}

// AppendRange is idempotent per offset: writing the same rows at the same
// offset again overwrites them in place.
func (g *memoryGeneration) AppendRange(_ context.Context, offset int64, rows []record.Record) error {
	g.parent.mu.Lock()
	defer g.parent.mu.Unlock()
	existing := g.parent.gens[g.gen]
	if offset > int64(len(existing)) {
		return fmt.Errorf("append at offset %d would leave a gap (have %d rows)", offset, len(existing))
	}
	needed := offset + int64(len(rows))
	for int64(len(existing)) < needed {
		existing = append(existing, record.Record{})
	}
	for i, rec := range rows {
		existing[offset+int64(i)] = rec.Clone()
	}
	g.parent.gens[g.gen] = existing
	return nil
}

func (g *memoryGeneration) Clear(context.Context) error {
	g.parent.mu.Lock()
	defer g.parent.mu.Unlock()
	delete(g.parent.gens, g.gen)
	return nil
}

// MemoryKV is an in-memory KVStore for tests and dry runs.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (kv *MemoryKV) Get(key string) ([]byte, bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, found := kv.data[key]
	if !found {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (kv *MemoryKV) Put(key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = append([]byte(nil), value...)
	return nil
}

func (kv *MemoryKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	return nil
}

func (kv *MemoryKV) Close() error { return nil }
