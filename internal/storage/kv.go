// Package storage provides the ordered key/value medium composite
// definitions are persisted in. Backends: SQLite (default), Redis and an
// in-process map.
package storage

import (
	"context"
	"sort"
	"sync"
)

// Entry is one stored key/value pair.
type Entry struct {
	Key   string
	Value string
}

// KV is an ordered key/value store. Scan returns entries sorted by key.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	// PutNew stores value only when key is absent and reports whether it did.
	PutNew(ctx context.Context, key, value string) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Scan(ctx context.Context) ([]Entry, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// MemoryKV keeps entries in a map. Used by tests and storage.backend: memory.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryKV) PutNew(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[key]; exists {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

func (m *MemoryKV) Scan(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.data))
	for k, v := range m.data {
		out = append(out, Entry{Key: k, Value: v})
	}
	sortEntries(out)
	return out, nil
}

func (m *MemoryKV) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data), nil
}

func (m *MemoryKV) Close() error { return nil }

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
