package dependency

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/mattjoyce/modreg/internal/module"
)

const shardCount = 32

type shard struct {
	mu       sync.Mutex
	deps     map[string]map[string]struct{}
	retired  map[string]struct{}
	reserved map[string]struct{}
}

// MemoryTracker keeps edges in process memory. Children are spread over a
// fixed set of lock shards, so unrelated keys never contend on one mutex.
type MemoryTracker struct {
	shards [shardCount]shard
}

func NewMemoryTracker() *MemoryTracker {
	t := &MemoryTracker{}
	for i := range t.shards {
		t.shards[i].deps = make(map[string]map[string]struct{})
		t.shards[i].retired = make(map[string]struct{})
		t.shards[i].reserved = make(map[string]struct{})
	}
	return t
}

func (t *MemoryTracker) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &t.shards[h.Sum32()%shardCount]
}

func (t *MemoryTracker) Record(_ context.Context, child module.Reference, parentKey string) error {
	key := child.Key()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, retired := s.retired[key]; retired {
		return fmt.Errorf("%w: module %s is being deleted", module.ErrConflict, key)
	}
	set, ok := s.deps[key]
	if !ok {
		set = make(map[string]struct{})
		s.deps[key] = set
	}
	set[parentKey] = struct{}{}
	return nil
}

func (t *MemoryTracker) Remove(_ context.Context, child module.Reference, parentKey string) error {
	key := child.Key()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.deps[key]
	if !ok {
		return nil
	}
	delete(set, parentKey)
	if len(set) == 0 {
		delete(s.deps, key)
	}
	return nil
}

func (t *MemoryTracker) Find(_ context.Context, name string, typ module.Type) ([]string, error) {
	key := module.Key(name, typ)
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.deps[key]), nil
}

func (t *MemoryTracker) Retire(_ context.Context, child module.Reference) (func(), error) {
	key := child.Key()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if set := s.deps[key]; len(set) > 0 {
		return nil, &module.InUseError{Key: key, Dependents: sortedKeys(set)}
	}
	if _, retired := s.retired[key]; retired {
		return nil, fmt.Errorf("%w: module %s is already being deleted", module.ErrConflict, key)
	}
	s.retired[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.retired, key)
			s.mu.Unlock()
		})
	}, nil
}

func (t *MemoryTracker) Reserve(_ context.Context, parentKey string) (func(), error) {
	s := t.shardFor(parentKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.reserved[parentKey]; held {
		return nil, fmt.Errorf("%w: module %s is being created", module.ErrConflict, parentKey)
	}
	s.reserved[parentKey] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.reserved, parentKey)
			s.mu.Unlock()
		})
	}, nil
}

func (t *MemoryTracker) Reset(_ context.Context) error {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		s.deps = make(map[string]map[string]struct{})
		s.mu.Unlock()
	}
	return nil
}
