// Package composite persists user-defined composite modules. Each record is
// the name, resolved type and DSL text of one composite; constituents are
// derived by re-parsing the DSL, never stored.
package composite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/modreg/internal/module"
	"github.com/mattjoyce/modreg/internal/storage"
)

const DefaultMaxDefinitionBytes = 1 << 20 // 1 MiB

// Record is the persisted form of a composite definition.
type Record struct {
	Name string      `json:"name"`
	Type module.Type `json:"type"`
	DSL  string      `json:"definition"`
}

func (r Record) Key() string { return module.Key(r.Name, r.Type) }

type Store struct {
	kv       storage.KV
	maxBytes int
}

func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv, maxBytes: DefaultMaxDefinitionBytes}
}

// Save inserts rec. An existing record with the same key is never replaced;
// that case returns module.ErrAlreadyExists.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.Name == "" || !rec.Type.Valid() {
		return fmt.Errorf("composite record needs a name and a valid type (got %q, %q)", rec.Name, rec.Type)
	}
	if len(rec.DSL) > s.maxBytes {
		return fmt.Errorf("%w: definition of %s exceeds %d bytes", module.ErrParse, rec.Key(), s.maxBytes)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode composite %s: %w", rec.Key(), err)
	}
	inserted, err := s.kv.PutNew(ctx, rec.Key(), string(body))
	if err != nil {
		return module.StorageError("save "+rec.Key(), err)
	}
	if !inserted {
		return module.AlreadyExists(rec.Name, rec.Type)
	}
	return nil
}

// FindOne returns the record for name/type, if any.
func (s *Store) FindOne(ctx context.Context, name string, t module.Type) (Record, bool, error) {
	key := module.Key(name, t)
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return Record{}, false, module.StorageError("read "+key, err)
	}
	if !ok {
		return Record{}, false, nil
	}
	rec, err := decode(key, raw)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// FindAll returns every record in key order.
func (s *Store) FindAll(ctx context.Context) ([]Record, error) {
	entries, err := s.kv.Scan(ctx)
	if err != nil {
		return nil, module.StorageError("scan composites", err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		rec, err := decode(e.Key, e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the number of stored records without decoding them.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.kv.Count(ctx)
	if err != nil {
		return 0, module.StorageError("count composites", err)
	}
	return n, nil
}

// Delete removes the record and reports whether one existed.
func (s *Store) Delete(ctx context.Context, name string, t module.Type) (bool, error) {
	key := module.Key(name, t)
	ok, err := s.kv.Delete(ctx, key)
	if err != nil {
		return false, module.StorageError("delete "+key, err)
	}
	return ok, nil
}

func decode(key, raw string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, module.StorageError("decode "+key, err)
	}
	if rec.Key() != key {
		return Record{}, module.StorageError("decode "+key, fmt.Errorf("record identifies as %s", rec.Key()))
	}
	return rec, nil
}
