package storage

import (
	"context"
	"fmt"

	"github.com/mattjoyce/modreg/internal/config"
)

const compositeNamespace = "composites"

// Open returns the KV backend selected by cfg.Backend. The returned KV owns
// its connection; Close releases it.
func Open(ctx context.Context, cfg config.StorageConfig) (KV, error) {
	switch cfg.Backend {
	case config.BackendSQLite, "":
		db, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		kv := NewSQLiteKV(db, compositeNamespace)
		kv.ownsDB = true
		return kv, nil
	case config.BackendRedis:
		rdb, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		kv := NewRedisKV(rdb, cfg.Redis.Prefix)
		kv.ownsConn = true
		return kv, nil
	case config.BackendMemory:
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
