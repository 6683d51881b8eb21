package storage

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mattjoyce/modreg/internal/config"
)

// NewRedisClient dials Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// RedisKV stores every entry as a field of a single hash.
type RedisKV struct {
	rdb      goredis.UniversalClient
	hash     string
	ownsConn bool
}

// NewRedisKV uses hash "<prefix>:composites". Close leaves rdb open.
func NewRedisKV(rdb goredis.UniversalClient, prefix string) *RedisKV {
	return &RedisKV{rdb: rdb, hash: prefix + ":composites"}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.HGet(ctx, r.hash, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisKV) Put(ctx context.Context, key, value string) error {
	if err := r.rdb.HSet(ctx, r.hash, key, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) PutNew(ctx context.Context, key, value string) (bool, error) {
	ok, err := r.rdb.HSetNX(ctx, r.hash, key, value).Result()
	if err != nil {
		return false, fmt.Errorf("redis hsetnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.HDel(ctx, r.hash, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisKV) Scan(ctx context.Context) ([]Entry, error) {
	all, err := r.rdb.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", r.hash, err)
	}
	out := make([]Entry, 0, len(all))
	for k, v := range all {
		out = append(out, Entry{Key: k, Value: v})
	}
	sortEntries(out)
	return out, nil
}

func (r *RedisKV) Count(ctx context.Context) (int, error) {
	n, err := r.rdb.HLen(ctx, r.hash).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen %s: %w", r.hash, err)
	}
	return int(n), nil
}

func (r *RedisKV) Close() error {
	if r.ownsConn {
		return r.rdb.Close()
	}
	return nil
}
