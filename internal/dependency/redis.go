package dependency

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mattjoyce/modreg/internal/module"
)

// DefaultRetireTTL bounds how long a crashed deleter can block a child, and
// a crashed creator a parent key.
const DefaultRetireTTL = 30 * time.Second

// KEYS[1] dependents set, KEYS[2] retire marker, KEYS[3] index of sets.
// ARGV[1] parent key.
var recordScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[3], KEYS[1])
return 1
`)

// KEYS[1] dependents set, KEYS[2] index of sets. ARGV[1] parent key.
var removeScript = goredis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], KEYS[1])
end
return 1
`)

// KEYS[1] dependents set, KEYS[2] retire marker. ARGV[1] token, ARGV[2] ttl ms.
// Returns the dependents when in use, 1 when retired, 0 when already retired.
var retireScript = goredis.NewScript(`
if redis.call('SCARD', KEYS[1]) > 0 then
  return redis.call('SMEMBERS', KEYS[1])
end
if redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 1
end
return 0
`)

// KEYS[1] retire or reservation marker. ARGV[1] token.
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// KEYS[1] index of sets.
var resetScript = goredis.NewScript(`
local sets = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(sets) do
  redis.call('DEL', k)
end
redis.call('DEL', KEYS[1])
return #sets
`)

// RedisTracker keeps edges in Redis so several registry processes sharing
// one store also share dependency state. Each child owns a set
// <prefix>:dependencies:<type>:<name>; check-and-modify steps run as Lua
// scripts.
type RedisTracker struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisTracker(rdb goredis.UniversalClient, prefix string) *RedisTracker {
	return &RedisTracker{rdb: rdb, prefix: prefix, ttl: DefaultRetireTTL}
}

func (t *RedisTracker) setKey(key string) string      { return t.prefix + ":dependencies:" + key }
func (t *RedisTracker) retiredKey(key string) string  { return t.prefix + ":retired:" + key }
func (t *RedisTracker) reservedKey(key string) string { return t.prefix + ":reserved:" + key }
func (t *RedisTracker) indexKey() string              { return t.prefix + ":dependencies" }

func (t *RedisTracker) Record(ctx context.Context, child module.Reference, parentKey string) error {
	key := child.Key()
	n, err := recordScript.Run(ctx, t.rdb,
		[]string{t.setKey(key), t.retiredKey(key), t.indexKey()}, parentKey).Int()
	if err != nil {
		return module.StorageError("record dependency "+key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: module %s is being deleted", module.ErrConflict, key)
	}
	return nil
}

func (t *RedisTracker) Remove(ctx context.Context, child module.Reference, parentKey string) error {
	key := child.Key()
	if err := removeScript.Run(ctx, t.rdb, []string{t.setKey(key), t.indexKey()}, parentKey).Err(); err != nil {
		return module.StorageError("remove dependency "+key, err)
	}
	return nil
}

func (t *RedisTracker) Find(ctx context.Context, name string, typ module.Type) ([]string, error) {
	key := module.Key(name, typ)
	members, err := t.rdb.SMembers(ctx, t.setKey(key)).Result()
	if err != nil {
		return nil, module.StorageError("find dependents "+key, err)
	}
	sort.Strings(members)
	return members, nil
}

func (t *RedisTracker) Retire(ctx context.Context, child module.Reference) (func(), error) {
	key := child.Key()
	token := uuid.NewString()
	res, err := retireScript.Run(ctx, t.rdb,
		[]string{t.setKey(key), t.retiredKey(key)}, token, t.ttl.Milliseconds()).Result()
	if err != nil {
		return nil, module.StorageError("retire "+key, err)
	}

	switch v := res.(type) {
	case []interface{}:
		deps := make([]string, 0, len(v))
		for _, d := range v {
			deps = append(deps, fmt.Sprint(d))
		}
		sort.Strings(deps)
		return nil, &module.InUseError{Key: key, Dependents: deps}
	case int64:
		if v == 0 {
			return nil, fmt.Errorf("%w: module %s is already being deleted", module.ErrConflict, key)
		}
	default:
		return nil, module.StorageError("retire "+key, fmt.Errorf("unexpected script reply %T", res))
	}

	return func() {
		// Background context: release must run even when the request was cancelled.
		_ = releaseScript.Run(context.Background(), t.rdb, []string{t.retiredKey(key)}, token).Err()
	}, nil
}

func (t *RedisTracker) Reserve(ctx context.Context, parentKey string) (func(), error) {
	token := uuid.NewString()
	ok, err := t.rdb.SetNX(ctx, t.reservedKey(parentKey), token, t.ttl).Result()
	if err != nil {
		return nil, module.StorageError("reserve "+parentKey, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: module %s is being created", module.ErrConflict, parentKey)
	}
	return func() {
		_ = releaseScript.Run(context.Background(), t.rdb, []string{t.reservedKey(parentKey)}, token).Err()
	}, nil
}

func (t *RedisTracker) Reset(ctx context.Context) error {
	if err := resetScript.Run(ctx, t.rdb, []string{t.indexKey()}).Err(); err != nil {
		return module.StorageError("reset dependencies", err)
	}
	return nil
}
