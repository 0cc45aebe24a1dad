package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a counter and applies the TTL only on creation,
// in one round-trip so concurrent workers can't jointly exceed a limit.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// casScript swaps the value only if the current value matches.
// Returns 1 on swap, 0 otherwise.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur ~= ARGV[1] then
    return 0
end
if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
    redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
end
return 1
`)

// RedisStore is a Store backed by a shared Redis instance, for
// multi-replica deployments.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds connection parameters for NewRedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore creates a RedisStore and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "gw:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Client exposes the underlying connection so other Redis-backed
// components can share it.
func (rs *RedisStore) Client() *redis.Client {
	return rs.client
}

func (rs *RedisStore) key(k string) string {
	return rs.prefix + k
}

func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := rs.client.Get(ctx, rs.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (rs *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return rs.client.Set(ctx, rs.key(key), value, ttl).Err()
}

func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	return rs.client.Del(ctx, rs.key(key)).Err()
}

func (rs *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrScript.Run(ctx, rs.client, []string{rs.key(key)}, ttl.Milliseconds()).Int64()
}

func (rs *RedisStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, rs.client,
		[]string{rs.key(key)}, prev, next, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
