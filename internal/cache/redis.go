package cache

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// setScript writes the payload only when the entry is not tombstoned and the
// stored version is not newer.
var setScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'd') == '1' then
  return 0
end
local current = redis.call('HGET', KEYS[1], 'v')
if current and tonumber(current) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'p', ARGV[1], 'v', ARGV[2], 'd', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var tombstoneScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], 'p')
redis.call('HSET', KEYS[1], 'd', '1')
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

// RedisCache shares entries between instances. Each key is a hash holding the
// payload (p), its version (v), and the tombstone flag (d).
type RedisCache struct {
	client redis.UniversalClient
	cfg    Config
}

func NewRedisCache(client redis.UniversalClient, cfg Config) *RedisCache {
	return &RedisCache{client: client, cfg: cfg.withDefaults()}
}

func (c *RedisCache) key(key string) string {
	return c.cfg.Prefix + key
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, Status, error) {
	values, err := c.client.HMGet(ctx, c.key(key), "d", "p").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, Miss, nil
		}
		return nil, Miss, fmt.Errorf("cache get %s: %w", key, err)
	}
	if len(values) != 2 {
		return nil, Miss, nil
	}
	if flag, ok := values[0].(string); ok && flag == "1" {
		return nil, Tombstoned, nil
	}
	payload, ok := values[1].(string)
	if !ok {
		return nil, Miss, nil
	}
	return []byte(payload), Hit, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, version int64) (bool, error) {
	stored, err := setScript.Run(ctx, c.client, []string{c.key(key)}, value, version, c.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("cache set %s: %w", key, err)
	}
	return stored == 1, nil
}

func (c *RedisCache) Tombstone(ctx context.Context, key string) error {
	if err := tombstoneScript.Run(ctx, c.client, []string{c.key(key)}, c.cfg.TombstoneTTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("cache tombstone %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	// A tombstoned key keeps its tombstone.
	if err := c.client.HDel(ctx, c.key(key), "p", "v").Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", key, err)
	}
	return nil
}
