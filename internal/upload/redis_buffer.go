package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultBufferTTL = 24 * time.Hour

// appendScript applies the append rules atomically. KEYS are the chunk hash,
// the offset index and the end counter; ARGV are offset, chunk length, chunk
// bytes and the TTL in milliseconds. Chunks at or past offset are dropped and
// a chunk straddling offset is cut back to it before data is written. It
// returns {status, end} where status is -1 for a gap and 1 for a write.
var appendScript = redis.NewScript(`
local buffered = tonumber(redis.call('GET', KEYS[3]) or '0')
local offset = tonumber(ARGV[1])
local length = tonumber(ARGV[2])
if offset > buffered then
  return {-1, buffered}
end
if offset < buffered then
  local later = redis.call('ZRANGEBYSCORE', KEYS[2], ARGV[1], '+inf')
  for _, field in ipairs(later) do
    redis.call('HDEL', KEYS[1], field)
    redis.call('ZREM', KEYS[2], field)
  end
  local prior = redis.call('ZREVRANGEBYSCORE', KEYS[2], '(' .. ARGV[1], '-inf', 'LIMIT', 0, 1)
  if #prior == 1 then
    local start = tonumber(prior[1])
    local chunk = redis.call('HGET', KEYS[1], prior[1])
    if chunk and start + string.len(chunk) > offset then
      redis.call('HSET', KEYS[1], prior[1], string.sub(chunk, 1, offset - start))
    end
  end
end
if length > 0 then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
  redis.call('ZADD', KEYS[2], offset, ARGV[1])
end
local newEnd = offset + length
redis.call('SET', KEYS[3], tostring(newEnd))
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return {1, newEnd}
`)

// RedisBufferConfig controls key naming and retention.
type RedisBufferConfig struct {
	Prefix string
	TTL    time.Duration
}

// RedisBuffer stores chunks in Redis so any instance can assemble an upload.
// Each upload uses three keys sharing one hash tag: a hash of chunks keyed by
// their start offset, a sorted-set index of those offsets, and the buffered end.
type RedisBuffer struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisBuffer(client redis.UniversalClient, cfg RedisBufferConfig) *RedisBuffer {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "mediacore:chunks:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultBufferTTL
	}
	return &RedisBuffer{client: client, prefix: prefix, ttl: ttl}
}

func (b *RedisBuffer) keys(id string) (data, index, end string) {
	base := b.prefix + "{" + id + "}"
	return base + ":data", base + ":idx", base + ":end"
}

func (b *RedisBuffer) Append(ctx context.Context, id string, offset int64, data []byte) (int64, error) {
	dataKey, indexKey, endKey := b.keys(id)
	result, err := appendScript.Run(ctx, b.client,
		[]string{dataKey, indexKey, endKey},
		offset, len(data), data, b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("append chunk for %s: %w", id, err)
	}
	if len(result) != 2 {
		return 0, fmt.Errorf("append chunk for %s: unexpected script reply %v", id, result)
	}
	if result[0] < 0 {
		return result[1], chunkGap(id, result[1])
	}
	return result[1], nil
}

func (b *RedisBuffer) End(ctx context.Context, id string) (int64, error) {
	_, _, endKey := b.keys(id)
	end, err := b.client.Get(ctx, endKey).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read buffered end for %s: %w", id, err)
	}
	return end, nil
}

func (b *RedisBuffer) Read(ctx context.Context, id string, length int64) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("negative read length %d", length)
	}
	dataKey, indexKey, _ := b.keys(id)
	fields, err := b.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read chunk index for %s: %w", id, err)
	}
	if len(fields) == 0 {
		return []byte{}, nil
	}
	chunks, err := b.client.HMGet(ctx, dataKey, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("read chunks for %s: %w", id, err)
	}
	var buf bytes.Buffer
	for i, chunk := range chunks {
		start, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chunk index for %s holds %q: %w", id, fields[i], err)
		}
		if start != int64(buf.Len()) {
			break
		}
		value, ok := chunk.(string)
		if !ok {
			break
		}
		buf.WriteString(value)
		if int64(buf.Len()) >= length {
			break
		}
	}
	out := buf.Bytes()
	if int64(len(out)) > length {
		out = out[:length]
	}
	return out, nil
}

func (b *RedisBuffer) Clear(ctx context.Context, id string) error {
	dataKey, indexKey, endKey := b.keys(id)
	if err := b.client.Del(ctx, dataKey, indexKey, endKey).Err(); err != nil {
		return fmt.Errorf("clear chunks for %s: %w", id, err)
	}
	return nil
}
