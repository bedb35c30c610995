package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRateLimitPrefix = "mediacore:ratelimit"
	redisCounterTimeout    = 2 * time.Second
)

// redisLimitCounter keeps one integer per client and window in Redis. Each
// window key expires after two window lengths so the previous window stays
// readable for the sliding estimate.
type redisLimitCounter struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

var _ httprate.LimitCounter = (*redisLimitCounter)(nil)

func newRedisLimitCounter(client redis.UniversalClient, prefix string) *redisLimitCounter {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &redisLimitCounter{client: client, prefix: prefix, window: time.Minute}
}

func (c *redisLimitCounter) Config(requestLimit int, windowLength time.Duration) {
	if windowLength > 0 {
		c.window = windowLength
	}
}

func (c *redisLimitCounter) key(key string, window time.Time) string {
	return fmt.Sprintf("%s:%s:%d", c.prefix, key, window.Unix())
}

func (c *redisLimitCounter) Increment(key string, currentWindow time.Time) error {
	return c.IncrementBy(key, currentWindow, 1)
}

func (c *redisLimitCounter) IncrementBy(key string, currentWindow time.Time, amount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisCounterTimeout)
	defer cancel()
	counterKey := c.key(key, currentWindow)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.IncrBy(ctx, counterKey, int64(amount))
		pipe.Expire(ctx, counterKey, 2*c.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment rate limit counter: %w", err)
	}
	return nil
}

func (c *redisLimitCounter) Get(key string, currentWindow, previousWindow time.Time) (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisCounterTimeout)
	defer cancel()
	current, err := c.count(ctx, c.key(key, currentWindow))
	if err != nil {
		return 0, 0, err
	}
	previous, err := c.count(ctx, c.key(key, previousWindow))
	if err != nil {
		return 0, 0, err
	}
	return current, previous, nil
}

func (c *redisLimitCounter) count(ctx context.Context, key string) (int, error) {
	value, err := c.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate limit counter: %w", err)
	}
	return value, nil
}
