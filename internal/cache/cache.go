// Package cache provides a versioned, tombstone-aware read-through cache for
// hot session state. A tombstone always wins over a later write for the same
// key, and a write never replaces an entry carrying a higher version.
package cache

import (
	"context"
	"time"
)

// Status describes the outcome of a lookup.
type Status int

const (
	// Miss means the key has no live entry and the caller should consult the
	// durable store.
	Miss Status = iota
	// Hit means the returned value is current as of its version.
	Hit
	// Tombstoned means the key was deleted and must be reported as absent.
	Tombstoned
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Tombstoned:
		return "tombstoned"
	default:
		return "miss"
	}
}

// Cache is implemented by the Redis and in-process backends.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, Status, error)
	// Set stores value unless the key is tombstoned or already holds a higher
	// version. stored reports whether the write took effect.
	Set(ctx context.Context, key string, value []byte, version int64) (stored bool, err error)
	// Tombstone marks key deleted for the tombstone TTL.
	Tombstone(ctx context.Context, key string) error
	// Invalidate drops a live entry without tombstoning it.
	Invalidate(ctx context.Context, key string) error
}

// Config controls entry lifetimes.
type Config struct {
	Prefix       string
	TTL          time.Duration
	TombstoneTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "mediacore:"
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 24 * time.Hour
	}
	return c
}
