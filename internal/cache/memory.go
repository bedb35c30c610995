package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	version   int64
	tombstone bool
	expires   time.Time
}

// MemoryCache is the single-instance backend.
type MemoryCache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache(cfg Config) *MemoryCache {
	return &MemoryCache{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// lookup returns the unexpired entry for key. Callers hold mu.
func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expires.After(c.now()) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(key)
	switch {
	case !ok:
		return nil, Miss, nil
	case entry.tombstone:
		return nil, Tombstoned, nil
	case entry.value == nil:
		return nil, Miss, nil
	}
	return append([]byte(nil), entry.value...), Hit, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, version int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.lookup(key); ok {
		if entry.tombstone || (entry.value != nil && entry.version > version) {
			return false, nil
		}
	}
	c.entries[key] = memoryEntry{
		value:   append([]byte{}, value...),
		version: version,
		expires: c.now().Add(c.cfg.TTL),
	}
	return true, nil
}

func (c *MemoryCache) Tombstone(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{tombstone: true, expires: c.now().Add(c.cfg.TombstoneTTL)}
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.lookup(key); ok && !entry.tombstone {
		delete(c.entries, key)
	}
	return nil
}

// Len reports the number of tracked keys, tombstones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
