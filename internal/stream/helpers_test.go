package stream

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mediacore/internal/cache"
	"mediacore/internal/models"
	"mediacore/internal/storage"
)

const (
	testChannel = "chan-1"
	testOwner   = "owner-1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 10, 22, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	repo     *storage.Storage
	clock    *fakeClock
	keys     *KeyRegistry
	stats    *StatsAggregator
	sessions *SessionManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	if _, err := RegisterChannel(context.Background(), repo, testChannel, testOwner); err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}
	clock := newFakeClock()
	keys := NewKeyRegistry(KeyRegistryConfig{Store: repo, Now: clock.Now})
	stats := NewStatsAggregator(repo, nil)
	stats.now = clock.Now
	sessions := NewSessionManager(SessionManagerConfig{
		Store:     repo,
		Keys:      keys,
		Stats:     stats,
		Cache:     cache.NewMemoryCache(cache.Config{}),
		Endpoints: Endpoints{Host: "media.example.com"},
		Now:       clock.Now,
	})
	return &harness{repo: repo, clock: clock, keys: keys, stats: stats, sessions: sessions}
}

func (h *harness) issueKey(t *testing.T) models.StreamKey {
	t.Helper()
	key, err := h.keys.Issue(context.Background(), testChannel, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return key
}

func (h *harness) liveSession(t *testing.T, key models.StreamKey) models.LiveStreamSession {
	t.Helper()
	ctx := context.Background()
	session, err := h.sessions.Start(ctx, testOwner, testChannel, key.ID, "Evening show")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	live, err := h.sessions.Activate(ctx, testOwner, session.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return live
}

func requireKind(t *testing.T, err error, kind models.ErrorKind) {
	t.Helper()
	if !models.IsKind(err, kind) {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	if models.CodeOf(err) != code {
		t.Fatalf("expected conflict code %s, got %v", code, err)
	}
}

// repeatReader yields the same byte forever, forcing identical secrets.
type repeatReader byte

func (r repeatReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}
	return len(p), nil
}

// peer builds a second manager over the same store with its own cache, as a
// second instance of the service would run.
func (h *harness) peer(c cache.Cache) *SessionManager {
	return NewSessionManager(SessionManagerConfig{
		Store:     h.repo,
		Keys:      h.keys,
		Stats:     h.stats,
		Cache:     c,
		Endpoints: Endpoints{Host: "media.example.com"},
		Now:       h.clock.Now,
	})
}

// failingSetCache rejects writes while failing is set.
type failingSetCache struct {
	*cache.MemoryCache
	mu      sync.Mutex
	failing bool
}

func (c *failingSetCache) setFailing(v bool) {
	c.mu.Lock()
	c.failing = v
	c.mu.Unlock()
}

func (c *failingSetCache) Set(ctx context.Context, key string, value []byte, version int64) (bool, error) {
	c.mu.Lock()
	failing := c.failing
	c.mu.Unlock()
	if failing {
		return false, errors.New("cache unavailable")
	}
	return c.MemoryCache.Set(ctx, key, value, version)
}
