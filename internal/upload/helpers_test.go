package upload

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mediacore/internal/cache"
	"mediacore/internal/models"
	"mediacore/internal/storage"
)

type harness struct {
	repo      *storage.Storage
	cache     *cache.MemoryCache
	buffer    *MemoryBuffer
	store     *SessionStore
	assembler *Assembler
	service   *Service
	notified  *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	h := &harness{
		repo:     repo,
		cache:    cache.NewMemoryCache(cache.Config{}),
		buffer:   NewMemoryBuffer(),
		notified: &recordingNotifier{},
	}
	h.store = NewSessionStore(StoreConfig{Repository: repo, Cache: h.cache, Buffer: h.buffer})
	h.assembler = NewAssembler(h.store, h.buffer)
	h.service = NewService(ServiceConfig{Store: h.store, Assembler: h.assembler, Notifier: h.notified})
	return h
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) Enqueue(id string) {
	n.mu.Lock()
	n.ids = append(n.ids, id)
	n.mu.Unlock()
}

func (n *recordingNotifier) IDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ids...)
}

// flakyRepository fails the next failures AdvanceUpload calls with an
// internal error before delegating.
type flakyRepository struct {
	storage.UploadRepository
	mu       sync.Mutex
	failures int
	gets     int
}

func (r *flakyRepository) AdvanceUpload(ctx context.Context, id string, expected, length int64, now time.Time) (models.UploadSession, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return models.UploadSession{}, models.Internal("advance upload", context.DeadlineExceeded)
	}
	r.mu.Unlock()
	return r.UploadRepository.AdvanceUpload(ctx, id, expected, length, now)
}

func (r *flakyRepository) GetUpload(ctx context.Context, id string) (models.UploadSession, error) {
	r.mu.Lock()
	r.gets++
	r.mu.Unlock()
	return r.UploadRepository.GetUpload(ctx, id)
}

func (r *flakyRepository) getCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets
}

func requireKind(t *testing.T, err error, kind models.ErrorKind) {
	t.Helper()
	if !models.IsKind(err, kind) {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
}

func sequence(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}
