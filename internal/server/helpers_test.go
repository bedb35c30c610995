package server

import (
	"path/filepath"
	"testing"

	"mediacore/internal/api"
	"mediacore/internal/auth"
	"mediacore/internal/cache"
	"mediacore/internal/storage"
	"mediacore/internal/stream"
	"mediacore/internal/upload"
)

func newTestHandler(t *testing.T) (*api.Handler, *storage.Storage) {
	t.Helper()
	repo, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}

	memCache := cache.NewMemoryCache(cache.Config{})
	buffer := upload.NewMemoryBuffer()
	uploadStore := upload.NewSessionStore(upload.StoreConfig{Repository: repo, Cache: memCache, Buffer: buffer})
	keys := stream.NewKeyRegistry(stream.KeyRegistryConfig{Store: repo})
	stats := stream.NewStatsAggregator(repo, nil)
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Secret: "server-test-secret"})
	if err != nil {
		t.Fatalf("NewVerifier error: %v", err)
	}

	handler := &api.Handler{
		Uploads: upload.NewService(upload.ServiceConfig{Store: uploadStore, Assembler: upload.NewAssembler(uploadStore, buffer)}),
		Keys:    keys,
		Sessions: stream.NewSessionManager(stream.SessionManagerConfig{
			Store: repo,
			Keys:  keys,
			Stats: stats,
			Cache: memCache,
		}),
		Stats:        stats,
		Channels:     repo,
		Verifier:     verifier,
		HealthChecks: []api.HealthCheck{{Component: "datastore", Ping: repo.Ping}},
	}
	return handler, repo
}
