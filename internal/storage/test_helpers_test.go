package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"), opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func sqliteRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "mediacore.db"), opts...)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := repo.Close(context.Background()); err != nil {
			t.Errorf("close sqlite repository: %v", err)
		}
	}
	return repo, cleanup, nil
}
