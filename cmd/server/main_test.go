package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mediacore/internal/config"
)

func TestApplyFlagOverridesSetsNonEmptyValues(t *testing.T) {
	t.Setenv("MEDIACORE_ADDR", ":9000")
	t.Setenv("MEDIACORE_MODE", "development")

	if err := applyFlagOverrides(map[string]string{"ADDR": " :7000 ", "MODE": ""}); err != nil {
		t.Fatalf("applyFlagOverrides error: %v", err)
	}
	if got := os.Getenv("MEDIACORE_ADDR"); got != ":7000" {
		t.Fatalf("expected flag to override env, got %q", got)
	}
	if got := os.Getenv("MEDIACORE_MODE"); got != "development" {
		t.Fatalf("expected empty flag to keep env, got %q", got)
	}
}

func TestOpenStoreDrivers(t *testing.T) {
	dir := t.TempDir()

	store, err := openStore(config.StorageConfig{Driver: "json", DataPath: filepath.Join(dir, "store.json")})
	if err != nil {
		t.Fatalf("json store: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("json ping: %v", err)
	}
	_ = store.Close(context.Background())

	store, err = openStore(config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(dir, "store.db")})
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("sqlite ping: %v", err)
	}
	_ = store.Close(context.Background())

	if _, err := openStore(config.StorageConfig{Driver: "mongo"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MEDIACORE_AUTH_SECRET", "run-test-secret")
	t.Setenv("MEDIACORE_ADDR", "127.0.0.1:0")
	t.Setenv("MEDIACORE_STORAGE_DATA", filepath.Join(dir, "store.json"))
	t.Setenv("MEDIACORE_MEDIA_DIR", filepath.Join(dir, "media"))
	t.Setenv("MEDIACORE_SHUTDOWN_TIMEOUT", "5s")
	cfg, err := config.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		errs <- run(ctx, cfg, logger, ready)
	}()

	select {
	case <-ready:
	case err := <-errs:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	cancel()
	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestRunFailsOnUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := run(context.Background(), cfg, logger, nil); err == nil {
		t.Fatal("expected run to fail when redis is unreachable")
	}
}
