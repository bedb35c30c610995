package redisutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewClientPingsServer(t *testing.T) {
	srv := miniredis.RunT(t)
	srv.RequireAuth("secret")

	client, err := NewClient(context.Background(), Config{Addr: srv.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := srv.Get("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v" {
		t.Fatalf("expected value v, got %q", got)
	}
}

func TestNewClientRejectsWrongPassword(t *testing.T) {
	srv := miniredis.RunT(t)
	srv.RequireAuth("secret")

	if _, err := NewClient(context.Background(), Config{Addr: srv.Addr(), Password: "wrong"}); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestNewClientRequiresAddress(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatal("expected missing address to fail")
	}
	if (Config{Addrs: []string{" "}}).Enabled() {
		t.Fatal("blank addresses should not enable redis")
	}
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := buildTLSConfig(TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config without tls settings, got %v (%v)", cfg, err)
	}

	cfg, err = buildTLSConfig(TLSConfig{InsecureSkipVerify: true, ServerName: "redis.internal"})
	if err != nil {
		t.Fatalf("buildTLSConfig: %v", err)
	}
	if !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected tls config %+v", cfg)
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := buildTLSConfig(TLSConfig{CAFile: bad}); err == nil {
		t.Fatal("expected invalid ca to fail")
	}
}
