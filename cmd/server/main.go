// Command server runs the media core: the resumable upload protocol, stream
// key and session management, and the media server callbacks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"mediacore/internal/config"
	"mediacore/internal/observability/logging"
)

func main() {
	envFile := flag.String("env-file", "", "path to a .env file (defaults to ./.env when present)")
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "runtime mode (development or production)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json, sqlite or postgres)")
	storageDSN := flag.String("storage-dsn", "", "SQLite path or Postgres connection string")
	dataPath := flag.String("data", "", "path to the JSON datastore")
	redisAddr := flag.String("redis-addr", "", "Redis address for the cache, chunk buffer and rate limiter")
	mediaDir := flag.String("media-dir", "", "directory receiving assembled uploads")
	mediaBucket := flag.String("media-bucket", "", "S3 bucket receiving assembled uploads")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	flag.Parse()

	bootstrap := logging.New(logging.Config{Level: "info"})

	err := applyFlagOverrides(map[string]string{
		"ADDR":           *addr,
		"MODE":           *mode,
		"LOG_LEVEL":      *logLevel,
		"STORAGE_DRIVER": *storageDriver,
		"STORAGE_DSN":    *storageDSN,
		"STORAGE_DATA":   *dataPath,
		"REDIS_ADDR":     *redisAddr,
		"MEDIA_DIR":      *mediaDir,
		"MEDIA_BUCKET":   *mediaBucket,
		"TLS_CERT":       *tlsCert,
		"TLS_KEY":        *tlsKey,
	})
	if err != nil {
		bootstrap.Error("failed to apply flags", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		bootstrap.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// applyFlagOverrides exports non-empty flag values as MEDIACORE_* variables so
// they take precedence over the environment and any .env file.
func applyFlagOverrides(values map[string]string) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := strings.TrimSpace(values[name])
		if value == "" {
			continue
		}
		if err := os.Setenv(config.EnvPrefix+name, value); err != nil {
			return fmt.Errorf("set %s%s: %w", config.EnvPrefix, name, err)
		}
	}
	return nil
}

func logStartup(logger *slog.Logger, cfg config.Config) {
	logger.Info("media core listening",
		"addr", cfg.Addr,
		"mode", cfg.Mode,
		"storage", cfg.Storage.Driver,
		"redis", cfg.Redis.Enabled(),
	)
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		logger.Info("TLS enabled", "cert_file", cfg.TLS.CertFile)
	}
	logger.Info("metrics endpoint available", "path", "/metrics")
}
