// Package media stores assembled uploads in their final home: an
// S3-compatible bucket or a directory on local disk.
package media

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Sink receives assembled upload bodies under a storage key.
type Sink interface {
	Store(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// Config selects and configures the sink. A bucket selects S3; otherwise
// objects are written below Dir.
type Config struct {
	Dir              string
	Endpoint         string
	Region           string
	AccessKey        string
	SecretKey        string
	Bucket           string
	UseSSL           bool
	Prefix           string
	PublicEndpoint   string
	RequestTimeout   time.Duration
	RetryMaxAttempts int
}

// NewSink builds the sink described by cfg.
func NewSink(ctx context.Context, cfg Config) (Sink, error) {
	if strings.TrimSpace(cfg.Bucket) != "" {
		return NewS3Sink(ctx, cfg)
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("media sink requires a bucket or a directory")
	}
	return NewLocalSink(cfg.Dir)
}

func applyPrefix(prefix, key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}
