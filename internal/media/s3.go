package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"mediacore/internal/models"
)

const (
	defaultRegion         = "us-east-1"
	defaultRequestTimeout = 30 * time.Second
)

// S3Sink writes objects to an S3-compatible bucket.
type S3Sink struct {
	client         *s3.Client
	bucket         string
	prefix         string
	publicEndpoint string
	timeout        time.Duration
}

// NewS3Sink loads AWS configuration and builds a client for cfg.Bucket. A
// custom Endpoint switches to path-style addressing for S3-compatible
// servers; static keys take precedence over the default credential chain.
func NewS3Sink(ctx context.Context, cfg Config) (*S3Sink, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 sink requires a bucket")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = defaultRegion
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	accessKey := strings.TrimSpace(cfg.AccessKey)
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint, err := endpointURL(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{
		client:         client,
		bucket:         bucket,
		prefix:         cfg.Prefix,
		publicEndpoint: strings.TrimSpace(cfg.PublicEndpoint),
		timeout:        timeout,
	}, nil
}

func endpointURL(raw string, useSSL bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" {
			return "", fmt.Errorf("invalid object storage endpoint %q", raw)
		}
		return strings.TrimRight(parsed.String(), "/"), nil
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimRight(raw, "/"), nil
}

// Store uploads body under the prefixed key. Client errors other than
// timeouts and throttling are reported as validation failures so callers do
// not retry them.
func (s *S3Sink) Store(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	finalKey := applyPrefix(s.prefix, key)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(finalKey),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return classifyS3Error("upload object "+finalKey, err)
	}
	return nil
}

// Delete removes the object stored under key.
func (s *S3Sink) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	finalKey := applyPrefix(s.prefix, key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return classifyS3Error("delete object "+finalKey, err)
	}
	return nil
}

// PublicURL is the playback location of key, or empty without a public
// endpoint.
func (s *S3Sink) PublicURL(key string) string {
	if s.publicEndpoint == "" {
		return ""
	}
	base := strings.TrimRight(s.publicEndpoint, "/")
	finalKey := applyPrefix(s.prefix, key)
	if finalKey == "" {
		return base
	}
	return base + "/" + finalKey
}

func classifyS3Error(op string, err error) error {
	var responseErr interface{ HTTPStatusCode() int }
	if errors.As(err, &responseErr) {
		status := responseErr.HTTPStatusCode()
		if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
			return &models.Error{Kind: models.KindValidation, Message: fmt.Sprintf("%s: rejected with status %d", op, status), Offset: -1, Err: err}
		}
	}
	return models.Internal(op, err)
}
