package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"mediacore/internal/observability/metrics"
)

type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init creates a slog.Logger using the provided configuration and installs it
// as the process-wide default logger.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured slog.Logger using the provided configuration.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	handler := newHandler(cfg, writer)
	return slog.New(handler)
}

func newHandler(cfg Config, writer io.Writer) slog.Handler {
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		return slog.NewTextHandler(writer, options)
	default:
		return slog.NewJSONHandler(writer, options)
	}
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l := slog.LevelDebug
		return &l
	case "warn", "warning":
		l := slog.LevelWarn
		return &l
	case "error":
		l := slog.LevelError
		return &l
	case "info", "":
		fallthrough
	default:
		l := slog.LevelInfo
		return &l
	}
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	streamIDKey  contextKey = "stream_id"
	uploadIDKey  contextKey = "upload_id"
	channelIDKey contextKey = "channel_id"
	loggerKey    contextKey = "logger"
)

// contextFields lists the identifiers WithContext copies onto a logger, in
// output order.
var contextFields = []contextKey{requestIDKey, channelIDKey, streamIDKey, uploadIDKey}

func withID(ctx context.Context, key contextKey, id string) context.Context {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, key, trimmed)
}

func idFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

// ContextWithRequestID adds the provided request ID to the context when it is non-empty.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request ID previously stored on the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, requestIDKey)
}

// ContextWithStreamID adds a live session ID to the context when it is non-empty.
func ContextWithStreamID(ctx context.Context, id string) context.Context {
	return withID(ctx, streamIDKey, id)
}

// StreamIDFromContext extracts the live session ID previously stored on the context.
func StreamIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, streamIDKey)
}

// ContextWithUploadID adds an upload session ID to the context.
func ContextWithUploadID(ctx context.Context, id string) context.Context {
	return withID(ctx, uploadIDKey, id)
}

// UploadIDFromContext extracts the upload session ID stored on the context.
func UploadIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, uploadIDKey)
}

// ContextWithChannelID adds a channel ID to the context.
func ContextWithChannelID(ctx context.Context, id string) context.Context {
	return withID(ctx, channelIDKey, id)
}

// ChannelIDFromContext extracts the channel ID stored on the context.
func ChannelIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, channelIDKey)
}

// ContextWithLogger attaches a logger to the context when available.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves a logger previously stored on the context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// FromContext returns the logger stored on ctx annotated with its identifiers,
// falling back to fallback and then slog.Default.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	logger := LoggerFromContext(ctx)
	if logger == nil {
		logger = fallback
	}
	if logger == nil {
		logger = slog.Default()
	}
	return WithContext(ctx, logger)
}

// WithContext returns a logger annotated with the identifiers held in the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	for _, key := range contextFields {
		if id, ok := idFrom(ctx, key); ok {
			logger = logger.With(string(key), id)
		}
	}
	return logger
}

// RequestLoggerConfig configures the HTTP request logging middleware.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger returns middleware that logs HTTP requests using the provided
// configuration. It captures method, path, status, duration, and optionally the
// remote address alongside any additional fields supplied by the caller.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			requestLogger := WithContext(r.Context(), baseLogger)
			if requestLogger == nil {
				return
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.Status(),
				"bytes", recorder.BytesWritten(),
				"duration_ms", duration.Milliseconds(),
			}

			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}

			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, recorder.Status(), duration)...)
			}

			requestLogger.Info("request completed", attrs...)
		})
	}
}
