package server

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mediacore/internal/api"
	"mediacore/internal/observability/logging"
	"mediacore/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// WriteTimeout bounds whole responses. Uploads stream large PATCH bodies,
	// so it defaults well above a typical JSON API.
	WriteTimeout time.Duration
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

const defaultWriteTimeout = 10 * time.Minute

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(
		func(next http.Handler) http.Handler { return requestIDMiddleware(logger, next) },
		logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}),
		func(next http.Handler) http.Handler { return securityHeadersMiddleware(cfg.Security, next) },
		func(next http.Handler) http.Handler { return corsMiddleware(policy, logger, next) },
		func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(recorder, next) },
		rateLimitMiddleware(cfg.RateLimit, logger),
	)
	router.Method(http.MethodGet, "/metrics", recorder.Handler())
	handler.Mount(router)

	traced := otelhttp.NewHandler(router, "mediacore")

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           traced,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       writeTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
	if strings.TrimSpace(cfg.TLS.CertFile) != "" && strings.TrimSpace(cfg.TLS.KeyFile) != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{httpServer: httpServer, logger: logger, metrics: recorder}, nil
}

// HTTPServer exposes the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler is the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
