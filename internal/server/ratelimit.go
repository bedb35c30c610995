package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	redis "github.com/redis/go-redis/v9"

	"mediacore/internal/api"
)

// RateLimitConfig bounds requests per client address over a sliding window.
// A Redis client shares the counters across instances; without one each
// process counts on its own.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	// TrustProxy keys clients by X-Real-IP / X-Forwarded-For instead of the
	// socket address.
	TrustProxy bool
	Redis      redis.UniversalClient
	KeyPrefix  string
}

func rateLimitMiddleware(cfg RateLimitConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Requests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	keyFunc := httprate.KeyByIP
	if cfg.TrustProxy {
		keyFunc = httprate.KeyByRealIP
	}
	options := []httprate.Option{
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			api.WriteError(w, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
		}),
		httprate.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			if logger != nil {
				logger.Error("rate limiter failure", "error", err)
			}
			api.WriteError(w, http.StatusServiceUnavailable, fmt.Errorf("rate limit failure"))
		}),
	}
	if cfg.Redis != nil {
		options = append(options, httprate.WithLimitCounter(newRedisLimitCounter(cfg.Redis, cfg.KeyPrefix)))
	}
	return httprate.Limit(cfg.Requests, window, options...)
}
