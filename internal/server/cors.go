package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// CORSConfig declares the origins allowed to access the API across domains.
// When Origins is empty only same-origin requests are permitted.
type CORSConfig struct {
	Origins []string
}

var (
	corsMethods = []string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}
	corsRequestHeaders = []string{
		"Authorization", "Content-Type", "X-Request-Id",
		"Tus-Resumable", "Upload-Length", "Upload-Offset", "Upload-Metadata", "Upload-Defer-Length",
	}
	// Resumable clients read these back to continue an upload.
	corsExposedHeaders = []string{
		"Location", "X-Request-Id",
		"Tus-Resumable", "Tus-Version", "Tus-Extension", "Tus-Max-Size",
		"Upload-Offset", "Upload-Length", "Upload-Metadata", "Upload-Expires",
	}
)

const corsPreflightMaxAge = "600"

type corsPolicy struct {
	origins map[string]struct{}
	methods map[string]struct{}
	headers map[string]struct{}
	exposed string
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{
		origins: make(map[string]struct{}, len(cfg.Origins)),
		methods: make(map[string]struct{}, len(corsMethods)),
		headers: make(map[string]struct{}, len(corsRequestHeaders)),
		exposed: strings.Join(corsExposedHeaders, ", "),
	}
	for _, origin := range cfg.Origins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			policy.origins[normalized] = struct{}{}
		}
	}
	for _, method := range corsMethods {
		policy.methods[method] = struct{}{}
	}
	for _, header := range corsRequestHeaders {
		policy.headers[http.CanonicalHeaderKey(header)] = struct{}{}
	}
	return policy, nil
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}

// corsMiddleware answers preflights itself and rejects cross-origin requests
// from unlisted origins. Requests without an Origin header pass through.
func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !policy.allowsOrigin(origin, requestOrigin(r)) {
			if logger != nil {
				logger.Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
			}
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		header := w.Header()
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Allow-Credentials", "true")
		header.Add("Vary", "Origin")
		header.Set("Access-Control-Expose-Headers", policy.exposed)

		requested := r.Header.Get("Access-Control-Request-Method")
		if r.Method != http.MethodOptions || requested == "" {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := policy.methods[strings.ToUpper(requested)]; !ok {
			http.Error(w, "method not allowed", http.StatusForbidden)
			return
		}
		header.Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ", "))
		header.Set("Access-Control-Allow-Headers", policy.allowedHeaders(r.Header.Get("Access-Control-Request-Headers")))
		header.Set("Access-Control-Max-Age", corsPreflightMaxAge)
		w.WriteHeader(http.StatusNoContent)
	})
}

func (p corsPolicy) allowsOrigin(origin, sameOrigin string) bool {
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return false
	}
	if _, ok := p.origins[normalized]; ok {
		return true
	}
	return sameOrigin != "" && normalized == sameOrigin
}

// allowedHeaders keeps the requested headers the API understands, in the
// order and spelling the browser sent them.
func (p corsPolicy) allowedHeaders(requested string) string {
	if strings.TrimSpace(requested) == "" {
		return strings.Join(corsRequestHeaders, ", ")
	}
	var allowed []string
	for _, name := range strings.Split(requested, ",") {
		name = strings.TrimSpace(name)
		if _, ok := p.headers[http.CanonicalHeaderKey(name)]; ok {
			allowed = append(allowed, name)
		}
	}
	return strings.Join(allowed, ", ")
}

func requestOrigin(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	if r.TLS != nil {
		return "https://" + host
	}
	return "http://" + host
}
