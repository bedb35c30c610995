package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"
	defaultReferrerPolicy        = "no-referrer"
)

// SecurityConfig controls the hardening headers. The API serves JSON and
// upload offsets only, so nothing may be framed, sniffed or cached.
type SecurityConfig struct {
	ContentSecurityPolicy string
	ReferrerPolicy        string
	// HSTSMaxAge is advertised on TLS responses. Zero disables the header.
	HSTSMaxAge time.Duration
}

// staticHeaders renders the headers sent with every response.
func (cfg SecurityConfig) staticHeaders() http.Header {
	csp := strings.TrimSpace(cfg.ContentSecurityPolicy)
	if csp == "" {
		csp = defaultContentSecurityPolicy
	}
	referrer := strings.TrimSpace(cfg.ReferrerPolicy)
	if referrer == "" {
		referrer = defaultReferrerPolicy
	}
	header := http.Header{}
	header.Set("Content-Security-Policy", csp)
	header.Set("X-Frame-Options", "DENY")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("Referrer-Policy", referrer)
	return header
}

func (cfg SecurityConfig) hstsValue() string {
	seconds := int64(cfg.HSTSMaxAge / time.Second)
	if seconds <= 0 {
		return ""
	}
	return "max-age=" + strconv.FormatInt(seconds, 10)
}

// securityHeadersMiddleware stamps the hardening headers before the handler
// runs. Responses under /api/ carry live offsets and session state and are
// marked no-store; HEAD on an upload must never be answered from a cache.
func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	static := cfg.staticHeaders()
	hsts := cfg.hstsValue()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		for key := range static {
			header.Set(key, static.Get(key))
		}
		if hsts != "" && r.TLS != nil {
			header.Set("Strict-Transport-Security", hsts)
		}
		if strings.HasPrefix(r.URL.Path, "/api/") {
			header.Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}
