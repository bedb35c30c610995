package server

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mediacore/internal/observability/metrics"
)

func serveWithSecurity(cfg SecurityConfig, req *http.Request) *http.Response {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	return rec.Result()
}

func TestSecurityHeadersMiddlewareUsesDefaults(t *testing.T) {
	t.Parallel()

	res := serveWithSecurity(SecurityConfig{}, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assertDefaultSecurityHeaders(t, res)
	assertHeaderEquals(t, res, "Cache-Control", "")
	assertHeaderEquals(t, res, "Strict-Transport-Security", "")
}

func TestSecurityHeadersMarkAPIResponsesNoStore(t *testing.T) {
	t.Parallel()

	for _, method := range []string{http.MethodHead, http.MethodGet, http.MethodPatch} {
		res := serveWithSecurity(SecurityConfig{}, httptest.NewRequest(method, "/api/uploads/abc", nil))
		assertHeaderEquals(t, res, "Cache-Control", "no-store")
	}
}

func TestSecurityHeadersAdvertiseHSTSOnlyOverTLS(t *testing.T) {
	t.Parallel()

	cfg := SecurityConfig{HSTSMaxAge: 24 * time.Hour}

	plain := serveWithSecurity(cfg, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assertHeaderEquals(t, plain, "Strict-Transport-Security", "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.TLS = &tls.ConnectionState{}
	secure := serveWithSecurity(cfg, req)
	assertHeaderEquals(t, secure, "Strict-Transport-Security", "max-age=86400")
}

func TestSecurityHeadersCanBeOverridden(t *testing.T) {
	t.Parallel()

	cfg := SecurityConfig{
		ContentSecurityPolicy: "default-src 'self' https://cdn.example.com",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}
	res := serveWithSecurity(cfg, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assertHeaderEquals(t, res, "Content-Security-Policy", cfg.ContentSecurityPolicy)
	assertHeaderEquals(t, res, "Referrer-Policy", cfg.ReferrerPolicy)
	assertHeaderEquals(t, res, "X-Frame-Options", "DENY")
}

func TestServerAppliesSecurityHeadersToAllRoutes(t *testing.T) {
	handler, _ := newTestHandler(t)

	srv, err := New(handler, Config{
		Addr:     "127.0.0.1:0",
		Security: SecurityConfig{},
		Metrics:  metrics.New(),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	for _, tc := range []struct {
		name    string
		path    string
		noStore bool
	}{
		{name: "health", path: "/healthz"},
		{name: "api", path: "/api/channels/chan-1", noStore: true},
		{name: "unknown", path: "/"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)

			srv.Handler().ServeHTTP(rec, req)

			res := rec.Result()
			assertDefaultSecurityHeaders(t, res)
			if tc.noStore {
				assertHeaderEquals(t, res, "Cache-Control", "no-store")
			}
		})
	}
}

func assertDefaultSecurityHeaders(t *testing.T, res *http.Response) {
	t.Helper()
	assertHeaderEquals(t, res, "Content-Security-Policy", defaultContentSecurityPolicy)
	assertHeaderEquals(t, res, "X-Frame-Options", "DENY")
	assertHeaderEquals(t, res, "Referrer-Policy", defaultReferrerPolicy)
	assertHeaderEquals(t, res, "X-Content-Type-Options", "nosniff")
}

func assertHeaderEquals(t *testing.T, res *http.Response, key, expected string) {
	t.Helper()
	if got := res.Header.Get(key); got != expected {
		t.Fatalf("expected %s=%q, got %q", key, expected, got)
	}
}
