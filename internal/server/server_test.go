package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mediacore/internal/observability/metrics"
)

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestNewRejectsMalformedOrigins(t *testing.T) {
	handler, _ := newTestHandler(t)
	if _, err := New(handler, Config{CORS: CORSConfig{Origins: []string{"admin.example.com"}}, Metrics: metrics.New()}); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}

func TestServerExposesMetrics(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	// one request so the HTTP collectors have samples
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mediacore_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestServerAppliesTimeoutsAndTLS(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{
		Addr:    ":0",
		TLS:     TLSConfig{CertFile: "cert.pem", KeyFile: "key.pem"},
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	httpServer := srv.HTTPServer()
	if httpServer.WriteTimeout != defaultWriteTimeout {
		t.Fatalf("expected default write timeout, got %s", httpServer.WriteTimeout)
	}
	if httpServer.TLSConfig == nil {
		t.Fatal("expected TLS config when cert and key are set")
	}

	srv, err = New(handler, Config{WriteTimeout: time.Minute, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if srv.HTTPServer().WriteTimeout != time.Minute || srv.HTTPServer().TLSConfig != nil {
		t.Fatalf("unexpected server settings: %+v", srv.HTTPServer())
	}
}

func TestServerRateLimitsPerClient(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{
		RateLimit: RateLimitConfig{Requests: 1, Window: time.Hour},
		Metrics:   metrics.New(),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := send("198.51.100.7:4000"); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec := send("198.51.100.7:4001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "rate limit exceeded" {
		t.Fatalf("unexpected error body: %v", body)
	}
	if rec := send("203.0.113.9:4000"); rec.Code != http.StatusOK {
		t.Fatalf("expected a different client to pass, got %d", rec.Code)
	}
}
