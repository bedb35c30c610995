package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareFallsBackToNormalizedPath(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/widgets/abc123", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/widgets/:id", "418")); got != 1 {
		t.Fatalf("expected one recorded request, got %v", got)
	}
}

func TestHTTPMiddlewareLabelsChiRoutesAndCountsBodies(t *testing.T) {
	recorder := New()
	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler { return HTTPMiddleware(recorder, next) })
	router.Patch("/api/uploads/{id}", func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.Copy(io.Discard, r.Body); err != nil {
			t.Errorf("read body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	for _, id := range []string{"first-upload", "second-upload"} {
		req := httptest.NewRequest(http.MethodPatch, "/api/uploads/"+id, strings.NewReader(strings.Repeat("x", 300)))
		req.ContentLength = -1
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := testutil.ToFloat64(recorder.requests.WithLabelValues("PATCH", "/api/uploads/{id}", "204")); got != 2 {
		t.Fatalf("expected two requests under the route pattern, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.requestBytes.WithLabelValues("PATCH", "/api/uploads/{id}")); got != 600 {
		t.Fatalf("expected 600 body bytes, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.requestsActive); got != 0 {
		t.Fatalf("expected no requests in flight, got %v", got)
	}
}

func TestResponseRecorderTracksStatusAndSize(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", rr.Status())
	}
	rr.WriteHeader(http.StatusConflict)
	rr.WriteHeader(http.StatusInternalServerError)
	if rr.Status() != http.StatusConflict {
		t.Fatalf("expected first status 409 to stick, got %d", rr.Status())
	}
	if _, err := rr.Write([]byte("offset mismatch")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rr.BytesWritten() != int64(len("offset mismatch")) {
		t.Fatalf("expected %d bytes, got %d", len("offset mismatch"), rr.BytesWritten())
	}
}

func TestResponseRecorderImplicitOK(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, err := rr.Write([]byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rr.Status() != http.StatusOK || rr.BytesWritten() != 2 {
		t.Fatalf("unexpected recorder state status=%d bytes=%d", rr.Status(), rr.BytesWritten())
	}
}
