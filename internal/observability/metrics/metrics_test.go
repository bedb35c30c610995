package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "root", in: "/", want: "/"},
		{name: "empty", in: "", want: "/"},
		{name: "numeric id", in: "/api/uploads/123", want: "/api/uploads/:id"},
		{name: "uuid with trailing slash", in: "/api/uploads/0b5c1f7e-93a4-4bd2-9d0c-1f2e3d4c5b6a/", want: "/api/uploads/:id"},
		{name: "relative", in: "api/streams/abc/stop", want: "/api/streams/abc/stop"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizePath(tc.in); got != tc.want {
				t.Fatalf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestObserveRequestUsesNormalizedLabels(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/streams/12345", http.StatusOK, 20*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/streams/67890", http.StatusOK, 30*time.Millisecond)

	got := testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/api/streams/:id", "200"))
	if got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
}

func TestActiveStreamsNeverNegative(t *testing.T) {
	recorder := New()
	recorder.StreamStopped()
	if recorder.ActiveStreams() != 0 {
		t.Fatalf("expected gauge to stay at 0, got %d", recorder.ActiveStreams())
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.StreamStarted()
		}()
	}
	wg.Wait()
	for i := 0; i < 60; i++ {
		recorder.StreamStopped()
	}
	if recorder.ActiveStreams() != 0 {
		t.Fatalf("expected gauge to floor at 0, got %d", recorder.ActiveStreams())
	}
	if got := testutil.ToFloat64(recorder.activeStreams); got != 0 {
		t.Fatalf("expected exported gauge 0, got %v", got)
	}
}

func TestCountersByEvent(t *testing.T) {
	recorder := New()
	recorder.UploadEvent("completed")
	recorder.UploadEvent(" Completed ")
	recorder.UploadEvent("")
	recorder.UploadBytes(512)
	recorder.UploadBytes(-1)
	recorder.KeyEvent("quota_exceeded")
	recorder.CacheLookup("hit")
	recorder.StreamEvent("activate")

	if got := testutil.ToFloat64(recorder.uploadEvents.WithLabelValues("completed")); got != 2 {
		t.Fatalf("expected 2 completed events, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.uploadEvents.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("expected blank event to be recorded as unknown, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.uploadBytes); got != 512 {
		t.Fatalf("expected 512 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.keyEvents.WithLabelValues("quota_exceeded")); got != 1 {
		t.Fatalf("expected quota event, got %v", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var recorder *Recorder
	recorder.ObserveRequest("GET", "/", 200, time.Millisecond)
	recorder.UploadEvent("created")
	recorder.UploadBytes(10)
	recorder.ObserveHandoff(time.Second)
	recorder.StreamStarted()
	recorder.StreamStopped()
	recorder.KeyEvent("issued")
	recorder.CacheLookup("miss")
	if recorder.ActiveStreams() != 0 {
		t.Fatal("expected nil recorder to report zero active streams")
	}
	if recorder.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	recorder := New()
	recorder.StreamEvent("stop")

	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `mediacore_stream_events_total{event="stop"} 1`) {
		t.Fatalf("expected stream event in exposition, got %s", body)
	}
}

func TestSetDefaultIgnoresNil(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	SetDefault(nil)
	if Default() != original {
		t.Fatal("expected nil to be ignored")
	}
	replacement := New()
	SetDefault(replacement)
	if Default() != replacement {
		t.Fatal("expected default to be replaced")
	}
}
