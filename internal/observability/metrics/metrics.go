package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediacore"

// Recorder owns a Prometheus registry together with the collectors for HTTP
// traffic, uploads, stream lifecycle events, stream key issuance and cache
// lookups. A nil *Recorder is valid and records nothing so components can be
// constructed without instrumentation.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestsActive  prometheus.Gauge
	requestBytes    *prometheus.CounterVec
	responseBytes   *prometheus.HistogramVec
	uploadBytes     prometheus.Counter
	uploadEvents    *prometheus.CounterVec
	streamEvents    *prometheus.CounterVec
	activeStreams   prometheus.Gauge
	keyEvents       *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	handoffDuration prometheus.Histogram

	active atomic.Int64
}

var defaultRecorder = New()

// New constructs a Recorder backed by a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed by the API",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and normalized path",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		requestsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served",
		}),
		requestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_body_bytes_total",
			Help:      "Request body bytes read by handlers, by method and route",
		}, []string{"method", "path"}),
		responseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Response body sizes by method and route",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method", "path"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes durably accepted by the upload protocol",
		}),
		uploadEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_events_total",
			Help:      "Upload session events by type",
		}, []string{"event"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream lifecycle events by type",
		}, []string{"event"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Current number of streams marked as live",
		}),
		keyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_key_events_total",
			Help:      "Stream key registry events by type",
		}, []string{"event"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result",
		}, []string{"result"}),
		handoffDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_handoff_duration_seconds",
			Help:      "Time spent handing completed uploads to the media sink",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.requestsActive,
		r.requestBytes,
		r.responseBytes,
		r.uploadBytes,
		r.uploadEvents,
		r.streamEvents,
		r.activeStreams,
		r.keyEvents,
		r.cacheLookups,
		r.handoffDuration,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault swaps the process-wide Recorder. Passing nil is ignored.
func SetDefault(r *Recorder) {
	if r != nil {
		defaultRecorder = r
	}
}

// Registry exposes the underlying registry for callers that register their
// own collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveRequest records one HTTP request. Paths are normalized so ids do not
// explode label cardinality.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	r.ObserveRoute(method, normalizePath(path), status, duration, 0, 0)
}

// ObserveRoute records one HTTP request against an already templated route
// together with the body bytes read and written.
func (r *Recorder) ObserveRoute(method, route string, status int, duration time.Duration, received, sent int64) {
	if r == nil {
		return
	}
	m := strings.ToUpper(method)
	r.requests.WithLabelValues(m, route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, route).Observe(duration.Seconds())
	if received > 0 {
		r.requestBytes.WithLabelValues(m, route).Add(float64(received))
	}
	if sent > 0 {
		r.responseBytes.WithLabelValues(m, route).Observe(float64(sent))
	}
}

func (r *Recorder) inFlight(delta float64) {
	if r == nil {
		return
	}
	r.requestsActive.Add(delta)
}

// UploadEvent counts an upload session event such as created, completed,
// cancelled, conflict or handoff_failed.
func (r *Recorder) UploadEvent(event string) {
	if r == nil {
		return
	}
	r.uploadEvents.WithLabelValues(normalizeName(event)).Inc()
}

// UploadBytes adds durably accepted bytes.
func (r *Recorder) UploadBytes(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.uploadBytes.Add(float64(n))
}

// ObserveHandoff records the duration of one sink handoff.
func (r *Recorder) ObserveHandoff(duration time.Duration) {
	if r == nil {
		return
	}
	r.handoffDuration.Observe(duration.Seconds())
}

// StreamEvent counts a lifecycle transition by its event name.
func (r *Recorder) StreamEvent(event string) {
	if r == nil {
		return
	}
	r.streamEvents.WithLabelValues(normalizeName(event)).Inc()
}

// StreamStarted records a session reaching LIVE.
func (r *Recorder) StreamStarted() {
	if r == nil {
		return
	}
	r.activeStreams.Set(float64(r.active.Add(1)))
}

// StreamStopped records a LIVE session leaving LIVE. The gauge never goes
// below zero.
func (r *Recorder) StreamStopped() {
	if r == nil {
		return
	}
	r.activeStreams.Set(float64(decrementGauge(&r.active)))
}

// ActiveStreams exposes the current gauge of concurrently live streams.
func (r *Recorder) ActiveStreams() int64 {
	if r == nil {
		return 0
	}
	return r.active.Load()
}

// KeyEvent counts a stream key registry event such as issued, revoked,
// quota_exceeded or rejected.
func (r *Recorder) KeyEvent(event string) {
	if r == nil {
		return
	}
	r.keyEvents.WithLabelValues(normalizeName(event)).Inc()
}

// CacheLookup counts one cache lookup by result: hit, miss, tombstone or error.
func (r *Recorder) CacheLookup(result string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(normalizeName(result)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func decrementGauge(gauge *atomic.Int64) int64 {
	for {
		current := gauge.Load()
		if current <= 0 {
			return 0
		}
		if gauge.CompareAndSwap(current, current-1) {
			return current - 1
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
