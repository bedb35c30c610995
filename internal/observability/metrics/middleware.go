package metrics

import (
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// ResponseRecorder captures the status and body size of a response. The
// first status written wins, and a body written without WriteHeader counts
// as 200.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	written     int64
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// BytesWritten reports the response body bytes sent so far.
func (rr *ResponseRecorder) BytesWritten() int64 {
	return rr.written
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	n, err := rr.ResponseWriter.Write(p)
	rr.written += int64(n)
	return n, err
}

func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// countingBody tallies request body bytes as the handler reads them. Upload
// chunks often arrive without a Content-Length, so the header alone is not
// enough.
type countingBody struct {
	io.ReadCloser
	n atomic.Int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n.Add(int64(n))
	return n, err
}

// HTTPMiddleware records request counts, latency, in-flight requests and
// body sizes. Requests routed by chi are labelled with their route pattern;
// anything else falls back to the normalized path.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.inFlight(1)
		defer rec.inFlight(-1)

		var body *countingBody
		if r.Body != nil && r.Body != http.NoBody {
			body = &countingBody{ReadCloser: r.Body}
			r.Body = body
		}
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)

		route := ""
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
			route = routeCtx.RoutePattern()
		}
		if route == "" {
			route = normalizePath(r.URL.Path)
		}
		var received int64
		if body != nil {
			received = body.n.Load()
		}
		rec.ObserveRoute(r.Method, route, rr.Status(), time.Since(start), received, rr.BytesWritten())
	})
}
