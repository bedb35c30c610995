// Package server hosts the media core API from a single HTTP server.
//
// The server builds a consistent middleware chain of request ids, security
// headers, CORS, per-client rate limiting, metrics, tracing and request logging
// around the chi router populated by api.Handler, so handlers all share common
// protections and instrumentation.
package server
