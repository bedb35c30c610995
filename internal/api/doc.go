// Package api hosts the HTTP handlers that front the upload protocol, the
// stream key registry and the live session lifecycle.
//
// Handler holds fully constructed collaborators (upload.Service,
// stream.KeyRegistry, stream.SessionManager and stream.StatsAggregator) and
// translates between HTTP and their operations. Core errors carry a kind that
// maps onto a status code; handlers never inspect error strings.
//
// Mount registers every route on a chi router. Callers such as
// internal/server wrap the router with request ids, rate limiting, metrics and
// logging; the bearer token check lives here because routes differ in which
// credential they accept.
package api
