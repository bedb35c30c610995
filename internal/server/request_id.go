package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"mediacore/internal/observability/logging"
)

const maxRequestIDLength = 128

type idGenerator func() string

// correlationHeaders maps inbound headers onto the logging context. Media
// servers forward the stream ID on hook calls and upload clients may tag
// chunks with their upload ID.
var correlationHeaders = []struct {
	header string
	attach func(context.Context, string) context.Context
}{
	{header: "X-Stream-Id", attach: logging.ContextWithStreamID},
	{header: "X-Upload-Id", attach: logging.ContextWithUploadID},
}

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, newRequestID, next)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := acceptRequestID(r.Header.Get("X-Request-Id"))
		if !ok {
			requestID = generator()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		for _, correlation := range correlationHeaders {
			if value, ok := acceptRequestID(r.Header.Get(correlation.header)); ok {
				ctx = correlation.attach(ctx, value)
			}
		}
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))

		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// acceptRequestID trims a client supplied identifier and refuses anything
// that would not log as a single printable token.
func acceptRequestID(raw string) (string, bool) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxRequestIDLength {
		return "", false
	}
	for _, c := range id {
		if c <= ' ' || c > '~' {
			return "", false
		}
	}
	return id, true
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
