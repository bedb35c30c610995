package api

import (
	"crypto/subtle"
	"net/http"
	"path"
	"strings"
)

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// hookAuthorized accepts the shared hook token as a bearer credential or a
// token query parameter. An unset token rejects every callback.
func (h *Handler) hookAuthorized(r *http.Request) bool {
	token := strings.TrimSpace(h.HookToken)
	if token == "" || r == nil {
		return false
	}

	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(token, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}

	if queryToken := strings.TrimSpace(r.URL.Query().Get("token")); queryToken != "" {
		if constantTimeEqual(token, queryToken) {
			return true
		}
	}

	return false
}

func normalizeHookAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	normalized = strings.TrimPrefix(normalized, "on_")
	return normalized
}

// streamSecret extracts the stream key from a media server stream name such
// as "live/<secret>" or "<secret>?vhost=x".
func streamSecret(stream string) string {
	stream = strings.TrimSpace(stream)
	if i := strings.IndexByte(stream, '?'); i >= 0 {
		stream = stream[:i]
	}
	stream = strings.Trim(stream, "/")
	if stream == "" {
		return ""
	}
	return path.Base(stream)
}
