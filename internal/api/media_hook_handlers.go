package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mediacore/internal/models"
	"mediacore/internal/observability/logging"
)

type mediaHookRequest struct {
	Action   string `json:"action"`
	Stream   string `json:"stream"`
	App      string `json:"app,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Param    string `json:"param,omitempty"`
}

// mediaHookResponse carries code 0 so media servers that read the body treat
// the callback as accepted.
type mediaHookResponse struct {
	Code        int    `json:"code"`
	Action      string `json:"action"`
	ChannelID   string `json:"channelId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Status      string `json:"status,omitempty"`
	ViewerCount *int64 `json:"viewerCount,omitempty"`
}

func newMediaHookResponse(action string, session models.LiveStreamSession) mediaHookResponse {
	resp := mediaHookResponse{Action: action}
	if session.ID != "" {
		viewers := session.ViewerCount
		resp.ChannelID = session.ChannelID
		resp.SessionID = session.ID
		resp.Status = string(session.Status)
		resp.ViewerCount = &viewers
	}
	return resp
}

// MediaHook receives publish, unpublish, play and stop callbacks from the
// media server. The stream name carries the stream key secret.
func (h *Handler) MediaHook(w http.ResponseWriter, r *http.Request) {
	if !h.hookAuthorized(r) {
		logging.FromContext(r.Context(), h.logger()).Warn("media hook rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req mediaHookRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := decodeJSONAllowUnknown(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	if req.Stream == "" {
		req.Stream = r.URL.Query().Get("stream")
	}

	action := normalizeHookAction(req.Action)
	if action == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("action is required"))
		return
	}
	secret := streamSecret(req.Stream)
	if secret == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream is required"))
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx, h.logger())
	switch action {
	case "publish":
		session, err := h.Sessions.HandlePublish(ctx, secret)
		if err != nil {
			logger.Warn("media hook publish rejected", "error", err)
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newMediaHookResponse(action, session))
	case "unpublish":
		session, stopped, err := h.Sessions.HandleUnpublish(ctx, secret)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		if !stopped {
			logger.Info("media hook unpublish without running session")
		}
		writeJSON(w, http.StatusOK, newMediaHookResponse(action, session))
	case "play", "stop":
		delta := int64(1)
		if action == "stop" {
			delta = -1
		}
		session, err := h.Sessions.HandleViewer(ctx, secret, delta)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newMediaHookResponse(action, session))
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", strings.TrimSpace(req.Action)))
	}
}
