package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mediacore/internal/models"
	"mediacore/internal/observability/logging"
	"mediacore/internal/stream"
)

const defaultStreamListLimit = 50

type registerChannelRequest struct {
	OwnerID string `json:"ownerId"`
}

type issueKeyRequest struct {
	Permissions []string `json:"permissions"`
}

type startStreamRequest struct {
	KeyID string `json:"keyId"`
	Title string `json:"title"`
}

type scheduleStreamRequest struct {
	KeyID       string    `json:"keyId"`
	Title       string    `json:"title"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

type terminateStreamRequest struct {
	Reason string `json:"reason"`
}

func channelContext(r *http.Request) (context.Context, string) {
	channelID := chi.URLParam(r, "channelID")
	return logging.ContextWithChannelID(r.Context(), channelID), channelID
}

func streamContext(r *http.Request) (context.Context, string) {
	streamID := chi.URLParam(r, "streamID")
	return logging.ContextWithStreamID(r.Context(), streamID), streamID
}

// RegisterChannel records the owner of a channel. Admin only.
func (h *Handler) RegisterChannel(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req registerChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, channelID := channelContext(r)
	channel, err := stream.RegisterChannel(ctx, h.Channels, channelID, req.OwnerID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	logging.FromContext(ctx, h.logger()).Info("channel registered", "channel_id", channel.ID, "owner_id", channel.OwnerID)
	writeJSON(w, http.StatusOK, channel)
}

// GetChannel returns the channel with its lifetime totals.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	ctx, channelID := channelContext(r)
	if _, err := stream.RequireOwner(ctx, h.Channels, channelID, callerID(r)); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	channel, err := h.Stats.ChannelTotals(ctx, channelID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

// IssueKey mints a stream key. The secret is only ever shown to the owner.
func (h *Handler) IssueKey(w http.ResponseWriter, r *http.Request) {
	ctx, channelID := channelContext(r)
	if _, err := stream.RequireOwner(ctx, h.Channels, channelID, callerID(r)); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	var req issueKeyRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := h.Keys.Issue(ctx, channelID, req.Permissions)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	ctx, channelID := channelContext(r)
	caller := callerID(r)
	if _, err := stream.RequireOwner(ctx, h.Channels, channelID, caller); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	keys, err := h.Keys.List(ctx, channelID, caller)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// RevokeKey revokes a key of the channel. Keys of other channels are
// reported as absent.
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	ctx, channelID := channelContext(r)
	if _, err := stream.RequireOwner(ctx, h.Channels, channelID, callerID(r)); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	keyID := chi.URLParam(r, "keyID")
	key, err := h.Keys.Get(ctx, keyID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if key.ChannelID != channelID {
		h.writeFailure(w, r, models.NotFound("stream key %s not found", keyID))
		return
	}
	revoked, err := h.Keys.Revoke(ctx, keyID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revoked)
}

// StartStream opens a PREPARING session on the channel.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	var req startStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, channelID := channelContext(r)
	session, err := h.Sessions.Start(ctx, callerID(r), channelID, req.KeyID, req.Title)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// ScheduleStream opens a SCHEDULED session for a future start time.
func (h *Handler) ScheduleStream(w http.ResponseWriter, r *http.Request) {
	var req scheduleStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, channelID := channelContext(r)
	session, err := h.Sessions.Schedule(ctx, callerID(r), channelID, req.KeyID, req.Title, req.ScheduledAt)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	limit := defaultStreamListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	ctx, channelID := channelContext(r)
	sessions, err := h.Sessions.List(ctx, callerID(r), channelID, limit)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// CurrentStream returns the channel's non-terminal session.
func (h *Handler) CurrentStream(w http.ResponseWriter, r *http.Request) {
	ctx, channelID := channelContext(r)
	session, err := h.Sessions.Current(ctx, callerID(r), channelID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	ctx, streamID := streamContext(r)
	session, err := h.Sessions.Get(ctx, callerID(r), streamID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// StreamStats returns the statistics record of an ended stream.
func (h *Handler) StreamStats(w http.ResponseWriter, r *http.Request) {
	ctx, streamID := streamContext(r)
	if _, err := h.Sessions.Get(ctx, callerID(r), streamID); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	record, err := h.Stats.Get(ctx, streamID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type sessionAction func(ctx context.Context, callerID, sessionID string) (models.LiveStreamSession, error)

func (h *Handler) runSessionAction(w http.ResponseWriter, r *http.Request, action sessionAction) {
	ctx, streamID := streamContext(r)
	session, err := action(ctx, callerID(r), streamID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) PrepareStream(w http.ResponseWriter, r *http.Request) {
	h.runSessionAction(w, r, h.Sessions.Prepare)
}

func (h *Handler) ActivateStream(w http.ResponseWriter, r *http.Request) {
	h.runSessionAction(w, r, h.Sessions.Activate)
}

func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	h.runSessionAction(w, r, h.Sessions.Stop)
}

func (h *Handler) CancelStream(w http.ResponseWriter, r *http.Request) {
	h.runSessionAction(w, r, h.Sessions.Cancel)
}

// TerminateStream force-ends a session. Admin only; no statistics are
// recorded.
func (h *Handler) TerminateStream(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req terminateStreamRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, streamID := streamContext(r)
	session, err := h.Sessions.Terminate(ctx, streamID, req.Reason)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	logging.FromContext(ctx, h.logger()).Warn("stream terminated", "stream_id", streamID, "reason", session.TerminatedReason, "caller_id", callerID(r))
	writeJSON(w, http.StatusOK, session)
}
