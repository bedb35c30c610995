package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/secure/precis"

	"mediacore/internal/cache"
	"mediacore/internal/models"
	"mediacore/internal/observability/logging"
	"mediacore/internal/observability/metrics"
	"mediacore/internal/storage"
)

const (
	maxTitleLength   = 140
	reasonCancelled  = "cancelled"
	reasonTerminated = "terminated"
)

type SessionManagerConfig struct {
	Store     Store
	Keys      *KeyRegistry
	Stats     *StatsAggregator
	Cache     cache.Cache
	Endpoints Endpoints
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Now       func() time.Time
}

// SessionManager drives live sessions through their state machine. Every
// transition is a conditional durable update on the session's current state,
// and the one non-terminal session per channel rule is enforced by the store
// at insert time.
type SessionManager struct {
	store     Store
	keys      *KeyRegistry
	stats     *StatsAggregator
	cache     cache.Cache
	endpoints Endpoints
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		store:     cfg.Store,
		keys:      cfg.Keys,
		stats:     cfg.Stats,
		cache:     cfg.Cache,
		endpoints: cfg.Endpoints,
		logger:    logging.WithComponent(logger, "stream_sessions"),
		metrics:   cfg.Metrics,
		now:       now,
	}
}

// Schedule books a future broadcast for the channel.
func (m *SessionManager) Schedule(ctx context.Context, callerID, channelID, keyID, title string, scheduledAt time.Time) (models.LiveStreamSession, error) {
	if scheduledAt.IsZero() {
		return models.LiveStreamSession{}, models.Validation("scheduled time is required")
	}
	if !scheduledAt.After(m.now()) {
		return models.LiveStreamSession{}, models.Validation("scheduled time must be in the future")
	}
	at := scheduledAt.UTC()
	return m.create(ctx, callerID, channelID, keyID, title, models.SessionScheduled, &at, "schedule")
}

// Start opens a session in PREPARING without a prior schedule.
func (m *SessionManager) Start(ctx context.Context, callerID, channelID, keyID, title string) (models.LiveStreamSession, error) {
	return m.create(ctx, callerID, channelID, keyID, title, models.SessionPreparing, nil, "start")
}

func (m *SessionManager) create(ctx context.Context, callerID, channelID, keyID, title string, status models.SessionStatus, scheduledAt *time.Time, event string) (models.LiveStreamSession, error) {
	if _, err := RequireOwner(ctx, m.store, channelID, callerID); err != nil {
		return models.LiveStreamSession{}, err
	}
	cleanTitle, err := normalizeTitle(title)
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	key, err := m.keys.ValidateKey(ctx, keyID, channelID)
	if err != nil {
		return models.LiveStreamSession{}, err
	}

	session := models.LiveStreamSession{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		StreamKeyID: key.ID,
		Title:       cleanTitle,
		Status:      status,
		ScheduledAt: scheduledAt,
		IngestURL:   m.endpoints.Ingest(key.Secret),
		HLSURL:      m.endpoints.HLS(key.Secret),
		FLVURL:      m.endpoints.FLV(key.Secret),
		CreatedAt:   m.now().UTC(),
	}
	stored, err := m.store.InsertLiveSession(ctx, session)
	if err != nil {
		return models.LiveStreamSession{}, err
	}

	logger := logging.WithContext(logging.ContextWithStreamID(ctx, stored.ID), m.logger)
	if err := m.keys.TouchUsage(ctx, key.ID); err != nil {
		logger.Error("failed to record stream key usage", "key_id", key.ID, "error", err)
	}
	m.remember(ctx, stored)
	m.metrics.StreamEvent(event)
	logger.Info("stream session created", "channel_id", channelID, "status", stored.Status)
	return stored, nil
}

// Get returns a session of a channel the caller owns.
func (m *SessionManager) Get(ctx context.Context, callerID, sessionID string) (models.LiveStreamSession, error) {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	if _, err := RequireOwner(ctx, m.store, session.ChannelID, callerID); err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return models.LiveStreamSession{}, models.NotFound("stream %s not found", sessionID)
		}
		return models.LiveStreamSession{}, err
	}
	return session, nil
}

// Current returns the channel's non-terminal session.
func (m *SessionManager) Current(ctx context.Context, callerID, channelID string) (models.LiveStreamSession, error) {
	if _, err := RequireOwner(ctx, m.store, channelID, callerID); err != nil {
		return models.LiveStreamSession{}, err
	}
	return m.store.ActiveLiveSession(ctx, channelID)
}

// List returns the channel's sessions newest first.
func (m *SessionManager) List(ctx context.Context, callerID, channelID string, limit int) ([]models.LiveStreamSession, error) {
	if _, err := RequireOwner(ctx, m.store, channelID, callerID); err != nil {
		return nil, err
	}
	return m.store.ListLiveSessions(ctx, channelID, limit)
}

// Prepare moves a scheduled session to PREPARING.
func (m *SessionManager) Prepare(ctx context.Context, callerID, sessionID string) (models.LiveStreamSession, error) {
	if _, err := m.Get(ctx, callerID, sessionID); err != nil {
		return models.LiveStreamSession{}, err
	}
	return m.transition(ctx, sessionID, models.EventPrepare, nil)
}

// Activate marks a preparing session LIVE and stamps its start time.
func (m *SessionManager) Activate(ctx context.Context, callerID, sessionID string) (models.LiveStreamSession, error) {
	if _, err := m.Get(ctx, callerID, sessionID); err != nil {
		return models.LiveStreamSession{}, err
	}
	return m.activate(ctx, sessionID)
}

func (m *SessionManager) activate(ctx context.Context, sessionID string) (models.LiveStreamSession, error) {
	started := m.now().UTC()
	session, err := m.transition(ctx, sessionID, models.EventActivate, func(update *storage.SessionUpdate) {
		update.StartedAt = &started
	})
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	m.metrics.StreamStarted()
	return session, nil
}

// Stop ends a preparing or live session and finalizes its statistics. Stopping
// an already ended session repeats the finalize step, which is a no-op once
// the record exists, and returns the session unchanged.
func (m *SessionManager) Stop(ctx context.Context, callerID, sessionID string) (models.LiveStreamSession, error) {
	session, err := m.Get(ctx, callerID, sessionID)
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	return m.stop(ctx, session)
}

func (m *SessionManager) stop(ctx context.Context, session models.LiveStreamSession) (models.LiveStreamSession, error) {
	if session.Status == models.SessionEnded {
		return m.finalize(ctx, session)
	}
	if !models.CanTransition(session.Status, models.EventStop) {
		return models.LiveStreamSession{}, models.NotFound("stream %s has no stoppable session", session.ID)
	}

	ended := m.now().UTC()
	stopped, err := m.transition(ctx, session.ID, models.EventStop, func(update *storage.SessionUpdate) {
		update.EndedAt = &ended
	})
	if err != nil {
		if models.CodeOf(err) != models.CodeInvalidTransition {
			return models.LiveStreamSession{}, err
		}
		current, reloadErr := m.store.GetLiveSession(ctx, session.ID)
		if reloadErr != nil {
			return models.LiveStreamSession{}, reloadErr
		}
		if current.Status == models.SessionEnded {
			return m.finalize(ctx, current)
		}
		return models.LiveStreamSession{}, models.NotFound("stream %s has no stoppable session", session.ID)
	}
	if stopped.StartedAt != nil {
		m.metrics.StreamStopped()
	}
	return m.finalize(ctx, stopped)
}

func (m *SessionManager) finalize(ctx context.Context, session models.LiveStreamSession) (models.LiveStreamSession, error) {
	if _, _, err := m.stats.Finalize(ctx, session); err != nil {
		logging.WithContext(logging.ContextWithStreamID(ctx, session.ID), m.logger).Error("failed to finalize stream stats", "error", err)
		return models.LiveStreamSession{}, err
	}
	return session, nil
}

// Terminate force-ends a preparing or live session without recording
// statistics. Callers must be privileged.
func (m *SessionManager) Terminate(ctx context.Context, sessionID, reason string) (models.LiveStreamSession, error) {
	if _, err := m.load(ctx, sessionID); err != nil {
		return models.LiveStreamSession{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = reasonTerminated
	}
	ended := m.now().UTC()
	session, err := m.transition(ctx, sessionID, models.EventTerminate, func(update *storage.SessionUpdate) {
		update.EndedAt = &ended
		update.TerminatedReason = &reason
	})
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	if session.StartedAt != nil {
		m.metrics.StreamStopped()
	}
	return session, nil
}

// Cancel withdraws a scheduled session.
func (m *SessionManager) Cancel(ctx context.Context, callerID, sessionID string) (models.LiveStreamSession, error) {
	if _, err := m.Get(ctx, callerID, sessionID); err != nil {
		return models.LiveStreamSession{}, err
	}
	ended := m.now().UTC()
	reason := reasonCancelled
	return m.transition(ctx, sessionID, models.EventCancel, func(update *storage.SessionUpdate) {
		update.EndedAt = &ended
		update.TerminatedReason = &reason
	})
}

// AdjustViewers applies a viewer delta to a LIVE session.
func (m *SessionManager) AdjustViewers(ctx context.Context, sessionID string, delta int64) (models.LiveStreamSession, error) {
	session, err := m.store.AdjustViewers(ctx, sessionID, delta)
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	m.remember(ctx, session)
	return session, nil
}

// HandlePublish is the media server's publish callback. It activates the
// channel's session bound to the presented key, preparing a scheduled one
// first. A session that is already LIVE is returned as is.
func (m *SessionManager) HandlePublish(ctx context.Context, secret string) (models.LiveStreamSession, error) {
	key, err := m.keys.Validate(ctx, secret)
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	session, err := m.boundSession(ctx, key)
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	switch session.Status {
	case models.SessionLive:
		return session, nil
	case models.SessionScheduled:
		if _, err := m.transition(ctx, session.ID, models.EventPrepare, nil); err != nil {
			return models.LiveStreamSession{}, err
		}
	}
	return m.activate(ctx, session.ID)
}

// HandleUnpublish is the media server's unpublish callback. Revoked keys may
// still end the session they are streaming on. stopped is false when the key
// has no running session.
func (m *SessionManager) HandleUnpublish(ctx context.Context, secret string) (session models.LiveStreamSession, stopped bool, err error) {
	key, err := m.keys.Lookup(ctx, secret)
	if err != nil {
		return models.LiveStreamSession{}, false, err
	}
	current, err := m.boundSession(ctx, key)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return models.LiveStreamSession{}, false, nil
		}
		return models.LiveStreamSession{}, false, err
	}
	if current.Status == models.SessionScheduled {
		return models.LiveStreamSession{}, false, nil
	}
	ended, err := m.stop(ctx, current)
	if err != nil {
		return models.LiveStreamSession{}, false, err
	}
	return ended, true, nil
}

// HandleViewer applies a play (+1) or stop (-1) callback to the LIVE session
// streaming on the presented key.
func (m *SessionManager) HandleViewer(ctx context.Context, secret string, delta int64) (models.LiveStreamSession, error) {
	key, err := m.keys.Lookup(ctx, secret)
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	session, err := m.boundSession(ctx, key)
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	return m.AdjustViewers(ctx, session.ID, delta)
}

func (m *SessionManager) boundSession(ctx context.Context, key models.StreamKey) (models.LiveStreamSession, error) {
	session, err := m.store.ActiveLiveSession(ctx, key.ChannelID)
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	if session.StreamKeyID != key.ID {
		return models.LiveStreamSession{}, models.NotFound("no session is bound to stream key %s", key.ID)
	}
	return session, nil
}

func (m *SessionManager) transition(ctx context.Context, sessionID string, event models.SessionEvent, apply func(*storage.SessionUpdate)) (models.LiveStreamSession, error) {
	from, to, ok := models.Transition(event)
	if !ok {
		return models.LiveStreamSession{}, models.Validation("unknown stream event %q", event)
	}
	update := storage.SessionUpdate{Status: to}
	if apply != nil {
		apply(&update)
	}
	session, err := m.store.TransitionLiveSession(ctx, sessionID, from, update)
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	m.remember(ctx, session)
	m.metrics.StreamEvent(string(event))
	logging.WithContext(logging.ContextWithStreamID(ctx, sessionID), m.logger).Info("stream session transitioned", "event", event, "status", session.Status)
	return session, nil
}

func (m *SessionManager) load(ctx context.Context, sessionID string) (models.LiveStreamSession, error) {
	if m.cache != nil {
		payload, status, err := m.cache.Get(ctx, sessionCacheKey(sessionID))
		switch {
		case err != nil:
			m.metrics.CacheLookup("error")
			logging.WithContext(ctx, m.logger).Warn("stream cache read failed", "stream_id", sessionID, "error", err)
		case status == cache.Hit:
			var session models.LiveStreamSession
			if err := json.Unmarshal(payload, &session); err == nil {
				m.metrics.CacheLookup("hit")
				return session, nil
			}
		default:
			m.metrics.CacheLookup("miss")
		}
	}
	session, err := m.store.GetLiveSession(ctx, sessionID)
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	m.remember(ctx, session)
	return session, nil
}

func (m *SessionManager) remember(ctx context.Context, session models.LiveStreamSession) {
	if m.cache == nil {
		return
	}
	logger := logging.WithContext(ctx, m.logger)
	payload, err := json.Marshal(session)
	if err != nil {
		logger.Warn("encoding stream for cache failed", "stream_id", session.ID, "error", err)
		m.forget(ctx, session.ID)
		return
	}
	if _, err := m.cache.Set(ctx, sessionCacheKey(session.ID), payload, session.Version); err != nil {
		logger.Warn("stream cache write failed", "stream_id", session.ID, "error", err)
		m.forget(ctx, session.ID)
	}
}

// forget drops the cached copy so the next read goes to the store.
func (m *SessionManager) forget(ctx context.Context, sessionID string) {
	if err := m.cache.Invalidate(ctx, sessionCacheKey(sessionID)); err != nil {
		logging.WithContext(ctx, m.logger).Warn("stream cache invalidate failed", "stream_id", sessionID, "error", err)
	}
}

func sessionCacheKey(id string) string {
	return "stream:" + id
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", nil
	}
	cleaned, err := precis.OpaqueString.String(title)
	if err != nil {
		return "", models.Validation("stream title contains disallowed characters")
	}
	if utf8.RuneCountInString(cleaned) > maxTitleLength {
		return "", models.Validation("stream title exceeds %d characters", maxTitleLength)
	}
	return cleaned, nil
}
