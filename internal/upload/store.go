// Package upload implements resumable, offset-addressed uploads: the durable
// session record with its read-through cache, the chunk buffers, assembly, and
// the handoff of completed uploads to the media sink.
package upload

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mediacore/internal/cache"
	"mediacore/internal/models"
	"mediacore/internal/observability/logging"
	"mediacore/internal/observability/metrics"
	"mediacore/internal/storage"
)

// DefaultMaxUploadSize bounds totalLength when no limit is configured.
const DefaultMaxUploadSize int64 = 10 << 30

// StoreConfig wires a SessionStore.
type StoreConfig struct {
	Repository    storage.UploadRepository
	Cache         cache.Cache
	Buffer        ChunkBuffer
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	MaxUploadSize int64
	Now           func() time.Time
}

// SessionStore owns upload session records. The repository is the single
// source of truth; the cache only serves reads and every conditional update
// is evaluated by the repository.
type SessionStore struct {
	repo    storage.UploadRepository
	cache   cache.Cache
	buffer  ChunkBuffer
	logger  *slog.Logger
	metrics *metrics.Recorder
	maxSize int64
	now     func() time.Time
	fills   singleflight.Group
}

func NewSessionStore(cfg StoreConfig) *SessionStore {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxSize := cfg.MaxUploadSize
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionStore{
		repo:    cfg.Repository,
		cache:   cfg.Cache,
		buffer:  cfg.Buffer,
		logger:  logging.WithComponent(logger, "upload_store"),
		metrics: cfg.Metrics,
		maxSize: maxSize,
		now:     now,
	}
}

// MaxUploadSize reports the configured totalLength ceiling.
func (s *SessionStore) MaxUploadSize() int64 {
	return s.maxSize
}

func cacheKey(id string) string {
	return "upload:" + id
}

// Create validates and persists a new session at offset 0.
func (s *SessionStore) Create(ctx context.Context, ownerID string, totalLength int64, metadata map[string]string) (models.UploadSession, error) {
	if ownerID == "" {
		return models.UploadSession{}, models.Unauthorized("caller identity is required")
	}
	if totalLength <= 0 {
		return models.UploadSession{}, models.Validation("upload length must be positive")
	}
	if totalLength > s.maxSize {
		return models.UploadSession{}, models.Validation("upload length %d exceeds the %d byte limit", totalLength, s.maxSize)
	}
	if err := ValidateMetadata(metadata); err != nil {
		return models.UploadSession{}, err
	}
	now := s.now().UTC()
	session := models.UploadSession{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		TotalLength: totalLength,
		Metadata:    normalizeMetadata(metadata),
		Status:      models.UploadUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateUpload(ctx, session); err != nil {
		return models.UploadSession{}, err
	}
	s.remember(ctx, session)
	s.metrics.UploadEvent("created")
	return session.Clone(), nil
}

// Get serves the session from cache when possible. A tombstone answers
// NotFound without touching the repository; concurrent misses for one id
// share a single repository read.
func (s *SessionStore) Get(ctx context.Context, id string) (models.UploadSession, error) {
	if s.cache != nil {
		payload, status, err := s.cache.Get(ctx, cacheKey(id))
		switch {
		case err != nil:
			s.metrics.CacheLookup("error")
			logging.WithContext(ctx, s.logger).Warn("upload cache read failed", "upload_id", id, "error", err)
		case status == cache.Tombstoned:
			s.metrics.CacheLookup("tombstone")
			return models.UploadSession{}, models.NotFound("upload %s not found", id)
		case status == cache.Hit:
			var session models.UploadSession
			if err := json.Unmarshal(payload, &session); err == nil {
				s.metrics.CacheLookup("hit")
				return session, nil
			}
			logging.WithContext(ctx, s.logger).Warn("discarding undecodable upload cache entry", "upload_id", id)
		default:
			s.metrics.CacheLookup("miss")
		}
	}

	value, err, _ := s.fills.Do(id, func() (any, error) {
		session, err := s.repo.GetUpload(ctx, id)
		if err != nil {
			return nil, err
		}
		s.remember(ctx, session)
		return session, nil
	})
	if err != nil {
		return models.UploadSession{}, err
	}
	return value.(models.UploadSession).Clone(), nil
}

// Reload reads the session from the repository only.
func (s *SessionStore) Reload(ctx context.Context, id string) (models.UploadSession, error) {
	return s.repo.GetUpload(ctx, id)
}

// ApplyOffset advances the offset by chunkLength if the stored offset still
// equals expectedOffset. A mismatch fails with an offset conflict carrying the
// stored offset.
func (s *SessionStore) ApplyOffset(ctx context.Context, id string, expectedOffset, chunkLength int64) (models.UploadSession, error) {
	if expectedOffset < 0 {
		return models.UploadSession{}, models.Validation("upload offset must not be negative")
	}
	if chunkLength < 0 {
		return models.UploadSession{}, models.Validation("chunk length must not be negative")
	}
	session, err := s.repo.AdvanceUpload(ctx, id, expectedOffset, chunkLength, s.now().UTC())
	if err != nil {
		if models.IsKind(err, models.KindConflict) {
			s.metrics.UploadEvent("conflict")
		}
		return models.UploadSession{}, err
	}
	s.metrics.UploadBytes(chunkLength)
	if session.Status == models.UploadCompleted {
		s.metrics.UploadEvent("completed")
	}
	s.remember(ctx, session)
	return session, nil
}

// Delete tombstones the session, its cache entry and its buffered chunks.
// Missing ids succeed.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.repo.CancelUpload(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Tombstone(ctx, cacheKey(id)); err != nil {
			logging.WithContext(ctx, s.logger).Warn("upload cache tombstone failed", "upload_id", id, "error", err)
			if err := s.cache.Invalidate(ctx, cacheKey(id)); err != nil {
				logging.WithContext(ctx, s.logger).Warn("upload cache invalidate failed", "upload_id", id, "error", err)
			}
		}
	}
	if s.buffer != nil {
		if err := s.buffer.Clear(ctx, id); err != nil {
			logging.WithContext(ctx, s.logger).Warn("clearing buffered chunks failed", "upload_id", id, "error", err)
		}
	}
	s.metrics.UploadEvent("cancelled")
	return nil
}

// MarkHandedOff records that the assembled bytes reached the media sink.
func (s *SessionStore) MarkHandedOff(ctx context.Context, id, storageKey string) (models.UploadSession, error) {
	session, err := s.repo.MarkUploadHandedOff(ctx, id, storageKey, s.now().UTC())
	if err != nil {
		return models.UploadSession{}, err
	}
	s.remember(ctx, session)
	return session, nil
}

// ListPendingHandoff returns completed sessions not yet handed to the sink.
func (s *SessionStore) ListPendingHandoff(ctx context.Context, limit int) ([]models.UploadSession, error) {
	return s.repo.ListUploadsPendingHandoff(ctx, limit)
}

// ListExpired returns completed sessions past retention and idle sessions
// past the abandonment window.
func (s *SessionStore) ListExpired(ctx context.Context, completedBefore, idleBefore time.Time, limit int) ([]models.UploadSession, error) {
	return s.repo.ListExpiredUploads(ctx, completedBefore, idleBefore, limit)
}

// remember writes session into the cache with its offset as version. Cache
// failures are logged and otherwise ignored.
func (s *SessionStore) remember(ctx context.Context, session models.UploadSession) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(session)
	if err != nil {
		logging.WithContext(ctx, s.logger).Warn("encoding upload for cache failed", "upload_id", session.ID, "error", err)
		return
	}
	if _, err := s.cache.Set(ctx, cacheKey(session.ID), payload, session.Offset); err != nil {
		logging.WithContext(ctx, s.logger).Warn("upload cache write failed", "upload_id", session.ID, "error", err)
		// a stale lower version must not outlive a failed refresh
		if err := s.cache.Invalidate(ctx, cacheKey(session.ID)); err != nil {
			logging.WithContext(ctx, s.logger).Warn("upload cache invalidate failed", "upload_id", session.ID, "error", err)
		}
	}
}
