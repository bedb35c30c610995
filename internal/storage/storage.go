package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"mediacore/internal/models"
)

type dataset struct {
	Channels     map[string]models.Channel           `json:"channels"`
	Uploads      map[string]models.UploadSession     `json:"uploads"`
	StreamKeys   map[string]models.StreamKey         `json:"streamKeys"`
	KeyDigests   map[string]string                   `json:"keyDigests"`
	LiveSessions map[string]models.LiveStreamSession `json:"liveSessions"`
	Stats        map[string]models.StreamStatsRecord `json:"stats"`
}

// Storage is a single-process datastore persisted as one JSON document. Every
// write is applied to a copy of the dataset and only becomes visible once the
// document has been atomically replaced on disk.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Channels:     make(map[string]models.Channel),
		Uploads:      make(map[string]models.UploadSession),
		StreamKeys:   make(map[string]models.StreamKey),
		KeyDigests:   make(map[string]string),
		LiveSessions: make(map[string]models.LiveStreamSession),
		Stats:        make(map[string]models.StreamStatsRecord),
	}
}

func (d *dataset) ensureInitialized() {
	if d.Channels == nil {
		d.Channels = make(map[string]models.Channel)
	}
	if d.Uploads == nil {
		d.Uploads = make(map[string]models.UploadSession)
	}
	if d.StreamKeys == nil {
		d.StreamKeys = make(map[string]models.StreamKey)
	}
	if d.KeyDigests == nil {
		d.KeyDigests = make(map[string]string)
	}
	if d.LiveSessions == nil {
		d.LiveSessions = make(map[string]models.LiveStreamSession)
	}
	if d.Stats == nil {
		d.Stats = make(map[string]models.StreamStatsRecord)
	}
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	if path == "" {
		path = "data/mediacore.json"
	}
	store := &Storage{filePath: path, data: newDataset()}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	payload, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read store file: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	var data dataset
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("decode store file: %w", err)
	}
	data.ensureInitialized()
	s.data = data
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := renameio.WriteFile(s.filePath, payload, 0o600); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// mutate runs fn against a copy of the dataset and commits the copy only if
// it persists successfully. Errors returned by fn abort the write.
func (s *Storage) mutate(op string, fn func(*dataset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneDataset(s.data)
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persistDataset(next); err != nil {
		return models.Internal(op, err)
	}
	s.data = next
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, channel := range src.Channels {
		clone.Channels[id] = channel
	}
	for id, upload := range src.Uploads {
		clone.Uploads[id] = upload.Clone()
	}
	for id, key := range src.StreamKeys {
		key.Permissions = append([]string(nil), key.Permissions...)
		clone.StreamKeys[id] = key
	}
	for digest, id := range src.KeyDigests {
		clone.KeyDigests[digest] = id
	}
	for id, session := range src.LiveSessions {
		clone.LiveSessions[id] = session.Clone()
	}
	for id, record := range src.Stats {
		clone.Stats[id] = record
	}
	return clone
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func (s *Storage) UpsertChannel(ctx context.Context, id, ownerID string) (models.Channel, error) {
	var result models.Channel
	err := s.mutate("upsert channel", func(d *dataset) error {
		channel, ok := d.Channels[id]
		if !ok {
			channel = models.Channel{ID: id, CreatedAt: time.Now().UTC()}
		}
		channel.OwnerID = ownerID
		d.Channels[id] = channel
		result = channel
		return nil
	})
	return result, err
}

func (s *Storage) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.data.Channels[id]
	if !ok {
		return models.Channel{}, models.NotFound("channel %s not found", id)
	}
	return channel, nil
}

func (s *Storage) CreateUpload(ctx context.Context, upload models.UploadSession) error {
	return s.mutate("create upload", func(d *dataset) error {
		if _, exists := d.Uploads[upload.ID]; exists {
			return models.Conflict("upload_exists", "upload %s already exists", upload.ID)
		}
		d.Uploads[upload.ID] = upload.Clone()
		return nil
	})
}

func (s *Storage) GetUpload(ctx context.Context, id string) (models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	upload, ok := s.data.Uploads[id]
	if !ok || upload.Status == models.UploadCancelled {
		return models.UploadSession{}, models.NotFound("upload %s not found", id)
	}
	return upload.Clone(), nil
}

func (s *Storage) AdvanceUpload(ctx context.Context, id string, expected, length int64, now time.Time) (models.UploadSession, error) {
	var result models.UploadSession
	err := s.mutate("advance upload", func(d *dataset) error {
		upload, ok := d.Uploads[id]
		if !ok || upload.Status == models.UploadCancelled {
			return models.NotFound("upload %s not found", id)
		}
		if upload.Status != models.UploadUploading || upload.Offset != expected {
			return models.OffsetConflict(upload.Offset)
		}
		if expected+length > upload.TotalLength {
			return models.Validation("chunk of %d bytes at offset %d exceeds upload length %d", length, expected, upload.TotalLength)
		}
		upload.Offset = expected + length
		upload.UpdatedAt = now
		if upload.Offset == upload.TotalLength {
			completed := now
			upload.Status = models.UploadCompleted
			upload.CompletedAt = &completed
		}
		d.Uploads[id] = upload
		result = upload.Clone()
		return nil
	})
	return result, err
}

func (s *Storage) CancelUpload(ctx context.Context, id string, now time.Time) error {
	s.mu.RLock()
	upload, ok := s.data.Uploads[id]
	s.mu.RUnlock()
	if !ok || upload.Status == models.UploadCancelled {
		return nil
	}
	return s.mutate("cancel upload", func(d *dataset) error {
		upload, ok := d.Uploads[id]
		if !ok {
			return nil
		}
		upload.Status = models.UploadCancelled
		upload.UpdatedAt = now
		d.Uploads[id] = upload
		return nil
	})
}

func (s *Storage) MarkUploadHandedOff(ctx context.Context, id, storageKey string, now time.Time) (models.UploadSession, error) {
	var result models.UploadSession
	err := s.mutate("mark upload handed off", func(d *dataset) error {
		upload, ok := d.Uploads[id]
		if !ok || upload.Status == models.UploadCancelled {
			return models.NotFound("upload %s not found", id)
		}
		if upload.Status != models.UploadCompleted {
			return models.Conflict(models.CodeIncomplete, "upload %s is not complete", id)
		}
		handed := now
		upload.HandedOffAt = &handed
		upload.StorageKey = storageKey
		upload.UpdatedAt = now
		d.Uploads[id] = upload
		result = upload.Clone()
		return nil
	})
	return result, err
}

func (s *Storage) ListUploadsPendingHandoff(ctx context.Context, limit int) ([]models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := make([]models.UploadSession, 0)
	for _, upload := range s.data.Uploads {
		if upload.Status == models.UploadCompleted && upload.HandedOffAt == nil {
			pending = append(pending, upload.Clone())
		}
	}
	sortUploads(pending)
	return limitUploads(pending, limit), nil
}

func (s *Storage) ListExpiredUploads(ctx context.Context, completedBefore, idleBefore time.Time, limit int) ([]models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expired := make([]models.UploadSession, 0)
	for _, upload := range s.data.Uploads {
		switch upload.Status {
		case models.UploadCompleted:
			if upload.CompletedAt != nil && upload.CompletedAt.Before(completedBefore) {
				expired = append(expired, upload.Clone())
			}
		case models.UploadUploading:
			if upload.UpdatedAt.Before(idleBefore) {
				expired = append(expired, upload.Clone())
			}
		}
	}
	sortUploads(expired)
	return limitUploads(expired, limit), nil
}

func sortUploads(uploads []models.UploadSession) {
	sort.Slice(uploads, func(i, j int) bool {
		return uploads[i].CreatedAt.Before(uploads[j].CreatedAt)
	})
}

func limitUploads(uploads []models.UploadSession, limit int) []models.UploadSession {
	if limit > 0 && len(uploads) > limit {
		return uploads[:limit]
	}
	return uploads
}

func (s *Storage) InsertStreamKey(ctx context.Context, key models.StreamKey, digest string, maxActive int, now time.Time) (models.StreamKey, error) {
	err := s.mutate("insert stream key", func(d *dataset) error {
		if _, ok := d.Channels[key.ChannelID]; !ok {
			return models.NotFound("channel %s not found", key.ChannelID)
		}
		if _, exists := d.KeyDigests[digest]; exists {
			return ErrDuplicateSecret
		}
		active := 0
		for id, existing := range d.StreamKeys {
			if existing.ChannelID != key.ChannelID || existing.Status != models.KeyActive {
				continue
			}
			if existing.Expired(now) {
				existing.Status = models.KeyInactive
				d.StreamKeys[id] = existing
				continue
			}
			active++
		}
		if active >= maxActive {
			return models.QuotaExceeded(key.ChannelID, maxActive)
		}
		stored := key
		stored.Permissions = append([]string(nil), key.Permissions...)
		d.StreamKeys[key.ID] = stored
		d.KeyDigests[digest] = key.ID
		return nil
	})
	if err != nil {
		return models.StreamKey{}, err
	}
	return key, nil
}

func (s *Storage) ListStreamKeys(ctx context.Context, channelID string) ([]models.StreamKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]models.StreamKey, 0)
	for _, key := range s.data.StreamKeys {
		if key.ChannelID == channelID {
			key.Permissions = append([]string(nil), key.Permissions...)
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *Storage) GetStreamKey(ctx context.Context, id string) (models.StreamKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.data.StreamKeys[id]
	if !ok {
		return models.StreamKey{}, models.NotFound("stream key %s not found", id)
	}
	key.Permissions = append([]string(nil), key.Permissions...)
	return key, nil
}

func (s *Storage) GetStreamKeyByDigest(ctx context.Context, digest string) (models.StreamKey, error) {
	s.mu.RLock()
	id, ok := s.data.KeyDigests[digest]
	s.mu.RUnlock()
	if !ok {
		return models.StreamKey{}, models.NotFound("stream key not found")
	}
	return s.GetStreamKey(ctx, id)
}

func (s *Storage) RevokeStreamKey(ctx context.Context, id string) (models.StreamKey, error) {
	var result models.StreamKey
	err := s.mutate("revoke stream key", func(d *dataset) error {
		key, ok := d.StreamKeys[id]
		if !ok {
			return models.NotFound("stream key %s not found", id)
		}
		key.Status = models.KeyRevoked
		d.StreamKeys[id] = key
		result = key
		return nil
	})
	return result, err
}

func (s *Storage) TouchStreamKey(ctx context.Context, id string, now time.Time) error {
	return s.mutate("touch stream key", func(d *dataset) error {
		key, ok := d.StreamKeys[id]
		if !ok {
			return models.NotFound("stream key %s not found", id)
		}
		used := now
		key.LastUsedAt = &used
		key.UsageCount++
		d.StreamKeys[id] = key
		return nil
	})
}

func (s *Storage) InsertLiveSession(ctx context.Context, session models.LiveStreamSession) (models.LiveStreamSession, error) {
	stored := session.Clone()
	stored.Version = 1
	err := s.mutate("insert live session", func(d *dataset) error {
		for _, existing := range d.LiveSessions {
			if existing.ChannelID == session.ChannelID && !existing.Status.Terminal() {
				return models.Conflict(models.CodeSessionExists, "channel %s already has session %s in %s", session.ChannelID, existing.ID, existing.Status)
			}
		}
		d.LiveSessions[stored.ID] = stored
		return nil
	})
	if err != nil {
		return models.LiveStreamSession{}, err
	}
	return stored.Clone(), nil
}

func (s *Storage) GetLiveSession(ctx context.Context, id string) (models.LiveStreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.LiveSessions[id]
	if !ok {
		return models.LiveStreamSession{}, models.NotFound("stream %s not found", id)
	}
	return session.Clone(), nil
}

func (s *Storage) ActiveLiveSession(ctx context.Context, channelID string) (models.LiveStreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.data.LiveSessions {
		if session.ChannelID == channelID && !session.Status.Terminal() {
			return session.Clone(), nil
		}
	}
	return models.LiveStreamSession{}, models.NotFound("channel %s has no active stream", channelID)
}

func (s *Storage) ListLiveSessions(ctx context.Context, channelID string, limit int) ([]models.LiveStreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.LiveStreamSession, 0)
	for _, session := range s.data.LiveSessions {
		if session.ChannelID == channelID {
			sessions = append(sessions, session.Clone())
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (s *Storage) TransitionLiveSession(ctx context.Context, id string, from []models.SessionStatus, update SessionUpdate) (models.LiveStreamSession, error) {
	var result models.LiveStreamSession
	err := s.mutate("transition live session", func(d *dataset) error {
		session, ok := d.LiveSessions[id]
		if !ok {
			return models.NotFound("stream %s not found", id)
		}
		if !containsStatus(from, session.Status) {
			return transitionConflict(id, session.Status, update.Status)
		}
		session.Status = update.Status
		if update.StartedAt != nil {
			started := *update.StartedAt
			session.StartedAt = &started
		}
		if update.EndedAt != nil {
			ended := *update.EndedAt
			session.EndedAt = &ended
			session.DurationSeconds = sessionDuration(session.StartedAt, ended)
		}
		if update.TerminatedReason != nil {
			session.TerminatedReason = *update.TerminatedReason
		}
		session.Version++
		d.LiveSessions[id] = session
		result = session.Clone()
		return nil
	})
	return result, err
}

func (s *Storage) AdjustViewers(ctx context.Context, id string, delta int64) (models.LiveStreamSession, error) {
	var result models.LiveStreamSession
	err := s.mutate("adjust viewers", func(d *dataset) error {
		session, ok := d.LiveSessions[id]
		if !ok {
			return models.NotFound("stream %s not found", id)
		}
		if session.Status != models.SessionLive {
			return models.Conflict(models.CodeInvalidTransition, "stream %s is not live", id)
		}
		session.ViewerCount += delta
		if session.ViewerCount < 0 {
			session.ViewerCount = 0
		}
		if delta > 0 {
			session.TotalViewers += delta
		}
		if session.ViewerCount > session.PeakViewers {
			session.PeakViewers = session.ViewerCount
		}
		session.Version++
		d.LiveSessions[id] = session
		result = session.Clone()
		return nil
	})
	return result, err
}

func (s *Storage) FinalizeStats(ctx context.Context, record models.StreamStatsRecord) (models.StreamStatsRecord, bool, error) {
	var (
		stored  models.StreamStatsRecord
		created bool
	)
	record.StreamDate = models.StreamDate(record.StreamDate)
	err := s.mutate("finalize stats", func(d *dataset) error {
		if existing, ok := d.Stats[record.StreamID]; ok {
			stored = existing
			return nil
		}
		channel, ok := d.Channels[record.ChannelID]
		if !ok {
			return models.NotFound("channel %s not found", record.ChannelID)
		}
		channel.TotalStreams++
		channel.TotalStreamTime += record.TotalDuration
		d.Channels[record.ChannelID] = channel
		d.Stats[record.StreamID] = record
		stored = record
		created = true
		return nil
	})
	if err != nil {
		return models.StreamStatsRecord{}, false, err
	}
	return stored, created, nil
}

func (s *Storage) GetStats(ctx context.Context, streamID string) (models.StreamStatsRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.data.Stats[streamID]
	if !ok {
		return models.StreamStatsRecord{}, models.NotFound("stats for stream %s not found", streamID)
	}
	return record, nil
}
