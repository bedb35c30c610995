package storage

import (
	"context"
	"errors"
	"time"

	"mediacore/internal/models"
)

// ErrDuplicateSecret is returned when a stream key secret digest collides with
// an existing key. Callers regenerate the secret and retry.
var ErrDuplicateSecret = errors.New("stream key secret already exists")

// ChannelDirectory resolves channel ownership and holds cumulative counters.
type ChannelDirectory interface {
	UpsertChannel(ctx context.Context, id, ownerID string) (models.Channel, error)
	GetChannel(ctx context.Context, id string) (models.Channel, error)
}

// UploadRepository persists resumable upload sessions. Every conditional
// update is evaluated inside the datastore.
type UploadRepository interface {
	CreateUpload(ctx context.Context, upload models.UploadSession) error
	GetUpload(ctx context.Context, id string) (models.UploadSession, error)
	// AdvanceUpload moves the offset from expected to expected+length only if
	// the stored offset still equals expected. A mismatch returns an offset
	// conflict carrying the stored offset.
	AdvanceUpload(ctx context.Context, id string, expected, length int64, now time.Time) (models.UploadSession, error)
	// CancelUpload tombstones the session. Missing ids succeed.
	CancelUpload(ctx context.Context, id string, now time.Time) error
	MarkUploadHandedOff(ctx context.Context, id, storageKey string, now time.Time) (models.UploadSession, error)
	ListUploadsPendingHandoff(ctx context.Context, limit int) ([]models.UploadSession, error)
	// ListExpiredUploads returns completed sessions finished before
	// completedBefore and uploading sessions idle since idleBefore.
	ListExpiredUploads(ctx context.Context, completedBefore, idleBefore time.Time, limit int) ([]models.UploadSession, error)
}

// StreamKeyRepository persists stream credentials.
type StreamKeyRepository interface {
	// InsertStreamKey stores key if the channel holds fewer than maxActive
	// unexpired active keys. Expired active keys are deactivated first.
	InsertStreamKey(ctx context.Context, key models.StreamKey, digest string, maxActive int, now time.Time) (models.StreamKey, error)
	ListStreamKeys(ctx context.Context, channelID string) ([]models.StreamKey, error)
	GetStreamKey(ctx context.Context, id string) (models.StreamKey, error)
	GetStreamKeyByDigest(ctx context.Context, digest string) (models.StreamKey, error)
	RevokeStreamKey(ctx context.Context, id string) (models.StreamKey, error)
	TouchStreamKey(ctx context.Context, id string, now time.Time) error
}

// SessionUpdate describes the fields a state transition writes. Setting
// EndedAt also sets the duration, measured from the stored start time; a
// session that never went live ends with a zero duration.
type SessionUpdate struct {
	Status           models.SessionStatus
	StartedAt        *time.Time
	EndedAt          *time.Time
	TerminatedReason *string
}

func sessionDuration(started *time.Time, ended time.Time) int64 {
	if started == nil || ended.Before(*started) {
		return 0
	}
	return int64(ended.Sub(*started) / time.Second)
}

// LiveSessionRepository persists broadcast sessions.
type LiveSessionRepository interface {
	// InsertLiveSession fails with a session_exists conflict when the channel
	// already has a non-terminal session.
	InsertLiveSession(ctx context.Context, session models.LiveStreamSession) (models.LiveStreamSession, error)
	GetLiveSession(ctx context.Context, id string) (models.LiveStreamSession, error)
	ActiveLiveSession(ctx context.Context, channelID string) (models.LiveStreamSession, error)
	ListLiveSessions(ctx context.Context, channelID string, limit int) ([]models.LiveStreamSession, error)
	// TransitionLiveSession applies update only while the stored status is one
	// of from.
	TransitionLiveSession(ctx context.Context, id string, from []models.SessionStatus, update SessionUpdate) (models.LiveStreamSession, error)
	AdjustViewers(ctx context.Context, id string, delta int64) (models.LiveStreamSession, error)
}

// StatsRepository persists immutable stream statistics.
type StatsRepository interface {
	// FinalizeStats inserts record and bumps the channel counters in one unit.
	// created is false when a record for the stream already existed, in which
	// case nothing is modified and the stored record is returned.
	FinalizeStats(ctx context.Context, record models.StreamStatsRecord) (stored models.StreamStatsRecord, created bool, err error)
	GetStats(ctx context.Context, streamID string) (models.StreamStatsRecord, error)
}

// Repository exposes every datastore operation the media core requires.
type Repository interface {
	ChannelDirectory
	UploadRepository
	StreamKeyRepository
	LiveSessionRepository
	StatsRepository

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*postgresRepository)(nil)
	_ Repository = (*sqliteRepository)(nil)
)

func containsStatus(statuses []models.SessionStatus, status models.SessionStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func transitionConflict(id string, current models.SessionStatus, to models.SessionStatus) error {
	return models.Conflict(models.CodeInvalidTransition, "stream %s cannot move from %s to %s", id, current, to)
}
