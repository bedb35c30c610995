package models

import (
	"strings"
	"time"
)

// UploadStatus is the lifecycle state of a resumable upload session.
type UploadStatus string

const (
	UploadUploading UploadStatus = "UPLOADING"
	UploadCompleted UploadStatus = "COMPLETED"
	// UploadCancelled marks a tombstoned session. Reads of a cancelled
	// session always answer NotFound.
	UploadCancelled UploadStatus = "CANCELLED"
)

// UploadSession tracks the confirmed byte offset of one resumable upload.
type UploadSession struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"ownerId"`
	TotalLength int64             `json:"totalLength"`
	Offset      int64             `json:"offset"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      UploadStatus      `json:"status"`
	StorageKey  string            `json:"storageKey,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	HandedOffAt *time.Time        `json:"handedOffAt,omitempty"`
}

// Remaining reports how many bytes are still expected.
func (u UploadSession) Remaining() int64 {
	return u.TotalLength - u.Offset
}

// Clone returns a deep copy so callers can mutate the result freely.
func (u UploadSession) Clone() UploadSession {
	clone := u
	clone.Metadata = CloneStringMap(u.Metadata)
	if u.CompletedAt != nil {
		completed := *u.CompletedAt
		clone.CompletedAt = &completed
	}
	if u.HandedOffAt != nil {
		handed := *u.HandedOffAt
		clone.HandedOffAt = &handed
	}
	return clone
}

// KeyStatus is the lifecycle state of a stream credential.
type KeyStatus string

const (
	KeyActive   KeyStatus = "ACTIVE"
	KeyInactive KeyStatus = "INACTIVE"
	KeyRevoked  KeyStatus = "REVOKED"
)

// PermissionPublish allows a key to back a new broadcast session.
const PermissionPublish = "publish"

// StreamKey is a per-channel ingest credential. Keys are never hard-deleted.
type StreamKey struct {
	ID          string     `json:"id"`
	ChannelID   string     `json:"channelId"`
	Secret      string     `json:"secret"`
	Status      KeyStatus  `json:"status"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	UsageCount  int64      `json:"usageCount"`
}

// HasPermission reports whether the key carries the capability tag, ignoring case.
func (k StreamKey) HasPermission(permission string) bool {
	for _, existing := range k.Permissions {
		if strings.EqualFold(existing, permission) {
			return true
		}
	}
	return false
}

// Expired reports whether the key is past its expiry at the given instant.
func (k StreamKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// Masked returns a copy of the key with the secret hidden.
func (k StreamKey) Masked() StreamKey {
	masked := k
	masked.Permissions = append([]string(nil), k.Permissions...)
	if len(k.Secret) > 4 {
		masked.Secret = strings.Repeat("*", len(k.Secret)-4) + k.Secret[len(k.Secret)-4:]
	} else {
		masked.Secret = strings.Repeat("*", len(k.Secret))
	}
	return masked
}

// LiveStreamSession is one broadcast of a channel.
type LiveStreamSession struct {
	ID               string        `json:"id"`
	ChannelID        string        `json:"channelId"`
	StreamKeyID      string        `json:"streamKeyId"`
	Title            string        `json:"title"`
	Status           SessionStatus `json:"status"`
	ScheduledAt      *time.Time    `json:"scheduledAt,omitempty"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	EndedAt          *time.Time    `json:"endedAt,omitempty"`
	ViewerCount      int64         `json:"viewerCount"`
	PeakViewers      int64         `json:"peakViewers"`
	TotalViewers     int64         `json:"totalViewers"`
	DurationSeconds  int64         `json:"durationSeconds"`
	TerminatedReason string        `json:"terminatedReason,omitempty"`
	IngestURL        string        `json:"ingestUrl,omitempty"`
	HLSURL           string        `json:"hlsUrl,omitempty"`
	FLVURL           string        `json:"flvUrl,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	Version          int64         `json:"version"`
}

// Clone returns a deep copy of the session.
func (s LiveStreamSession) Clone() LiveStreamSession {
	clone := s
	clone.ScheduledAt = cloneTime(s.ScheduledAt)
	clone.StartedAt = cloneTime(s.StartedAt)
	clone.EndedAt = cloneTime(s.EndedAt)
	return clone
}

// StreamStatsRecord is the immutable summary written once per ended session.
type StreamStatsRecord struct {
	StreamID      string    `json:"streamId"`
	ChannelID     string    `json:"channelId"`
	TotalViewers  int64     `json:"totalViewers"`
	PeakViewers   int64     `json:"peakViewers"`
	TotalDuration int64     `json:"totalDuration"`
	StreamDate    time.Time `json:"streamDate"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Channel is the directory entry for a broadcasting channel together with its
// cumulative counters.
type Channel struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"ownerId"`
	TotalStreams    int64     `json:"totalStreams"`
	TotalStreamTime int64     `json:"totalStreamTime"`
	CreatedAt       time.Time `json:"createdAt"`
}

// CloneStringMap copies src, returning nil for empty input.
func CloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

// StreamDate truncates t to its UTC calendar day.
func StreamDate(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
