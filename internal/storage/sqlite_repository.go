package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"mediacore/internal/models"
)

// SQLiteConfig describes the embedded single-node datastore.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	AutoMigrate bool
}

func newSQLiteConfig(path string, opts ...Option) SQLiteConfig {
	cfg := SQLiteConfig{
		Path:        path,
		BusyTimeout: 5 * time.Second,
		AutoMigrate: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}
	return cfg
}

// sqliteRepository stores timestamps as UTC unix milliseconds. The pool holds
// a single connection so transactions never interleave inside one process.
type sqliteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens the SQLite database at path.
func NewSQLiteRepository(path string, opts ...Option) (Repository, error) {
	cfg := newSQLiteConfig(path, opts...)
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		filepath.Clean(cfg.Path), cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if cfg.AutoMigrate {
		if err := MigrateSQLite(context.Background(), db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return &sqliteRepository{db: db}, nil
}

func (r *sqliteRepository) Close(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *sqliteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullableMillis(value *time.Time) any {
	if value == nil {
		return nil
	}
	return toMillis(*value)
}

func millisPtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func sqliteUniqueViolation(err error) (string, bool) {
	message := strings.ToLower(err.Error())
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return message, true
		}
	}
	if strings.Contains(message, "unique constraint failed") {
		return message, true
	}
	return "", false
}

func statusPlaceholders(statuses []models.SessionStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		marks[i] = "?"
		args[i] = string(status)
	}
	return strings.Join(marks, ", "), args
}

func scanSQLiteChannel(row rowScanner) (models.Channel, error) {
	var (
		channel   models.Channel
		createdAt int64
	)
	if err := row.Scan(&channel.ID, &channel.OwnerID, &channel.TotalStreams, &channel.TotalStreamTime, &createdAt); err != nil {
		return models.Channel{}, err
	}
	channel.CreatedAt = fromMillis(createdAt)
	return channel, nil
}

func scanSQLiteUpload(row rowScanner) (models.UploadSession, error) {
	var (
		upload               models.UploadSession
		metadata, status     string
		createdAt, updatedAt int64
		completedAt, handed  sql.NullInt64
	)
	if err := row.Scan(
		&upload.ID, &upload.OwnerID, &upload.TotalLength, &upload.Offset, &metadata, &status,
		&upload.StorageKey, &createdAt, &updatedAt, &completedAt, &handed,
	); err != nil {
		return models.UploadSession{}, err
	}
	decoded, err := decodeMetadata([]byte(metadata))
	if err != nil {
		return models.UploadSession{}, err
	}
	upload.Metadata = decoded
	upload.Status = models.UploadStatus(status)
	upload.CreatedAt = fromMillis(createdAt)
	upload.UpdatedAt = fromMillis(updatedAt)
	upload.CompletedAt = millisPtr(completedAt)
	upload.HandedOffAt = millisPtr(handed)
	return upload, nil
}

func scanSQLiteStreamKey(row rowScanner) (models.StreamKey, error) {
	var (
		key                  models.StreamKey
		status, permissions  string
		createdAt, expiresAt int64
		lastUsed             sql.NullInt64
	)
	if err := row.Scan(
		&key.ID, &key.ChannelID, &key.Secret, &status, &permissions, &createdAt, &expiresAt,
		&lastUsed, &key.UsageCount,
	); err != nil {
		return models.StreamKey{}, err
	}
	decoded, err := decodePermissions([]byte(permissions))
	if err != nil {
		return models.StreamKey{}, err
	}
	key.Permissions = decoded
	key.Status = models.KeyStatus(status)
	key.CreatedAt = fromMillis(createdAt)
	key.ExpiresAt = fromMillis(expiresAt)
	key.LastUsedAt = millisPtr(lastUsed)
	return key, nil
}

func scanSQLiteLiveSession(row rowScanner) (models.LiveStreamSession, error) {
	var (
		session                   models.LiveStreamSession
		status                    string
		scheduled, started, ended sql.NullInt64
		createdAt                 int64
	)
	if err := row.Scan(
		&session.ID, &session.ChannelID, &session.StreamKeyID, &session.Title, &status,
		&scheduled, &started, &ended,
		&session.ViewerCount, &session.PeakViewers, &session.TotalViewers, &session.DurationSeconds,
		&session.TerminatedReason, &session.IngestURL, &session.HLSURL, &session.FLVURL,
		&createdAt, &session.Version,
	); err != nil {
		return models.LiveStreamSession{}, err
	}
	session.Status = models.SessionStatus(status)
	session.ScheduledAt = millisPtr(scheduled)
	session.StartedAt = millisPtr(started)
	session.EndedAt = millisPtr(ended)
	session.CreatedAt = fromMillis(createdAt)
	return session, nil
}

func scanSQLiteStats(row rowScanner) (models.StreamStatsRecord, error) {
	var (
		record               models.StreamStatsRecord
		streamDate, createdAt int64
	)
	if err := row.Scan(&record.StreamID, &record.ChannelID, &record.TotalViewers, &record.PeakViewers,
		&record.TotalDuration, &streamDate, &createdAt); err != nil {
		return models.StreamStatsRecord{}, err
	}
	record.StreamDate = fromMillis(streamDate)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func (r *sqliteRepository) UpsertChannel(ctx context.Context, id, ownerID string) (models.Channel, error) {
	channel, err := scanSQLiteChannel(r.db.QueryRowContext(ctx, `
INSERT INTO channels (id, owner_id, created_at)
VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id
RETURNING `+channelColumns, id, ownerID, toMillis(time.Now())))
	if err != nil {
		return models.Channel{}, models.Internal("upsert channel", err)
	}
	return channel, nil
}

func (r *sqliteRepository) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	channel, err := scanSQLiteChannel(r.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Channel{}, models.NotFound("channel %s not found", id)
		}
		return models.Channel{}, models.Internal("get channel", err)
	}
	return channel, nil
}

func (r *sqliteRepository) CreateUpload(ctx context.Context, upload models.UploadSession) error {
	metadata, err := encodeMetadata(upload.Metadata)
	if err != nil {
		return models.Validation("%v", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO upload_sessions (id, owner_id, total_length, upload_offset, metadata, status, storage_key, created_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, upload.ID, upload.OwnerID, upload.TotalLength, upload.Offset, metadata, string(upload.Status),
		upload.StorageKey, toMillis(upload.CreatedAt), toMillis(upload.UpdatedAt), nullableMillis(upload.CompletedAt))
	if err != nil {
		if _, ok := sqliteUniqueViolation(err); ok {
			return models.Conflict("upload_exists", "upload %s already exists", upload.ID)
		}
		return models.Internal("create upload", err)
	}
	return nil
}

func (r *sqliteRepository) GetUpload(ctx context.Context, id string) (models.UploadSession, error) {
	upload, err := scanSQLiteUpload(r.db.QueryRowContext(ctx, `
SELECT `+uploadColumns+`
FROM upload_sessions
WHERE id = ? AND status <> 'CANCELLED'
`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UploadSession{}, models.NotFound("upload %s not found", id)
		}
		return models.UploadSession{}, models.Internal("get upload", err)
	}
	return upload, nil
}

func (r *sqliteRepository) AdvanceUpload(ctx context.Context, id string, expected, length int64, now time.Time) (models.UploadSession, error) {
	nowMillis := toMillis(now)
	upload, err := scanSQLiteUpload(r.db.QueryRowContext(ctx, `
UPDATE upload_sessions
SET upload_offset = upload_offset + ?,
    updated_at = ?,
    status = CASE WHEN upload_offset + ? = total_length THEN 'COMPLETED' ELSE status END,
    completed_at = CASE WHEN upload_offset + ? = total_length THEN ? ELSE completed_at END
WHERE id = ? AND status = 'UPLOADING' AND upload_offset = ? AND upload_offset + ? <= total_length
RETURNING `+uploadColumns, length, nowMillis, length, length, nowMillis, id, expected, length))
	if err == nil {
		return upload, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.UploadSession{}, models.Internal("advance upload", err)
	}
	current, getErr := r.GetUpload(ctx, id)
	if getErr != nil {
		return models.UploadSession{}, getErr
	}
	return models.UploadSession{}, advanceFailure(current, expected, length)
}

func (r *sqliteRepository) CancelUpload(ctx context.Context, id string, now time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
UPDATE upload_sessions SET status = 'CANCELLED', updated_at = ?
WHERE id = ? AND status <> 'CANCELLED'
`, toMillis(now), id); err != nil {
		return models.Internal("cancel upload", err)
	}
	return nil
}

func (r *sqliteRepository) MarkUploadHandedOff(ctx context.Context, id, storageKey string, now time.Time) (models.UploadSession, error) {
	nowMillis := toMillis(now)
	upload, err := scanSQLiteUpload(r.db.QueryRowContext(ctx, `
UPDATE upload_sessions
SET handed_off_at = ?, storage_key = ?, updated_at = ?
WHERE id = ? AND status = 'COMPLETED'
RETURNING `+uploadColumns, nowMillis, storageKey, nowMillis, id))
	if err == nil {
		return upload, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.UploadSession{}, models.Internal("mark upload handed off", err)
	}
	if _, getErr := r.GetUpload(ctx, id); getErr != nil {
		return models.UploadSession{}, getErr
	}
	return models.UploadSession{}, models.Conflict(models.CodeIncomplete, "upload %s is not complete", id)
}

func (r *sqliteRepository) ListUploadsPendingHandoff(ctx context.Context, limit int) ([]models.UploadSession, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+uploadColumns+`
FROM upload_sessions
WHERE status = 'COMPLETED' AND handed_off_at IS NULL
ORDER BY created_at
LIMIT ?
`, normalizeLimit(limit))
	if err != nil {
		return nil, models.Internal("list pending uploads", err)
	}
	return collectSQLiteUploads(rows)
}

func (r *sqliteRepository) ListExpiredUploads(ctx context.Context, completedBefore, idleBefore time.Time, limit int) ([]models.UploadSession, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+uploadColumns+`
FROM upload_sessions
WHERE (status = 'COMPLETED' AND completed_at < ?)
   OR (status = 'UPLOADING' AND updated_at < ?)
ORDER BY created_at
LIMIT ?
`, toMillis(completedBefore), toMillis(idleBefore), normalizeLimit(limit))
	if err != nil {
		return nil, models.Internal("list expired uploads", err)
	}
	return collectSQLiteUploads(rows)
}

func collectSQLiteUploads(rows *sql.Rows) ([]models.UploadSession, error) {
	defer rows.Close()
	uploads := make([]models.UploadSession, 0)
	for rows.Next() {
		upload, err := scanSQLiteUpload(rows)
		if err != nil {
			return nil, models.Internal("scan upload", err)
		}
		uploads = append(uploads, upload)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Internal("iterate uploads", err)
	}
	return uploads, nil
}

func (r *sqliteRepository) InsertStreamKey(ctx context.Context, key models.StreamKey, digest string, maxActive int, now time.Time) (models.StreamKey, error) {
	permissions, err := encodePermissions(key.Permissions)
	if err != nil {
		return models.StreamKey{}, models.Validation("%v", err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.StreamKey{}, models.Internal("begin stream key transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM channels WHERE id = ?`, key.ChannelID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StreamKey{}, models.NotFound("channel %s not found", key.ChannelID)
		}
		return models.StreamKey{}, models.Internal("load channel", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE stream_keys SET status = 'INACTIVE'
WHERE channel_id = ? AND status = 'ACTIVE' AND expires_at < ?
`, key.ChannelID, toMillis(now)); err != nil {
		return models.StreamKey{}, models.Internal("expire stream keys", err)
	}
	var active int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM stream_keys WHERE channel_id = ? AND status = 'ACTIVE'
`, key.ChannelID).Scan(&active); err != nil {
		return models.StreamKey{}, models.Internal("count stream keys", err)
	}
	if active >= maxActive {
		return models.StreamKey{}, models.QuotaExceeded(key.ChannelID, maxActive)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO stream_keys (id, channel_id, secret, secret_digest, status, permissions, created_at, expires_at, usage_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
`, key.ID, key.ChannelID, key.Secret, digest, string(key.Status), permissions, toMillis(key.CreatedAt), toMillis(key.ExpiresAt)); err != nil {
		if message, ok := sqliteUniqueViolation(err); ok && strings.Contains(message, "secret_digest") {
			return models.StreamKey{}, ErrDuplicateSecret
		}
		return models.StreamKey{}, models.Internal("insert stream key", err)
	}
	if err := tx.Commit(); err != nil {
		return models.StreamKey{}, models.Internal("commit stream key", err)
	}
	return key, nil
}

func (r *sqliteRepository) ListStreamKeys(ctx context.Context, channelID string) ([]models.StreamKey, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+streamKeyColumns+`
FROM stream_keys
WHERE channel_id = ?
ORDER BY created_at
`, channelID)
	if err != nil {
		return nil, models.Internal("list stream keys", err)
	}
	defer rows.Close()
	keys := make([]models.StreamKey, 0)
	for rows.Next() {
		key, err := scanSQLiteStreamKey(rows)
		if err != nil {
			return nil, models.Internal("scan stream key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Internal("iterate stream keys", err)
	}
	return keys, nil
}

func (r *sqliteRepository) GetStreamKey(ctx context.Context, id string) (models.StreamKey, error) {
	key, err := scanSQLiteStreamKey(r.db.QueryRowContext(ctx, `SELECT `+streamKeyColumns+` FROM stream_keys WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StreamKey{}, models.NotFound("stream key %s not found", id)
		}
		return models.StreamKey{}, models.Internal("get stream key", err)
	}
	return key, nil
}

func (r *sqliteRepository) GetStreamKeyByDigest(ctx context.Context, digest string) (models.StreamKey, error) {
	key, err := scanSQLiteStreamKey(r.db.QueryRowContext(ctx, `SELECT `+streamKeyColumns+` FROM stream_keys WHERE secret_digest = ?`, digest))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StreamKey{}, models.NotFound("stream key not found")
		}
		return models.StreamKey{}, models.Internal("get stream key", err)
	}
	return key, nil
}

func (r *sqliteRepository) RevokeStreamKey(ctx context.Context, id string) (models.StreamKey, error) {
	key, err := scanSQLiteStreamKey(r.db.QueryRowContext(ctx, `
UPDATE stream_keys SET status = 'REVOKED' WHERE id = ?
RETURNING `+streamKeyColumns, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StreamKey{}, models.NotFound("stream key %s not found", id)
		}
		return models.StreamKey{}, models.Internal("revoke stream key", err)
	}
	return key, nil
}

func (r *sqliteRepository) TouchStreamKey(ctx context.Context, id string, now time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE stream_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?
`, toMillis(now), id)
	if err != nil {
		return models.Internal("touch stream key", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return models.NotFound("stream key %s not found", id)
	}
	return nil
}

func (r *sqliteRepository) InsertLiveSession(ctx context.Context, session models.LiveStreamSession) (models.LiveStreamSession, error) {
	stored, err := scanSQLiteLiveSession(r.db.QueryRowContext(ctx, `
INSERT INTO live_sessions (id, channel_id, stream_key_id, title, status, scheduled_at, ingest_url, hls_url, flv_url, created_at, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
RETURNING `+liveSessionColumns,
		session.ID, session.ChannelID, session.StreamKeyID, session.Title, string(session.Status),
		nullableMillis(session.ScheduledAt), session.IngestURL, session.HLSURL, session.FLVURL, toMillis(session.CreatedAt)))
	if err != nil {
		if message, ok := sqliteUniqueViolation(err); ok && strings.Contains(message, "live_sessions.channel_id") {
			return models.LiveStreamSession{}, models.Conflict(models.CodeSessionExists, "channel %s already has an active stream", session.ChannelID)
		}
		return models.LiveStreamSession{}, models.Internal("insert live session", err)
	}
	return stored, nil
}

func (r *sqliteRepository) GetLiveSession(ctx context.Context, id string) (models.LiveStreamSession, error) {
	session, err := scanSQLiteLiveSession(r.db.QueryRowContext(ctx, `SELECT `+liveSessionColumns+` FROM live_sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.LiveStreamSession{}, models.NotFound("stream %s not found", id)
		}
		return models.LiveStreamSession{}, models.Internal("get live session", err)
	}
	return session, nil
}

func (r *sqliteRepository) ActiveLiveSession(ctx context.Context, channelID string) (models.LiveStreamSession, error) {
	session, err := scanSQLiteLiveSession(r.db.QueryRowContext(ctx, `
SELECT `+liveSessionColumns+`
FROM live_sessions
WHERE channel_id = ? AND status IN ('SCHEDULED', 'PREPARING', 'LIVE')
`, channelID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.LiveStreamSession{}, models.NotFound("channel %s has no active stream", channelID)
		}
		return models.LiveStreamSession{}, models.Internal("get active live session", err)
	}
	return session, nil
}

func (r *sqliteRepository) ListLiveSessions(ctx context.Context, channelID string, limit int) ([]models.LiveStreamSession, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+liveSessionColumns+`
FROM live_sessions
WHERE channel_id = ?
ORDER BY created_at DESC
LIMIT ?
`, channelID, normalizeLimit(limit))
	if err != nil {
		return nil, models.Internal("list live sessions", err)
	}
	defer rows.Close()
	sessions := make([]models.LiveStreamSession, 0)
	for rows.Next() {
		session, err := scanSQLiteLiveSession(rows)
		if err != nil {
			return nil, models.Internal("scan live session", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Internal("iterate live sessions", err)
	}
	return sessions, nil
}

func (r *sqliteRepository) TransitionLiveSession(ctx context.Context, id string, from []models.SessionStatus, update SessionUpdate) (models.LiveStreamSession, error) {
	marks, statusArgs := statusPlaceholders(from)
	var reason any
	if update.TerminatedReason != nil {
		reason = *update.TerminatedReason
	}
	started := nullableMillis(update.StartedAt)
	ended := nullableMillis(update.EndedAt)
	args := []any{
		string(update.Status),
		started,
		ended,
		ended, started, ended, started,
		reason,
		id,
	}
	args = append(args, statusArgs...)
	session, err := scanSQLiteLiveSession(r.db.QueryRowContext(ctx, `
UPDATE live_sessions
SET status = ?,
    started_at = COALESCE(?, started_at),
    ended_at = COALESCE(?, ended_at),
    duration_seconds = CASE
        WHEN ? IS NULL THEN duration_seconds
        WHEN COALESCE(?, started_at) IS NULL THEN 0
        ELSE MAX((? - COALESCE(?, started_at)) / 1000, 0)
    END,
    terminated_reason = COALESCE(?, terminated_reason),
    version = version + 1
WHERE id = ? AND status IN (`+marks+`)
RETURNING `+liveSessionColumns, args...))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.LiveStreamSession{}, models.Internal("transition live session", err)
	}
	current, getErr := r.GetLiveSession(ctx, id)
	if getErr != nil {
		return models.LiveStreamSession{}, getErr
	}
	return models.LiveStreamSession{}, transitionConflict(id, current.Status, update.Status)
}

func (r *sqliteRepository) AdjustViewers(ctx context.Context, id string, delta int64) (models.LiveStreamSession, error) {
	session, err := scanSQLiteLiveSession(r.db.QueryRowContext(ctx, `
UPDATE live_sessions
SET viewer_count = MAX(viewer_count + ?, 0),
    total_viewers = total_viewers + MAX(?, 0),
    peak_viewers = MAX(peak_viewers, viewer_count + ?),
    version = version + 1
WHERE id = ? AND status = 'LIVE'
RETURNING `+liveSessionColumns, delta, delta, delta, id))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.LiveStreamSession{}, models.Internal("adjust viewers", err)
	}
	if _, getErr := r.GetLiveSession(ctx, id); getErr != nil {
		return models.LiveStreamSession{}, getErr
	}
	return models.LiveStreamSession{}, models.Conflict(models.CodeInvalidTransition, "stream %s is not live", id)
}

func (r *sqliteRepository) FinalizeStats(ctx context.Context, record models.StreamStatsRecord) (models.StreamStatsRecord, bool, error) {
	record.StreamDate = models.StreamDate(record.StreamDate)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.StreamStatsRecord{}, false, models.Internal("begin stats transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
INSERT INTO stream_stats (`+statsColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (stream_id) DO NOTHING
`, record.StreamID, record.ChannelID, record.TotalViewers, record.PeakViewers, record.TotalDuration,
		toMillis(record.StreamDate), toMillis(record.CreatedAt))
	if err != nil {
		return models.StreamStatsRecord{}, false, models.Internal("insert stream stats", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return models.StreamStatsRecord{}, false, models.Internal("insert stream stats", err)
	}
	if inserted == 0 {
		stored, err := scanSQLiteStats(tx.QueryRowContext(ctx, `SELECT `+statsColumns+` FROM stream_stats WHERE stream_id = ?`, record.StreamID))
		if err != nil {
			return models.StreamStatsRecord{}, false, models.Internal("load stream stats", err)
		}
		return stored, false, nil
	}
	result, err = tx.ExecContext(ctx, `
UPDATE channels
SET total_streams = total_streams + 1, total_stream_time = total_stream_time + ?
WHERE id = ?
`, record.TotalDuration, record.ChannelID)
	if err != nil {
		return models.StreamStatsRecord{}, false, models.Internal("update channel counters", err)
	}
	if updated, err := result.RowsAffected(); err == nil && updated == 0 {
		return models.StreamStatsRecord{}, false, models.NotFound("channel %s not found", record.ChannelID)
	}
	if err := tx.Commit(); err != nil {
		return models.StreamStatsRecord{}, false, models.Internal("commit stream stats", err)
	}
	return record, true, nil
}

func (r *sqliteRepository) GetStats(ctx context.Context, streamID string) (models.StreamStatsRecord, error) {
	record, err := scanSQLiteStats(r.db.QueryRowContext(ctx, `SELECT `+statsColumns+` FROM stream_stats WHERE stream_id = ?`, streamID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StreamStatsRecord{}, models.NotFound("stats for stream %s not found", streamID)
		}
		return models.StreamStatsRecord{}, models.Internal("get stream stats", err)
	}
	return record, nil
}
