package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediacore/internal/models"
)

const (
	pgUniqueViolation = "23505"

	uploadColumns = `id, owner_id, total_length, upload_offset, metadata, status, storage_key,
       created_at, updated_at, completed_at, handed_off_at`
	streamKeyColumns = `id, channel_id, secret, status, permissions, created_at, expires_at,
       last_used_at, usage_count`
	liveSessionColumns = `id, channel_id, stream_key_id, title, status, scheduled_at, started_at,
       ended_at, viewer_count, peak_viewers, total_viewers, duration_seconds, terminated_reason,
       ingest_url, hls_url, flv_url, created_at, version`
	statsColumns   = `stream_id, channel_id, total_viewers, peak_viewers, total_duration, stream_date, created_at`
	channelColumns = `id, owner_id, total_streams, total_stream_time, created_at`
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

// NewPostgresRepository opens a Postgres-backed repository and, unless
// disabled, applies the embedded schema migrations.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if cfg.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := MigratePostgres(migrateCtx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

// operationContext applies the acquire timeout to callers without a deadline.
func (r *postgresRepository) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || r.cfg.AcquireTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}

func statusStrings(statuses []models.SessionStatus) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(payload), nil
}

func decodeMetadata(payload []byte) (map[string]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal(payload, &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return models.CloneStringMap(metadata), nil
}

func encodePermissions(permissions []string) (string, error) {
	if permissions == nil {
		permissions = []string{}
	}
	payload, err := json.Marshal(permissions)
	if err != nil {
		return "", fmt.Errorf("encode permissions: %w", err)
	}
	return string(payload), nil
}

func decodePermissions(payload []byte) ([]string, error) {
	var permissions []string
	if len(payload) == 0 {
		return permissions, nil
	}
	if err := json.Unmarshal(payload, &permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	return permissions, nil
}

func scanPostgresChannel(row rowScanner) (models.Channel, error) {
	var channel models.Channel
	err := row.Scan(&channel.ID, &channel.OwnerID, &channel.TotalStreams, &channel.TotalStreamTime, &channel.CreatedAt)
	channel.CreatedAt = channel.CreatedAt.UTC()
	return channel, err
}

func scanPostgresUpload(row rowScanner) (models.UploadSession, error) {
	var (
		upload   models.UploadSession
		metadata []byte
		status   string
	)
	if err := row.Scan(
		&upload.ID, &upload.OwnerID, &upload.TotalLength, &upload.Offset, &metadata, &status,
		&upload.StorageKey, &upload.CreatedAt, &upload.UpdatedAt, &upload.CompletedAt, &upload.HandedOffAt,
	); err != nil {
		return models.UploadSession{}, err
	}
	decoded, err := decodeMetadata(metadata)
	if err != nil {
		return models.UploadSession{}, err
	}
	upload.Metadata = decoded
	upload.Status = models.UploadStatus(status)
	return upload, nil
}

func scanPostgresStreamKey(row rowScanner) (models.StreamKey, error) {
	var (
		key         models.StreamKey
		status      string
		permissions []byte
	)
	if err := row.Scan(
		&key.ID, &key.ChannelID, &key.Secret, &status, &permissions, &key.CreatedAt, &key.ExpiresAt,
		&key.LastUsedAt, &key.UsageCount,
	); err != nil {
		return models.StreamKey{}, err
	}
	decoded, err := decodePermissions(permissions)
	if err != nil {
		return models.StreamKey{}, err
	}
	key.Permissions = decoded
	key.Status = models.KeyStatus(status)
	return key, nil
}

func scanPostgresLiveSession(row rowScanner) (models.LiveStreamSession, error) {
	var (
		session models.LiveStreamSession
		status  string
	)
	if err := row.Scan(
		&session.ID, &session.ChannelID, &session.StreamKeyID, &session.Title, &status,
		&session.ScheduledAt, &session.StartedAt, &session.EndedAt,
		&session.ViewerCount, &session.PeakViewers, &session.TotalViewers, &session.DurationSeconds,
		&session.TerminatedReason, &session.IngestURL, &session.HLSURL, &session.FLVURL,
		&session.CreatedAt, &session.Version,
	); err != nil {
		return models.LiveStreamSession{}, err
	}
	session.Status = models.SessionStatus(status)
	return session, nil
}

func scanPostgresStats(row rowScanner) (models.StreamStatsRecord, error) {
	var record models.StreamStatsRecord
	err := row.Scan(&record.StreamID, &record.ChannelID, &record.TotalViewers, &record.PeakViewers,
		&record.TotalDuration, &record.StreamDate, &record.CreatedAt)
	record.StreamDate = models.StreamDate(record.StreamDate)
	return record, err
}

func (r *postgresRepository) UpsertChannel(ctx context.Context, id, ownerID string) (models.Channel, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `
INSERT INTO channels (id, owner_id, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id
RETURNING `+channelColumns, id, ownerID, time.Now().UTC())
	channel, err := scanPostgresChannel(row)
	if err != nil {
		return models.Channel{}, models.Internal("upsert channel", err)
	}
	return channel, nil
}

func (r *postgresRepository) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	channel, err := scanPostgresChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return models.Channel{}, models.NotFound("channel %s not found", id)
		}
		return models.Channel{}, models.Internal("get channel", err)
	}
	return channel, nil
}

func (r *postgresRepository) CreateUpload(ctx context.Context, upload models.UploadSession) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	metadata, err := encodeMetadata(upload.Metadata)
	if err != nil {
		return models.Validation("%v", err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO upload_sessions (id, owner_id, total_length, upload_offset, metadata, status, storage_key, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10)
`, upload.ID, upload.OwnerID, upload.TotalLength, upload.Offset, metadata, string(upload.Status),
		upload.StorageKey, upload.CreatedAt.UTC(), upload.UpdatedAt.UTC(), upload.CompletedAt)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return models.Conflict("upload_exists", "upload %s already exists", upload.ID)
		}
		return models.Internal("create upload", err)
	}
	return nil
}

func (r *postgresRepository) GetUpload(ctx context.Context, id string) (models.UploadSession, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	upload, err := scanPostgresUpload(r.pool.QueryRow(ctx, `
SELECT `+uploadColumns+`
FROM upload_sessions
WHERE id = $1 AND status <> 'CANCELLED'
`, id))
	if err != nil {
		if isNoRows(err) {
			return models.UploadSession{}, models.NotFound("upload %s not found", id)
		}
		return models.UploadSession{}, models.Internal("get upload", err)
	}
	return upload, nil
}

func (r *postgresRepository) AdvanceUpload(ctx context.Context, id string, expected, length int64, now time.Time) (models.UploadSession, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	upload, err := scanPostgresUpload(r.pool.QueryRow(ctx, `
UPDATE upload_sessions
SET upload_offset = upload_offset + $3,
    updated_at = $4,
    status = CASE WHEN upload_offset + $3 = total_length THEN 'COMPLETED' ELSE status END,
    completed_at = CASE WHEN upload_offset + $3 = total_length THEN $4 ELSE completed_at END
WHERE id = $1 AND status = 'UPLOADING' AND upload_offset = $2 AND upload_offset + $3 <= total_length
RETURNING `+uploadColumns, id, expected, length, now.UTC()))
	if err == nil {
		return upload, nil
	}
	if !isNoRows(err) {
		return models.UploadSession{}, models.Internal("advance upload", err)
	}
	current, getErr := r.GetUpload(ctx, id)
	if getErr != nil {
		return models.UploadSession{}, getErr
	}
	return models.UploadSession{}, advanceFailure(current, expected, length)
}

// advanceFailure explains why a conditional offset update matched no row.
func advanceFailure(current models.UploadSession, expected, length int64) error {
	if current.Status != models.UploadUploading || current.Offset != expected {
		return models.OffsetConflict(current.Offset)
	}
	return models.Validation("chunk of %d bytes at offset %d exceeds upload length %d", length, expected, current.TotalLength)
}

func (r *postgresRepository) CancelUpload(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	if _, err := r.pool.Exec(ctx, `
UPDATE upload_sessions SET status = 'CANCELLED', updated_at = $2
WHERE id = $1 AND status <> 'CANCELLED'
`, id, now.UTC()); err != nil {
		return models.Internal("cancel upload", err)
	}
	return nil
}

func (r *postgresRepository) MarkUploadHandedOff(ctx context.Context, id, storageKey string, now time.Time) (models.UploadSession, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	upload, err := scanPostgresUpload(r.pool.QueryRow(ctx, `
UPDATE upload_sessions
SET handed_off_at = $3, storage_key = $2, updated_at = $3
WHERE id = $1 AND status = 'COMPLETED'
RETURNING `+uploadColumns, id, storageKey, now.UTC()))
	if err == nil {
		return upload, nil
	}
	if !isNoRows(err) {
		return models.UploadSession{}, models.Internal("mark upload handed off", err)
	}
	if _, getErr := r.GetUpload(ctx, id); getErr != nil {
		return models.UploadSession{}, getErr
	}
	return models.UploadSession{}, models.Conflict(models.CodeIncomplete, "upload %s is not complete", id)
}

func (r *postgresRepository) ListUploadsPendingHandoff(ctx context.Context, limit int) ([]models.UploadSession, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT `+uploadColumns+`
FROM upload_sessions
WHERE status = 'COMPLETED' AND handed_off_at IS NULL
ORDER BY created_at
LIMIT $1
`, normalizeLimit(limit))
	if err != nil {
		return nil, models.Internal("list pending uploads", err)
	}
	return collectPostgresUploads(rows)
}

func (r *postgresRepository) ListExpiredUploads(ctx context.Context, completedBefore, idleBefore time.Time, limit int) ([]models.UploadSession, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT `+uploadColumns+`
FROM upload_sessions
WHERE (status = 'COMPLETED' AND completed_at < $1)
   OR (status = 'UPLOADING' AND updated_at < $2)
ORDER BY created_at
LIMIT $3
`, completedBefore.UTC(), idleBefore.UTC(), normalizeLimit(limit))
	if err != nil {
		return nil, models.Internal("list expired uploads", err)
	}
	return collectPostgresUploads(rows)
}

func collectPostgresUploads(rows pgx.Rows) ([]models.UploadSession, error) {
	defer rows.Close()
	uploads := make([]models.UploadSession, 0)
	for rows.Next() {
		upload, err := scanPostgresUpload(rows)
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

func (r *postgresRepository) InsertStreamKey(ctx context.Context, key models.StreamKey, digest string, maxActive int, now time.Time) (models.StreamKey, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	permissions, err := encodePermissions(key.Permissions)
	if err != nil {
		return models.StreamKey{}, models.Validation("%v", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.StreamKey{}, models.Internal("begin stream key transaction", err)
	}
	defer rollbackTx(ctx, tx)

	// The channel row lock serialises concurrent generations for one channel.
	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM channels WHERE id = $1 FOR UPDATE`, key.ChannelID).Scan(&locked); err != nil {
		if isNoRows(err) {
			return models.StreamKey{}, models.NotFound("channel %s not found", key.ChannelID)
		}
		return models.StreamKey{}, models.Internal("lock channel", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE stream_keys SET status = 'INACTIVE'
WHERE channel_id = $1 AND status = 'ACTIVE' AND expires_at < $2
`, key.ChannelID, now.UTC()); err != nil {
		return models.StreamKey{}, models.Internal("expire stream keys", err)
	}
	var active int
	if err := tx.QueryRow(ctx, `
SELECT COUNT(*) FROM stream_keys WHERE channel_id = $1 AND status = 'ACTIVE'
`, key.ChannelID).Scan(&active); err != nil {
		return models.StreamKey{}, models.Internal("count stream keys", err)
	}
	if active >= maxActive {
		return models.StreamKey{}, models.QuotaExceeded(key.ChannelID, maxActive)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO stream_keys (id, channel_id, secret, secret_digest, status, permissions, created_at, expires_at, usage_count)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, 0)
`, key.ID, key.ChannelID, key.Secret, digest, string(key.Status), permissions, key.CreatedAt.UTC(), key.ExpiresAt.UTC()); err != nil {
		if constraint, ok := uniqueViolation(err); ok && strings.Contains(constraint, "digest") {
			return models.StreamKey{}, ErrDuplicateSecret
		}
		return models.StreamKey{}, models.Internal("insert stream key", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.StreamKey{}, models.Internal("commit stream key", err)
	}
	return key, nil
}

func (r *postgresRepository) ListStreamKeys(ctx context.Context, channelID string) ([]models.StreamKey, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT `+streamKeyColumns+`
FROM stream_keys
WHERE channel_id = $1
ORDER BY created_at
`, channelID)
	if err != nil {
		return nil, models.Internal("list stream keys", err)
	}
	defer rows.Close()
	keys := make([]models.StreamKey, 0)
	for rows.Next() {
		key, err := scanPostgresStreamKey(rows)
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

func (r *postgresRepository) GetStreamKey(ctx context.Context, id string) (models.StreamKey, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	key, err := scanPostgresStreamKey(r.pool.QueryRow(ctx, `SELECT `+streamKeyColumns+` FROM stream_keys WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return models.StreamKey{}, models.NotFound("stream key %s not found", id)
		}
		return models.StreamKey{}, models.Internal("get stream key", err)
	}
	return key, nil
}

func (r *postgresRepository) GetStreamKeyByDigest(ctx context.Context, digest string) (models.StreamKey, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	key, err := scanPostgresStreamKey(r.pool.QueryRow(ctx, `SELECT `+streamKeyColumns+` FROM stream_keys WHERE secret_digest = $1`, digest))
	if err != nil {
		if isNoRows(err) {
			return models.StreamKey{}, models.NotFound("stream key not found")
		}
		return models.StreamKey{}, models.Internal("get stream key", err)
	}
	return key, nil
}

func (r *postgresRepository) RevokeStreamKey(ctx context.Context, id string) (models.StreamKey, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	key, err := scanPostgresStreamKey(r.pool.QueryRow(ctx, `
UPDATE stream_keys SET status = 'REVOKED' WHERE id = $1
RETURNING `+streamKeyColumns, id))
	if err != nil {
		if isNoRows(err) {
			return models.StreamKey{}, models.NotFound("stream key %s not found", id)
		}
		return models.StreamKey{}, models.Internal("revoke stream key", err)
	}
	return key, nil
}

func (r *postgresRepository) TouchStreamKey(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
UPDATE stream_keys SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1
`, id, now.UTC())
	if err != nil {
		return models.Internal("touch stream key", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFound("stream key %s not found", id)
	}
	return nil
}

func (r *postgresRepository) InsertLiveSession(ctx context.Context, session models.LiveStreamSession) (models.LiveStreamSession, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	stored, err := scanPostgresLiveSession(r.pool.QueryRow(ctx, `
INSERT INTO live_sessions (id, channel_id, stream_key_id, title, status, scheduled_at, ingest_url, hls_url, flv_url, created_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
RETURNING `+liveSessionColumns,
		session.ID, session.ChannelID, session.StreamKeyID, session.Title, string(session.Status), session.ScheduledAt,
		session.IngestURL, session.HLSURL, session.FLVURL, session.CreatedAt.UTC()))
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && strings.Contains(constraint, "single_active") {
			return models.LiveStreamSession{}, models.Conflict(models.CodeSessionExists, "channel %s already has an active stream", session.ChannelID)
		}
		return models.LiveStreamSession{}, models.Internal("insert live session", err)
	}
	return stored, nil
}

func (r *postgresRepository) GetLiveSession(ctx context.Context, id string) (models.LiveStreamSession, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	session, err := scanPostgresLiveSession(r.pool.QueryRow(ctx, `SELECT `+liveSessionColumns+` FROM live_sessions WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return models.LiveStreamSession{}, models.NotFound("stream %s not found", id)
		}
		return models.LiveStreamSession{}, models.Internal("get live session", err)
	}
	return session, nil
}

func (r *postgresRepository) ActiveLiveSession(ctx context.Context, channelID string) (models.LiveStreamSession, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	session, err := scanPostgresLiveSession(r.pool.QueryRow(ctx, `
SELECT `+liveSessionColumns+`
FROM live_sessions
WHERE channel_id = $1 AND status IN ('SCHEDULED', 'PREPARING', 'LIVE')
`, channelID))
	if err != nil {
		if isNoRows(err) {
			return models.LiveStreamSession{}, models.NotFound("channel %s has no active stream", channelID)
		}
		return models.LiveStreamSession{}, models.Internal("get active live session", err)
	}
	return session, nil
}

func (r *postgresRepository) ListLiveSessions(ctx context.Context, channelID string, limit int) ([]models.LiveStreamSession, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT `+liveSessionColumns+`
FROM live_sessions
WHERE channel_id = $1
ORDER BY created_at DESC
LIMIT $2
`, channelID, normalizeLimit(limit))
	if err != nil {
		return nil, models.Internal("list live sessions", err)
	}
	defer rows.Close()
	sessions := make([]models.LiveStreamSession, 0)
	for rows.Next() {
		session, err := scanPostgresLiveSession(rows)
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

func (r *postgresRepository) TransitionLiveSession(ctx context.Context, id string, from []models.SessionStatus, update SessionUpdate) (models.LiveStreamSession, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	session, err := scanPostgresLiveSession(r.pool.QueryRow(ctx, `
UPDATE live_sessions
SET status = $2,
    started_at = COALESCE($3, started_at),
    ended_at = COALESCE($4, ended_at),
    duration_seconds = CASE
        WHEN $4::timestamptz IS NULL THEN duration_seconds
        WHEN COALESCE($3::timestamptz, started_at) IS NULL THEN 0
        ELSE GREATEST(FLOOR(EXTRACT(EPOCH FROM ($4::timestamptz - COALESCE($3::timestamptz, started_at)))), 0)::bigint
    END,
    terminated_reason = COALESCE($5, terminated_reason),
    version = version + 1
WHERE id = $1 AND status = ANY($6)
RETURNING `+liveSessionColumns,
		id, string(update.Status), update.StartedAt, update.EndedAt, update.TerminatedReason,
		statusStrings(from)))
	if err == nil {
		return session, nil
	}
	if !isNoRows(err) {
		return models.LiveStreamSession{}, models.Internal("transition live session", err)
	}
	current, getErr := r.GetLiveSession(ctx, id)
	if getErr != nil {
		return models.LiveStreamSession{}, getErr
	}
	return models.LiveStreamSession{}, transitionConflict(id, current.Status, update.Status)
}

func (r *postgresRepository) AdjustViewers(ctx context.Context, id string, delta int64) (models.LiveStreamSession, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	session, err := scanPostgresLiveSession(r.pool.QueryRow(ctx, `
UPDATE live_sessions
SET viewer_count = GREATEST(viewer_count + $2, 0),
    total_viewers = total_viewers + GREATEST($2, 0),
    peak_viewers = GREATEST(peak_viewers, viewer_count + $2),
    version = version + 1
WHERE id = $1 AND status = 'LIVE'
RETURNING `+liveSessionColumns, id, delta))
	if err == nil {
		return session, nil
	}
	if !isNoRows(err) {
		return models.LiveStreamSession{}, models.Internal("adjust viewers", err)
	}
	if _, getErr := r.GetLiveSession(ctx, id); getErr != nil {
		return models.LiveStreamSession{}, getErr
	}
	return models.LiveStreamSession{}, models.Conflict(models.CodeInvalidTransition, "stream %s is not live", id)
}

func (r *postgresRepository) FinalizeStats(ctx context.Context, record models.StreamStatsRecord) (models.StreamStatsRecord, bool, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.StreamStatsRecord{}, false, models.Internal("begin stats transaction", err)
	}
	defer rollbackTx(ctx, tx)

	tag, err := tx.Exec(ctx, `
INSERT INTO stream_stats (`+statsColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (stream_id) DO NOTHING
`, record.StreamID, record.ChannelID, record.TotalViewers, record.PeakViewers, record.TotalDuration,
		models.StreamDate(record.StreamDate), record.CreatedAt.UTC())
	if err != nil {
		return models.StreamStatsRecord{}, false, models.Internal("insert stream stats", err)
	}
	if tag.RowsAffected() == 0 {
		stored, err := scanPostgresStats(tx.QueryRow(ctx, `SELECT `+statsColumns+` FROM stream_stats WHERE stream_id = $1`, record.StreamID))
		if err != nil {
			return models.StreamStatsRecord{}, false, models.Internal("load stream stats", err)
		}
		return stored, false, nil
	}
	tag, err = tx.Exec(ctx, `
UPDATE channels
SET total_streams = total_streams + 1, total_stream_time = total_stream_time + $2
WHERE id = $1
`, record.ChannelID, record.TotalDuration)
	if err != nil {
		return models.StreamStatsRecord{}, false, models.Internal("update channel counters", err)
	}
	if tag.RowsAffected() == 0 {
		return models.StreamStatsRecord{}, false, models.NotFound("channel %s not found", record.ChannelID)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.StreamStatsRecord{}, false, models.Internal("commit stream stats", err)
	}
	record.StreamDate = models.StreamDate(record.StreamDate)
	return record, true, nil
}

func (r *postgresRepository) GetStats(ctx context.Context, streamID string) (models.StreamStatsRecord, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	record, err := scanPostgresStats(r.pool.QueryRow(ctx, `SELECT `+statsColumns+` FROM stream_stats WHERE stream_id = $1`, streamID))
	if err != nil {
		if isNoRows(err) {
			return models.StreamStatsRecord{}, models.NotFound("stats for stream %s not found", streamID)
		}
		return models.StreamStatsRecord{}, models.Internal("get stream stats", err)
	}
	return record, nil
}
