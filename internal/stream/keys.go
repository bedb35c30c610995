package stream

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"mediacore/internal/models"
	"mediacore/internal/observability/logging"
	"mediacore/internal/observability/metrics"
	"mediacore/internal/storage"
)

const (
	// MaxActiveKeys is the per-channel ceiling on ACTIVE stream keys.
	MaxActiveKeys = 3
	// DefaultKeyTTL is how long an issued key stays valid.
	DefaultKeyTTL = 90 * 24 * time.Hour

	secretBytes      = 32
	issueAttempts    = 3
	maxPermissionLen = 32
)

type KeyRegistryConfig struct {
	Store     Store
	TTL       time.Duration
	MaxActive int
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Now       func() time.Time
	// Random overrides the secret source in tests.
	Random io.Reader
}

// KeyRegistry issues, lists, revokes and validates stream keys.
type KeyRegistry struct {
	store     Store
	ttl       time.Duration
	maxActive int
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
	random    io.Reader
}

func NewKeyRegistry(cfg KeyRegistryConfig) *KeyRegistry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	maxActive := cfg.MaxActive
	if maxActive <= 0 {
		maxActive = MaxActiveKeys
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	return &KeyRegistry{
		store:     cfg.Store,
		ttl:       ttl,
		maxActive: maxActive,
		logger:    logging.WithComponent(logger, "stream_keys"),
		metrics:   cfg.Metrics,
		now:       now,
		random:    random,
	}
}

// Digest is the lookup form of a secret stored under a unique index.
func Digest(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (r *KeyRegistry) generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(r.random, buf); err != nil {
		return "", fmt.Errorf("generate stream key secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue creates an ACTIVE key for the channel. It fails with a quota_exceeded
// conflict once the channel holds the maximum number of active keys. The quota
// check and the insert run as one durable operation.
func (r *KeyRegistry) Issue(ctx context.Context, channelID string, permissions []string) (models.StreamKey, error) {
	if _, err := r.store.GetChannel(ctx, channelID); err != nil {
		return models.StreamKey{}, err
	}
	perms, err := normalizePermissions(permissions)
	if err != nil {
		return models.StreamKey{}, err
	}
	logger := logging.WithContext(logging.ContextWithChannelID(ctx, channelID), r.logger)

	for attempt := 1; ; attempt++ {
		secret, err := r.generateSecret()
		if err != nil {
			return models.StreamKey{}, models.Internal("issue stream key", err)
		}
		now := r.now().UTC()
		key := models.StreamKey{
			ID:          uuid.NewString(),
			ChannelID:   channelID,
			Secret:      secret,
			Status:      models.KeyActive,
			Permissions: perms,
			CreatedAt:   now,
			ExpiresAt:   now.Add(r.ttl),
		}
		stored, err := r.store.InsertStreamKey(ctx, key, Digest(secret), r.maxActive, now)
		switch {
		case err == nil:
			r.metrics.KeyEvent("issued")
			logger.Info("stream key issued", "key_id", stored.ID)
			return stored, nil
		case errors.Is(err, storage.ErrDuplicateSecret) && attempt < issueAttempts:
			logger.Warn("stream key secret collided, regenerating", "attempt", attempt)
			continue
		case errors.Is(err, storage.ErrDuplicateSecret):
			return models.StreamKey{}, models.Internal("issue stream key", err)
		case models.CodeOf(err) == models.CodeQuotaExceeded:
			r.metrics.KeyEvent("quota_exceeded")
			return models.StreamKey{}, err
		default:
			return models.StreamKey{}, err
		}
	}
}

// List returns the channel's keys newest first. Secrets are masked unless the
// key is usable and callerID owns the channel.
func (r *KeyRegistry) List(ctx context.Context, channelID, callerID string) ([]models.StreamKey, error) {
	channel, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	keys, err := r.store.ListStreamKeys(ctx, channelID)
	if err != nil {
		return nil, err
	}
	owner := callerID != "" && channel.OwnerID == callerID
	now := r.now()
	out := make([]models.StreamKey, 0, len(keys))
	for _, key := range keys {
		if owner && key.Status == models.KeyActive && !key.Expired(now) {
			out = append(out, key)
			continue
		}
		out = append(out, key.Masked())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Get returns a key by id with its secret masked.
func (r *KeyRegistry) Get(ctx context.Context, keyID string) (models.StreamKey, error) {
	key, err := r.store.GetStreamKey(ctx, keyID)
	if err != nil {
		return models.StreamKey{}, err
	}
	return key.Masked(), nil
}

// Revoke marks the key REVOKED. Revoking twice is harmless and sessions
// already running on the key are left alone.
func (r *KeyRegistry) Revoke(ctx context.Context, keyID string) (models.StreamKey, error) {
	key, err := r.store.RevokeStreamKey(ctx, keyID)
	if err != nil {
		return models.StreamKey{}, err
	}
	r.metrics.KeyEvent("revoked")
	logging.WithContext(ctx, r.logger).Info("stream key revoked", "key_id", keyID, "channel_id", key.ChannelID)
	return key.Masked(), nil
}

// Validate resolves a presented secret to a usable key.
func (r *KeyRegistry) Validate(ctx context.Context, secret string) (models.StreamKey, error) {
	key, err := r.Lookup(ctx, secret)
	if err != nil {
		return models.StreamKey{}, err
	}
	if err := r.usable(key); err != nil {
		return models.StreamKey{}, err
	}
	return key, nil
}

// Lookup resolves a presented secret to its key regardless of status.
func (r *KeyRegistry) Lookup(ctx context.Context, secret string) (models.StreamKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return models.StreamKey{}, models.Unauthorized("stream key is required")
	}
	key, err := r.store.GetStreamKeyByDigest(ctx, Digest(secret))
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			r.metrics.KeyEvent("rejected")
			return models.StreamKey{}, models.Unauthorized("stream key is not recognized")
		}
		return models.StreamKey{}, err
	}
	if subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) != 1 {
		r.metrics.KeyEvent("rejected")
		return models.StreamKey{}, models.Unauthorized("stream key is not recognized")
	}
	return key, nil
}

// ValidateKey checks that keyID is usable, belongs to channelID and may
// publish.
func (r *KeyRegistry) ValidateKey(ctx context.Context, keyID, channelID string) (models.StreamKey, error) {
	key, err := r.store.GetStreamKey(ctx, keyID)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return models.StreamKey{}, models.Unauthorized("stream key %s is not valid", keyID)
		}
		return models.StreamKey{}, err
	}
	if key.ChannelID != channelID {
		return models.StreamKey{}, models.Unauthorized("stream key %s is not valid for channel %s", keyID, channelID)
	}
	if err := r.usable(key); err != nil {
		return models.StreamKey{}, err
	}
	if !key.HasPermission(models.PermissionPublish) {
		return models.StreamKey{}, models.Unauthorized("stream key %s may not publish", keyID)
	}
	return key, nil
}

func (r *KeyRegistry) usable(key models.StreamKey) error {
	switch {
	case key.Status == models.KeyRevoked:
		r.metrics.KeyEvent("rejected")
		return models.Unauthorized("stream key %s has been revoked", key.ID)
	case key.Status != models.KeyActive:
		r.metrics.KeyEvent("rejected")
		return models.Unauthorized("stream key %s is inactive", key.ID)
	case key.Expired(r.now()):
		r.metrics.KeyEvent("rejected")
		return models.Unauthorized("stream key %s has expired", key.ID)
	}
	return nil
}

// TouchUsage records one use of the key.
func (r *KeyRegistry) TouchUsage(ctx context.Context, keyID string) error {
	return r.store.TouchStreamKey(ctx, keyID, r.now().UTC())
}

func normalizePermissions(permissions []string) ([]string, error) {
	if len(permissions) == 0 {
		return []string{models.PermissionPublish}, nil
	}
	seen := make(map[string]struct{}, len(permissions))
	out := make([]string, 0, len(permissions))
	for _, permission := range permissions {
		normalized := strings.ToLower(strings.TrimSpace(permission))
		if normalized == "" {
			continue
		}
		if len(normalized) > maxPermissionLen || strings.ContainsAny(normalized, " ,") {
			return nil, models.Validation("invalid permission %q", permission)
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		return []string{models.PermissionPublish}, nil
	}
	sort.Strings(out)
	return out, nil
}
