package upload

import (
	"context"
	"log/slog"

	"mediacore/internal/models"
	"mediacore/internal/observability/logging"
)

// Notifier is told about sessions that just reached their total length.
type Notifier interface {
	Enqueue(id string)
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store     *SessionStore
	Assembler *Assembler
	Notifier  Notifier
	Logger    *slog.Logger
}

// Service is the caller-facing upload protocol. Every operation checks that
// the caller owns the session before touching it; a session owned by someone
// else is reported as absent.
type Service struct {
	store     *SessionStore
	assembler *Assembler
	notifier  Notifier
	logger    *slog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		assembler: cfg.Assembler,
		notifier:  cfg.Notifier,
		logger:    logging.WithComponent(logger, "upload_service"),
	}
}

// MaxUploadSize reports the largest totalLength Create accepts.
func (s *Service) MaxUploadSize() int64 {
	return s.store.MaxUploadSize()
}

// Create opens a new session owned by callerID.
func (s *Service) Create(ctx context.Context, callerID string, totalLength int64, metadata map[string]string) (models.UploadSession, error) {
	session, err := s.store.Create(ctx, callerID, totalLength, metadata)
	if err != nil {
		return models.UploadSession{}, err
	}
	logging.WithContext(logging.ContextWithUploadID(ctx, session.ID), s.logger).Info("upload created", "total_length", totalLength)
	return session, nil
}

// Head returns the confirmed offset and metadata without side effects.
func (s *Service) Head(ctx context.Context, callerID, id string) (models.UploadSession, error) {
	if callerID == "" {
		return models.UploadSession{}, models.Unauthorized("caller identity is required")
	}
	session, err := s.store.Get(ctx, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	if session.OwnerID != callerID {
		return models.UploadSession{}, models.NotFound("upload %s not found", id)
	}
	return session, nil
}

// Patch appends data at offset. The offset is checked against the durable
// record before any bytes are buffered. The chunk then overwrites whatever the
// buffer holds from offset on, and the durable offset is advanced last, so a
// retry after a failed durable write replaces its own earlier bytes.
func (s *Service) Patch(ctx context.Context, callerID, id string, offset int64, data []byte) (models.UploadSession, error) {
	session, err := s.Head(ctx, callerID, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	if offset < 0 {
		return models.UploadSession{}, models.Validation("upload offset must not be negative")
	}
	length := int64(len(data))
	if offset+length > session.TotalLength {
		return models.UploadSession{}, models.Validation("chunk of %d bytes at offset %d exceeds upload length %d", length, offset, session.TotalLength)
	}
	if session.Status == models.UploadCompleted {
		return models.UploadSession{}, models.OffsetConflict(session.Offset)
	}

	durable, err := s.store.Reload(ctx, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	if durable.Status != models.UploadUploading || durable.Offset != offset {
		return models.UploadSession{}, models.OffsetConflict(durable.Offset)
	}

	if _, err := s.assembler.Append(ctx, id, offset, data); err != nil {
		if models.CodeOf(err) == models.CodeChunkGap {
			return models.UploadSession{}, s.abandon(ctx, id, offset)
		}
		return models.UploadSession{}, err
	}

	updated, err := s.store.ApplyOffset(ctx, id, offset, length)
	if err != nil {
		return models.UploadSession{}, err
	}
	if updated.Status == models.UploadCompleted {
		logging.WithContext(ctx, s.logger).Info("upload completed", "upload_id", id, "total_length", updated.TotalLength)
		if s.notifier != nil {
			s.notifier.Enqueue(id)
		}
	}
	return updated, nil
}

// abandon cancels an upload whose buffered bytes no longer reach its durable
// offset. The client sees the upload as gone and starts a new one.
func (s *Service) abandon(ctx context.Context, id string, offset int64) error {
	logging.WithContext(ctx, s.logger).Warn("buffered chunks lost, cancelling upload", "upload_id", id, "offset", offset)
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	return models.NotFound("upload %s lost its buffered data and must be restarted", id)
}

// Delete cancels the caller's session. Unknown ids and sessions owned by
// someone else succeed without effect; only repository failures surface.
func (s *Service) Delete(ctx context.Context, callerID, id string) error {
	if callerID == "" {
		return models.Unauthorized("caller identity is required")
	}
	session, err := s.store.Reload(ctx, id)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return nil
		}
		return err
	}
	if session.OwnerID != callerID {
		return nil
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	logging.WithContext(ctx, s.logger).Info("upload cancelled", "upload_id", id)
	return nil
}
