package upload

import (
	"context"

	"mediacore/internal/models"
)

// sessionReader is the durable view the assembler checks completion against.
type sessionReader interface {
	Reload(ctx context.Context, id string) (models.UploadSession, error)
}

// Assembler accumulates chunks for a session and produces the contiguous
// payload once the durable record reports the upload complete.
type Assembler struct {
	sessions sessionReader
	buffer   ChunkBuffer
}

func NewAssembler(sessions sessionReader, buffer ChunkBuffer) *Assembler {
	return &Assembler{sessions: sessions, buffer: buffer}
}

// Append buffers data at offset and returns the buffered end.
func (a *Assembler) Append(ctx context.Context, id string, offset int64, data []byte) (int64, error) {
	if offset < 0 {
		return 0, models.Validation("chunk offset must not be negative")
	}
	end, err := a.buffer.Append(ctx, id, offset, data)
	if err != nil {
		if models.IsKind(err, models.KindConflict) {
			return end, err
		}
		return end, models.Internal("buffer chunk", err)
	}
	return end, nil
}

// Assemble returns exactly totalLength bytes for a completed session.
func (a *Assembler) Assemble(ctx context.Context, id string) ([]byte, error) {
	session, err := a.sessions.Reload(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != models.UploadCompleted {
		return nil, models.Conflict(models.CodeIncomplete, "upload %s has %d of %d bytes", id, session.Offset, session.TotalLength)
	}
	data, err := a.buffer.Read(ctx, id, session.TotalLength)
	if err != nil {
		return nil, models.Internal("read buffered chunks", err)
	}
	if int64(len(data)) != session.TotalLength {
		return nil, models.BufferLost("upload %s buffer holds %d of %d bytes", id, len(data), session.TotalLength)
	}
	return data, nil
}

// Clear discards buffered chunks for id.
func (a *Assembler) Clear(ctx context.Context, id string) error {
	if err := a.buffer.Clear(ctx, id); err != nil {
		return models.Internal("clear buffered chunks", err)
	}
	return nil
}
