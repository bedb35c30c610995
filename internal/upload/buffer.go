package upload

import (
	"context"
	"fmt"
	"sync"

	"mediacore/internal/models"
)

// ChunkBuffer holds the raw bytes of in-flight uploads. Buffers are
// ephemeral; resumability rests on the durable offset, not on buffered data.
type ChunkBuffer interface {
	// Append discards any bytes buffered at or past offset, stores data there
	// and returns the new buffered end. A chunk starting past the buffered end
	// fails with a chunk_gap conflict carrying the buffered end.
	Append(ctx context.Context, id string, offset int64, data []byte) (int64, error)
	// End reports how many contiguous bytes are buffered for id.
	End(ctx context.Context, id string) (int64, error)
	// Read returns up to length contiguous bytes from the start of the buffer.
	Read(ctx context.Context, id string, length int64) ([]byte, error)
	// Clear discards everything buffered for id.
	Clear(ctx context.Context, id string) error
}

func chunkGap(id string, end int64) *models.Error {
	err := models.Conflict(models.CodeChunkGap, "upload %s has %d buffered bytes, chunk would leave a gap", id, end)
	err.Offset = end
	return err
}

// MemoryBuffer keeps chunks in process memory. It suits single-instance
// deployments and tests.
type MemoryBuffer struct {
	mu      sync.Mutex
	uploads map[string][]byte
}

func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{uploads: make(map[string][]byte)}
}

func (b *MemoryBuffer) Append(ctx context.Context, id string, offset int64, data []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.uploads[id]
	end := int64(len(current))
	if offset < 0 || offset > end {
		return end, chunkGap(id, end)
	}
	current = append(current[:offset:offset], data...)
	b.uploads[id] = current
	return int64(len(current)), nil
}

func (b *MemoryBuffer) End(ctx context.Context, id string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.uploads[id])), nil
}

func (b *MemoryBuffer) Read(ctx context.Context, id string, length int64) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("negative read length %d", length)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.uploads[id]
	if int64(len(current)) > length {
		current = current[:length]
	}
	out := make([]byte, len(current))
	copy(out, current)
	return out, nil
}

func (b *MemoryBuffer) Clear(ctx context.Context, id string) error {
	b.mu.Lock()
	delete(b.uploads, id)
	b.mu.Unlock()
	return nil
}

// Len reports how many uploads currently hold buffered bytes.
func (b *MemoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}
