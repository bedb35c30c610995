package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"mediacore/internal/models"
)

// LocalSink writes objects below a root directory. Each object appears
// atomically: readers see either the previous file or the complete new one.
type LocalSink struct {
	root string
}

func NewLocalSink(root string) (*LocalSink, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local sink requires a directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	return &LocalSink{root: abs}, nil
}

// Root is the directory objects are written below.
func (s *LocalSink) Root() string {
	return s.root
}

// Path resolves key to a file below the root. Keys that escape the root are
// rejected.
func (s *LocalSink) Path(key string) (string, error) {
	cleaned := filepath.FromSlash(strings.TrimLeft(strings.TrimSpace(key), "/"))
	if cleaned == "" || !filepath.IsLocal(cleaned) {
		return "", models.Validation("invalid storage key %q", key)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *LocalSink) Store(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	target, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return models.Internal("store media object", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return models.Internal("create media directory", err)
	}
	tmp, err := renameio.TempFile("", target)
	if err != nil {
		return models.Internal("create media object", err)
	}
	defer func() {
		_ = tmp.Cleanup()
	}()
	written, err := io.Copy(tmp, body)
	if err != nil {
		return models.Internal("write media object", err)
	}
	if size >= 0 && written != size {
		return models.Validation("media object %s has %d bytes, expected %d", key, written, size)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return models.Internal("write media object", err)
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return models.Internal("replace media object", err)
	}
	return nil
}

// Delete removes the object stored under key. Missing objects succeed.
func (s *LocalSink) Delete(ctx context.Context, key string) error {
	target, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return models.Internal("delete media object", err)
	}
	return nil
}
