package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/medtrack-ai/modelops/pkg/common/logger"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// FileStore keeps model artifacts as files under a single directory.
// Handles are opaque to callers and resolve to file names here.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle := fmt.Sprintf("%s.json", uuid.New().String())
	path := filepath.Join(s.dir, handle)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("artifact write failed: %w", err)
	}
	logger.Log.WithFields(map[string]interface{}{
		"handle": handle,
		"size":   len(data),
	}).Debug("Artifact stored")
	return handle, nil
}

func (s *FileStore) Get(ctx context.Context, handle string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, filepath.Clean(handle))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return data, nil
}
