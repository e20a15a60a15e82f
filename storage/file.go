package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/c360/loopcore/errors"
)

// FileStore keeps the snapshot in a single file.
type FileStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates a FileStore writing to path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger.With("component", "file_store")}
}

// Save writes snapshot to a temporary file in the same directory and renames
// it over the target, so readers never see a partial snapshot.
func (f *FileStore) Save(ctx context.Context, snapshot []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "FileStore", "Save", "context done")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapFatal(err, "FileStore", "Save", "create directory")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return errors.WrapTransient(err, "FileStore", "Save", "create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(snapshot); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.WrapTransient(err, "FileStore", "Save", "write snapshot")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.WrapTransient(err, "FileStore", "Save", "sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.WrapTransient(err, "FileStore", "Save", "close snapshot")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return errors.WrapTransient(err, "FileStore", "Save", "rename snapshot")
	}

	f.logger.Debug("snapshot saved", "path", f.path, "bytes", len(snapshot))
	return nil
}

// Load reads the snapshot. A missing file yields nil.
func (f *FileStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "FileStore", "Load", "context done")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "FileStore", "Load", "read snapshot")
	}
	return data, nil
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }
