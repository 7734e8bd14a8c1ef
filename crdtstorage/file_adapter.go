package crdtstorage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileStore persists snapshots as files under a base directory, one
// file per room.
type FileStore struct {
	// basePath is the directory snapshots are written to.
	basePath string
}

// NewFileStore creates a file store rooted at basePath, creating the
// directory if needed.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create snapshot directory %s", basePath)
	}
	return &FileStore{basePath: basePath}, nil
}

// SaveSnapshot writes the snapshot to a temp file and renames it into
// place so a crash mid-write never leaves a truncated snapshot.
func (s *FileStore) SaveSnapshot(ctx context.Context, room string, data []byte) error {
	path := s.snapshotPath(room)

	tmp, err := os.CreateTemp(s.basePath, "snapshot-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to write snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to close snapshot file")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to move snapshot into place")
	}
	return nil
}

// LoadSnapshot reads the stored snapshot for the room.
func (s *FileStore) LoadSnapshot(ctx context.Context, room string) ([]byte, error) {
	data, err := os.ReadFile(s.snapshotPath(room))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errSnapshotNotFound(room)
		}
		return nil, errors.Wrap(err, "failed to read snapshot")
	}
	return data, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) snapshotPath(room string) string {
	// Room names come from embedders; keep the filename flat.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(room)
	return filepath.Join(s.basePath, safe+".json")
}
