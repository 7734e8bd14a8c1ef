// Package crdtstorage persists document snapshots between sessions. The
// engine core stays storage-agnostic; a session serializes its document
// and hands the bytes to whichever adapter the embedder wired in.
package crdtstorage

import (
	"context"

	"github.com/pkg/errors"

	"textsync/common"
	"textsync/crdtsync"
)

// SnapshotStore saves and loads serialized document snapshots keyed by
// room.
type SnapshotStore interface {
	// SaveSnapshot stores the snapshot for the room, replacing any
	// previous one.
	SaveSnapshot(ctx context.Context, room string, data []byte) error

	// LoadSnapshot returns the stored snapshot for the room. A missing
	// snapshot yields common.ErrNotFound.
	LoadSnapshot(ctx context.Context, room string) ([]byte, error)

	// Close releases the adapter's resources.
	Close() error
}

func errSnapshotNotFound(room string) error {
	return common.ErrNotFound{Message: "snapshot for room " + room}
}

// SaveSession persists the session's current document snapshot under its
// room.
func SaveSession(ctx context.Context, store SnapshotStore, s *crdtsync.Session) error {
	data, err := s.Snapshot()
	if err != nil {
		return errors.Wrap(err, "failed to serialize document")
	}
	return store.SaveSnapshot(ctx, s.Room(), data)
}
