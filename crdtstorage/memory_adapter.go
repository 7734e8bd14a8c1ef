package crdtstorage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory SnapshotStore for tests and ephemeral
// setups.
type MemoryStore struct {
	// snapshots maps room names to serialized documents.
	snapshots map[string][]byte

	// mutex protects concurrent access to the snapshots map.
	mutex sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
	}
}

// SaveSnapshot stores a copy of the snapshot for the room.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, room string, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.snapshots[room] = append([]byte(nil), data...)
	return nil
}

// LoadSnapshot returns a copy of the stored snapshot for the room.
func (s *MemoryStore) LoadSnapshot(ctx context.Context, room string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, ok := s.snapshots[room]
	if !ok {
		return nil, errSnapshotNotFound(room)
	}
	return append([]byte(nil), data...), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
