package crdtsync

import (
	"sync"

	"textsync/common"
	"textsync/crdtpatch"
)

// PatchStore keeps every patch a session has applied, local and remote,
// so a resyncing peer can be served the patches its state vector lacks.
// Storage is in-memory and lives with the session; durable persistence
// is the snapshot store's job.
type PatchStore struct {
	mu sync.RWMutex

	// patches holds stored patches in arrival order.
	patches []*crdtpatch.Patch

	// seen guards against re-storing a redelivered patch.
	seen map[string]struct{}
}

// NewPatchStore creates an empty patch store.
func NewPatchStore() *PatchStore {
	return &PatchStore{
		seen: make(map[string]struct{}),
	}
}

// StorePatch stores a patch. Storing the same patch twice is a no-op.
func (s *PatchStore) StorePatch(patch *crdtpatch.Patch) {
	key := patch.ID().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.patches = append(s.patches, patch)
}

// MissingFor returns the stored patches containing operations the given
// state vector has not observed.
func (s *PatchStore) MissingFor(vector map[string]uint64) []*crdtpatch.Patch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []*crdtpatch.Patch
	for _, patch := range s.patches {
		if patchHasNewsFor(patch, vector) {
			missing = append(missing, patch)
		}
	}
	return missing
}

// GetPatch returns the stored patch with the given ID.
func (s *PatchStore) GetPatch(id common.LogicalTimestamp) (*crdtpatch.Patch, bool) {
	key := id.String()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.seen[key]; !ok {
		return nil, false
	}
	for _, patch := range s.patches {
		if patch.ID().Compare(id) == 0 {
			return patch, true
		}
	}
	return nil, false
}

// Len returns the number of stored patches.
func (s *PatchStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patches)
}

func patchHasNewsFor(patch *crdtpatch.Patch, vector map[string]uint64) bool {
	for _, op := range patch.Operations() {
		id := op.OpID()
		if id.Counter > vector[id.SID.String()] {
			return true
		}
	}
	return false
}
