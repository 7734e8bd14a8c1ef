package crdtsync

import (
	"sync"

	"textsync/common"
)

// StateVector tracks the highest operation counter observed per replica.
// Comparing vectors tells a peer exactly which patches the other side is
// missing during a resync.
type StateVector struct {
	// vector maps session ID strings to counter values.
	vector map[string]uint64

	// mutex protects concurrent access to the vector.
	mutex sync.RWMutex
}

// NewStateVector creates an empty state vector.
func NewStateVector() *StateVector {
	return &StateVector{
		vector: make(map[string]uint64),
	}
}

// Update raises the counter for the timestamp's replica if the timestamp
// is newer than what is recorded.
func (sv *StateVector) Update(ts common.LogicalTimestamp) {
	sv.mutex.Lock()
	defer sv.mutex.Unlock()

	sidStr := ts.SID.String()
	if current, ok := sv.vector[sidStr]; !ok || ts.Counter > current {
		sv.vector[sidStr] = ts.Counter
	}
}

// Get returns a copy of the state vector.
func (sv *StateVector) Get() map[string]uint64 {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()

	result := make(map[string]uint64, len(sv.vector))
	for sidStr, counter := range sv.vector {
		result[sidStr] = counter
	}
	return result
}

// GetCounter returns the recorded counter for the given replica.
func (sv *StateVector) GetCounter(sid common.SessionID) uint64 {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()
	return sv.vector[sid.String()]
}

// HasUpdates reports whether this vector has seen operations the other
// vector has not.
func (sv *StateVector) HasUpdates(other map[string]uint64) bool {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()

	for sidStr, counter := range sv.vector {
		if otherCounter, ok := other[sidStr]; !ok || counter > otherCounter {
			return true
		}
	}
	return false
}

// Merge folds the other vector into this one, keeping per-replica maxima.
func (sv *StateVector) Merge(other map[string]uint64) {
	sv.mutex.Lock()
	defer sv.mutex.Unlock()

	for sidStr, counter := range other {
		if current, ok := sv.vector[sidStr]; !ok || counter > current {
			sv.vector[sidStr] = counter
		}
	}
}
