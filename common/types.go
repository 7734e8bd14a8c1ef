package common

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SessionID identifies one replica of a collaborative document.
// It is implemented as a UUID v7 which provides time-ordered values.
type SessionID uuid.UUID

// NilSessionID is the zero value for SessionID.
var NilSessionID SessionID

// NilID is the zero value for LogicalTimestamp. It is used as the origin
// reference of elements inserted at a document boundary.
var NilID = LogicalTimestamp{SID: NilSessionID, Counter: 0}

// NewSessionID creates a new SessionID using UUID v7.
// It panics if the UUID cannot be created.
func NewSessionID() SessionID {
	const retry = 3

	var lastErr error
	var id uuid.UUID
	for i := 0; i < retry; i++ {
		id, lastErr = uuid.NewV7()
		if lastErr == nil {
			break
		}
	}

	if lastErr != nil {
		panic(lastErr)
	}

	return SessionID(id)
}

// String returns the string representation of the SessionID.
func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

// IsNil reports whether the SessionID is the zero value.
func (s SessionID) IsNil() bool {
	return s.Compare(NilSessionID) == 0
}

// Compare compares two SessionIDs byte-wise.
// Returns:
//
//	-1 if s < other
//	 0 if s == other
//	 1 if s > other
func (s SessionID) Compare(other SessionID) int {
	a, b := uuid.UUID(s), uuid.UUID(other)
	return bytes.Compare(a[:], b[:])
}

// Bytes returns the raw 16-byte representation of the SessionID.
func (s SessionID) Bytes() []byte {
	u := uuid.UUID(s)
	b := make([]byte, 16)
	copy(b, u[:])
	return b
}

// SessionIDFromBytes creates a SessionID from its raw 16-byte representation.
func SessionIDFromBytes(b []byte) (SessionID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NilSessionID, err
	}
	return SessionID(u), nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(s).String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (s *SessionID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("invalid UUID format: %w", err)
	}
	*s = SessionID(u)
	return nil
}

// LogicalTimestamp is the globally unique, totally ordered identifier
// assigned to every inserted character. Uniqueness comes from the pair of
// the owning replica's SessionID and that replica's monotonic counter.
type LogicalTimestamp struct {
	SID     SessionID `json:"sid"`
	Counter uint64    `json:"cnt"`
}

// Compare orders two timestamps by (Counter, SID). The counter is compared
// first so that concurrent inserts from different replicas tie-break
// deterministically: the lower (counter, session) pair sorts first.
// Returns:
//
//	-1 if t < other
//	 0 if t == other
//	 1 if t > other
func (t LogicalTimestamp) Compare(other LogicalTimestamp) int {
	if t.Counter < other.Counter {
		return -1
	}
	if t.Counter > other.Counter {
		return 1
	}
	return t.SID.Compare(other.SID)
}

// IsNil reports whether the timestamp is the zero value.
func (t LogicalTimestamp) IsNil() bool {
	return t.Counter == 0 && t.SID.IsNil()
}

// Next returns the next logical timestamp in the sequence.
func (t LogicalTimestamp) Next() LogicalTimestamp {
	return LogicalTimestamp{
		SID:     t.SID,
		Counter: t.Counter + 1,
	}
}

// String returns a string representation of the logical timestamp.
func (t LogicalTimestamp) String() string {
	data, _ := json.Marshal(t)
	return string(data)
}
