package common

import (
	"fmt"
)

// ErrDecode is returned when a wire frame or operation cannot be decoded.
// The session drops the frame and continues; a malformed frame must not
// desynchronize the whole session.
type ErrDecode struct {
	Message string
}

func (e ErrDecode) Error() string {
	return fmt.Sprintf("decode error: %s", e.Message)
}

// ErrOutOfRange is returned when an editor delta references an offset
// beyond the current visible text. It indicates an editor/engine desync.
type ErrOutOfRange struct {
	Offset int
	Length int
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("offset %d out of range for visible length %d", e.Offset, e.Length)
}

// ErrUnknownOrigin is returned when a remote operation references an
// identifier never seen locally. The operation may be buffered and retried
// once the missing dependency arrives.
type ErrUnknownOrigin struct {
	ID LogicalTimestamp
}

func (e ErrUnknownOrigin) Error() string {
	return fmt.Sprintf("unknown origin: %v", e.ID)
}

// ErrElementNotFound is returned when an element with the specified
// identifier does not exist in the document.
type ErrElementNotFound struct {
	ID LogicalTimestamp
}

func (e ErrElementNotFound) Error() string {
	return fmt.Sprintf("element not found: %v", e.ID)
}

// ErrInvalidOperation is returned when an operation is malformed.
type ErrInvalidOperation struct {
	Message string
}

func (e ErrInvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Message)
}

// ErrNotFound is returned when a resource is not found.
type ErrNotFound struct {
	Message string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.Message)
}
