package crdtwire

import (
	"encoding/json"
	"fmt"

	"textsync/common"
)

// FrameType discriminates what a frame carries. One transport connection
// multiplexes document patches, awareness updates, and resync messages.
type FrameType string

const (
	// FrameTypePatch carries an encoded document patch.
	FrameTypePatch FrameType = "patch"
	// FrameTypeAwareness carries an awareness update or full state.
	FrameTypeAwareness FrameType = "awareness"
	// FrameTypeSync carries a resync protocol message.
	FrameTypeSync FrameType = "sync"
)

// Frame is the envelope written to the transport. The payload stays
// opaque here; the session routes it to the right decoder by type.
type Frame struct {
	// Type is the frame type.
	Type FrameType `json:"type"`

	// From is the session ID of the sending replica.
	From common.SessionID `json:"from"`

	// Format is the payload encoding format for patch frames.
	Format Format `json:"format,omitempty"`

	// Payload is the encoded frame body.
	Payload []byte `json:"payload"`
}

// EncodeFrame serializes a frame for transport.
func EncodeFrame(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses a frame received from the transport. Malformed
// frames yield common.ErrDecode; the caller drops them and continues.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, common.ErrDecode{Message: err.Error()}
	}
	switch f.Type {
	case FrameTypePatch, FrameTypeAwareness, FrameTypeSync:
	default:
		return nil, common.ErrDecode{Message: fmt.Sprintf("unrecognized frame type %q", f.Type)}
	}
	return &f, nil
}
