// Package crdtwire serializes patches and the frame envelope that carries
// them between replicas. The codec is self-describing: every operation is
// tagged, and unrecognized tags surface as a decode error the session
// treats as "drop and continue".
package crdtwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"textsync/common"
	"textsync/crdtpatch"
)

// Format represents the format used to encode patches.
type Format string

const (
	// FormatJSON is a verbose human-readable JSON encoding.
	FormatJSON Format = "json"
	// FormatBinary is a compact binary encoding.
	FormatBinary Format = "binary"
)

// binaryVersion is the current binary codec version. Frames with an
// unknown version are rejected, not guessed at.
const binaryVersion = 1

// Operation tags for the binary encoding.
const (
	binaryTagInsert byte = 1
	binaryTagDelete byte = 2
)

// Encoder encodes a patch into a byte array.
type Encoder interface {
	// Encode encodes a patch into a byte array.
	Encode(patch *crdtpatch.Patch) ([]byte, error)
}

// Decoder decodes a byte array into a patch.
type Decoder interface {
	// Decode decodes a byte array into a patch.
	Decode(data []byte) (*crdtpatch.Patch, error)
}

// EncoderDecoder combines the Encoder and Decoder interfaces.
type EncoderDecoder interface {
	Encoder
	Decoder
}

// GetEncoderDecoder returns an EncoderDecoder for the specified format.
func GetEncoderDecoder(format Format) (EncoderDecoder, error) {
	switch format {
	case FormatJSON:
		return &JSONEncoderDecoder{}, nil
	case FormatBinary:
		return &BinaryEncoderDecoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported encoding format: %s", format)
	}
}

// JSONEncoderDecoder implements the EncoderDecoder interface using JSON.
type JSONEncoderDecoder struct{}

// Encode encodes a patch into a JSON byte array.
func (ed *JSONEncoderDecoder) Encode(patch *crdtpatch.Patch) ([]byte, error) {
	return patch.MarshalJSON()
}

// Decode decodes a JSON byte array into a patch.
func (ed *JSONEncoderDecoder) Decode(data []byte) (*crdtpatch.Patch, error) {
	patch := crdtpatch.NewPatch(common.NilID)
	if err := patch.UnmarshalJSON(data); err != nil {
		return nil, common.ErrDecode{Message: err.Error()}
	}
	return patch, nil
}

// BinaryEncoderDecoder implements the EncoderDecoder interface using a
// compact tagged binary layout: a version byte, the patch ID, an
// operation count, then one tagged record per operation. Identifiers are
// written as the raw 16 session ID bytes followed by a uvarint counter.
type BinaryEncoderDecoder struct{}

// Encode encodes a patch into a binary byte array.
func (ed *BinaryEncoderDecoder) Encode(patch *crdtpatch.Patch) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(binaryVersion)
	writeID(&buf, patch.ID())

	ops := patch.Operations()
	writeUvarint(&buf, uint64(len(ops)))

	for _, op := range ops {
		switch o := op.(type) {
		case *crdtpatch.InsertOperation:
			buf.WriteByte(binaryTagInsert)
			writeID(&buf, o.ID)
			writeUvarint(&buf, uint64(o.Value))
			writeOptionalID(&buf, o.OriginLeft)
			writeOptionalID(&buf, o.OriginRight)
		case *crdtpatch.DeleteOperation:
			buf.WriteByte(binaryTagDelete)
			writeID(&buf, o.ID)
			writeID(&buf, o.TargetID)
		default:
			return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("unsupported operation type %T", op)}
		}
	}
	return buf.Bytes(), nil
}

// Decode decodes a binary byte array into a patch.
func (ed *BinaryEncoderDecoder) Decode(data []byte) (*crdtpatch.Patch, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, common.ErrDecode{Message: "empty frame"}
	}
	if version != binaryVersion {
		return nil, common.ErrDecode{Message: fmt.Sprintf("unsupported binary version %d", version)}
	}

	patchID, err := readID(r)
	if err != nil {
		return nil, common.ErrDecode{Message: "truncated patch id"}
	}
	patch := crdtpatch.NewPatch(patchID)

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, common.ErrDecode{Message: "truncated operation count"}
	}
	if count > uint64(len(data)) {
		// An attacker-controlled count must not drive allocation.
		return nil, common.ErrDecode{Message: "operation count exceeds frame size"}
	}

	for i := uint64(0); i < count; i++ {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, common.ErrDecode{Message: "truncated operation tag"}
		}
		switch tag {
		case binaryTagInsert:
			op := &crdtpatch.InsertOperation{}
			if op.ID, err = readID(r); err != nil {
				return nil, common.ErrDecode{Message: "truncated insert id"}
			}
			value, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, common.ErrDecode{Message: "truncated insert value"}
			}
			op.Value = rune(value)
			if op.OriginLeft, err = readOptionalID(r); err != nil {
				return nil, common.ErrDecode{Message: "truncated origin_left"}
			}
			if op.OriginRight, err = readOptionalID(r); err != nil {
				return nil, common.ErrDecode{Message: "truncated origin_right"}
			}
			patch.AddOperation(op)
		case binaryTagDelete:
			op := &crdtpatch.DeleteOperation{}
			if op.ID, err = readID(r); err != nil {
				return nil, common.ErrDecode{Message: "truncated delete id"}
			}
			if op.TargetID, err = readID(r); err != nil {
				return nil, common.ErrDecode{Message: "truncated delete target"}
			}
			patch.AddOperation(op)
		default:
			return nil, common.ErrDecode{Message: fmt.Sprintf("unrecognized operation tag %d", tag)}
		}
	}
	return patch, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeID(buf *bytes.Buffer, id common.LogicalTimestamp) {
	buf.Write(id.SID.Bytes())
	writeUvarint(buf, id.Counter)
}

func readID(r *bytes.Reader) (common.LogicalTimestamp, error) {
	var raw [16]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return common.NilID, err
	}
	sid, err := common.SessionIDFromBytes(raw[:])
	if err != nil {
		return common.NilID, err
	}
	counter, err := binary.ReadUvarint(r)
	if err != nil {
		return common.NilID, err
	}
	return common.LogicalTimestamp{SID: sid, Counter: counter}, nil
}

// writeOptionalID writes a presence byte followed by the identifier, so
// NilID origins (document boundaries) cost a single byte.
func writeOptionalID(buf *bytes.Buffer, id common.LogicalTimestamp) {
	if id.IsNil() {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeID(buf, id)
}

func readOptionalID(r *bytes.Reader) (common.LogicalTimestamp, error) {
	present, err := r.ReadByte()
	if err != nil {
		return common.NilID, err
	}
	if present == 0 {
		return common.NilID, nil
	}
	return readID(r)
}
