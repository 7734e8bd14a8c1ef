package crdtpatch

import (
	"encoding/json"

	"github.com/pkg/errors"

	"textsync/common"
	"textsync/crdt"
)

// Patch batches the operations produced by one local edit into a single
// unit for encoding and broadcast. Batching is an optimization, not a
// correctness requirement: receivers apply the contained operations
// individually.
type Patch struct {
	// id is the ID of the first operation in the patch.
	id common.LogicalTimestamp

	// operations is the list of operations in the patch.
	operations []Operation
}

// NewPatch creates an empty patch with the given base ID.
func NewPatch(id common.LogicalTimestamp) *Patch {
	return &Patch{
		id:         id,
		operations: make([]Operation, 0),
	}
}

// ID returns the ID of the patch.
func (p *Patch) ID() common.LogicalTimestamp {
	return p.id
}

// Operations returns the operations in the patch.
func (p *Patch) Operations() []Operation {
	return p.operations
}

// AddOperation adds an operation to the patch.
func (p *Patch) AddOperation(op Operation) {
	p.operations = append(p.operations, op)
}

// Apply applies every operation in the patch to the document.
func (p *Patch) Apply(doc *crdt.Document) error {
	for _, op := range p.operations {
		if err := op.Apply(doc); err != nil {
			return errors.Wrap(err, "failed to apply operation")
		}
	}
	return nil
}

// MarshalJSON implements the json.Marshaler interface.
func (p *Patch) MarshalJSON() ([]byte, error) {
	type jsonPatch struct {
		ID  common.LogicalTimestamp `json:"id"`
		Ops []json.RawMessage       `json:"ops"`
	}

	ops := make([]json.RawMessage, len(p.operations))
	for i, op := range p.operations {
		opJSON, err := json.Marshal(op)
		if err != nil {
			return nil, err
		}
		ops[i] = opJSON
	}

	return json.Marshal(jsonPatch{ID: p.id, Ops: ops})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var patch struct {
		ID  common.LogicalTimestamp `json:"id"`
		Ops []json.RawMessage       `json:"ops"`
	}
	if err := json.Unmarshal(data, &patch); err != nil {
		return err
	}

	p.id = patch.ID
	p.operations = make([]Operation, len(patch.Ops))
	for i, opJSON := range patch.Ops {
		var opmeta struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(opJSON, &opmeta); err != nil {
			return err
		}

		op := MakeOperation(common.OperationType(opmeta.Op))
		if op == nil {
			return common.ErrInvalidOperation{Message: "invalid operation type: " + opmeta.Op}
		}
		if err := json.Unmarshal(opJSON, op); err != nil {
			return err
		}
		p.operations[i] = op
	}
	return nil
}
