// Package crdtpatch defines the operations exchanged between replicas and
// the patch container that batches them for one network frame.
package crdtpatch

import (
	"encoding/json"

	"textsync/common"
	"textsync/crdt"
)

// Operation is an immutable record of one document mutation. Operations
// are the unit of network exchange; causally independent operations may
// arrive in any order and must still converge.
type Operation interface {
	// Type returns the type of the operation.
	Type() common.OperationType

	// OpID returns the identifier the operation was created under.
	OpID() common.LogicalTimestamp

	// Apply applies the operation to the document. Applying the same
	// operation twice is a no-op.
	Apply(doc *crdt.Document) error

	// MarshalJSON returns a JSON representation of the operation.
	json.Marshaler

	// UnmarshalJSON parses a JSON representation of the operation.
	json.Unmarshaler
}

// MakeOperation creates an empty operation of the given type.
func MakeOperation(opType common.OperationType) Operation {
	switch opType {
	case common.OperationTypeInsert:
		return &InsertOperation{}
	case common.OperationTypeDelete:
		return &DeleteOperation{}
	default:
		return nil
	}
}

// InsertOperation inserts one character between two origin references.
type InsertOperation struct {
	ID          common.LogicalTimestamp
	Value       rune
	OriginLeft  common.LogicalTimestamp
	OriginRight common.LogicalTimestamp
}

// Type returns the type of the operation.
func (o *InsertOperation) Type() common.OperationType {
	return common.OperationTypeInsert
}

// OpID returns the identifier of the inserted element.
func (o *InsertOperation) OpID() common.LogicalTimestamp {
	return o.ID
}

// Apply integrates the insert into the document.
func (o *InsertOperation) Apply(doc *crdt.Document) error {
	_, err := doc.IntegrateInsert(o.ID, o.Value, o.OriginLeft, o.OriginRight)
	return err
}

type jsonInsertOp struct {
	Op    string                   `json:"op"`
	ID    common.LogicalTimestamp  `json:"id"`
	Value string                   `json:"value"`
	Left  *common.LogicalTimestamp `json:"left,omitempty"`
	Right *common.LogicalTimestamp `json:"right,omitempty"`
}

// MarshalJSON returns a JSON representation of the operation.
func (o *InsertOperation) MarshalJSON() ([]byte, error) {
	op := jsonInsertOp{
		Op:    string(common.OperationTypeInsert),
		ID:    o.ID,
		Value: string(o.Value),
	}
	if !o.OriginLeft.IsNil() {
		left := o.OriginLeft
		op.Left = &left
	}
	if !o.OriginRight.IsNil() {
		right := o.OriginRight
		op.Right = &right
	}
	return json.Marshal(op)
}

// UnmarshalJSON parses a JSON representation of the operation.
func (o *InsertOperation) UnmarshalJSON(data []byte) error {
	var op jsonInsertOp
	if err := json.Unmarshal(data, &op); err != nil {
		return err
	}
	if op.Op != string(common.OperationTypeInsert) {
		return common.ErrInvalidOperation{Message: "not an 'ins' operation"}
	}
	if op.Value == "" {
		return common.ErrInvalidOperation{Message: "missing 'value' field"}
	}

	o.ID = op.ID
	for _, r := range op.Value {
		o.Value = r
		break
	}
	o.OriginLeft = common.NilID
	if op.Left != nil {
		o.OriginLeft = *op.Left
	}
	o.OriginRight = common.NilID
	if op.Right != nil {
		o.OriginRight = *op.Right
	}
	return nil
}

// DeleteOperation tombstones the element with the target identifier.
type DeleteOperation struct {
	ID       common.LogicalTimestamp
	TargetID common.LogicalTimestamp
}

// Type returns the type of the operation.
func (o *DeleteOperation) Type() common.OperationType {
	return common.OperationTypeDelete
}

// OpID returns the identifier the delete was issued under.
func (o *DeleteOperation) OpID() common.LogicalTimestamp {
	return o.ID
}

// Apply tombstones the target element in the document.
func (o *DeleteOperation) Apply(doc *crdt.Document) error {
	_, err := doc.IntegrateDelete(o.TargetID)
	return err
}

type jsonDeleteOp struct {
	Op     string                  `json:"op"`
	ID     common.LogicalTimestamp `json:"id"`
	Target common.LogicalTimestamp `json:"target"`
}

// MarshalJSON returns a JSON representation of the operation.
func (o *DeleteOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonDeleteOp{
		Op:     string(common.OperationTypeDelete),
		ID:     o.ID,
		Target: o.TargetID,
	})
}

// UnmarshalJSON parses a JSON representation of the operation.
func (o *DeleteOperation) UnmarshalJSON(data []byte) error {
	var op jsonDeleteOp
	if err := json.Unmarshal(data, &op); err != nil {
		return err
	}
	if op.Op != string(common.OperationTypeDelete) {
		return common.ErrInvalidOperation{Message: "not a 'del' operation"}
	}
	o.ID = op.ID
	o.TargetID = op.Target
	return nil
}
