package common

// OperationType represents the type of a document operation.
type OperationType string

const (
	// OperationTypeInsert inserts one character between two origins.
	OperationTypeInsert OperationType = "ins"
	// OperationTypeDelete tombstones one character.
	OperationTypeDelete OperationType = "del"
)
