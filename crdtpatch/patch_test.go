package crdtpatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"textsync/common"
	"textsync/crdt"
)

func TestBuilderInsert(t *testing.T) {
	doc := crdt.NewDocument(common.NewSessionID())
	builder := NewBuilder(doc)

	patch, created, err := builder.Insert(0, "hi")
	assert.NoError(t, err)
	assert.Len(t, created, 2)
	assert.Len(t, patch.Operations(), 2)
	assert.Equal(t, "hi", doc.VisibleText())

	// The patch replays the edit on a fresh replica.
	remote := crdt.NewDocument(common.NewSessionID())
	assert.NoError(t, patch.Apply(remote))
	assert.Equal(t, "hi", remote.VisibleText())
}

func TestBuilderDelete(t *testing.T) {
	doc := crdt.NewDocument(common.NewSessionID())
	builder := NewBuilder(doc)

	insPatch, _, err := builder.Insert(0, "hello")
	require.NoError(t, err)
	delPatch, deleted, err := builder.Delete(1, 3)
	assert.NoError(t, err)
	assert.Len(t, deleted, 3)
	assert.Len(t, delPatch.Operations(), 3)
	assert.Equal(t, "ho", doc.VisibleText())

	remote := crdt.NewDocument(common.NewSessionID())
	require.NoError(t, insPatch.Apply(remote))
	require.NoError(t, delPatch.Apply(remote))
	assert.Equal(t, "ho", remote.VisibleText())
}

func TestBuilderInsertOutOfRange(t *testing.T) {
	doc := crdt.NewDocument(common.NewSessionID())
	builder := NewBuilder(doc)

	_, _, err := builder.Insert(1, "x")
	assert.Error(t, err)
	var oor common.ErrOutOfRange
	assert.ErrorAs(t, err, &oor)
}

func TestPatchJSONRoundTrip(t *testing.T) {
	doc := crdt.NewDocument(common.NewSessionID())
	builder := NewBuilder(doc)
	patch, _, err := builder.Insert(0, "ab")
	require.NoError(t, err)
	delPatch, _, err := builder.Delete(0, 1)
	require.NoError(t, err)
	for _, op := range delPatch.Operations() {
		patch.AddOperation(op)
	}

	data, err := json.Marshal(patch)
	require.NoError(t, err)

	var decoded Patch
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 0, decoded.ID().Compare(patch.ID()))
	require.Len(t, decoded.Operations(), 3)

	remote := crdt.NewDocument(common.NewSessionID())
	require.NoError(t, decoded.Apply(remote))
	assert.Equal(t, "b", remote.VisibleText())
}

func TestPatchUnmarshalRejectsUnknownOperation(t *testing.T) {
	var p Patch
	err := json.Unmarshal([]byte(`{"id":{"sid":"00000000-0000-0000-0000-000000000000","cnt":1},"ops":[{"op":"move"}]}`), &p)
	assert.Error(t, err)
}

func TestInsertOperationOmitsNilOrigins(t *testing.T) {
	op := &InsertOperation{
		ID:    common.LogicalTimestamp{SID: common.NewSessionID(), Counter: 1},
		Value: 'a',
	}
	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "left")
	assert.NotContains(t, string(data), "right")

	var decoded InsertOperation
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.OriginLeft.IsNil())
	assert.True(t, decoded.OriginRight.IsNil())
	assert.Equal(t, 'a', decoded.Value)
}
