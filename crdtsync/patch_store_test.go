package crdtsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"textsync/common"
	"textsync/crdt"
	"textsync/crdtpatch"
)

func buildPatch(t *testing.T, doc *crdt.Document, builder *crdtpatch.Builder, text string) *crdtpatch.Patch {
	t.Helper()
	patch, _, err := builder.Insert(doc.VisibleLength(), text)
	require.NoError(t, err)
	return patch
}

func TestPatchStoreDeduplicates(t *testing.T) {
	doc := crdt.NewDocument(common.NewSessionID())
	builder := crdtpatch.NewBuilder(doc)
	store := NewPatchStore()

	patch := buildPatch(t, doc, builder, "ab")
	store.StorePatch(patch)
	store.StorePatch(patch)
	assert.Equal(t, 1, store.Len())

	got, ok := store.GetPatch(patch.ID())
	assert.True(t, ok)
	assert.Equal(t, 0, got.ID().Compare(patch.ID()))

	_, ok = store.GetPatch(common.LogicalTimestamp{SID: common.NewSessionID(), Counter: 1})
	assert.False(t, ok)
}

func TestPatchStoreMissingFor(t *testing.T) {
	sid := common.NewSessionID()
	doc := crdt.NewDocument(sid)
	builder := crdtpatch.NewBuilder(doc)
	store := NewPatchStore()

	first := buildPatch(t, doc, builder, "ab")
	second := buildPatch(t, doc, builder, "cd")
	store.StorePatch(first)
	store.StorePatch(second)

	// An empty vector is missing everything.
	missing := store.MissingFor(map[string]uint64{})
	assert.Len(t, missing, 2)

	// A vector past the first patch only needs the second.
	var firstMax uint64
	for _, op := range first.Operations() {
		if op.OpID().Counter > firstMax {
			firstMax = op.OpID().Counter
		}
	}
	missing = store.MissingFor(map[string]uint64{sid.String(): firstMax})
	require.Len(t, missing, 1)
	assert.Equal(t, 0, missing[0].ID().Compare(second.ID()))

	// A fully caught-up vector needs nothing.
	var max uint64
	for _, op := range second.Operations() {
		if op.OpID().Counter > max {
			max = op.OpID().Counter
		}
	}
	missing = store.MissingFor(map[string]uint64{sid.String(): max})
	assert.Len(t, missing, 0)
}
