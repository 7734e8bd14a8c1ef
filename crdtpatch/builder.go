package crdtpatch

import (
	"textsync/crdt"
)

// Builder turns local editor edits into patches against one document.
// It is the only producer of locally originated operations.
type Builder struct {
	doc *crdt.Document
}

// NewBuilder creates a builder bound to the given document.
func NewBuilder(doc *crdt.Document) *Builder {
	return &Builder{doc: doc}
}

// Insert applies a local insert at the visible offset and returns the
// patch to broadcast plus the created elements for undo recording.
func (b *Builder) Insert(offset int, text string) (*Patch, []crdt.Element, error) {
	created, err := b.doc.LocalInsert(offset, text)
	if err != nil {
		return nil, nil, err
	}
	if len(created) == 0 {
		return nil, nil, nil
	}

	patch := NewPatch(created[0].ID)
	for _, el := range created {
		patch.AddOperation(&InsertOperation{
			ID:          el.ID,
			Value:       el.Value,
			OriginLeft:  el.OriginLeft,
			OriginRight: el.OriginRight,
		})
	}
	return patch, created, nil
}

// Delete applies a local delete of count visible characters starting at
// offset. One delete operation is emitted per element; no batching
// collapse, to keep remote application simple.
func (b *Builder) Delete(offset, count int) (*Patch, []crdt.Element, error) {
	deleted, err := b.doc.LocalDelete(offset, count)
	if err != nil {
		return nil, nil, err
	}
	if len(deleted) == 0 {
		return nil, nil, nil
	}

	patch := NewPatch(b.doc.NextID())
	for _, el := range deleted {
		patch.AddOperation(&DeleteOperation{
			ID:       b.doc.NextID(),
			TargetID: el.ID,
		})
	}
	return patch, deleted, nil
}
