package crdtstorage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"textsync/common"
	"textsync/crdtsync"
	"textsync/transport"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, "room-a", []byte("snapshot")))

	data, err := store.LoadSnapshot(ctx, "room-a")
	assert.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), data)

	// The store keeps its own copy.
	data[0] = 'X'
	data, err = store.LoadSnapshot(ctx, "room-a")
	assert.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), data)

	_, err = store.LoadSnapshot(ctx, "missing")
	assert.Error(t, err)
	var notFound common.ErrNotFound
	assert.ErrorAs(t, err, &notFound)

	assert.NoError(t, store.Close())
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, "room-a", []byte("v1")))
	require.NoError(t, store.SaveSnapshot(ctx, "room-a", []byte("v2")))

	data, err := store.LoadSnapshot(ctx, "room-a")
	assert.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	_, err = store.LoadSnapshot(ctx, "missing")
	assert.Error(t, err)
	var notFound common.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestFileStoreFlattensRoomNames(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, "../escape/attempt", []byte("x")))
	data, err := store.LoadSnapshot(ctx, "../escape/attempt")
	assert.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestSaveSessionAndRestore(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := crdtsync.NewSession("doc-1", crdtsync.Identity{}, hub.Transport(0), nil)
	require.NoError(t, err)
	require.NoError(t, s.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 0, Inserted: "saved text"}))

	require.NoError(t, SaveSession(ctx, store, s))

	data, err := store.LoadSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	restored, err := crdtsync.NewSessionFromSnapshot("doc-1", crdtsync.Identity{}, data, hub.Transport(0), nil)
	require.NoError(t, err)
	assert.Equal(t, "saved text", restored.Text())
}
