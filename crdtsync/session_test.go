package crdtsync_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"textsync/common"
	"textsync/crdtsync"
	"textsync/crdtwire"
	"textsync/transport"
)

func newHubSession(t *testing.T, hub *transport.Hub, name string) *crdtsync.Session {
	t.Helper()
	s, err := crdtsync.NewSession("room", crdtsync.Identity{
		User: json.RawMessage(`{"name":"` + name + `"}`),
	}, hub.Transport(0), &crdtsync.Options{Format: crdtwire.FormatBinary})
	require.NoError(t, err)
	return s
}

// collectDeltas reads n editor deltas from the session or fails the test.
func collectDeltas(t *testing.T, s *crdtsync.Session, n int) []crdtsync.EditorDelta {
	t.Helper()
	deltas := make([]crdtsync.EditorDelta, 0, n)
	for len(deltas) < n {
		select {
		case d := <-s.Deltas():
			deltas = append(deltas, d)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d deltas", len(deltas), n)
		}
	}
	return deltas
}

// drainDeltas discards editor deltas in the background.
func drainDeltas(s *crdtsync.Session) {
	go func() {
		for range s.Deltas() {
		}
	}()
}

// waitForText polls until the session's text matches.
func waitForText(t *testing.T, s *crdtsync.Session, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Text() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, want, s.Text())
}

func TestSessionsConverge(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newHubSession(t, hub, "alice")
	bob := newHubSession(t, hub, "bob")
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, bob.Connect(ctx))
	drainDeltas(alice)

	require.NoError(t, alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 0, Inserted: "hello "}))

	// Bob's editor receives one delta per remote character.
	deltas := collectDeltas(t, bob, 6)
	for _, d := range deltas {
		assert.Equal(t, 1, len([]rune(d.Inserted)))
		assert.Zero(t, d.DeletedLen)
	}
	assert.Equal(t, "hello ", bob.Text())

	require.NoError(t, bob.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 6, Inserted: "world"}))
	waitForText(t, alice, "hello world")
	assert.Equal(t, alice.Text(), bob.Text())

	require.NoError(t, bob.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 5, DeletedLen: 6}))
	waitForText(t, alice, "hello")
}

func TestSessionDeleteEmitsDeltas(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newHubSession(t, hub, "alice")
	bob := newHubSession(t, hub, "bob")
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, bob.Connect(ctx))
	drainDeltas(alice)

	require.NoError(t, alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 0, Inserted: "abc"}))
	collectDeltas(t, bob, 3)

	require.NoError(t, alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 1, DeletedLen: 1}))
	deltas := collectDeltas(t, bob, 1)
	assert.Equal(t, 1, deltas[0].Offset)
	assert.Equal(t, 1, deltas[0].DeletedLen)
	assert.Equal(t, "ac", bob.Text())
}

func TestSessionOutOfRangeDeltaTriggersRefresh(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newHubSession(t, hub, "alice")
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 0, Inserted: "abc"}))

	err := alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 99, Inserted: "x"})
	assert.Error(t, err)
	var oor common.ErrOutOfRange
	assert.ErrorAs(t, err, &oor)

	deltas := collectDeltas(t, alice, 1)
	assert.True(t, deltas[0].Refresh)
	assert.Equal(t, "abc", deltas[0].Inserted)
}

func TestSessionUndoPropagates(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newHubSession(t, hub, "alice")
	bob := newHubSession(t, hub, "bob")
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, bob.Connect(ctx))
	drainDeltas(bob)

	require.NoError(t, alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 0, Inserted: "abc"}))
	waitForText(t, bob, "abc")

	// Undo removes the run locally, tells the local editor, and
	// broadcasts the inverse to peers.
	require.NoError(t, alice.Undo(ctx))
	assert.Equal(t, "", alice.Text())
	deltas := collectDeltas(t, alice, 3)
	for _, d := range deltas {
		assert.Equal(t, 1, d.DeletedLen)
	}
	waitForText(t, bob, "")

	require.NoError(t, alice.Redo(ctx))
	assert.Equal(t, "abc", alice.Text())
	collectDeltas(t, alice, 3)
	waitForText(t, bob, "abc")

	// Nothing left to undo twice over is a quiet no-op.
	require.NoError(t, alice.Redo(ctx))
}

func TestSessionLateJoinerResyncs(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newHubSession(t, hub, "alice")
	require.NoError(t, alice.Connect(ctx))
	drainDeltas(alice)
	require.NoError(t, alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 0, Inserted: "hello"}))

	// Carol joins after the edits happened. Her state vector announce
	// makes Alice push the missing patches.
	carol := newHubSession(t, hub, "carol")
	drainDeltas(carol)
	require.NoError(t, carol.Connect(ctx))
	waitForText(t, carol, "hello")

	// And the reverse direction: Carol edits while Alice is the one
	// serving history.
	require.NoError(t, carol.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 5, Inserted: "!"}))
	waitForText(t, alice, "hello!")
}

func TestSessionAwarenessPropagates(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newHubSession(t, hub, "alice")
	bob := newHubSession(t, hub, "bob")
	drainDeltas(alice)
	drainDeltas(bob)

	events, cancel := bob.AwarenessEvents(8)
	defer cancel()

	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, bob.Connect(ctx))

	alice.SetAwarenessState(ctx, []byte(`{"cursor":5}`))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.SID.Compare(alice.SessionID()) == 0 && string(ev.Payload) == `{"cursor":5}` {
				return
			}
		case <-deadline:
			t.Fatal("awareness update never arrived")
		}
	}
}

func TestSessionSnapshotRoundTrip(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newHubSession(t, hub, "alice")
	require.NoError(t, alice.Connect(ctx))
	drainDeltas(alice)
	require.NoError(t, alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 0, Inserted: "persisted"}))

	data, err := alice.Snapshot()
	require.NoError(t, err)

	restored, err := crdtsync.NewSessionFromSnapshot("room", crdtsync.Identity{}, data, hub.Transport(0), nil)
	require.NoError(t, err)
	assert.Equal(t, "persisted", restored.Text())
}

func TestSlowDeltaConsumerGetsRefresh(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newHubSession(t, hub, "alice")
	bob, err := crdtsync.NewSession("room", crdtsync.Identity{}, hub.Transport(0), &crdtsync.Options{
		Format:      crdtwire.FormatBinary,
		DeltaBuffer: 2,
	})
	require.NoError(t, err)
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, bob.Connect(ctx))
	drainDeltas(alice)

	// Nobody reads bob's deltas yet; overflowing the buffer must not
	// stall his receive loop.
	require.NoError(t, alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 0, Inserted: "abcdef"}))
	waitForText(t, bob, "abcdef")

	// The buffered deltas are the ones that fit before the overflow.
	for _, d := range collectDeltas(t, bob, 2) {
		assert.False(t, d.Refresh)
	}

	// The next emission repays the dropped deltas with one full refresh.
	require.NoError(t, alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 6, Inserted: "g"}))
	waitForText(t, bob, "abcdefg")
	refresh := collectDeltas(t, bob, 1)[0]
	assert.True(t, refresh.Refresh)
	assert.Equal(t, "abcdefg", refresh.Inserted)
}

func TestSessionIgnoresMalformedFrames(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newHubSession(t, hub, "alice")
	bob := newHubSession(t, hub, "bob")
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, bob.Connect(ctx))
	drainDeltas(alice)

	// Garbage on the wire is dropped; the session keeps working.
	rogue := hub.Transport(0)
	require.NoError(t, rogue.Send(ctx, []byte("not a frame")))
	require.NoError(t, rogue.Send(ctx, []byte(`{"type":"bogus"}`)))

	require.NoError(t, alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 0, Inserted: "ok"}))
	waitForText(t, bob, "ok")
	assert.False(t, bob.Degraded())
}
