package awareness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"textsync/common"
)

func TestSetLocalState(t *testing.T) {
	sid := common.NewSessionID()
	ch := NewChannel(sid, 0, nil)

	update := ch.SetLocalState([]byte(`{"cursor":3}`))
	assert.Equal(t, 0, update.SID.Compare(sid))
	assert.Equal(t, uint64(1), update.Clock)

	update = ch.SetLocalState([]byte(`{"cursor":4}`))
	assert.Equal(t, uint64(2), update.Clock)

	states := ch.States()
	assert.Equal(t, []byte(`{"cursor":4}`), states[sid])
}

func TestApplyUpdateLastWriterWins(t *testing.T) {
	ch := NewChannel(common.NewSessionID(), 0, nil)
	remote := common.NewSessionID()

	assert.True(t, ch.ApplyUpdate(Update{SID: remote, Clock: 2, Payload: []byte(`"b"`)}))

	// An older clock must not overwrite a newer state, whatever the
	// arrival order.
	assert.False(t, ch.ApplyUpdate(Update{SID: remote, Clock: 1, Payload: []byte(`"a"`)}))
	assert.False(t, ch.ApplyUpdate(Update{SID: remote, Clock: 2, Payload: []byte(`"dup"`)}))

	states := ch.States()
	assert.Equal(t, []byte(`"b"`), states[remote])

	assert.True(t, ch.ApplyUpdate(Update{SID: remote, Clock: 3, Payload: []byte(`"c"`)}))
	states = ch.States()
	assert.Equal(t, []byte(`"c"`), states[remote])
}

func TestApplyUpdateIgnoresLocalEcho(t *testing.T) {
	sid := common.NewSessionID()
	ch := NewChannel(sid, 0, nil)
	ch.SetLocalState([]byte(`"mine"`))

	assert.False(t, ch.ApplyUpdate(Update{SID: sid, Clock: 99, Payload: []byte(`"echo"`)}))
	assert.Equal(t, []byte(`"mine"`), ch.States()[sid])
}

func TestSubscribeReceivesEvents(t *testing.T) {
	ch := NewChannel(common.NewSessionID(), 0, nil)
	events, cancel := ch.Subscribe(4)
	defer cancel()

	remote := common.NewSessionID()
	ch.ApplyUpdate(Update{SID: remote, Clock: 1, Payload: []byte(`"x"`)})

	select {
	case ev := <-events:
		assert.Equal(t, 0, ev.SID.Compare(remote))
		assert.Equal(t, []byte(`"x"`), ev.Payload)
		assert.False(t, ev.Removed)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscribeDropsUnderBackpressure(t *testing.T) {
	ch := NewChannel(common.NewSessionID(), 0, nil)
	events, cancel := ch.Subscribe(1)
	defer cancel()

	remote := common.NewSessionID()
	for clock := uint64(1); clock <= 10; clock++ {
		ch.ApplyUpdate(Update{SID: remote, Clock: clock, Payload: []byte(`"x"`)})
	}

	// The buffer held one event; the rest were dropped rather than
	// blocking the sender.
	assert.Len(t, events, 1)
}

func TestEvictStaleEmitsRemovalOnce(t *testing.T) {
	ch := NewChannel(common.NewSessionID(), 50*time.Millisecond, nil)
	events, cancel := ch.Subscribe(8)
	defer cancel()

	remote := common.NewSessionID()
	ch.ApplyUpdate(Update{SID: remote, Clock: 1, Payload: []byte(`"x"`)})
	<-events

	time.Sleep(80 * time.Millisecond)
	ch.evictStale()
	ch.evictStale()

	var removals int
	for {
		select {
		case ev := <-events:
			if ev.Removed {
				removals++
				assert.Equal(t, 0, ev.SID.Compare(remote))
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, removals)
	assert.NotContains(t, ch.States(), remote)
}

func TestLivenessRefreshPreventsEviction(t *testing.T) {
	ch := NewChannel(common.NewSessionID(), 50*time.Millisecond, nil)
	remote := common.NewSessionID()
	ch.ApplyUpdate(Update{SID: remote, Clock: 5, Payload: []byte(`"x"`)})

	time.Sleep(30 * time.Millisecond)
	// A stale clock does not change state but refreshes liveness.
	ch.ApplyUpdate(Update{SID: remote, Clock: 5, Payload: []byte(`"x"`)})
	time.Sleep(30 * time.Millisecond)

	ch.evictStale()
	assert.Contains(t, ch.States(), remote)
}

func TestRemoveRemote(t *testing.T) {
	ch := NewChannel(common.NewSessionID(), 0, nil)
	events, cancel := ch.Subscribe(4)
	defer cancel()

	remote := common.NewSessionID()
	ch.ApplyUpdate(Update{SID: remote, Clock: 1, Payload: []byte(`"x"`)})
	<-events

	ch.RemoveRemote(remote)
	ev := <-events
	assert.True(t, ev.Removed)

	// Removing again emits nothing.
	ch.RemoveRemote(remote)
	assert.Len(t, events, 0)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ch := NewChannel(common.NewSessionID(), 0, nil)
	ch.SetLocalState([]byte(`{"name":"alice"}`))
	remote := common.NewSessionID()
	ch.ApplyUpdate(Update{SID: remote, Clock: 7, Payload: []byte(`{"name":"bob"}`)})

	updates := ch.Snapshot()
	require.Len(t, updates, 2)

	data, err := EncodeUpdates(updates)
	require.NoError(t, err)
	decoded, err := DecodeUpdates(data)
	require.NoError(t, err)
	assert.Len(t, decoded, 2)

	_, err = DecodeUpdates([]byte("not json"))
	assert.Error(t, err)
}
