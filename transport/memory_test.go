package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, tr *MemoryTransport) []byte {
	t.Helper()
	select {
	case data := <-tr.Recv():
		return data
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	a := hub.Transport(0)
	b := hub.Transport(0)
	c := hub.Transport(0)

	require.NoError(t, a.Send(ctx, []byte("hi")))

	// Everyone but the sender receives the frame.
	assert.Equal(t, []byte("hi"), recvOne(t, b))
	assert.Equal(t, []byte("hi"), recvOne(t, c))
	select {
	case data := <-a.Recv():
		t.Fatalf("sender received its own frame: %q", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubSendCopiesBuffer(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	a := hub.Transport(0)
	b := hub.Transport(0)

	buf := []byte("abc")
	require.NoError(t, a.Send(ctx, buf))
	buf[0] = 'x'

	assert.Equal(t, []byte("abc"), recvOne(t, b))
}

func TestTransportClose(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	a := hub.Transport(0)
	b := hub.Transport(0)

	require.NoError(t, b.Close())
	_, ok := <-b.Recv()
	assert.False(t, ok)

	// Sending to a hub with a departed member still works.
	require.NoError(t, a.Send(ctx, []byte("hi")))

	// A closed transport refuses to send.
	assert.Error(t, b.Send(ctx, []byte("hi")))
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	a := hub.Transport(0)
	b := hub.Transport(0)

	require.NoError(t, hub.Close())
	_, ok := <-a.Recv()
	assert.False(t, ok)
	_, ok = <-b.Recv()
	assert.False(t, ok)

	assert.Error(t, a.Send(ctx, []byte("hi")))

	// Closing twice is fine.
	assert.NoError(t, hub.Close())
}

func TestSendHonorsContext(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := hub.Transport(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, a.Send(ctx, []byte("hi")))
}
