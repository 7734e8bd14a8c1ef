// Package transport provides the concrete Transport implementations a
// session can be wired to: an in-process hub for tests and single-binary
// setups, Redis Streams for server-relayed rooms, and a websocket client.
package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Hub fans frames out between in-process transports. Every transport
// created from the same hub belongs to the same room.
type Hub struct {
	// mutex protects the members map.
	mutex sync.RWMutex

	// members holds the registered transports.
	members map[*MemoryTransport]struct{}

	// closed indicates whether the hub has been closed.
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		members: make(map[*MemoryTransport]struct{}),
	}
}

// Transport registers a new member and returns its transport. A
// non-positive buffer falls back to 1024.
func (h *Hub) Transport(buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = 1024
	}
	t := &MemoryTransport{
		hub:  h,
		recv: make(chan []byte, buffer),
		done: make(chan struct{}),
	}

	h.mutex.Lock()
	h.members[t] = struct{}{}
	h.mutex.Unlock()
	return t
}

// broadcast delivers a frame to every member except the sender. Delivery
// blocks when a member's buffer is full; document frames are never
// dropped by the transport.
func (h *Hub) broadcast(from *MemoryTransport, data []byte) error {
	h.mutex.RLock()
	if h.closed {
		h.mutex.RUnlock()
		return errors.New("hub is closed")
	}
	targets := make([]*MemoryTransport, 0, len(h.members))
	for t := range h.members {
		if t != from {
			targets = append(targets, t)
		}
	}
	h.mutex.RUnlock()

	for _, t := range targets {
		t.deliver(data)
	}
	return nil
}

func (h *Hub) remove(t *MemoryTransport) {
	h.mutex.Lock()
	delete(h.members, t)
	h.mutex.Unlock()
}

// Close closes the hub and every registered transport.
func (h *Hub) Close() error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return nil
	}
	h.closed = true
	members := make([]*MemoryTransport, 0, len(h.members))
	for t := range h.members {
		members = append(members, t)
	}
	h.members = make(map[*MemoryTransport]struct{})
	h.mutex.Unlock()

	for _, t := range members {
		t.closeRecv()
	}
	return nil
}

// MemoryTransport is one member's endpoint on a Hub.
type MemoryTransport struct {
	hub  *Hub
	recv chan []byte
	done chan struct{}

	// mutex coordinates in-flight deliveries with close so the recv
	// channel is never closed under a pending send.
	mutex  sync.RWMutex
	closed bool
	stop   sync.Once
}

// Send broadcasts a frame to the other hub members.
func (t *MemoryTransport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mutex.RLock()
	closed := t.closed
	t.mutex.RUnlock()
	if closed {
		return errors.New("transport is closed")
	}

	// Copy so the caller may reuse its buffer.
	frame := append([]byte(nil), data...)
	return t.hub.broadcast(t, frame)
}

// Recv returns the channel of frames delivered to this member.
func (t *MemoryTransport) Recv() <-chan []byte {
	return t.recv
}

// Close deregisters the member from the hub and closes its channel.
func (t *MemoryTransport) Close() error {
	t.hub.remove(t)
	t.closeRecv()
	return nil
}

func (t *MemoryTransport) deliver(data []byte) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.closed {
		return
	}

	select {
	case t.recv <- data:
	case <-t.done:
	}
}

func (t *MemoryTransport) closeRecv() {
	t.stop.Do(func() {
		// Unblock pending deliveries before taking the write lock.
		close(t.done)

		t.mutex.Lock()
		t.closed = true
		close(t.recv)
		t.mutex.Unlock()
	})
}
