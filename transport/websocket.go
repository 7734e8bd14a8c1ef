package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// writeWait is the deadline for one websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before dropping the
	// connection.
	pongWait = 60 * time.Second

	// pingPeriod is the keepalive interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames.
	maxMessageSize = 1 << 20
)

// WebsocketTransport connects a session to a relay server over one
// websocket connection. Frames travel as binary messages; a write pump
// serializes outbound writes and keeps the connection alive with pings.
type WebsocketTransport struct {
	conn *websocket.Conn
	send chan []byte
	recv chan []byte

	done      chan struct{}
	closeOnce sync.Once

	logger *zap.Logger
}

// DialWebsocket connects to the relay at the given URL.
func DialWebsocket(ctx context.Context, url string, logger *zap.Logger) (*WebsocketTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return NewWebsocketTransport(conn, logger), nil
}

// NewWebsocketTransport wraps an established connection, e.g. one
// accepted server-side by an upgrader.
func NewWebsocketTransport(conn *websocket.Conn, logger *zap.Logger) *WebsocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &WebsocketTransport{
		conn:   conn,
		send:   make(chan []byte, 256),
		recv:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: logger.Named("ws-transport"),
	}

	go t.writePump()
	go t.readPump()
	return t
}

// Send queues a frame for the write pump.
func (t *WebsocketTransport) Send(ctx context.Context, data []byte) error {
	frame := append([]byte(nil), data...)
	select {
	case t.send <- frame:
		return nil
	case <-t.done:
		return errors.New("transport is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the channel of frames read from the connection. The
// channel closes when the connection drops or the transport closes.
func (t *WebsocketTransport) Recv() <-chan []byte {
	return t.recv
}

// Close sends a close message and tears the connection down.
func (t *WebsocketTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *WebsocketTransport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}

func (t *WebsocketTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case <-t.done:
			deadline := time.Now().Add(writeWait)
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return

		case frame := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				t.logger.Warn("write failed", zap.Error(err))
				t.shutdown()
				return
			}

		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Warn("ping failed", zap.Error(err))
				t.shutdown()
				return
			}
		}
	}
}

func (t *WebsocketTransport) readPump() {
	defer func() {
		t.shutdown()
		close(t.recv)
	}()

	t.conn.SetReadLimit(maxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("read failed", zap.Error(err))
			}
			return
		}
		select {
		case t.recv <- data:
		case <-t.done:
			return
		}
	}
}
