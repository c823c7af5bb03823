package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport adapts a gorilla connection to the hub transport. Writes are
// serialized: the router may push to the same device from several goroutines.
type Transport struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex
	closed bool
}

func NewTransport(conn *websocket.Conn, writeWait time.Duration) *Transport {
	return &Transport{conn: conn, writeWait: writeWait}
}

// Send writes one text frame. The context deadline, or writeWait when there is
// none, bounds the write.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return websocket.ErrCloseSent
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.writeWait)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame with code and reason, then drops the connection.
// Only the first call does anything.
func (t *Transport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	werr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeWait))
	if err := t.conn.Close(); err != nil {
		return err
	}
	if werr == websocket.ErrCloseSent {
		return nil
	}
	return werr
}

func (t *Transport) ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

func (t *Transport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
