package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/topicbroker/internal/wire"
)

// IdentityPrefixWebSocket marks identities of WebSocket peers so they never
// collide with a TCP peer on the same address.
const IdentityPrefixWebSocket = "ws:"

// WebSocketConn carries one message per WebSocket text frame.
type WebSocketConn struct {
	ws   *websocket.Conn
	opts options

	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*WebSocketConn)(nil)

// NewWebSocketConn wraps an upgraded connection. The identity defaults to
// "ws:" followed by the remote address.
func NewWebSocketConn(ws *websocket.Conn, opts ...Option) *WebSocketConn {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.identity == "" {
		o.identity = IdentityPrefixWebSocket + ws.RemoteAddr().String()
	}
	ws.SetReadLimit(int64(o.maxFrameSize))
	return &WebSocketConn{ws: ws, opts: o}
}

// Identity returns the peer identity.
func (c *WebSocketConn) Identity() string { return c.opts.identity }

// ReadMessage returns the next non-empty text or binary message. A normal
// close from the peer is reported as io.EOF.
func (c *WebSocketConn) ReadMessage() (string, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", err
		}
		if len(data) == 0 {
			continue
		}
		return string(data), nil
	}
}

// Send writes msg as a single text frame. Messages over the frame size
// limit are refused with wire.ErrFrameTooLarge and the connection stays open.
func (c *WebSocketConn) Send(msg string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := wire.CheckFrameSize(len(msg), c.opts.maxFrameSize); err != nil {
		return err
	}
	if err := c.write(msg); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *WebSocketConn) write(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline(c.opts.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return fmt.Errorf("write to %s: %w", c.opts.identity, err)
	}
	return nil
}

// closeGrace bounds the close frame written on Close.
const closeGrace = time.Second

// Close sends a close frame when possible and closes the connection once.
// WriteControl and Close may run concurrently with a Send in progress.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))

		if err := c.ws.Close(); err != nil && !errors.Is(err, io.EOF) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
