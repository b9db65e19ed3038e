package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dreamware/topicbroker/internal/wire"
)

// StreamConn carries length-prefixed frames over a net.Conn.
type StreamConn struct {
	conn   net.Conn
	reader *bufio.Reader
	opts   options

	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*StreamConn)(nil)

// NewStreamConn wraps conn. The identity defaults to the remote "host:port".
func NewStreamConn(conn net.Conn, opts ...Option) *StreamConn {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.identity == "" && conn.RemoteAddr() != nil {
		o.identity = conn.RemoteAddr().String()
	}
	return &StreamConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		opts:   o,
	}
}

// Identity returns the peer identity.
func (c *StreamConn) Identity() string { return c.opts.identity }

// ReadMessage returns the next non-empty frame. Zero-length frames are
// keepalives and are skipped. A clean close by the peer surfaces as io.EOF.
func (c *StreamConn) ReadMessage() (string, error) {
	for {
		payload, err := wire.ReadFrame(c.reader, c.opts.maxFrameSize)
		if err != nil {
			return "", err
		}
		if len(payload) == 0 {
			continue
		}
		return string(payload), nil
	}
}

// Send frames msg and writes it with the configured deadline. A failed write
// leaves the stream in an unknown state, so the connection is closed.
//
// A message larger than the frame size limit is refused with
// wire.ErrFrameTooLarge before anything is written; the connection stays
// open.
func (c *StreamConn) Send(msg string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := wire.CheckFrameSize(len(msg), c.opts.maxFrameSize); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline(c.opts.writeTimeout)); err != nil {
		_ = c.Close()
		return fmt.Errorf("set write deadline: %w", err)
	}

	if err := wire.WriteFrame(c.conn, []byte(msg)); err != nil {
		_ = c.Close()
		return fmt.Errorf("write to %s: %w", c.opts.identity, err)
	}
	return nil
}

// Close closes the underlying connection once.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
