// Package transport adapts network streams to the message-oriented Conn the
// broker works with.
//
// Two carriers are provided: StreamConn frames messages over any net.Conn
// with the length-prefixed format from package wire, and WebSocketConn maps
// one message to one WebSocket text frame. Both serialise writes so a
// broadcast and an acknowledgement on the same connection never interleave,
// and both close themselves after a failed write.
package transport

import (
	"errors"
	"time"

	"github.com/dreamware/topicbroker/internal/wire"
)

// ErrClosed is returned by Send after the connection has been closed.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a bidirectional message endpoint bound to one peer.
type Conn interface {
	// Identity names the peer. It is stable for the connection's lifetime.
	Identity() string
	// ReadMessage blocks until the next non-empty message arrives.
	ReadMessage() (string, error)
	// Send writes one message. Safe for concurrent use.
	Send(msg string) error
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// DefaultWriteTimeout bounds a single Send unless overridden.
const DefaultWriteTimeout = 10 * time.Second

type options struct {
	identity     string
	writeTimeout time.Duration
	maxFrameSize int
}

func defaultOptions() options {
	return options{
		writeTimeout: DefaultWriteTimeout,
		maxFrameSize: wire.DefaultMaxFrameSize,
	}
}

// Option configures a Conn.
type Option func(*options)

// WithIdentity overrides the peer identity derived from the remote address.
func WithIdentity(id string) Option {
	return func(o *options) {
		o.identity = id
	}
}

// WithWriteTimeout sets the deadline applied to each Send. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.writeTimeout = d
		}
	}
}

// WithMaxFrameSize caps the size of a message in either direction.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
