// Package client speaks the broker protocol from the peer side. It is used
// by the interactive cmd/client binary and by tests.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"

	"github.com/dreamware/topicbroker/internal/transport"
	"github.com/dreamware/topicbroker/internal/wire"
)

// ErrNotPublisher is returned by Publish on a subscriber connection.
var ErrNotPublisher = errors.New("client: only publishers can publish")

// Client is one connection to the broker with a fixed role and topic.
// Send and Receive may be used from different goroutines.
type Client struct {
	conn  transport.Conn
	role  string
	topic string
}

// Dial connects to the broker's TCP listener at addr and sends the
// handshake. The broker does not answer a handshake, so a rejected role or
// topic only shows up as the connection closing on the next read.
func Dial(ctx context.Context, addr, role, topic string, opts ...transport.Option) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	opts = append([]transport.Option{transport.WithIdentity(addr)}, opts...)
	return handshake(transport.NewStreamConn(nc, opts...), role, topic)
}

// DialWebSocket connects to the broker's /ws endpoint, e.g.
// "ws://localhost:8080/ws", and sends the handshake.
func DialWebSocket(ctx context.Context, url, role, topic string, opts ...transport.Option) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	opts = append([]transport.Option{transport.WithIdentity(url)}, opts...)
	return handshake(transport.NewWebSocketConn(ws, opts...), role, topic)
}

func handshake(conn transport.Conn, role, topic string) (*Client, error) {
	hs := wire.Handshake{Role: role, Topic: topic}
	if err := conn.Send(hs.String()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	return &Client{conn: conn, role: role, topic: topic}, nil
}

// Role returns the role sent in the handshake.
func (c *Client) Role() string { return c.role }

// Topic returns the topic sent in the handshake.
func (c *Client) Topic() string { return c.topic }

// Send writes one message without waiting for a reply.
func (c *Client) Send(msg string) error {
	return c.conn.Send(msg)
}

// Receive blocks for the next message from the broker.
func (c *Client) Receive() (string, error) {
	return c.conn.ReadMessage()
}

// Publish sends msg and waits for the broker's acknowledgement.
func (c *Client) Publish(msg string) (string, error) {
	if c.role != wire.RolePublisher {
		return "", ErrNotPublisher
	}
	if err := c.conn.Send(msg); err != nil {
		return "", err
	}
	ack, err := c.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read ack: %w", err)
	}
	return ack, nil
}

// Terminate asks the broker to end the session and closes the connection.
func (c *Client) Terminate() error {
	err := c.conn.Send(wire.TerminateCommand)
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the connection without sending terminate.
func (c *Client) Close() error {
	return c.conn.Close()
}
