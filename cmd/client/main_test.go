package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/topicbroker/internal/broker"
	"github.com/dreamware/topicbroker/internal/client"
	"github.com/dreamware/topicbroker/internal/logger"
	"github.com/dreamware/topicbroker/internal/registry"
	"github.com/dreamware/topicbroker/internal/wire"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{
			name: "subscriber",
			args: []string{"localhost", "5000", "SUBSCRIBER", "sports"},
			want: options{host: "localhost", port: 5000, role: "SUBSCRIBER", topic: "sports"},
		},
		{
			name: "role is upper-cased",
			args: []string{"127.0.0.1", "6000", "publisher", "news"},
			want: options{host: "127.0.0.1", port: 6000, role: "PUBLISHER", topic: "news"},
		},
		{name: "missing topic", args: []string{"localhost", "5000", "SUBSCRIBER"}, wantErr: true},
		{name: "bad port", args: []string{"localhost", "five", "SUBSCRIBER", "sports"}, wantErr: true},
		{name: "bad role", args: []string{"localhost", "5000", "ADMIN", "sports"}, wantErr: true},
		{name: "topic with whitespace", args: []string{"localhost", "5000", "SUBSCRIBER", "a b"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, net.JoinHostPort(tt.want.host, fmt.Sprint(tt.want.port)), got.addr())
		})
	}
}

func TestConnectRetries(t *testing.T) {
	oldAttempts, oldDelay, oldLogFatal := dialAttempts, dialDelay, logFatal
	defer func() { dialAttempts, dialDelay, logFatal = oldAttempts, oldDelay, oldLogFatal }()
	dialAttempts, dialDelay = 3, time.Millisecond

	t.Run("succeeds after failures", func(t *testing.T) {
		logFatal = func(format string, v ...interface{}) {
			t.Errorf("unexpected fatal: "+format, v...)
		}
		b := startBroker(t)
		calls := 0
		c := connect(context.Background(), logger.Nop(), func(ctx context.Context) (*client.Client, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("connection refused")
			}
			return client.Dial(ctx, b.addr, wire.RolePublisher, "sports")
		})
		require.NotNil(t, c)
		defer c.Close()
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		var fatal string
		logFatal = func(format string, v ...interface{}) {
			fatal = fmt.Sprintf(format, v...)
		}
		calls := 0
		c := connect(context.Background(), logger.Nop(), func(context.Context) (*client.Client, error) {
			calls++
			return nil, errors.New("connection refused")
		})
		assert.Nil(t, c)
		assert.Equal(t, 3, calls)
		assert.Contains(t, fatal, "failed to connect: connection refused")
	})
}

type testBroker struct {
	reg  *registry.Registry
	addr string
}

func startBroker(t *testing.T) *testBroker {
	t.Helper()
	reg := registry.New()
	srv := broker.NewServer(reg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(context.Background(), ln) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testBroker{reg: reg, addr: ln.Addr().String()}
}

func TestPublisherSession(t *testing.T) {
	b := startBroker(t)
	c, err := client.Dial(context.Background(), b.addr, wire.RolePublisher, "sports")
	require.NoError(t, err)

	var out lockedBuffer
	err = session(context.Background(), c, strings.NewReader("goal!\n\nterminate\n"), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Connected as PUBLISHER")
	assert.Contains(t, out.String(), "Server response: sports - Message 'goal!' sent to 0 subscribers")
	require.Eventually(t, func() bool { return b.reg.Counts() == registry.Counts{} }, time.Second, 5*time.Millisecond)
}

func TestSubscriberSession(t *testing.T) {
	b := startBroker(t)
	c, err := client.Dial(context.Background(), b.addr, wire.RoleSubscriber, "sports")
	require.NoError(t, err)

	in, stdin := io.Pipe()
	defer stdin.Close()
	var out lockedBuffer
	done := make(chan error, 1)
	go func() { done <- session(context.Background(), c, in, &out) }()
	require.Eventually(t, func() bool { return b.reg.Counts().Subscribers == 1 }, time.Second, 5*time.Millisecond)

	pub, err := client.Dial(context.Background(), b.addr, wire.RolePublisher, "sports")
	require.NoError(t, err)
	defer pub.Close()
	_, err = pub.Publish("goal!")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), " on sports]: goal!")
	}, time.Second, 5*time.Millisecond)

	_, err = io.WriteString(stdin, "hello\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Subscribers can only listen to messages.")
	}, time.Second, 5*time.Millisecond)

	_, err = io.WriteString(stdin, "terminate\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestSubscriberSessionBrokerGone(t *testing.T) {
	b := startBroker(t)
	c, err := client.Dial(context.Background(), b.addr, wire.RoleSubscriber, "sports")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.reg.Counts().Subscribers == 1 }, time.Second, 5*time.Millisecond)

	in, stdin := io.Pipe()
	defer stdin.Close()
	var out lockedBuffer
	done := make(chan error, 1)
	go func() { done <- session(context.Background(), c, in, &out) }()

	// Close the broker's end of the connection.
	for _, e := range b.reg.Entries() {
		require.NoError(t, e.Conn.(interface{ Close() error }).Close())
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Contains(t, out.String(), "connection closed by broker")
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}
