package broker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/topicbroker/internal/registry"
	"github.com/dreamware/topicbroker/internal/wire"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func dial(t *testing.T, addr string, handshake string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, wire.WriteFrame(c, []byte(handshake)))
	return c
}

func readString(t *testing.T, c net.Conn) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	b, err := wire.ReadFrame(c, 0)
	require.NoError(t, err)
	return string(b)
}

func TestServeOverTCP(t *testing.T) {
	reg := registry.New()
	srv := NewServer(reg)
	ln := listen(t)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), ln) }()

	sub := dial(t, ln.Addr().String(), "SUBSCRIBER sports")
	require.Eventually(t, func() bool { return reg.Counts().Subscribers == 1 }, time.Second, 5*time.Millisecond)
	pub := dial(t, ln.Addr().String(), "PUBLISHER sports")
	require.Eventually(t, func() bool { return reg.Counts().Publishers == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, wire.WriteFrame(pub, nil), "keepalive")
	require.NoError(t, wire.WriteFrame(pub, []byte("goal!")))

	pubID := pub.LocalAddr().String()
	assert.Equal(t, "[FROM PUBLISHER "+pubID+" on sports]: goal!", readString(t, sub))
	assert.Equal(t, "sports - Message 'goal!' sent to 1 subscribers", readString(t, pub))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, <-errc, ErrServerClosed)
	assert.Equal(t, registry.Counts{}, reg.Counts())
}

func TestServeStopsOnContextCancel(t *testing.T) {
	srv := NewServer(registry.New())
	ln := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
	require.NoError(t, srv.Shutdown(context.Background()))
}

// TestShutdownClosesActiveConnections checks handlers unwind and nothing is
// sent to peers when the server stops.
func TestShutdownClosesActiveConnections(t *testing.T) {
	reg := registry.New()
	srv := NewServer(reg)
	conns := []*fakeConn{newFakeConn("s:1"), newFakeConn("p:1")}
	var dones []<-chan struct{}
	for _, c := range conns {
		dones = append(dones, serveFake(srv, c))
	}
	conns[0].inbox <- "SUBSCRIBER sports"
	conns[1].inbox <- "PUBLISHER sports"
	waitRegistered(t, reg, "s:1")
	waitRegistered(t, reg, "p:1")

	require.NoError(t, srv.Shutdown(context.Background()))

	for i, c := range conns {
		waitDone(t, dones[i])
		assert.True(t, c.isClosed())
		assert.Empty(t, c.messages())
	}
	assert.Equal(t, registry.Counts{}, reg.Counts())

	late := newFakeConn("late")
	srv.ServeConn(context.Background(), late)
	assert.True(t, late.isClosed(), "connections after shutdown are refused")
	assert.ErrorIs(t, srv.Serve(context.Background(), listen(t)), ErrServerClosed)
}

// stuckConn never finishes reading and ignores Close, so Shutdown must give
// up when its context expires.
type stuckConn struct {
	*fakeConn
	release chan struct{}
}

func (c *stuckConn) ReadMessage() (string, error) {
	<-c.release
	return "", errors.New("released")
}

func (c *stuckConn) Close() error { return nil }

func TestShutdownHonoursContext(t *testing.T) {
	srv := NewServer(registry.New())
	conn := &stuckConn{fakeConn: newFakeConn("h:1"), release: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(context.Background(), conn)
	}()
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.conns) == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := srv.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(conn.release)
	waitDone(t, done)
}

// TestScenarioSportsAndNews runs two topics side by side and checks a
// publisher only reaches its own topic's subscribers.
func TestScenarioSportsAndNews(t *testing.T) {
	reg := registry.New()
	srv := NewServer(reg)

	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	p := newFakeConn("p")
	var dones []<-chan struct{}
	for _, conn := range []*fakeConn{a, b, c, p} {
		dones = append(dones, serveFake(srv, conn))
	}
	a.inbox <- "SUBSCRIBER sports"
	b.inbox <- "SUBSCRIBER sports"
	c.inbox <- "SUBSCRIBER news"
	p.inbox <- "PUBLISHER sports"
	for _, id := range []string{"a", "b", "c", "p"} {
		waitRegistered(t, reg, id)
	}

	p.inbox <- "goal!"
	assert.Equal(t, []string{"sports - Message 'goal!' sent to 2 subscribers"}, waitMessages(t, p, 1))
	assert.Equal(t, []string{"[FROM PUBLISHER p on sports]: goal!"}, a.messages())
	assert.Equal(t, []string{"[FROM PUBLISHER p on sports]: goal!"}, b.messages())
	assert.Empty(t, c.messages())

	require.NoError(t, srv.Shutdown(context.Background()))
	for _, d := range dones {
		waitDone(t, d)
	}
}

// TestScenarioBrokenSubscriber drops one subscriber's stream before a
// publish and checks it is pruned while the other still receives.
func TestScenarioBrokenSubscriber(t *testing.T) {
	reg := registry.New()
	stats := NewTopicStats()
	srv := NewServer(reg, WithTopicStats(stats))

	a, b, p := newFakeConn("a"), newFakeConn("b"), newFakeConn("p")
	var dones []<-chan struct{}
	for _, conn := range []*fakeConn{a, b, p} {
		dones = append(dones, serveFake(srv, conn))
	}
	a.inbox <- "SUBSCRIBER sports"
	b.inbox <- "SUBSCRIBER sports"
	p.inbox <- "PUBLISHER sports"
	for _, id := range []string{"a", "b", "p"} {
		waitRegistered(t, reg, id)
	}

	a.breakSend()
	p.inbox <- "goal!"
	assert.Equal(t, []string{"sports - Message 'goal!' sent to 1 subscribers"}, waitMessages(t, p, 1))
	assert.Equal(t, []string{"[FROM PUBLISHER p on sports]: goal!"}, b.messages())

	_, ok := reg.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), srv.Stats().Get("sports").Failed)
	assert.Same(t, stats, srv.Stats())

	require.NoError(t, srv.Shutdown(context.Background()))
	for _, d := range dones {
		waitDone(t, d)
	}
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Millisecond, nextBackoff(0))
	assert.Equal(t, 10*time.Millisecond, nextBackoff(5*time.Millisecond))
	assert.Equal(t, time.Second, nextBackoff(800*time.Millisecond))
}
