package integration

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/topicbroker/internal/broker"
	"github.com/dreamware/topicbroker/internal/client"
	"github.com/dreamware/topicbroker/internal/registry"
	"github.com/dreamware/topicbroker/internal/wire"
)

// TestSystem is a broker listening on a loopback port, plus the clients a
// test has opened against it.
type TestSystem struct {
	t       *testing.T
	reg     *registry.Registry
	srv     *broker.Server
	addr    string
	serveCh chan error

	mu      sync.Mutex
	clients []*client.Client
}

// NewTestSystem starts a broker and stops it when the test ends.
func NewTestSystem(t *testing.T, opts ...broker.Option) *TestSystem {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	reg := registry.New()
	ts := &TestSystem{
		t:       t,
		reg:     reg,
		srv:     broker.NewServer(reg, opts...),
		addr:    ln.Addr().String(),
		serveCh: make(chan error, 1),
	}
	go func() { ts.serveCh <- ts.srv.Serve(context.Background(), ln) }()
	t.Cleanup(ts.Stop)
	return ts
}

// Stop closes every client and shuts the broker down.
func (ts *TestSystem) Stop() {
	ts.mu.Lock()
	for _, c := range ts.clients {
		_ = c.Close()
	}
	ts.clients = nil
	ts.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(ts.t, ts.srv.Shutdown(ctx))
	assert.ErrorIs(ts.t, <-ts.serveCh, broker.ErrServerClosed)
}

// Connect dials the broker and waits until the registration is visible.
func (ts *TestSystem) Connect(role, topic string) *client.Client {
	ts.t.Helper()
	before := ts.count(role)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, ts.addr, role, topic)
	require.NoError(ts.t, err)

	ts.mu.Lock()
	ts.clients = append(ts.clients, c)
	ts.mu.Unlock()

	require.Eventually(ts.t, func() bool { return ts.count(role) > before },
		2*time.Second, 5*time.Millisecond, "%s on %s never registered", role, topic)
	return c
}

func (ts *TestSystem) count(role string) int {
	c := ts.reg.Counts()
	if role == wire.RolePublisher {
		return c.Publishers
	}
	return c.Subscribers
}

// receive reads one message with a deadline so a missing delivery fails the
// test instead of hanging it.
func receive(t *testing.T, c *client.Client) string {
	t.Helper()
	type result struct {
		msg string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := c.Receive()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return ""
	}
}

func TestBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	t.Run("TopicRouting", testTopicRouting)
	t.Run("SubscriberRejection", testSubscriberRejection)
	t.Run("BrokenSubscriberPruned", testBrokenSubscriberPruned)
	t.Run("ConcurrentPublishers", testConcurrentPublishers)
	t.Run("SubscriberChurn", testSubscriberChurn)
	t.Run("PublisherTerminate", testPublisherTerminate)
	t.Run("OversizedMessage", testOversizedMessage)
}

// testTopicRouting: subscribers on sports and news, one sports publisher.
func testTopicRouting(t *testing.T) {
	ts := NewTestSystem(t)
	a := ts.Connect(wire.RoleSubscriber, "sports")
	b := ts.Connect(wire.RoleSubscriber, "sports")
	c := ts.Connect(wire.RoleSubscriber, "news")
	p := ts.Connect(wire.RolePublisher, "sports")

	ack, err := p.Publish("goal!")
	require.NoError(t, err)
	assert.Equal(t, "sports - Message 'goal!' sent to 2 subscribers", ack)

	for _, sub := range []*client.Client{a, b} {
		msg := receive(t, sub)
		assert.True(t, strings.HasPrefix(msg, "[FROM PUBLISHER "), msg)
		assert.True(t, strings.HasSuffix(msg, " on sports]: goal!"), msg)
	}

	// c must not have anything queued: a news message arrives first.
	np := ts.Connect(wire.RolePublisher, "news")
	ack, err = np.Publish("election")
	require.NoError(t, err)
	assert.Equal(t, "news - Message 'election' sent to 1 subscribers", ack)
	assert.True(t, strings.HasSuffix(receive(t, c), " on news]: election"))
}

func testSubscriberRejection(t *testing.T) {
	ts := NewTestSystem(t)
	s := ts.Connect(wire.RoleSubscriber, "news")
	before := ts.reg.Entries()

	require.NoError(t, s.Send("hello"))
	assert.Equal(t, wire.SubscriberRejectNotice, receive(t, s))
	assert.Equal(t, before, ts.reg.Entries())

	// Still active afterwards.
	p := ts.Connect(wire.RolePublisher, "news")
	ack, err := p.Publish("still there?")
	require.NoError(t, err)
	assert.Contains(t, ack, "sent to 1 subscribers")
	assert.Contains(t, receive(t, s), "still there?")
}

// testBrokenSubscriberPruned drops one subscriber's stream without
// terminate; later publishes count only the survivor.
func testBrokenSubscriberPruned(t *testing.T) {
	ts := NewTestSystem(t, broker.WithWriteTimeout(time.Second))
	a := ts.Connect(wire.RoleSubscriber, "sports")
	b := ts.Connect(wire.RoleSubscriber, "sports")
	p := ts.Connect(wire.RolePublisher, "sports")

	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		ack, err := p.Publish("goal!")
		return err == nil && ack == "sports - Message 'goal!' sent to 1 subscribers"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, ts.reg.Counts().Subscribers)
	assert.True(t, strings.HasSuffix(receive(t, b), " on sports]: goal!"))
}

func testConcurrentPublishers(t *testing.T) {
	ts := NewTestSystem(t)
	const numSubs = 4
	const numPubs = 4
	const perPub = 25

	subs := make([]*client.Client, numSubs)
	for i := range subs {
		subs[i] = ts.Connect(wire.RoleSubscriber, "load")
	}
	pubs := make([]*client.Client, numPubs)
	for i := range pubs {
		pubs[i] = ts.Connect(wire.RolePublisher, "load")
	}

	var wg sync.WaitGroup
	for i, p := range pubs {
		wg.Add(1)
		go func(i int, p *client.Client) {
			defer wg.Done()
			for j := 0; j < perPub; j++ {
				ack, err := p.Publish(fmt.Sprintf("p%d-m%d", i, j))
				if assert.NoError(t, err) {
					assert.Contains(t, ack, fmt.Sprintf("sent to %d subscribers", numSubs))
				}
			}
		}(i, p)
	}

	for _, s := range subs {
		wg.Add(1)
		go func(s *client.Client) {
			defer wg.Done()
			seen := make(map[string]bool)
			for len(seen) < numPubs*perPub {
				msg, err := s.Receive()
				if !assert.NoError(t, err) {
					return
				}
				_, body, ok := strings.Cut(msg, " on load]: ")
				assert.True(t, ok, msg)
				assert.False(t, seen[body], "duplicate %s", body)
				seen[body] = true
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("fan-out under load did not complete")
	}
}

// testSubscriberChurn connects and drops subscribers while a publisher is
// active; the registry must end empty once everyone leaves.
func testSubscriberChurn(t *testing.T) {
	ts := NewTestSystem(t)
	p := ts.Connect(wire.RolePublisher, "churn")

	stop := make(chan struct{})
	published := make(chan int, 1)
	go func() {
		n := 0
		defer func() { published <- n }()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := p.Publish("tick"); err != nil {
				return
			}
			n++
		}
	}()

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		c, err := client.Dial(ctx, ts.addr, wire.RoleSubscriber, "churn")
		cancel()
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		if i%2 == 0 {
			require.NoError(t, c.Terminate())
		} else {
			require.NoError(t, c.Close())
		}
	}

	close(stop)
	assert.Greater(t, <-published, 0)
	require.NoError(t, p.Terminate())

	require.Eventually(t, func() bool { return ts.reg.Counts() == registry.Counts{} },
		2*time.Second, 10*time.Millisecond)
}

func testPublisherTerminate(t *testing.T) {
	ts := NewTestSystem(t)
	p := ts.Connect(wire.RolePublisher, "sports")

	require.NoError(t, p.Terminate())
	require.Eventually(t, func() bool { return ts.reg.Counts().Publishers == 0 },
		2*time.Second, 10*time.Millisecond)
}

// testOversizedMessage publishes a message that fits in a frame on its own
// but not once the broadcast prefix is added. It must be refused, and both
// client streams must stay usable.
func testOversizedMessage(t *testing.T) {
	ts := NewTestSystem(t)
	s := ts.Connect(wire.RoleSubscriber, "sports")
	p := ts.Connect(wire.RolePublisher, "sports")

	reply, err := p.Publish(strings.Repeat("x", wire.DefaultMaxFrameSize-16))
	require.NoError(t, err)
	assert.Equal(t, wire.FormatTooLarge(wire.DefaultMaxFrameSize), reply)

	ack, err := p.Publish("goal!")
	require.NoError(t, err)
	assert.Equal(t, "sports - Message 'goal!' sent to 1 subscribers", ack)
	assert.True(t, strings.HasSuffix(receive(t, s), " on sports]: goal!"), "first message the subscriber sees")
	assert.Equal(t, 1, ts.reg.Counts().Subscribers)
}
