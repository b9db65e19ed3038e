package registry

import (
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/topicbroker/internal/wire"
)

// Role is the fixed part a connection plays for its whole lifetime.
type Role int

const (
	// RoleUnknown is the zero value; it is never stored.
	RoleUnknown Role = iota
	// RolePublisher connections send messages to their topic.
	RolePublisher
	// RoleSubscriber connections receive messages from their topic.
	RoleSubscriber
)

// String returns the handshake token for the role.
func (r Role) String() string {
	switch r {
	case RolePublisher:
		return wire.RolePublisher
	case RoleSubscriber:
		return wire.RoleSubscriber
	default:
		return "UNKNOWN"
	}
}

// ParseRole maps a handshake token to a Role. Matching is case-sensitive.
func ParseRole(token string) (Role, bool) {
	switch token {
	case wire.RolePublisher:
		return RolePublisher, true
	case wire.RoleSubscriber:
		return RoleSubscriber, true
	default:
		return RoleUnknown, false
	}
}

// Conn is the part of a connection the registry's users need: a way to push
// a message to the peer. Implementations must be safe for concurrent Send
// calls.
type Conn interface {
	Send(msg string) error
}

// Subscriber is one element of a topic snapshot.
type Subscriber struct {
	Identity string
	Conn     Conn
}

// Entry describes one registered connection.
type Entry struct {
	Identity string
	Topic    string
	Role     Role
	Conn     Conn
}

// Counts is a consistent pair of role totals.
type Counts struct {
	Publishers  int
	Subscribers int
}

// TopicCounts summarises one topic.
type TopicCounts struct {
	Topic       string
	Publishers  int
	Subscribers int
}

type record struct {
	conn  Conn
	topic string
}

// roleMap is one role's identity → record map with its own lock.
type roleMap struct {
	mu      sync.RWMutex
	entries map[string]record
}

func newRoleMap() *roleMap {
	return &roleMap{entries: make(map[string]record)}
}

// Registry holds the publisher and subscriber maps.
//
// Thread Safety:
// All methods are safe for concurrent use. Returned slices are copies owned
// by the caller.
type Registry struct {
	publishers  *roleMap
	subscribers *roleMap
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		publishers:  newRoleMap(),
		subscribers: newRoleMap(),
	}
}

func (r *Registry) mapFor(role Role) *roleMap {
	switch role {
	case RolePublisher:
		return r.publishers
	case RoleSubscriber:
		return r.subscribers
	default:
		return nil
	}
}

// Register inserts identity into the map for role. The entry is visible to
// SnapshotSubscribers as soon as Register returns. If the identity is present
// under the other role it is removed in the same critical section, so an
// identity never appears in both maps.
//
// Returns false, without touching either map, when role is not a known role.
// Registering an identity that is already present under the same role
// replaces its connection and topic.
func (r *Registry) Register(identity string, conn Conn, topic string, role Role) bool {
	target := r.mapFor(role)
	if target == nil {
		return false
	}

	r.publishers.mu.Lock()
	defer r.publishers.mu.Unlock()
	r.subscribers.mu.Lock()
	defer r.subscribers.mu.Unlock()

	for _, m := range []*roleMap{r.publishers, r.subscribers} {
		if m != target {
			delete(m.entries, identity)
		}
	}
	target.entries[identity] = record{conn: conn, topic: topic}
	return true
}

// Deregister removes identity from the map for role. Removing an identity
// that is not present, or passing an unknown role, is a no-op.
func (r *Registry) Deregister(identity string, role Role) {
	m := r.mapFor(role)
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, identity)
}

// DeregisterConn removes identity from the map for role only if it is still
// bound to conn, and reports whether it did. Pruning from a stale snapshot
// uses it so a newer registration under the same identity survives.
func (r *Registry) DeregisterConn(identity string, role Role, conn Conn) bool {
	m := r.mapFor(role)
	if m == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entries[identity]
	if !ok || rec.conn != conn {
		return false
	}
	delete(m.entries, identity)
	return true
}

// SnapshotSubscribers returns the subscribers of topic at one point in time.
// The subscriber lock is held only while copying; delivery to the returned
// connections happens after it is released. Topic comparison is exact.
func (r *Registry) SnapshotSubscribers(topic string) []Subscriber {
	r.subscribers.mu.RLock()
	defer r.subscribers.mu.RUnlock()

	out := make([]Subscriber, 0, len(r.subscribers.entries))
	for identity, rec := range r.subscribers.entries {
		if rec.topic == topic {
			out = append(out, Subscriber{Identity: identity, Conn: rec.conn})
		}
	}
	return out
}

// Counts returns the number of registered publishers and subscribers as one
// consistent view.
func (r *Registry) Counts() Counts {
	r.publishers.mu.RLock()
	defer r.publishers.mu.RUnlock()
	r.subscribers.mu.RLock()
	defer r.subscribers.mu.RUnlock()

	return Counts{
		Publishers:  len(r.publishers.entries),
		Subscribers: len(r.subscribers.entries),
	}
}

// Lookup returns the entry for identity, if registered under either role.
func (r *Registry) Lookup(identity string) (Entry, bool) {
	r.publishers.mu.RLock()
	defer r.publishers.mu.RUnlock()
	r.subscribers.mu.RLock()
	defer r.subscribers.mu.RUnlock()

	if rec, ok := r.publishers.entries[identity]; ok {
		return Entry{Identity: identity, Topic: rec.topic, Role: RolePublisher, Conn: rec.conn}, true
	}
	if rec, ok := r.subscribers.entries[identity]; ok {
		return Entry{Identity: identity, Topic: rec.topic, Role: RoleSubscriber, Conn: rec.conn}, true
	}
	return Entry{}, false
}

// Entries lists every registration, publishers first, each group ordered by
// topic and then identity.
func (r *Registry) Entries() []Entry {
	r.publishers.mu.RLock()
	defer r.publishers.mu.RUnlock()
	r.subscribers.mu.RLock()
	defer r.subscribers.mu.RUnlock()

	out := make([]Entry, 0, len(r.publishers.entries)+len(r.subscribers.entries))
	for _, role := range []Role{RolePublisher, RoleSubscriber} {
		m := r.mapFor(role)
		for identity, rec := range m.entries {
			out = append(out, Entry{Identity: identity, Topic: rec.topic, Role: role, Conn: rec.conn})
		}
	}

	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Role != b.Role:
			return int(a.Role) - int(b.Role)
		case a.Topic != b.Topic:
			return strings.Compare(a.Topic, b.Topic)
		default:
			return strings.Compare(a.Identity, b.Identity)
		}
	})
	return out
}

// Topics summarises every topic with at least one registration, ordered by
// topic name.
func (r *Registry) Topics() []TopicCounts {
	r.publishers.mu.RLock()
	defer r.publishers.mu.RUnlock()
	r.subscribers.mu.RLock()
	defer r.subscribers.mu.RUnlock()

	byTopic := make(map[string]*TopicCounts)
	get := func(topic string) *TopicCounts {
		tc, ok := byTopic[topic]
		if !ok {
			tc = &TopicCounts{Topic: topic}
			byTopic[topic] = tc
		}
		return tc
	}
	for _, rec := range r.publishers.entries {
		get(rec.topic).Publishers++
	}
	for _, rec := range r.subscribers.entries {
		get(rec.topic).Subscribers++
	}

	names := make([]string, 0, len(byTopic))
	for name := range byTopic {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]TopicCounts, 0, len(names))
	for _, name := range names {
		out = append(out, *byTopic[name])
	}
	return out
}
