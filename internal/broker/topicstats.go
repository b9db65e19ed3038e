package broker

import (
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

// TopicSnapshot is a point-in-time copy of one topic's counters.
type TopicSnapshot struct {
	Topic     string
	Published uint64
	Delivered uint64
	Failed    uint64
}

type topicCounters struct {
	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// TopicStats accumulates per-topic message counts for the lifetime of the
// process. Counters are updated with atomics; the map lock is only taken
// to find or create a topic's entry. A nil *TopicStats ignores updates.
//
// Entries are never removed, so the map holds one entry per topic ever
// recorded. The Router records a message only when its topic has at least
// one subscriber, which ties growth to subscriber registrations rather than
// to arbitrary publish requests.
type TopicStats struct {
	mu     sync.RWMutex
	topics map[string]*topicCounters
}

// NewTopicStats creates an empty TopicStats.
func NewTopicStats() *TopicStats {
	return &TopicStats{topics: make(map[string]*topicCounters)}
}

func (s *TopicStats) counters(topic string) *topicCounters {
	s.mu.RLock()
	c, ok := s.topics[topic]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.topics[topic]; !ok {
		c = &topicCounters{}
		s.topics[topic] = c
	}
	return c
}

// Record counts one published message and its delivery outcome.
func (s *TopicStats) Record(topic string, delivered, failed int) {
	if s == nil {
		return
	}
	c := s.counters(topic)
	c.published.Add(1)
	c.delivered.Add(uint64(delivered))
	c.failed.Add(uint64(failed))
}

// Get returns the counters for topic. Unknown topics report zeros.
func (s *TopicStats) Get(topic string) TopicSnapshot {
	snap := TopicSnapshot{Topic: topic}
	if s == nil {
		return snap
	}

	s.mu.RLock()
	c, ok := s.topics[topic]
	s.mu.RUnlock()
	if !ok {
		return snap
	}
	snap.Published = c.published.Load()
	snap.Delivered = c.delivered.Load()
	snap.Failed = c.failed.Load()
	return snap
}

// Snapshot returns every topic seen so far, ordered by name.
func (s *TopicStats) Snapshot() []TopicSnapshot {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.topics))
	for name := range s.topics {
		names = append(names, name)
	}
	s.mu.RUnlock()
	slices.Sort(names)

	out := make([]TopicSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, s.Get(name))
	}
	return out
}
