package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dreamware/topicbroker/internal/logger"
	"github.com/dreamware/topicbroker/internal/registry"
	"github.com/dreamware/topicbroker/internal/wire"
)

// ErrMessageTooLarge is returned by CheckMessage when the broadcast built
// from a message would not fit in one frame.
var ErrMessageTooLarge = errors.New("broker: message too large")

// Router fans a publisher's message out to the subscribers of its topic.
type Router struct {
	reg          *registry.Registry
	log          *slog.Logger
	metrics      *Metrics
	stats        *TopicStats
	maxFrameSize int
}

// NewRouter creates a Router over reg.
func NewRouter(reg *registry.Registry, opts ...Option) *Router {
	o := newOptions(opts)
	return newRouter(reg, o)
}

func newRouter(reg *registry.Registry, o options) *Router {
	return &Router{
		reg:          reg,
		log:          o.log.With(logger.Component("router")),
		metrics:      o.metrics,
		stats:        o.stats,
		maxFrameSize: o.maxFrameSize,
	}
}

// MaxFrameSize is the largest frame the Router will send.
func (r *Router) MaxFrameSize() int { return r.maxFrameSize }

// CheckMessage reports whether the broadcast of message from publisher on
// topic fits in a frame.
func (r *Router) CheckMessage(message, publisher, topic string) error {
	n := wire.BroadcastLen(publisher, topic, len(message))
	if err := wire.CheckFrameSize(n, r.maxFrameSize); err != nil {
		return fmt.Errorf("%w: %w", ErrMessageTooLarge, err)
	}
	return nil
}

// Distribute sends message from publisher to every subscriber of topic and
// returns how many sends succeeded.
//
// The subscriber set is snapshotted first; no registry lock is held while
// sending. A failed send does not stop the fan-out. Once every subscriber
// has been tried, the ones that failed are removed from the registry.
// If ctx is cancelled the remaining subscribers are skipped.
//
// A message that fails CheckMessage is not sent to anyone and nobody is
// pruned. Callers are expected to check first and tell the publisher.
func (r *Router) Distribute(ctx context.Context, message, publisher, topic string) int {
	if err := r.CheckMessage(message, publisher, topic); err != nil {
		r.log.Warn("message not distributed",
			logger.Peer(publisher), logger.Topic(topic), logger.Error(err))
		return 0
	}

	start := time.Now()
	subs := r.reg.SnapshotSubscribers(topic)
	broadcast := wire.FormatBroadcast(publisher, topic, message)

	var failed []registry.Subscriber
	delivered := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			r.log.Warn("fan-out cancelled",
				logger.Topic(topic), logger.Count("remaining", len(subs)-delivered-len(failed)))
			break
		}
		if err := sub.Conn.Send(broadcast); err != nil {
			r.log.Warn("delivery failed",
				logger.Peer(sub.Identity), logger.Topic(topic), logger.Error(err))
			failed = append(failed, sub)
			continue
		}
		delivered++
	}

	for _, sub := range failed {
		if r.reg.DeregisterConn(sub.Identity, registry.RoleSubscriber, sub.Conn) {
			r.log.Info("pruned subscriber", logger.Peer(sub.Identity), logger.Topic(topic))
			r.metrics.subscriberPruned()
		}
	}

	if len(subs) > 0 {
		r.stats.Record(topic, delivered, len(failed))
	}
	r.metrics.published(delivered, len(failed), time.Since(start))
	r.log.Debug("message distributed",
		logger.Peer(publisher), logger.Topic(topic),
		logger.Count("delivered", delivered), logger.Count("failed", len(failed)))
	return delivered
}
