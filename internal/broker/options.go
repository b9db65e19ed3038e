package broker

import (
	"log/slog"
	"time"

	"github.com/dreamware/topicbroker/internal/logger"
	"github.com/dreamware/topicbroker/internal/transport"
	"github.com/dreamware/topicbroker/internal/wire"
)

type options struct {
	log          *slog.Logger
	metrics      *Metrics
	stats        *TopicStats
	writeTimeout time.Duration
	maxFrameSize int
}

func newOptions(opts []Option) options {
	o := options{
		log:          logger.Nop(),
		writeTimeout: transport.DefaultWriteTimeout,
		maxFrameSize: wire.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.stats == nil {
		o.stats = NewTopicStats()
	}
	if o.maxFrameSize <= 0 {
		o.maxFrameSize = wire.DefaultMaxFrameSize
	}
	return o
}

// Option configures a Server or Router.
type Option func(*options)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTopicStats shares a TopicStats between components.
func WithTopicStats(s *TopicStats) Option {
	return func(o *options) {
		o.stats = s
	}
}

// WithWriteTimeout bounds each write to a TCP connection. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithMaxFrameSize caps the size of a frame read from or sent to a peer,
// including broadcasts and acknowledgements built from a message.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		o.maxFrameSize = n
	}
}
