package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/topicbroker/internal/logger"
	"github.com/dreamware/topicbroker/internal/registry"
)

// logRegistryStatus logs the registry counts at info and, when debug is
// enabled, one line per registration.
func logRegistryStatus(log *slog.Logger, reg *registry.Registry, event string) {
	c := reg.Counts()
	log.Info("registry status",
		slog.String("event", event),
		logger.Count("publishers", c.Publishers),
		logger.Count("subscribers", c.Subscribers))

	if !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for _, e := range reg.Entries() {
		log.Debug("registry entry",
			slog.String("identity", e.Identity), logger.Role(e.Role), logger.Topic(e.Topic))
	}
}

// StatusReporter periodically logs the registry and per-topic counters.
type StatusReporter struct {
	reg      *registry.Registry
	stats    *TopicStats
	log      *slog.Logger
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusReporter creates a reporter that logs every interval once
// started. Only WithLogger and WithTopicStats apply.
func NewStatusReporter(reg *registry.Registry, interval time.Duration, opts ...Option) *StatusReporter {
	o := newOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &StatusReporter{
		reg:      reg,
		stats:    o.stats,
		log:      o.log.With(logger.Component("status")),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start logs once immediately and then on every tick until ctx is cancelled
// or Stop is called. It blocks; run it on its own goroutine.
func (r *StatusReporter) Start(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Report()
	for {
		select {
		case <-ticker.C:
			r.Report()
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// Stop ends a running Start and waits for it to return.
func (r *StatusReporter) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Report logs the current state once.
func (r *StatusReporter) Report() {
	logRegistryStatus(r.log, r.reg, "periodic")
	for _, t := range r.stats.Snapshot() {
		r.log.Info("topic stats",
			logger.Topic(t.Topic),
			slog.Uint64("published", t.Published),
			slog.Uint64("delivered", t.Delivered),
			slog.Uint64("failed", t.Failed))
	}
}
