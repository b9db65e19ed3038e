package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/topicbroker/internal/registry"
)

const metricsNamespace = "topicbroker"

// Metrics holds the broker's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	handshakeFailures prometheus.Counter
	registrations     *prometheus.GaugeVec
	messagesPublished prometheus.Counter
	deliveries        *prometheus.CounterVec
	subscribersPruned prometheus.Counter
	messagesRejected  prometheus.Counter
	fanoutDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. Passing a
// nil Registerer creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Connections currently being served.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Connections accepted since start.",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_failures_total",
			Help:      "Connections closed because of a malformed handshake or unknown role.",
		}),
		registrations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "registrations",
			Help:      "Registered connections by role.",
		}, []string{"role"}),
		messagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_published_total",
			Help:      "Messages received from publishers.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Broadcast send attempts by result.",
		}, []string{"result"}),
		subscribersPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "subscribers_pruned_total",
			Help:      "Subscribers removed after a failed delivery.",
		}),
		messagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_rejected_total",
			Help:      "Messages sent by subscribers and refused.",
		}),
		fanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "fanout_duration_seconds",
			Help:      "Time spent delivering one published message.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionsActive,
			m.connectionsTotal,
			m.handshakeFailures,
			m.registrations,
			m.messagesPublished,
			m.deliveries,
			m.subscribersPruned,
			m.messagesRejected,
			m.fanoutDuration,
		)
	}
	return m
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) handshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

func (m *Metrics) setRegistrations(c registry.Counts) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(registry.RolePublisher.String()).Set(float64(c.Publishers))
	m.registrations.WithLabelValues(registry.RoleSubscriber.String()).Set(float64(c.Subscribers))
}

func (m *Metrics) published(delivered, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.messagesPublished.Inc()
	m.deliveries.WithLabelValues("ok").Add(float64(delivered))
	m.deliveries.WithLabelValues("failed").Add(float64(failed))
	m.fanoutDuration.Observe(took.Seconds())
}

func (m *Metrics) subscriberPruned() {
	if m == nil {
		return
	}
	m.subscribersPruned.Inc()
}

func (m *Metrics) messageRejected() {
	if m == nil {
		return
	}
	m.messagesRejected.Inc()
}
