package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks relay publish/consume activity. All methods are nil-safe so
// callers never have to guard.
type Metrics struct {
	published       prometheus.Counter
	publishFailures *prometheus.CounterVec
	delivered       prometheus.Counter
	suppressed      prometheus.Counter
	dropped         *prometheus.CounterVec
	reconnects      prometheus.Counter
	pendingDepth    prometheus.Gauge
}

// NewMetrics registers the relay collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_relay_published_total",
			Help: "Chat events successfully published to the broker.",
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_relay_publish_failures_total",
			Help: "Publish failures grouped by stage (busy, exhausted).",
		}, []string{"stage"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_relay_delivered_total",
			Help: "Events enqueued to local sessions by the fan-out loop.",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_relay_suppressed_total",
			Help: "Origin-session deliveries skipped to prevent duplicates.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_relay_dropped_total",
			Help: "Events dropped before delivery, by reason.",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_relay_reconnects_total",
			Help: "Broker consumer reconnect attempts.",
		}),
		pendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lobby_relay_pending_depth",
			Help: "Publish requests queued behind the broker.",
		}),
	}

	reg.MustRegister(
		m.published,
		m.publishFailures,
		m.delivered,
		m.suppressed,
		m.dropped,
		m.reconnects,
		m.pendingDepth,
	)
	return m
}

func (m *Metrics) recordPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) recordPublishFailure(stage string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) recordDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

func (m *Metrics) recordSuppressed() {
	if m == nil {
		return
	}
	m.suppressed.Inc()
}

func (m *Metrics) recordDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setPendingDepth(n int) {
	if m == nil {
		return
	}
	m.pendingDepth.Set(float64(n))
}
