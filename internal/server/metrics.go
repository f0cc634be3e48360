package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type lobbyMetrics struct {
	activeSessions prometheus.Gauge
	sessionTotal   prometheus.Counter
	authFailures   *prometheus.CounterVec
	commands       *prometheus.CounterVec
	commandErrors  *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	queueOverflow  prometheus.Counter
	forcedCloses   *prometheus.CounterVec
}

func newLobbyMetrics(reg prometheus.Registerer) *lobbyMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &lobbyMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lobby_sessions_active",
			Help: "Current number of live sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_sessions_total",
			Help: "Total sessions handled since start.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_auth_failures_total",
			Help: "Authentication rejections by reason.",
		}, []string{"reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_commands_total",
			Help: "Commands accepted from authenticated sessions.",
		}, []string{"type"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_command_errors_total",
			Help: "Command validation or dispatch errors by code.",
		}, []string{"code"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lobby_command_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		queueOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_session_queue_overflow_total",
			Help: "Outbound enqueue attempts dropped because the queue was full.",
		}),
		forcedCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_session_forced_closes_total",
			Help: "Sessions force-closed by the engine, by cause.",
		}, []string{"cause"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.authFailures,
		m.commands,
		m.commandErrors,
		m.commandLatency,
		m.queueOverflow,
		m.forcedCloses,
	)
	return m
}

func (m *lobbyMetrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *lobbyMetrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *lobbyMetrics) recordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *lobbyMetrics) recordCommand(op string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(op).Inc()
}

func (m *lobbyMetrics) recordCommandError(code string) {
	if m == nil {
		return
	}
	m.commandErrors.WithLabelValues(code).Inc()
}

func (m *lobbyMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.commandLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *lobbyMetrics) recordQueueOverflow() {
	if m == nil {
		return
	}
	m.queueOverflow.Inc()
}

func (m *lobbyMetrics) recordForcedClose(cause string) {
	if m == nil {
		return
	}
	m.forcedCloses.WithLabelValues(cause).Inc()
}
