// Package metrics exposes Prometheus counters/gauges/histograms for the
// protocol core, plus host system sampling, generalized from the
// teacher's trading-gateway metrics to protocol-domain metrics (sessions,
// envelopes, flow control, runs, tool dispatch).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the interface the protocol components record against, so
// that session/flow/registry/agentbridge code never depends on
// Prometheus directly.
type Recorder interface {
	IncrementSessions()
	DecrementSessions()
	RecordSessionDuration(d time.Duration)
	GetActiveSessions() int64

	IncrementEnvelopesReceived(channel, eventType string)
	IncrementEnvelopesSent(channel, eventType string)
	RecordEnvelopeSize(size int)
	IncrementDuplicateEnvelopes()

	RecordEnvelopeLatency(d time.Duration)
	RecordAgentBridgeLatency(d time.Duration)

	RecordProtocolError(code string)

	IncrementFlowControlViolations()
	IncrementReplayMisses()
	SetActiveRuns(n int)
	GetActiveRuns() int64

	SetAgentBridgeConnected(connected bool)
	IncrementAgentBridgeReconnects()
	IncrementAgentBridgeMessages()

	GetUptime() time.Duration
}

// Metrics is the Prometheus-backed Recorder implementation.
type Metrics struct {
	sessionsTotal    prometheus.Counter
	sessionsActive   prometheus.Gauge
	sessionDuration  prometheus.Histogram

	envelopesReceived *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	envelopeSize      prometheus.Histogram
	envelopeDuplicates prometheus.Counter

	envelopeLatency     prometheus.Histogram
	agentBridgeLatency  prometheus.Histogram

	protocolErrors *prometheus.CounterVec

	flowControlViolations prometheus.Counter
	replayMisses          prometheus.Counter
	activeRuns            prometheus.Gauge

	agentBridgeConnected  prometheus.Gauge
	agentBridgeReconnects prometheus.Counter
	agentBridgeMessages   prometheus.Counter

	startTime      time.Time
	mu             sync.RWMutex
	sessionsCount  int64
	activeRunCount int64
}

func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		sessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "haip_sessions_total",
			Help: "Total number of sessions attempted",
		}),
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "haip_sessions_active",
			Help: "Number of currently active sessions",
		}),
		sessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "haip_session_duration_seconds",
			Help:    "Duration of sessions",
			Buckets: prometheus.DefBuckets,
		}),

		envelopesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "haip_envelopes_received_total",
			Help: "Total number of envelopes received from peers",
		}, []string{"channel", "type"}),
		envelopesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "haip_envelopes_sent_total",
			Help: "Total number of envelopes sent to peers",
		}, []string{"channel", "type"}),
		envelopeSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "haip_envelope_size_bytes",
			Help:    "Size of envelopes in bytes",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000},
		}),
		envelopeDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "haip_envelopes_duplicate_total",
			Help: "Total number of duplicate envelopes dropped by id",
		}),

		envelopeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "haip_envelope_latency_seconds",
			Help:    "Latency of inbound envelope processing",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		agentBridgeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "haip_agentbridge_latency_seconds",
			Help:    "Latency of agent-bridge round trips",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		protocolErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "haip_protocol_errors_total",
			Help: "Total number of protocol errors by code",
		}, []string{"code"}),

		flowControlViolations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "haip_flow_control_violations_total",
			Help: "Total number of FLOW_CONTROL_VIOLATION errors",
		}),
		replayMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "haip_replay_misses_total",
			Help: "Total number of REPLAY_TOO_OLD errors",
		}),
		activeRuns: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "haip_runs_active",
			Help: "Number of currently active runs across all sessions",
		}),

		agentBridgeConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "haip_agentbridge_connection_status",
			Help: "Agent bridge connection status (1=connected, 0=disconnected)",
		}),
		agentBridgeReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "haip_agentbridge_reconnects_total",
			Help: "Total number of agent-bridge reconnections",
		}),
		agentBridgeMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "haip_agentbridge_messages_total",
			Help: "Total number of agent-bridge messages processed",
		}),
	}
}

func (m *Metrics) IncrementSessions() {
	m.sessionsTotal.Inc()
	m.mu.Lock()
	m.sessionsCount++
	m.mu.Unlock()
	m.sessionsActive.Inc()
}

func (m *Metrics) DecrementSessions() {
	m.mu.Lock()
	m.sessionsCount--
	m.mu.Unlock()
	m.sessionsActive.Dec()
}

func (m *Metrics) RecordSessionDuration(d time.Duration) { m.sessionDuration.Observe(d.Seconds()) }

func (m *Metrics) GetActiveSessions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionsCount
}

func (m *Metrics) IncrementEnvelopesReceived(channel, eventType string) {
	m.envelopesReceived.WithLabelValues(channel, eventType).Inc()
}

func (m *Metrics) IncrementEnvelopesSent(channel, eventType string) {
	m.envelopesSent.WithLabelValues(channel, eventType).Inc()
}

func (m *Metrics) RecordEnvelopeSize(size int) { m.envelopeSize.Observe(float64(size)) }

func (m *Metrics) IncrementDuplicateEnvelopes() { m.envelopeDuplicates.Inc() }

func (m *Metrics) RecordEnvelopeLatency(d time.Duration) { m.envelopeLatency.Observe(d.Seconds()) }

func (m *Metrics) RecordAgentBridgeLatency(d time.Duration) {
	m.agentBridgeLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordProtocolError(code string) { m.protocolErrors.WithLabelValues(code).Inc() }

func (m *Metrics) IncrementFlowControlViolations() { m.flowControlViolations.Inc() }

func (m *Metrics) IncrementReplayMisses() { m.replayMisses.Inc() }

func (m *Metrics) SetActiveRuns(n int) {
	m.activeRuns.Set(float64(n))
	m.mu.Lock()
	m.activeRunCount = int64(n)
	m.mu.Unlock()
}

func (m *Metrics) GetActiveRuns() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeRunCount
}

func (m *Metrics) SetAgentBridgeConnected(connected bool) {
	if connected {
		m.agentBridgeConnected.Set(1)
	} else {
		m.agentBridgeConnected.Set(0)
	}
}

func (m *Metrics) IncrementAgentBridgeReconnects() { m.agentBridgeReconnects.Inc() }

func (m *Metrics) IncrementAgentBridgeMessages() { m.agentBridgeMessages.Inc() }

func (m *Metrics) GetUptime() time.Duration { return time.Since(m.startTime) }

var _ Recorder = (*Metrics)(nil)
