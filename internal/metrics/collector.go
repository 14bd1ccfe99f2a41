// Package gwmetrics exposes session-layer Prometheus metrics.
package gwmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "artio"
	subsystem = "session"
)

// Label names for session metrics.
const (
	labelProtocol  = "protocol"
	labelSession   = "session"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelKind      = "kind"
)

// -------------------------------------------------------------------------
// Collector — Prometheus session metrics
// -------------------------------------------------------------------------

// Collector holds all gateway Prometheus metrics and implements the
// session.MetricsReporter contract.
//
// Metrics are designed for production trading-infrastructure monitoring:
//   - Session gauge tracks currently owned sessions.
//   - Message counters track in/out volumes per session key.
//   - State transition counters record FSM changes for alerting.
//   - Protocol error counters flag sequencing and framing anomalies.
type Collector struct {
	// ActiveSessions tracks the number of currently owned sessions.
	ActiveSessions prometheus.Gauge

	// MessagesSent counts outbound frames per session.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts inbound frames per session.
	MessagesReceived *prometheus.CounterVec

	// StateTransitions counts session FSM transitions, labeled with the
	// old and new state for precise alerting (e.g. Established->Unbinding).
	StateTransitions *prometheus.CounterVec

	// RetransmitRequests counts issued retransmit batch requests.
	RetransmitRequests *prometheus.CounterVec

	// ProtocolErrors counts protocol violations by kind (parse, low_seq,
	// sending_time, invalid_uuid, reset_below).
	ProtocolErrors *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "artio_session_" prefix (namespace_subsystem) to
// avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ActiveSessions,
		c.MessagesSent,
		c.MessagesReceived,
		c.StateTransitions,
		c.RetransmitRequests,
		c.ProtocolErrors,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	sessionLabels := []string{labelProtocol, labelSession}
	transitionLabels := []string{labelProtocol, labelSession, labelFromState, labelToState}

	return &Collector{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active",
			Help:      "Number of currently owned sessions.",
		}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total frames transmitted.",
		}, sessionLabels),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Total frames received.",
		}, sessionLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total session state machine transitions.",
		}, transitionLabels),

		RetransmitRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retransmit_requests_total",
			Help:      "Total retransmit batch requests issued.",
		}, []string{labelSession}),

		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_errors_total",
			Help:      "Total protocol violations by kind.",
		}, []string{labelSession, labelKind}),
	}
}

// -------------------------------------------------------------------------
// session.MetricsReporter implementation
// -------------------------------------------------------------------------

// IncMessagesSent counts an outbound frame.
func (c *Collector) IncMessagesSent(protocol, key string) {
	c.MessagesSent.WithLabelValues(protocol, key).Inc()
}

// IncMessagesReceived counts an inbound frame.
func (c *Collector) IncMessagesReceived(protocol, key string) {
	c.MessagesReceived.WithLabelValues(protocol, key).Inc()
}

// RecordStateTransition counts a session FSM transition.
func (c *Collector) RecordStateTransition(protocol, key, fromState, toState string) {
	c.StateTransitions.WithLabelValues(protocol, key, fromState, toState).Inc()
}

// IncRetransmitRequests counts an issued retransmit batch request.
func (c *Collector) IncRetransmitRequests(key string) {
	c.RetransmitRequests.WithLabelValues(key).Inc()
}

// IncProtocolErrors counts a protocol violation.
func (c *Collector) IncProtocolErrors(key, kind string) {
	c.ProtocolErrors.WithLabelValues(key, kind).Inc()
}

// SetActiveSessions records the current live session count.
func (c *Collector) SetActiveSessions(n int) {
	c.ActiveSessions.Set(float64(n))
}
