package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "webrtc_sender"

// Metrics holds the Prometheus collectors for the sender. A nil *Metrics is
// valid and records nothing, so components can run without a registry.
type Metrics struct {
	registry *prometheus.Registry

	messagesRouted    *prometheus.CounterVec
	messagesMalformed prometheus.Counter
	messagesSent      *prometheus.CounterVec
	reconnects        prometheus.Counter
	transitions       *prometheus.CounterVec
	offersSent        prometheus.Counter
	candidatesFlushed *prometheus.CounterVec
	connected         prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "messages_routed_total",
			Help:      "Inbound signaling messages dispatched, by type.",
		}, []string{"type"}),
		messagesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "messages_malformed_total",
			Help:      "Inbound signaling frames discarded as malformed.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "messages_sent_total",
			Help:      "Outbound signaling messages written, by type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "reconnects_total",
			Help:      "Signaling connections established after the first one.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state transitions, by source and target state.",
		}, []string{"from", "to"}),
		offersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "offers_sent_total",
			Help:      "SDP offers sent to the signaling server.",
		}),
		candidatesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "candidates_flushed_total",
			Help:      "Queued ICE candidates delivered after being buffered, by direction.",
		}, []string{"direction"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connected",
			Help:      "1 while the peer connection is connected.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesRouted,
		m.messagesMalformed,
		m.messagesSent,
		m.reconnects,
		m.transitions,
		m.offersSent,
		m.candidatesFlushed,
		m.connected,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageRouted(msgType string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageMalformed() {
	if m == nil {
		return
	}
	m.messagesMalformed.Inc()
}

func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) StateTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) OfferSent() {
	if m == nil {
		return
	}
	m.offersSent.Inc()
}

// CandidatesFlushed records n buffered candidates delivered in direction
// "local" or "remote".
func (m *Metrics) CandidatesFlushed(direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.candidatesFlushed.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) SetConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
