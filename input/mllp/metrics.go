package mllp

import (
	"time"

	"github.com/dasjn/labbridge-fhir-hl7-app/ack"
	"github.com/dasjn/labbridge-fhir-hl7-app/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the MLLP listener
type Metrics struct {
	activeConnections   prometheus.Gauge
	rejectedConnections prometheus.Counter
	messagesReceived    *prometheus.CounterVec
	acksSent            *prometheus.CounterVec
	parseDuration       prometheus.Histogram
	frameErrors         *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Name:      "active_mllp_connections",
			Help:      "Open MLLP connections",
		}),
		rejectedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "mllp_connections_rejected_total",
			Help:      "Connections closed on accept because the connection limit was reached",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "messages_received_total",
			Help:      "HL7 messages received over MLLP by message type",
		}, []string{"message_type"}),
		acksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "acks_sent_total",
			Help:      "Acknowledgments sent by code",
		}, []string{"ack_code"}),
		parseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Name:      "hl7_parsing_duration_seconds",
			Help:      "Time spent validating an inbound message",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "mllp_frame_errors_total",
			Help:      "Connections dropped because of framing or socket errors",
		}, []string{"reason"}),
	}

	registry.RegisterGauge("mllp", "active_connections", m.activeConnections)
	registry.RegisterCounter("mllp", "rejected_connections", m.rejectedConnections)
	registry.RegisterCounterVec("mllp", "messages_received", m.messagesReceived)
	registry.RegisterCounterVec("mllp", "acks_sent", m.acksSent)
	registry.RegisterHistogram("mllp", "parse_duration", m.parseDuration)
	registry.RegisterCounterVec("mllp", "frame_errors", m.frameErrors)

	return m
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) connRejected() {
	if m == nil {
		return
	}
	m.rejectedConnections.Inc()
}

func (m *Metrics) received(messageType string, parse time.Duration) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(messageType).Inc()
	m.parseDuration.Observe(parse.Seconds())
}

func (m *Metrics) ackSent(code ack.Code) {
	if m == nil {
		return
	}
	m.acksSent.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) frameError(reason string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(reason).Inc()
}
