package labresult

import (
	"time"

	"github.com/dasjn/labbridge-fhir-hl7-app/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the orchestrator
type Metrics struct {
	succeeded          *prometheus.CounterVec
	failed             *prometheus.CounterVec
	processingDuration prometheus.Histogram
	e2eLatency         prometheus.Histogram
	auditErrors        prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		succeeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "messages_processed_success_total",
			Help:      "Messages whose resources were all created",
		}, []string{"message_type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "messages_processed_failure_total",
			Help:      "Messages dead-lettered by message type and failing stage",
		}, []string{"message_type", "error_type"}),
		processingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Name:      "message_processing_duration_seconds",
			Help:      "Time from dequeue to outcome",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		e2eLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Name:      "e2e_message_latency_seconds",
			Help:      "Time from enqueue by the listener to successful processing",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		auditErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "audit_write_errors_total",
			Help:      "Audit records that could not be written",
		}),
	}

	registry.RegisterCounterVec("labresult", "processed_success", m.succeeded)
	registry.RegisterCounterVec("labresult", "processed_failure", m.failed)
	registry.RegisterHistogram("labresult", "processing_duration", m.processingDuration)
	registry.RegisterHistogram("labresult", "e2e_latency", m.e2eLatency)
	registry.RegisterCounter("labresult", "audit_errors", m.auditErrors)

	return m
}

func (m *Metrics) recordSuccess(messageType string, elapsed, sinceEnqueue time.Duration) {
	if m == nil {
		return
	}
	m.succeeded.WithLabelValues(messageType).Inc()
	m.processingDuration.Observe(elapsed.Seconds())
	if sinceEnqueue > 0 {
		m.e2eLatency.Observe(sinceEnqueue.Seconds())
	}
}

func (m *Metrics) recordFailure(messageType string, stage Stage, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(messageType, string(stage)).Inc()
	m.processingDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) recordAuditError() {
	if m == nil {
		return
	}
	m.auditErrors.Inc()
}
