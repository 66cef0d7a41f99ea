package fhirapi

import (
	"strconv"
	"time"

	"github.com/dasjn/labbridge-fhir-hl7-app/metric"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/breaker"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the FHIR API client
type Metrics struct {
	apiCalls     *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	circuitState prometheus.Gauge
}

// newMetrics returns nil when no registry is provided.
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "fhir_api_calls_total",
			Help:      "FHIR API calls by resource type, method and status code",
		}, []string{"resource_type", "method", "status_code"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Name:      "fhir_api_call_duration_seconds",
			Help:      "Duration of a single FHIR API call",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"resource_type", "method"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "fhir_api_retries_total",
			Help:      "FHIR API calls repeated after a transient failure",
		}, []string{"resource_type"}),
		circuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Name:      "fhir_api_circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}

	registry.RegisterCounterVec("fhirapi", "api_calls", m.apiCalls)
	registry.RegisterHistogramVec("fhirapi", "call_duration", m.callDuration)
	registry.RegisterCounterVec("fhirapi", "retries", m.retries)
	registry.RegisterGauge("fhirapi", "circuit_state", m.circuitState)

	return m
}

func (m *Metrics) recordCall(resource string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.apiCalls.WithLabelValues(resource, "POST", code).Inc()
	m.callDuration.WithLabelValues(resource, "POST").Observe(elapsed.Seconds())
}

func (m *Metrics) recordRetry(resource string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(resource).Inc()
}

func (m *Metrics) recordState(s breaker.State) {
	if m == nil {
		return
	}
	m.circuitState.Set(float64(s))
}
