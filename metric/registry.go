package metric

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
)

// MetricsRegistry is the one Prometheus registry of the process. Each
// component registers its collectors under its own name, so a second
// listener or client built on the same registry fails loudly instead of
// silently sharing series.
type MetricsRegistry struct {
	prom *prometheus.Registry
	core *Metrics

	mu    sync.Mutex
	owned map[string]prometheus.Collector // "component/metric"
}

// NewMetricsRegistry creates a registry holding the core metrics and the
// Go runtime and process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:  prometheus.NewRegistry(),
		core:  NewMetrics(),
		owned: make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(r.core.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry exposes the registry for scraping and tests.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics returns the process-wide metrics.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.core
}

func (r *MetricsRegistry) RegisterCounter(component, name string, c prometheus.Counter) error {
	return r.add(component, name, "RegisterCounter", c)
}

func (r *MetricsRegistry) RegisterGauge(component, name string, g prometheus.Gauge) error {
	return r.add(component, name, "RegisterGauge", g)
}

func (r *MetricsRegistry) RegisterHistogram(component, name string, h prometheus.Histogram) error {
	return r.add(component, name, "RegisterHistogram", h)
}

func (r *MetricsRegistry) RegisterCounterVec(component, name string, c *prometheus.CounterVec) error {
	return r.add(component, name, "RegisterCounterVec", c)
}

func (r *MetricsRegistry) RegisterGaugeVec(component, name string, g *prometheus.GaugeVec) error {
	return r.add(component, name, "RegisterGaugeVec", g)
}

func (r *MetricsRegistry) RegisterHistogramVec(component, name string, h *prometheus.HistogramVec) error {
	return r.add(component, name, "RegisterHistogramVec", h)
}

// add registers c under component/name. Reusing a key, or a Prometheus
// name already taken by another key, is an invalid error.
func (r *MetricsRegistry) add(component, name, method string, c prometheus.Collector) error {
	key := component + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.owned[key]; taken {
		return errors.WrapInvalid(fmt.Errorf("%s is already registered", key),
			"MetricsRegistry", method, "register "+key)
	}

	err := r.prom.Register(c)
	var dup prometheus.AlreadyRegisteredError
	switch {
	case errors.As(err, &dup):
		return errors.WrapInvalid(err, "MetricsRegistry", method, "register "+key)
	case err != nil:
		return errors.WrapFatal(err, "MetricsRegistry", method, "register "+key)
	}

	r.owned[key] = c
	return nil
}

// Unregister removes component/name and reports whether it was present.
func (r *MetricsRegistry) Unregister(component, name string) bool {
	key := component + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.owned[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned, key)
	return true
}
