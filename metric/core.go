package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every LabBridge metric.
const Namespace = "labbridge"

// Metrics holds process-wide metrics that do not belong to one component.
type Metrics struct {
	started time.Time

	Uptime        prometheus.GaugeFunc
	NATSConnected prometheus.Gauge
	QueueDepth    *prometheus.GaugeVec
}

// NewMetrics creates the process-wide metrics.
func NewMetrics() *Metrics {
	m := &Metrics{started: time.Now()}

	m.Uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the process started",
		},
		func() float64 { return time.Since(m.started).Seconds() },
	)

	m.NATSConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		},
	)

	m.QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Messages waiting in a queue",
		},
		[]string{"queue"},
	)

	return m
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{c.Uptime, c.NATSConnected, c.QueueDepth}
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordQueueDepth sets the pending message count of a queue
func (c *Metrics) RecordQueueDepth(queue string, depth uint64) {
	c.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
