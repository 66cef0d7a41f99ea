// Package metric provides the Prometheus metrics registry shared by
// LabBridge components.
//
// A single *MetricsRegistry is created at startup and handed to each
// component through its dependencies struct. Components build their own
// collectors and register them under their component name:
//
//	func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
//	    if registry == nil {
//	        return nil, nil
//	    }
//	    m := &Metrics{acks: prometheus.NewCounterVec(...)}
//	    if err := registry.RegisterCounterVec("mllp", "acks_sent", m.acks); err != nil {
//	        return nil, err
//	    }
//	    return m, nil
//	}
//
// A nil registry disables metrics for that component; every recording
// method on a nil *Metrics is a no-op.
//
// All metric names use the "labbridge" namespace. Server exposes the
// registry at /metrics.
package metric
