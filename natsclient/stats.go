package natsclient

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dasjn/labbridge-fhir-hl7-app/metric"
)

// streamStats polls the streams and consumers this client created and
// publishes their size. A nil *streamStats ignores every call.
type streamStats struct {
	messages   *prometheus.GaugeVec
	bytes      *prometheus.GaugeVec
	ackPending *prometheus.GaugeVec
	failures   *prometheus.CounterVec
	core       *metric.Metrics

	mu        sync.Mutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer // by stream name
}

func newStreamStats(registry *metric.MetricsRegistry) (*streamStats, error) {
	if registry == nil {
		return nil, nil
	}

	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "jetstream",
			Name:      name,
			Help:      help,
		}, labels)
	}

	s := &streamStats{
		messages:   gauge("stream_messages", "Messages stored in the stream", "stream"),
		bytes:      gauge("stream_bytes", "Bytes stored in the stream", "stream"),
		ackPending: gauge("consumer_ack_pending", "Messages delivered to the consumer and not yet acknowledged", "stream", "consumer"),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "jetstream",
			Name:      "operation_errors_total",
			Help:      "JetStream management calls that failed",
		}, []string{"operation"}),
		core:      registry.CoreMetrics(),
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
	}

	for name, vec := range map[string]*prometheus.GaugeVec{
		"stream_messages":      s.messages,
		"stream_bytes":         s.bytes,
		"consumer_ack_pending": s.ackPending,
	} {
		if err := registry.RegisterGaugeVec("jetstream", name, vec); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterCounterVec("jetstream", "operation_errors", s.failures); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *streamStats) addStream(name string, stream jetstream.Stream) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.streams[name] = stream
	s.mu.Unlock()
}

func (s *streamStats) addConsumer(stream string, consumer jetstream.Consumer) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.consumers[stream] = consumer
	s.mu.Unlock()
}

func (s *streamStats) failed(operation string) {
	if s != nil {
		s.failures.WithLabelValues(operation).Inc()
	}
}

func (s *streamStats) connected(up bool) {
	if s != nil {
		s.core.RecordNATSStatus(up)
	}
}

// poll refreshes the gauges every interval until ctx ends.
func (s *streamStats) poll(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh reads stream and consumer info once. Info failures leave the
// previous values in place.
func (s *streamStats) refresh(ctx context.Context) {
	s.mu.Lock()
	streams := maps.Clone(s.streams)
	consumers := maps.Clone(s.consumers)
	s.mu.Unlock()

	for name, stream := range streams {
		if info, err := stream.Info(ctx); err == nil {
			s.messages.WithLabelValues(name).Set(float64(info.State.Msgs))
			s.bytes.WithLabelValues(name).Set(float64(info.State.Bytes))
		}
	}

	for name, consumer := range consumers {
		info, err := consumer.Info(ctx)
		if err != nil {
			continue
		}
		s.ackPending.WithLabelValues(name, info.Name).Set(float64(info.NumAckPending))
		s.core.RecordQueueDepth(name, info.NumPending+uint64(info.NumAckPending))
	}
}
