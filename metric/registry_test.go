package metric

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.CoreMetrics())

	registry.CoreMetrics().RecordNATSStatus(true)
	registry.CoreMetrics().RecordQueueDepth("LABBRIDGE_HL7", 7)

	names := gatheredNames(t, registry)
	assert.True(t, names["labbridge_uptime_seconds"])
	assert.True(t, names["labbridge_nats_connected"])
	assert.True(t, names["labbridge_queue_depth"])
	assert.True(t, names["go_goroutines"])

	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().NATSConnected))
	assert.Equal(t, 7.0, testutil.ToFloat64(registry.CoreMetrics().QueueDepth.WithLabelValues("LABBRIDGE_HL7")))
}

func TestMetricsRegistry_RegisterEachKind(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NoError(t, registry.RegisterCounter("test", "c", prometheus.NewCounter(prometheus.CounterOpts{Name: "t_counter", Help: "h"})))
	require.NoError(t, registry.RegisterGauge("test", "g", prometheus.NewGauge(prometheus.GaugeOpts{Name: "t_gauge", Help: "h"})))
	require.NoError(t, registry.RegisterHistogram("test", "h", prometheus.NewHistogram(prometheus.HistogramOpts{Name: "t_hist", Help: "h"})))

	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_counter_vec", Help: "h"}, []string{"l"})
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "t_gauge_vec", Help: "h"}, []string{"l"})
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "t_hist_vec", Help: "h"}, []string{"l"})
	require.NoError(t, registry.RegisterCounterVec("test", "cv", cv))
	require.NoError(t, registry.RegisterGaugeVec("test", "gv", gv))
	require.NoError(t, registry.RegisterHistogramVec("test", "hv", hv))
	cv.WithLabelValues("a").Inc()
	gv.WithLabelValues("a").Set(1)
	hv.WithLabelValues("a").Observe(1)

	names := gatheredNames(t, registry)
	for _, n := range []string{"t_counter", "t_gauge", "t_hist", "t_counter_vec", "t_gauge_vec", "t_hist_vec"} {
		assert.True(t, names[n], "missing %s", n)
	}
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "h"})
	require.NoError(t, registry.RegisterCounter("svc", "dup", first))

	err := registry.RegisterCounter("svc", "dup", first)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// same prometheus name under a different key
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "h"})
	err = registry.RegisterCounter("other", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "gone_gauge", Help: "h"})
	require.NoError(t, registry.RegisterGauge("svc", "gone", gauge))

	assert.True(t, registry.Unregister("svc", "gone"))
	assert.False(t, registry.Unregister("svc", "gone"))
	assert.False(t, gatheredNames(t, registry)["gone_gauge"])

	// can register again after removal
	require.NoError(t, registry.RegisterGauge("svc", "gone", gauge))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: fmt.Sprintf("conc_%d", i), Help: "h"})
			errs <- registry.RegisterCounter("svc", fmt.Sprintf("c%d", i), c)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestServer_ServesMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordNATSStatus(true)

	srv := NewServer("127.0.0.1:0", "", registry)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	assert.Error(t, srv.Start(), "second start must fail")

	resp, err := http.Get(srv.Address())
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "labbridge_nats_connected 1")
}

func TestServer_HandleExtraRoute(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/metrics", NewMetricsRegistry())
	srv.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	base := strings.TrimSuffix(srv.Address(), "/metrics")
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestServer_NilRegistry(t *testing.T) {
	err := NewServer("127.0.0.1:0", "/metrics", nil).Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
