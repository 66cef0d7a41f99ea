package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/dasjn/labbridge-fhir-hl7-app/ack"
	"github.com/dasjn/labbridge-fhir-hl7-app/audit"
	"github.com/dasjn/labbridge-fhir-hl7-app/config"
	"github.com/dasjn/labbridge-fhir-hl7-app/health"
	"github.com/dasjn/labbridge-fhir-hl7-app/input/mllp"
	"github.com/dasjn/labbridge-fhir-hl7-app/metric"
	"github.com/dasjn/labbridge-fhir-hl7-app/natsclient"
	"github.com/dasjn/labbridge-fhir-hl7-app/output/fhirapi"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/breaker"
	"github.com/dasjn/labbridge-fhir-hl7-app/processor/labresult"
	"github.com/dasjn/labbridge-fhir-hl7-app/queue"
)

const (
	natsConnectTimeout = 10 * time.Second
	metricsInterval    = 15 * time.Second
)

// app owns every long-lived component of the process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry  *metric.MetricsRegistry
	metrics   *metric.Server
	monitor   *health.Monitor
	nats      *natsclient.Client
	listener  *mllp.Listener
	processor *labresult.Processor
}

// newApp connects to NATS and builds the pipeline. Nothing accepts
// traffic until run.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
	}

	client, err := connectToNATS(ctx, cfg.NATS, a.registry, logger)
	if err != nil {
		return nil, err
	}
	a.nats = client

	q, err := queue.NewJetStream(ctx, client, cfg.Queue, logger)
	if err != nil {
		a.closeNATS()
		return nil, fmt.Errorf("create queue: %w", err)
	}

	sink, err := a.auditSink(ctx)
	if err != nil {
		a.closeNATS()
		return nil, err
	}

	fhirClient, err := fhirapi.New(fhirapi.Deps{
		Config:          cfg.FHIR,
		MetricsRegistry: a.registry,
		Logger:          logger,
	})
	if err != nil {
		a.closeNATS()
		return nil, fmt.Errorf("create FHIR client: %w", err)
	}

	a.listener, err = mllp.New(mllp.Deps{
		Config:          cfg.MLLP,
		Publisher:       q,
		Acks:            ack.New(),
		MetricsRegistry: a.registry,
		Logger:          logger,
	})
	if err != nil {
		a.closeNATS()
		return nil, fmt.Errorf("create MLLP listener: %w", err)
	}

	a.processor, err = labresult.New(labresult.Deps{
		Consumer:        q,
		Submitter:       fhirClient,
		Audit:           sink,
		FHIRServerURL:   cfg.FHIR.BaseURL,
		MetricsRegistry: a.registry,
		Logger:          logger,
	})
	if err != nil {
		a.closeNATS()
		return nil, fmt.Errorf("create processor: %w", err)
	}

	a.registerHealthChecks(fhirClient)

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, a.registry)
		a.metrics.Handle("/healthz", a.monitor.Handler(appName))
	}

	return a, nil
}

// connectToNATS establishes the NATS connection and waits for it to be ready
func connectToNATS(
	ctx context.Context,
	cfg config.NATSConfig,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithTimeout(cfg.ConnectTimeout),
		natsclient.WithPingInterval(cfg.PingInterval),
		natsclient.WithDrainTimeout(cfg.DrainTimeout),
		natsclient.WithName(cfg.Name),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry, metricsInterval),
		natsclient.WithDisconnectCallback(func(err error) {
			logger.Warn("NATS disconnected, MLLP messages will be answered with AE", "error", err)
		}),
		natsclient.WithReconnectCallback(func() {
			logger.Info("NATS connection restored, MLLP messages are queued again")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	client, err := natsclient.NewClient(cfg.URL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "servers", len(cfg.URLs))
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// auditSink combines the KV bucket and the log, whichever are enabled.
// With neither, the processor falls back to logging.
func (a *app) auditSink(ctx context.Context) (audit.Sink, error) {
	var sinks audit.Multi

	if a.cfg.Audit.Bucket != "" {
		bucket, err := a.nats.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      a.cfg.Audit.Bucket,
			Description: "LabBridge processing audit trail",
			History:     uint8(max(a.cfg.Audit.History, 1)),
			TTL:         a.cfg.Audit.TTL,
			Replicas:    max(a.cfg.Audit.Replicas, 1),
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("create audit bucket %s: %w", a.cfg.Audit.Bucket, err)
		}
		store := natsclient.NewKVStore(bucket, a.logger)
		sinks = append(sinks, audit.NewKVSink(store, a.logger))
	}

	if a.cfg.Audit.Log {
		sinks = append(sinks, audit.NewLogSink(a.logger))
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// registerHealthChecks wires the /healthz checks. Only the NATS check
// touches the network, with one PING round trip.
func (a *app) registerHealthChecks(fhirClient *fhirapi.Client) {
	a.monitor.Register("nats", func() health.Status {
		if !a.nats.IsHealthy() {
			return health.NewUnhealthy("nats", a.nats.Status().String())
		}
		rtt, err := a.nats.RTT()
		if err != nil {
			return health.FromError("nats", err)
		}
		return health.NewHealthy("nats", "connected, rtt "+rtt.String())
	})

	a.monitor.Register("mllp", func() health.Status {
		if !a.listener.IsRunning() {
			return health.NewUnhealthy("mllp", "listener stopped")
		}
		connections, messages := a.listener.Stats()
		return health.NewHealthy("mllp", fmt.Sprintf("%d connections, %d messages", connections, messages))
	})

	// Results keep queueing while the FHIR server is away.
	a.monitor.Register("fhir", func() health.Status {
		switch state := fhirClient.BreakerState(); state {
		case breaker.StateClosed:
			return health.NewHealthy("fhir", "circuit closed")
		default:
			return health.NewDegraded("fhir", "circuit "+state.String())
		}
	})
}

// run serves until ctx is cancelled or the processor fails, then shuts
// down in dependency order: stop accepting, drain the consumer, close NATS.
func (a *app) run(ctx context.Context, shutdownTimeout time.Duration) error {
	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			a.closeNATS()
			return fmt.Errorf("start metrics server: %w", err)
		}
		a.logger.Info("Metrics server started", "address", a.metrics.Address())
	}

	if err := a.listener.Start(ctx); err != nil {
		a.shutdown(shutdownTimeout)
		return fmt.Errorf("start MLLP listener: %w", err)
	}

	// The consumer outlives ctx so it can finish the message in hand.
	consumeCtx, stopConsuming := context.WithCancel(context.Background())
	defer stopConsuming()

	g, gctx := errgroup.WithContext(consumeCtx)
	g.Go(func() error {
		return a.processor.Run(gctx)
	})

	a.logger.Info("LabBridge started", "mllp_address", a.listener.Addr().String())

	select {
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	case <-gctx.Done():
		a.logger.Error("Processor stopped unexpectedly")
	}

	if err := a.listener.Stop(a.cfg.MLLP.ShutdownGrace); err != nil {
		a.logger.Warn("MLLP listener did not stop cleanly", "error", err)
	}

	stopConsuming()
	runErr := g.Wait()

	a.shutdown(shutdownTimeout)

	if runErr != nil {
		return fmt.Errorf("processor: %w", runErr)
	}
	a.logger.Info("LabBridge shutdown complete")
	return nil
}

func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if err := a.nats.Close(ctx); err != nil {
		a.logger.Warn("NATS close failed", "error", err)
	}
}

func (a *app) closeNATS() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.nats.Close(ctx)
}
