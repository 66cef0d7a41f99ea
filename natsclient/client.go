package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
)

// ConnectionStatus is the client's view of its NATS connection.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

var statusNames = [...]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusReconnecting: "reconnecting",
}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Client owns one NATS connection and its JetStream context. A Client is
// connected once; after Close it cannot be reused.
type Client struct {
	url    string
	set    settings
	logger *slog.Logger
	stats  *streamStats

	status atomic.Int32
	closed atomic.Bool

	mu          sync.RWMutex
	conn        *nats.Conn
	js          jetstream.JetStream
	drained     chan struct{}
	stopPolling context.CancelFunc
}

// NewClient applies opts but does not dial; call Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	set := defaultSettings()
	for _, opt := range opts {
		if err := opt(&set); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	stats, err := newStreamStats(set.registry)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "NewClient", "register metrics")
	}

	return &Client{
		url:    url,
		set:    set,
		logger: set.logger.With("component", "natsclient"),
		stats:  stats,
	}, nil
}

// URL returns the server list the client dials.
func (c *Client) URL() string { return c.url }

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	c.stats.connected(s == StatusConnected)
}

// Connect dials the servers and opens a JetStream context. The dial is
// bounded by the configured timeout or ctx's deadline, whichever is
// sooner. Failures are transient.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Connect", "check client state")
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "connection cancelled")
	}

	dial := c.set
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < dial.dialTimeout {
			dial.dialTimeout = left
		}
	}

	drained := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(drained) }) }

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	conn, err := nats.Connect(c.url, dial.natsOptions(c, signal)...)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "open JetStream")
	}

	pollCtx, stop := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn, c.js, c.drained, c.stopPolling = conn, js, drained, stop
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "server", conn.ConnectedUrlRedacted())

	go c.stats.poll(pollCtx, c.set.pollInterval)
	return nil
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	for !c.IsHealthy() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for NATS connection (%s): %w", c.Status(), ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// Close drains subscriptions and pending publishes, then closes the
// connection. The drain is bounded by the drain timeout and by ctx.
// Credentials are forgotten. Calling Close again is a no-op.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn, drained, stop := c.conn, c.drained, c.stopPolling
	c.conn, c.js, c.stopPolling = nil, nil, nil
	c.set.forgetSecrets()
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn == nil {
		c.setStatus(StatusDisconnected)
		return nil
	}

	var drainErr error
	if err := conn.Drain(); err != nil {
		drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
	} else {
		select {
		case <-drained:
		case <-ctx.Done():
			drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
		}
	}
	if drainErr != nil {
		c.logger.Warn("NATS drain incomplete, closing", "error", drainErr)
	}

	conn.Close()
	c.setStatus(StatusDisconnected)
	return drainErr
}

// RTT measures the round trip to the connected server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, errors.ErrNoConnection
	}
	return conn.RTT()
}

// JetStream returns the JetStream context of the live connection.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// EnsureStream creates the stream or updates it to match cfg, and adds it
// to metrics polling.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.stats.failed("ensure_stream")
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}

	c.stats.addStream(cfg.Name, stream)
	return stream, nil
}

// TrackConsumer adds a consumer to queue depth reporting.
func (c *Client) TrackConsumer(stream string, consumer jetstream.Consumer) {
	c.stats.addConsumer(stream, consumer)
}

// CreateKeyValueBucket creates the bucket, or opens it when a bucket with
// that name already exists. An existing bucket keeps its configuration.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	switch {
	case err == nil:
		c.logger.Info("KV bucket ready", "bucket", cfg.Bucket)
		return bucket, nil
	case bucketExists(err):
		c.logger.Debug("Opening existing KV bucket", "bucket", cfg.Bucket)
		return c.GetKeyValueBucket(ctx, cfg.Bucket)
	default:
		c.stats.failed("create_kv")
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}
}

// GetKeyValueBucket opens an existing bucket.
func (c *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "GetKeyValueBucket", "get bucket "+name)
	}
	return bucket, nil
}

func (c *Client) lost(err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)

	if fn := c.set.onDisconnect; fn != nil {
		go fn(err)
	}
}

func (c *Client) regained() {
	c.setStatus(StatusConnected)
	c.logger.Info("NATS reconnected")

	if fn := c.set.onReconnect; fn != nil {
		go fn()
	}
}

func (c *Client) ended() {
	c.setStatus(StatusDisconnected)
}

func bucketExists(err error) bool {
	return errors.Is(err, jetstream.ErrBucketExists) ||
		errors.Is(err, jetstream.ErrStreamNameAlreadyInUse)
}
