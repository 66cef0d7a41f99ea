package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testImage = "nats:2.11.7-alpine"

// TestClient is a Client connected to a throwaway NATS server container.
type TestClient struct {
	Client *Client
	URL    string
}

// TestOption configures the server started by NewTestClient.
type TestOption func(*testServer)

type testServer struct {
	jetstream bool
	buckets   []string
}

// WithJetStream starts the server with JetStream enabled.
func WithJetStream() TestOption {
	return func(s *testServer) { s.jetstream = true }
}

// WithKVBuckets enables JetStream and creates the named buckets.
func WithKVBuckets(names ...string) TestOption {
	return func(s *testServer) {
		s.jetstream = true
		s.buckets = append(s.buckets, names...)
	}
}

// NewTestClient starts a NATS container and connects a Client to it. Both
// are torn down when t finishes. Requires Docker.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	var srv testServer
	for _, opt := range opts {
		opt(&srv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if srv.jetstream {
		cmd = append(cmd, "--jetstream")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        testImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          cmd,
			WaitingFor:   wait.ForHTTP("/healthz").WithPort("8222/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("resolve NATS endpoint: %v", err)
	}

	client, err := NewClient(url, WithTimeout(5*time.Second), WithMaxReconnects(0))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to %s: %v", url, err)
	}
	t.Cleanup(func() {
		_ = client.Close(context.Background())
	})

	for _, name := range srv.buckets {
		if _, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: name}); err != nil {
			t.Fatalf("create bucket %s: %v", name, err)
		}
	}

	return &TestClient{Client: client, URL: url}
}
