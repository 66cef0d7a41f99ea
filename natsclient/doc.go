// Package natsclient wraps a NATS connection with JetStream access for the
// LabBridge queue and audit store.
//
// The Client owns connection lifecycle (connect with context, reconnect
// callbacks, drain on close) and creates streams and KV buckets idempotently.
// When built WithMetrics it polls tracked streams and consumers and publishes
// queue depth through the process metrics.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("labbridge"),
//		natsclient.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
// Integration tests use NewTestClient, which starts a NATS server with
// testcontainers and connects a Client to it.
package natsclient
