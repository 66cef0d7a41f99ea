// Package audit records the outcome of every processing attempt.
//
// The orchestrator writes one Success or Failure per dequeued message
// through a Sink. Sinks are best effort from the pipeline's point of view:
// their errors are logged and never change whether a message is acked or
// dead-lettered.
//
// KVSink persists records as JSON in a NATS KV bucket, created once per key
// so history is append-only. LogSink emits the same facts as log lines.
// Multi fans a record out to several sinks. KVSink and Memory also
// implement Reader for triage queries by control id, patient, recent
// failures and summary statistics.
package audit
