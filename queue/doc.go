// Package queue is the durable hand-off between the MLLP listener and the
// processing orchestrator.
//
// Publishers enqueue an Envelope keyed by HL7 control id. Consumers deliver
// one envelope at a time to a Handler. A nil return acknowledges the
// envelope; an error copies it to the dead-letter queue with the error text
// and removes it from the work queue. Nothing is redelivered automatically:
// retrying remote calls is the submission client's concern.
//
// JetStream backs production deployments. Memory has the same semantics and
// is used by tests.
package queue
