package queue

import (
	"context"
	"time"
)

// Envelope is one raw message in transit between the listener and the
// orchestrator. MessageID is the HL7 control id.
type Envelope struct {
	MessageID string
	Payload   []byte
	Timestamp time.Time

	// Delivered counts deliveries of this envelope, starting at 1.
	// Set by consumers only.
	Delivered uint64
}

// NewEnvelope stamps payload with the current UTC time.
func NewEnvelope(messageID string, payload []byte) Envelope {
	return Envelope{
		MessageID: messageID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Handler processes one envelope. A nil return acknowledges it; any error
// routes it to the dead-letter queue without redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Publisher durably enqueues envelopes.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Consumer delivers envelopes one at a time until ctx is cancelled.
// Cancellation takes effect between messages: the handler's context is not
// cancelled by it.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// DeadLetter is an envelope rejected by a handler.
type DeadLetter struct {
	Envelope
	Reason   string
	FailedAt time.Time
}

// Header names carried on broker messages.
const (
	HeaderMessageID = "Labbridge-Message-Id"
	HeaderTimestamp = "Labbridge-Timestamp"
	HeaderError     = "Labbridge-Error"
	HeaderFailedAt  = "Labbridge-Failed-At"
	HeaderDelivered = "Labbridge-Delivered"

	contentType = "text/plain; charset=utf-8"
)

// maxReasonLen bounds the error text copied into a dead-letter header.
const maxReasonLen = 1024

func reason(err error) string {
	s := err.Error()
	if len(s) > maxReasonLen {
		s = s[:maxReasonLen]
	}
	return s
}

type progressKey struct{}

func withProgress(ctx context.Context, touch func()) context.Context {
	return context.WithValue(ctx, progressKey{}, touch)
}

// InProgress tells the consumer that the handler is still working on its
// envelope, restarting the broker's redelivery timer. Handlers doing long
// work should call it between steps. It does nothing outside a handler.
func InProgress(ctx context.Context) {
	if touch, ok := ctx.Value(progressKey{}).(func()); ok {
		touch()
	}
}
