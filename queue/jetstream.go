package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/natsclient"
)

// Config names the JetStream topology.
type Config struct {
	Stream     string        `json:"stream"      yaml:"stream"`
	Subject    string        `json:"subject"     yaml:"subject"`
	DLQStream  string        `json:"dlq_stream"  yaml:"dlq_stream"`
	DLQSubject string        `json:"dlq_subject" yaml:"dlq_subject"`
	Consumer   string        `json:"consumer"    yaml:"consumer"`
	AckWait    time.Duration `json:"ack_wait"    yaml:"ack_wait"`
	Replicas   int           `json:"replicas"    yaml:"replicas"`
}

// DefaultConfig returns the LabBridge stream names.
func DefaultConfig() Config {
	return Config{
		Stream:     "LABBRIDGE_HL7",
		Subject:    "labbridge.hl7.message",
		DLQStream:  "LABBRIDGE_HL7_DLQ",
		DLQSubject: "labbridge.hl7.dlq",
		Consumer:   "labbridge-processor",
		AckWait:    5 * time.Minute,
		Replicas:   1,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	switch {
	case c.Stream == "" || c.Subject == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "queue.Config", "Validate", "stream and subject are required")
	case c.DLQStream == "" || c.DLQSubject == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "queue.Config", "Validate", "dlq_stream and dlq_subject are required")
	case c.Stream == c.DLQStream || c.Subject == c.DLQSubject:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "queue.Config", "Validate", "dead-letter queue must differ from work queue")
	case c.Consumer == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "queue.Config", "Validate", "consumer is required")
	case c.AckWait <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "queue.Config", "Validate", "ack_wait must be positive")
	}
	return nil
}

// JetStream is a Publisher and Consumer backed by NATS JetStream. The work
// stream uses work-queue retention so acknowledged messages are removed.
type JetStream struct {
	cfg    Config
	client *natsclient.Client
	js     jetstream.JetStream
	logger *slog.Logger
}

var (
	_ Publisher = (*JetStream)(nil)
	_ Consumer  = (*JetStream)(nil)
)

// NewJetStream ensures the work and dead-letter streams exist.
func NewJetStream(ctx context.Context, client *natsclient.Client, cfg Config, logger *slog.Logger) (*JetStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	js, err := client.JetStream()
	if err != nil {
		return nil, err
	}

	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}

	if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "HL7 messages awaiting processing",
		Subjects:    []string{cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    replicas,
	}); err != nil {
		return nil, err
	}

	if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        cfg.DLQStream,
		Description: "HL7 messages that failed processing",
		Subjects:    []string{cfg.DLQSubject},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    replicas,
	}); err != nil {
		return nil, err
	}

	return &JetStream{
		cfg:    cfg,
		client: client,
		js:     js,
		logger: logger.With("component", "queue", "stream", cfg.Stream),
	}, nil
}

// Publish waits for the stream to persist env.
func (q *JetStream) Publish(ctx context.Context, env Envelope) error {
	msg := nats.NewMsg(q.cfg.Subject)
	msg.Data = env.Payload
	setEnvelopeHeaders(msg.Header, env)

	ack, err := q.js.PublishMsg(ctx, msg)
	if err != nil {
		return errors.WrapTransient(errors.Join(errors.ErrPublishFailed, err),
			"queue.JetStream", "Publish", "publish "+env.MessageID)
	}

	q.logger.Debug("Message enqueued", "control_id", env.MessageID, "seq", ack.Sequence)
	return nil
}

// Consume delivers messages to h one at a time until ctx is cancelled, then
// waits for the in-flight handler to return.
func (q *JetStream) Consume(ctx context.Context, h Handler) error {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       q.cfg.Consumer,
		FilterSubject: q.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return errors.WrapTransient(err, "queue.JetStream", "Consume", "create consumer "+q.cfg.Consumer)
	}
	q.client.TrackConsumer(q.cfg.Stream, consumer)

	hctx := context.WithoutCancel(ctx)
	var (
		mu       sync.Mutex
		stopping bool
		inFlight sync.WaitGroup
	)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		mu.Lock()
		if stopping {
			mu.Unlock()
			// Redelivered after restart.
			_ = msg.Nak()
			return
		}
		inFlight.Add(1)
		mu.Unlock()
		defer inFlight.Done()

		q.handle(hctx, msg, h)
	}, jetstream.PullMaxMessages(1))
	if err != nil {
		return errors.WrapTransient(err, "queue.JetStream", "Consume", "start consumer "+q.cfg.Consumer)
	}

	q.logger.Info("Consumer started", "consumer", q.cfg.Consumer)
	<-ctx.Done()

	mu.Lock()
	stopping = true
	mu.Unlock()
	cc.Stop()
	inFlight.Wait()

	q.logger.Info("Consumer stopped", "consumer", q.cfg.Consumer)
	return nil
}

func (q *JetStream) handle(ctx context.Context, msg jetstream.Msg, h Handler) {
	env := envelopeFromMsg(msg)

	ctx = withProgress(ctx, func() {
		if err := msg.InProgress(); err != nil {
			q.logger.Warn("Progress report failed", "control_id", env.MessageID, "error", err)
		}
	})
	herr := h(ctx, env)
	if herr == nil {
		if err := msg.DoubleAck(ctx); err != nil {
			q.logger.Error("Ack failed", "control_id", env.MessageID, "error", err)
		}
		return
	}

	if err := q.deadLetter(ctx, env, herr); err != nil {
		q.logger.Error("Dead-letter publish failed, returning message to queue",
			"control_id", env.MessageID, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			q.logger.Error("Nak failed", "control_id", env.MessageID, "error", nakErr)
		}
		return
	}

	if err := msg.Term(); err != nil {
		q.logger.Error("Term failed", "control_id", env.MessageID, "error", err)
	}
	q.logger.Warn("Message dead-lettered", "control_id", env.MessageID, "error", herr)
}

func (q *JetStream) deadLetter(ctx context.Context, env Envelope, cause error) error {
	msg := nats.NewMsg(q.cfg.DLQSubject)
	msg.Data = env.Payload
	setEnvelopeHeaders(msg.Header, env)
	msg.Header.Set(HeaderError, reason(cause))
	msg.Header.Set(HeaderFailedAt, time.Now().UTC().Format(time.RFC3339))
	msg.Header.Set(HeaderDelivered, strconv.FormatUint(env.Delivered, 10))

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", q.cfg.DLQSubject, err)
	}
	return nil
}

func setEnvelopeHeaders(h nats.Header, env Envelope) {
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	h.Set(HeaderMessageID, env.MessageID)
	h.Set(HeaderTimestamp, ts.UTC().Format(time.RFC3339Nano))
	h.Set("Content-Type", contentType)
}

func envelopeFromMsg(msg jetstream.Msg) Envelope {
	env := Envelope{
		MessageID: msg.Headers().Get(HeaderMessageID),
		Payload:   msg.Data(),
	}
	if ts, err := time.Parse(time.RFC3339Nano, msg.Headers().Get(HeaderTimestamp)); err == nil {
		env.Timestamp = ts
	}
	if md, err := msg.Metadata(); err == nil {
		env.Delivered = md.NumDelivered
		if env.Timestamp.IsZero() {
			env.Timestamp = md.Timestamp.UTC()
		}
	}
	return env
}
