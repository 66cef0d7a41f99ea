package labresult

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dasjn/labbridge-fhir-hl7-app/audit"
	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/fhir"
	"github.com/dasjn/labbridge-fhir-hl7-app/hl7"
	"github.com/dasjn/labbridge-fhir-hl7-app/metric"
	"github.com/dasjn/labbridge-fhir-hl7-app/output/fhirapi"
	"github.com/dasjn/labbridge-fhir-hl7-app/queue"
	"github.com/dasjn/labbridge-fhir-hl7-app/transform"
)

const defaultAuditTimeout = 10 * time.Second

// Deps holds the orchestrator's collaborators.
type Deps struct {
	Consumer    queue.Consumer
	Submitter   fhirapi.Submitter
	Audit       audit.Sink
	Transformer *transform.Transformer

	// FHIRServerURL is recorded on success audit rows.
	FHIRServerURL string

	// AuditTimeout bounds each audit write. Zero means 10s.
	AuditTimeout time.Duration

	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Processor turns queued HL7 messages into FHIR resources. It consumes one
// message at a time; a message is acknowledged only after the patient,
// every observation and the report were created.
type Processor struct {
	consumer     queue.Consumer
	submitter    fhirapi.Submitter
	sink         audit.Sink
	transformer  *transform.Transformer
	serverURL    string
	auditTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time

	succeeded atomic.Int64
	failed    atomic.Int64
}

// New creates a Processor.
func New(deps Deps) (*Processor, error) {
	if deps.Consumer == nil || deps.Submitter == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: consumer and submitter are required", errors.ErrMissingConfig),
			"labresult", "New", "check dependencies")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "labresult")

	sink := deps.Audit
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}
	tr := deps.Transformer
	if tr == nil {
		tr = transform.New()
	}
	auditTimeout := deps.AuditTimeout
	if auditTimeout <= 0 {
		auditTimeout = defaultAuditTimeout
	}

	return &Processor{
		consumer:     deps.Consumer,
		submitter:    deps.Submitter,
		sink:         sink,
		transformer:  tr,
		serverURL:    deps.FHIRServerURL,
		auditTimeout: auditTimeout,
		logger:       logger,
		metrics:      newMetrics(deps.MetricsRegistry),
		now:          time.Now,
	}, nil
}

// Run consumes messages until ctx is cancelled. Cancellation takes effect
// between messages.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("Lab result processor started")
	err := p.consumer.Consume(ctx, p.Handle)
	p.logger.Info("Lab result processor stopped",
		"succeeded", p.succeeded.Load(), "failed", p.failed.Load())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stats returns processed message counts.
func (p *Processor) Stats() (succeeded, failed int64) {
	return p.succeeded.Load(), p.failed.Load()
}

// job is the state of one message as it moves through the pipeline.
type job struct {
	env          queue.Envelope
	raw          string
	controlID    string
	messageType  string
	sourceSystem string
	patientID    string
	started      time.Time
	retries      *fhirapi.RetryCounter
}

// Handle processes one message. A nil return acknowledges it; an error
// sends it to the dead-letter queue. Exactly one audit record is written
// either way.
func (p *Processor) Handle(ctx context.Context, env queue.Envelope) (err error) {
	ctx, retries := fhirapi.WithRetryCounter(ctx)
	j := &job{
		env:       env,
		raw:       string(env.Payload),
		controlID: env.MessageID,
		started:   p.now(),
		retries:   retries,
	}

	defer func() {
		if r := recover(); r != nil {
			err = p.fail(ctx, j, StagePanic, fmt.Errorf("panic: %v", r), string(debug.Stack()))
		}
	}()

	msg, err := hl7.Parse(j.raw)
	if msg != nil {
		j.describe(msg.Header())
	} else if h, herr := hl7.ParseHeader(j.raw); herr == nil {
		j.describe(h)
	}
	if err != nil {
		return p.fail(ctx, j, StageParse, err, "")
	}

	res, err := p.transformer.Transform(msg)
	if err != nil {
		if errors.Is(err, errors.ErrNoSubject) {
			// No submission is attempted without a subject.
			return p.fail(ctx, j, StageTransform, errors.ErrNoSubject, "")
		}
		return p.fail(ctx, j, StageTransform, err, "")
	}
	j.patientID = res.PatientExternalID()

	created, stage, err := p.submit(ctx, res)
	if err != nil {
		return p.fail(ctx, j, stage, err, "")
	}

	p.succeed(ctx, j, created)
	return nil
}

func (j *job) describe(h hl7.Header) {
	if h.ControlID != "" {
		j.controlID = h.ControlID
	}
	j.messageType = h.MessageType()
	j.sourceSystem = h.SendingApplication
}

// submitted holds the resources as returned by the server.
type submitted struct {
	patient      *fhir.Patient
	observations []*fhir.Observation
	report       *fhir.DiagnosticReport
}

// submit creates the patient, then each observation in order, then the
// report. Each call restarts the queue's redelivery timer, so AckWait only
// has to cover one call with its retries. Observation and report subjects point at the server patient id;
// report results point at the server observation ids.
func (p *Processor) submit(ctx context.Context, res transform.Result) (submitted, Stage, error) {
	var out submitted

	queue.InProgress(ctx)
	patient, err := p.submitter.CreatePatient(ctx, res.Patient)
	if err != nil {
		return out, StageSubmitPatient, err
	}
	out.patient = patient
	subject := fhir.NewReference(fhir.TypePatient, patient.ID)

	out.observations = make([]*fhir.Observation, 0, len(res.Observations))
	for i, obs := range res.Observations {
		o := *obs
		ref := subject
		o.Subject = &ref

		queue.InProgress(ctx)
		created, err := p.submitter.CreateObservation(ctx, &o)
		if err != nil {
			return out, StageSubmitObservation, fmt.Errorf("observation %d of %d: %w", i+1, len(res.Observations), err)
		}
		out.observations = append(out.observations, created)
	}

	report := *res.Report
	ref := subject
	report.Subject = &ref
	results, err := Relink(res.Report.Result, out.observations)
	if err != nil {
		return out, StageSubmitReport, err
	}
	report.Result = results

	queue.InProgress(ctx)
	created, err := p.submitter.CreateDiagnosticReport(ctx, &report)
	if err != nil {
		return out, StageSubmitReport, err
	}
	out.report = created
	return out, "", nil
}

// Relink replaces placeholder result references ("#1".."#n") with
// references to the created observations, keeping their order.
func Relink(placeholders []fhir.Reference, observations []*fhir.Observation) ([]fhir.Reference, error) {
	if len(placeholders) != len(observations) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: report has %d results but %d observations were created",
				errors.ErrTransformFailed, len(placeholders), len(observations)),
			"labresult", "Relink", "match result references")
	}

	out := make([]fhir.Reference, len(placeholders))
	for i, ph := range placeholders {
		if ph != transform.PlaceholderReference(i) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: result %d is %q, not a placeholder", errors.ErrTransformFailed, i, ph.Reference),
				"labresult", "Relink", "match result references")
		}
		out[i] = fhir.NewReference(fhir.TypeObservation, observations[i].ID)
	}
	return out, nil
}

func (p *Processor) succeed(ctx context.Context, j *job, s submitted) {
	elapsed := p.now().Sub(j.started)

	var sinceEnqueue time.Duration
	if !j.env.Timestamp.IsZero() {
		sinceEnqueue = p.now().Sub(j.env.Timestamp)
	}
	p.metrics.recordSuccess(j.messageType, elapsed, sinceEnqueue)
	p.succeeded.Add(1)

	p.logger.Info("Message processed",
		"control_id", j.controlID,
		"message_type", j.messageType,
		"patient_id", s.patient.ID,
		"observations", len(s.observations),
		"report_id", s.report.ID,
		"retries", j.retries.Count(),
		"duration_ms", elapsed.Milliseconds())

	rec := audit.Success{
		ControlID:     j.controlID,
		MessageType:   j.messageType,
		RawMessage:    j.raw,
		PatientID:     j.patientID,
		Patient:       p.marshal(j, s.patient),
		Observations:  p.marshal(j, s.observations),
		Report:        p.marshal(j, s.report),
		SourceSystem:  j.sourceSystem,
		FHIRServerURL: p.serverURL,
		RetryCount:    j.retries.Count(),
		ReceivedAt:    j.env.Timestamp,
		Duration:      elapsed,
	}
	p.audit(ctx, j, func(actx context.Context) error { return p.sink.RecordSuccess(actx, rec) })
}

// fail audits the failure and returns the error that dead-letters the message.
func (p *Processor) fail(ctx context.Context, j *job, stage Stage, cause error, stack string) error {
	elapsed := p.now().Sub(j.started)
	messageType := j.messageType
	if messageType == "" {
		messageType = "unknown"
	}
	p.metrics.recordFailure(messageType, stage, elapsed)
	p.failed.Add(1)

	p.logger.Error("Message processing failed",
		"control_id", j.controlID,
		"message_type", messageType,
		"stage", stage,
		"class", errors.Classify(cause).String(),
		"retries", j.retries.Count(),
		"error", cause)

	rec := audit.Failure{
		ControlID:    j.controlID,
		MessageType:  j.messageType,
		RawMessage:   j.raw,
		PatientID:    j.patientID,
		Stage:        string(stage),
		Err:          cause,
		StackTrace:   stack,
		SourceSystem: j.sourceSystem,
		RetryCount:   j.retries.Count(),
		ReceivedAt:   j.env.Timestamp,
		Duration:     elapsed,
	}
	p.audit(ctx, j, func(actx context.Context) error { return p.sink.RecordFailure(actx, rec) })

	return &StageError{Stage: stage, ControlID: j.controlID, Err: cause}
}

// audit runs write with its own deadline. Errors are logged and dropped.
func (p *Processor) audit(ctx context.Context, j *job, write func(context.Context) error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.auditTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.metrics.recordAuditError()
			p.logger.Error("Audit sink panicked", "control_id", j.controlID, "panic", r)
		}
	}()

	if err := write(actx); err != nil {
		p.metrics.recordAuditError()
		p.logger.Error("Failed to write audit record", "control_id", j.controlID, "error", err)
	}
}

func (p *Processor) marshal(j *job, v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("Failed to encode resource for audit", "control_id", j.controlID, "error", err)
		return nil
	}
	return data
}
