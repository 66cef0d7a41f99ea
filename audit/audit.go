package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome recorded for one processing attempt.
type Status string

// Record statuses
const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// Record is one persisted audit row. Every processing attempt that reaches
// the orchestrator produces exactly one Record.
type Record struct {
	ID               string `json:"id"`
	MessageControlID string `json:"message_control_id"`
	MessageType      string `json:"message_type"`
	RawMessage       string `json:"raw_hl7_message"`
	Status           Status `json:"status"`

	FHIRPatient          json.RawMessage `json:"fhir_patient_json,omitempty"`
	FHIRObservations     json.RawMessage `json:"fhir_observations_json,omitempty"`
	FHIRDiagnosticReport json.RawMessage `json:"fhir_diagnostic_report_json,omitempty"`

	ErrorMessage    string `json:"error_message,omitempty"`
	ErrorStage      string `json:"error_stage,omitempty"`
	ErrorStackTrace string `json:"error_stack_trace,omitempty"`

	PatientID            string    `json:"patient_id,omitempty"`
	RetryCount           int       `json:"retry_count"`
	ReceivedAt           time.Time `json:"received_at"`
	ProcessedAt          time.Time `json:"processed_at"`
	ProcessingDurationMs int64     `json:"processing_duration_ms"`
	SourceSystem         string    `json:"source_system,omitempty"`
	FHIRServerURL        string    `json:"fhir_server_url,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Success describes a message whose resources were all created.
type Success struct {
	ControlID     string
	MessageType   string
	RawMessage    string
	PatientID     string
	Patient       json.RawMessage
	Observations  json.RawMessage
	Report        json.RawMessage
	SourceSystem  string
	FHIRServerURL string
	RetryCount    int
	ReceivedAt    time.Time
	Duration      time.Duration
}

// Failure describes a message that could not be committed.
type Failure struct {
	ControlID    string
	MessageType  string
	RawMessage   string
	PatientID    string
	Stage        string
	Err          error
	StackTrace   string
	SourceSystem string
	RetryCount   int
	ReceivedAt   time.Time
	Duration     time.Duration
}

// Sink persists audit records. Callers log errors and carry on: a failed
// audit write never changes the fate of the message.
type Sink interface {
	RecordSuccess(ctx context.Context, s Success) error
	RecordFailure(ctx context.Context, f Failure) error
}

// NewSuccessRecord builds the Record for s.
func NewSuccessRecord(s Success, now time.Time) Record {
	now = now.UTC()
	return Record{
		ID:                   uuid.NewString(),
		MessageControlID:     s.ControlID,
		MessageType:          s.MessageType,
		RawMessage:           s.RawMessage,
		Status:               StatusSuccess,
		FHIRPatient:          s.Patient,
		FHIRObservations:     s.Observations,
		FHIRDiagnosticReport: s.Report,
		PatientID:            s.PatientID,
		RetryCount:           s.RetryCount,
		ReceivedAt:           s.ReceivedAt.UTC(),
		ProcessedAt:          now,
		ProcessingDurationMs: s.Duration.Milliseconds(),
		SourceSystem:         s.SourceSystem,
		FHIRServerURL:        s.FHIRServerURL,
		CreatedAt:            now,
	}
}

// NewFailureRecord builds the Record for f.
func NewFailureRecord(f Failure, now time.Time) Record {
	now = now.UTC()
	msg := "unknown error"
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return Record{
		ID:                   uuid.NewString(),
		MessageControlID:     f.ControlID,
		MessageType:          f.MessageType,
		RawMessage:           f.RawMessage,
		Status:               StatusFailed,
		ErrorMessage:         msg,
		ErrorStage:           f.Stage,
		ErrorStackTrace:      f.StackTrace,
		PatientID:            f.PatientID,
		RetryCount:           f.RetryCount,
		ReceivedAt:           f.ReceivedAt.UTC(),
		ProcessedAt:          now,
		ProcessingDurationMs: f.Duration.Milliseconds(),
		SourceSystem:         f.SourceSystem,
		CreatedAt:            now,
	}
}
