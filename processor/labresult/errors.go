package labresult

import "fmt"

// Stage names the step at which processing stopped.
type Stage string

// Processing stages, in pipeline order.
const (
	StageParse             Stage = "parse"
	StageTransform         Stage = "transform"
	StageSubmitPatient     Stage = "submit_patient"
	StageSubmitObservation Stage = "submit_observation"
	StageSubmitReport      Stage = "submit_report"
	StagePanic             Stage = "panic"
)

// StageError carries enough context to audit a failure without a stack trace.
type StageError struct {
	Stage     Stage
	ControlID string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
