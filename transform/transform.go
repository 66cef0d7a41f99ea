// Package transform maps parsed HL7 lab results to FHIR resources.
//
// The mapping is pure: no I/O happens here. A successful Result always
// carries a Patient, and the report's result references are placeholders
// ("#1", "#2", ...) in observation order, to be replaced with server ids
// once the observations have been created.
package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/fhir"
	"github.com/dasjn/labbridge-fhir-hl7-app/hl7"
)

// Result is the resource graph built from one message.
type Result struct {
	ControlID    string
	MessageType  string
	Patient      *fhir.Patient
	Observations []*fhir.Observation
	Report       *fhir.DiagnosticReport
	Success      bool
	Error        string
}

// PatientExternalID returns the identifier value carried from PID-3.
func (r Result) PatientExternalID() string {
	if r.Patient == nil || len(r.Patient.Identifier) == 0 {
		return ""
	}
	return r.Patient.Identifier[0].Value
}

// Transformer converts messages to resources.
type Transformer struct {
	now func() time.Time
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithClock sets the source for "issued" and default effective times.
func WithClock(now func() time.Time) Option {
	return func(t *Transformer) { t.now = now }
}

// New creates a Transformer.
func New(opts ...Option) *Transformer {
	t := &Transformer{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func failed(controlID, messageType string, err error) (Result, error) {
	return Result{
		ControlID:   controlID,
		MessageType: messageType,
		Error:       err.Error(),
	}, err
}

// Transform maps msg. On failure the returned Result has Success false,
// Error set, and no resources; err wraps errors.ErrTransformFailed,
// errors.ErrUnsupportedMessageType or errors.ErrNoSubject.
func (t *Transformer) Transform(msg hl7.Message) (res Result, err error) {
	if msg == nil {
		return failed("", "", errors.WrapInvalid(errors.ErrTransformFailed, "transform", "Transform", "nil message"))
	}
	h := msg.Header()

	defer func() {
		if r := recover(); r != nil {
			res, err = failed(h.ControlID, h.MessageType(), errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrTransformFailed, r), "transform", "Transform", "map resources"))
		}
	}()

	oru, ok := msg.(*hl7.ORUR01)
	if !ok {
		return failed(h.ControlID, h.MessageType(), errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnsupportedMessageType, h.MessageType()),
			"transform", "Transform", "select mapping"))
	}

	patientID := strings.TrimSpace(oru.Patient.ID)
	if patientID == "" {
		return failed(h.ControlID, h.MessageType(), errors.WrapInvalid(
			errors.ErrNoSubject, "transform", "Transform", "map PID-3"))
	}

	now := t.now().UTC()
	subject := fhir.NewReference(fhir.TypePatient, patientID)

	res = Result{
		ControlID:   h.ControlID,
		MessageType: h.MessageType(),
		Patient:     t.Patient(oru.Patient),
	}

	res.Observations = make([]*fhir.Observation, 0, len(oru.Results))
	for _, r := range oru.Results {
		res.Observations = append(res.Observations, t.Observation(r, subject, now))
	}

	res.Report = t.Report(oru.Order, subject, len(res.Observations), now)
	res.Success = true
	return res, nil
}

// Patient maps a PID segment.
func (t *Transformer) Patient(p hl7.Patient) *fhir.Patient {
	out := &fhir.Patient{
		Identifier: []fhir.Identifier{{System: fhir.SystemPatientID, Value: p.ID}},
	}

	var given []string
	for _, g := range []string{p.GivenName, p.MiddleName} {
		if strings.TrimSpace(g) != "" {
			given = append(given, g)
		}
	}
	if p.FamilyName != "" || len(given) > 0 {
		out.Name = []fhir.HumanName{{Family: p.FamilyName, Given: given}}
	}

	if strings.TrimSpace(p.Sex) != "" {
		out.Gender = MapGender(p.Sex)
	}
	if d, ok := hl7.ParseDate(p.BirthDate); ok {
		out.BirthDate = d
	}
	return out
}

// Observation maps one OBX segment.
func (t *Transformer) Observation(r hl7.Result, subject fhir.Reference, now time.Time) *fhir.Observation {
	subj := subject
	obs := &fhir.Observation{
		Status:  MapStatus(r.Status),
		Code:    codeableConcept(r.Code),
		Subject: &subj,
	}

	switch r.ValueType {
	case hl7.ValueTypeNumeric:
		if r.HasNumeric() {
			obs.ValueQuantity = &fhir.Quantity{
				Value:  *r.Numeric,
				Unit:   r.Units,
				System: fhir.SystemUCUM,
				Code:   r.Units,
			}
		}
	case hl7.ValueTypeCoded, hl7.ValueTypeCWE:
		if r.Value != "" {
			obs.ValueCodeableConcept = &fhir.CodeableConcept{Text: r.Value}
		}
	}

	if strings.TrimSpace(r.ReferenceRange) != "" {
		obs.ReferenceRange = []fhir.ObservationReferenceRange{{Text: r.ReferenceRange}}
	}

	if flag := strings.TrimSpace(r.AbnormalFlag); flag != "" {
		obs.Interpretation = []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhir.SystemInterpretation, Code: flag}},
		}}
	}

	obs.EffectiveDateTime = formatDateTime(effectiveTime(r.ObservationTime, now))
	return obs
}

// Report maps the OBR segment. Results hold placeholder references "#1".."#n".
func (t *Transformer) Report(o hl7.Order, subject fhir.Reference, observations int, now time.Time) *fhir.DiagnosticReport {
	subj := subject
	rep := &fhir.DiagnosticReport{
		Status:  MapStatus(o.ResultStatus),
		Code:    codeableConcept(o.Service),
		Subject: &subj,
		Issued:  formatDateTime(now),
	}

	if o.PlacerOrderNumber != "" {
		rep.Identifier = append(rep.Identifier, fhir.Identifier{System: fhir.SystemPlacerOrder, Value: o.PlacerOrderNumber})
	}
	if o.FillerOrderNumber != "" {
		rep.Identifier = append(rep.Identifier, fhir.Identifier{System: fhir.SystemFillerOrder, Value: o.FillerOrderNumber})
	}

	if ts, ok := parseDateTime(o.ObservationTime); ok {
		rep.EffectiveDateTime = formatDateTime(ts)
	}

	rep.Result = make([]fhir.Reference, observations)
	for i := range rep.Result {
		rep.Result[i] = PlaceholderReference(i)
	}
	return rep
}

// PlaceholderReference returns the local reference for the i-th (0-based) observation.
func PlaceholderReference(i int) fhir.Reference {
	return fhir.Reference{Reference: "#" + strconv.Itoa(i+1)}
}

// MapGender maps HL7 administrative sex to FHIR gender.
func MapGender(sex string) string {
	switch strings.ToUpper(strings.TrimSpace(sex)) {
	case "M":
		return fhir.GenderMale
	case "F":
		return fhir.GenderFemale
	case "O":
		return fhir.GenderOther
	default:
		return fhir.GenderUnknown
	}
}

// MapStatus maps an HL7 result status to a FHIR observation/report status.
func MapStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "P":
		return fhir.StatusPreliminary
	case "C":
		return fhir.StatusCorrected
	case "X":
		return fhir.StatusCancelled
	default:
		return fhir.StatusFinal
	}
}

// CodeSystem maps HL7 coding system mnemonics to FHIR system URIs.
// Unknown systems are kept as received.
func CodeSystem(system string) string {
	switch strings.ToUpper(strings.TrimSpace(system)) {
	case "", "LN", "LOINC":
		return fhir.SystemLOINC
	case "UCUM":
		return fhir.SystemUCUM
	default:
		return system
	}
}

func codeableConcept(ce hl7.CodedElement) fhir.CodeableConcept {
	return fhir.CodeableConcept{
		Coding: []fhir.Coding{{
			System:  CodeSystem(ce.System),
			Code:    ce.Code,
			Display: ce.Display,
		}},
	}
}

// parseDateTime accepts 14-digit and 8-digit timestamps only.
func parseDateTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return time.Time{}, false
	}
	switch {
	case len(v) >= 14:
		return hl7.ParseTimestamp(v[:14])
	default:
		return hl7.ParseTimestamp(v[:8])
	}
}

func effectiveTime(v string, now time.Time) time.Time {
	if ts, ok := parseDateTime(v); ok {
		return ts
	}
	return now
}

func formatDateTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
