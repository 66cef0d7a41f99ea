// Package fhir defines the subset of FHIR R4 resources LabBridge submits:
// Patient, Observation and DiagnosticReport.
package fhir

import (
	"encoding/json"
	"strings"
)

// MediaType is the content type of FHIR JSON bodies.
const MediaType = "application/fhir+json"

// Code systems used by the mapping.
const (
	SystemLOINC          = "http://loinc.org"
	SystemUCUM           = "http://unitsofmeasure.org"
	SystemInterpretation = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"
	SystemPatientID      = "urn:oid:2.16.840.1.113883.4.1"
	SystemPlacerOrder    = "urn:oid:PlacerOrderNumber"
	SystemFillerOrder    = "urn:oid:FillerOrderNumber"
)

// Resource type names.
const (
	TypePatient          = "Patient"
	TypeObservation      = "Observation"
	TypeDiagnosticReport = "DiagnosticReport"
)

// Resource is implemented by every submitted resource.
type Resource interface {
	ResourceType() string
	GetID() string
}

type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value"`
}

type HumanName struct {
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

type Reference struct {
	Reference string `json:"reference"`
}

type ObservationReferenceRange struct {
	Text string `json:"text,omitempty"`
}

// NewReference builds "Type/id".
func NewReference(resourceType, id string) Reference {
	return Reference{Reference: resourceType + "/" + id}
}

// ReferenceID returns the id part of a "Type/id" reference.
func (r Reference) ReferenceID() string {
	if i := strings.LastIndexByte(r.Reference, '/'); i >= 0 {
		return r.Reference[i+1:]
	}
	return strings.TrimPrefix(r.Reference, "#")
}

// Administrative gender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

type Patient struct {
	ID         string       `json:"id,omitempty"`
	Identifier []Identifier `json:"identifier,omitempty"`
	Name       []HumanName  `json:"name,omitempty"`
	Gender     string       `json:"gender,omitempty"`
	BirthDate  string       `json:"birthDate,omitempty"`
}

func (*Patient) ResourceType() string { return TypePatient }
func (p *Patient) GetID() string      { return p.ID }

// MarshalJSON adds the resourceType member.
func (p Patient) MarshalJSON() ([]byte, error) {
	type alias Patient
	return json.Marshal(struct {
		ResourceType string `json:"resourceType"`
		alias
	}{TypePatient, alias(p)})
}

// Observation and report status codes.
const (
	StatusFinal       = "final"
	StatusPreliminary = "preliminary"
	StatusCorrected   = "corrected"
	StatusCancelled   = "cancelled"
)

type Observation struct {
	ID                   string                      `json:"id,omitempty"`
	Status               string                      `json:"status"`
	Code                 CodeableConcept             `json:"code"`
	Subject              *Reference                  `json:"subject,omitempty"`
	EffectiveDateTime    string                      `json:"effectiveDateTime,omitempty"`
	ValueQuantity        *Quantity                   `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept            `json:"valueCodeableConcept,omitempty"`
	Interpretation       []CodeableConcept           `json:"interpretation,omitempty"`
	ReferenceRange       []ObservationReferenceRange `json:"referenceRange,omitempty"`
}

func (*Observation) ResourceType() string { return TypeObservation }
func (o *Observation) GetID() string      { return o.ID }

// MarshalJSON adds the resourceType member.
func (o Observation) MarshalJSON() ([]byte, error) {
	type alias Observation
	return json.Marshal(struct {
		ResourceType string `json:"resourceType"`
		alias
	}{TypeObservation, alias(o)})
}

type DiagnosticReport struct {
	ID                string          `json:"id,omitempty"`
	Identifier        []Identifier    `json:"identifier,omitempty"`
	Status            string          `json:"status"`
	Code              CodeableConcept `json:"code"`
	Subject           *Reference      `json:"subject,omitempty"`
	EffectiveDateTime string          `json:"effectiveDateTime,omitempty"`
	Issued            string          `json:"issued,omitempty"`
	Result            []Reference     `json:"result,omitempty"`
}

func (*DiagnosticReport) ResourceType() string { return TypeDiagnosticReport }
func (r *DiagnosticReport) GetID() string      { return r.ID }

// MarshalJSON adds the resourceType member.
func (r DiagnosticReport) MarshalJSON() ([]byte, error) {
	type alias DiagnosticReport
	return json.Marshal(struct {
		ResourceType string `json:"resourceType"`
		alias
	}{TypeDiagnosticReport, alias(r)})
}

// OperationOutcome is the error body a FHIR server may return.
type OperationOutcome struct {
	Issue []struct {
		Severity    string `json:"severity"`
		Code        string `json:"code"`
		Diagnostics string `json:"diagnostics,omitempty"`
	} `json:"issue"`
}

// Summary joins the diagnostics of all issues.
func (o OperationOutcome) Summary() string {
	parts := make([]string, 0, len(o.Issue))
	for _, is := range o.Issue {
		msg := is.Diagnostics
		if msg == "" {
			msg = is.Code
		}
		if msg != "" {
			parts = append(parts, msg)
		}
	}
	return strings.Join(parts, "; ")
}
