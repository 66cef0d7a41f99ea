package hl7

import "strings"

// Message is one parsed HL7 message. The set of implementations is closed:
// *ORUR01 and *Unsupported.
type Message interface {
	Header() Header
	isMessage()
}

// Header carries the MSH fields used for routing, acknowledgment and audit.
type Header struct {
	EncodingCharacters   string
	SendingApplication   string // MSH-3
	SendingFacility      string // MSH-4
	ReceivingApplication string // MSH-5
	ReceivingFacility    string // MSH-6
	Timestamp            string // MSH-7
	MessageCode          string // MSH-9.1
	TriggerEvent         string // MSH-9.2
	ControlID            string // MSH-10, whole field
	ProcessingID         string // MSH-11
	Version              string // MSH-12
}

// MessageType returns the code and trigger joined as in MSH-9, e.g. ORU^R01.
func (h Header) MessageType() string {
	if h.TriggerEvent == "" {
		return h.MessageCode
	}
	return h.MessageCode + "^" + h.TriggerEvent
}

// CodedElement is a CE/CWE value: identifier, text and coding system.
type CodedElement struct {
	Code    string
	Display string
	System  string
}

// IsZero reports whether no component is set.
func (c CodedElement) IsZero() bool {
	return c.Code == "" && c.Display == "" && c.System == ""
}

// Patient holds the PID fields LabBridge maps.
type Patient struct {
	ID                 string // PID-3.1
	AssigningAuthority string // PID-3.4
	IdentifierType     string // PID-3.5
	FamilyName         string // PID-5.1
	GivenName          string // PID-5.2
	MiddleName         string // PID-5.3
	BirthDate          string // PID-7
	Sex                string // PID-8
}

// Order holds the OBR fields LabBridge maps.
type Order struct {
	PlacerOrderNumber string       // OBR-2.1
	FillerOrderNumber string       // OBR-3.1
	Service           CodedElement // OBR-4
	ObservationTime   string       // OBR-7
	ResultStatus      string       // OBR-25
}

// Value types carried in OBX-2.
const (
	ValueTypeNumeric = "NM"
	ValueTypeCoded   = "CE"
	ValueTypeCWE     = "CWE"
	ValueTypeString  = "ST"
)

// Result is one OBX segment.
type Result struct {
	SetID           string       // OBX-1
	ValueType       string       // OBX-2
	Code            CodedElement // OBX-3
	Value           string       // OBX-5, first repetition, unescaped
	Units           string       // OBX-6.1
	ReferenceRange  string       // OBX-7
	AbnormalFlag    string       // OBX-8, first repetition
	Status          string       // OBX-11
	ObservationTime string       // OBX-14

	// Numeric is set for NM results whose value parses as a decimal.
	Numeric *float64
}

// HasNumeric reports whether the result carries a parsed numeric value.
func (r Result) HasNumeric() bool {
	return r.Numeric != nil
}

// ORUR01 is an unsolicited observation result.
type ORUR01 struct {
	MSH     Header
	Patient Patient
	Order   Order
	Results []Result
}

func (m *ORUR01) Header() Header { return m.MSH }
func (*ORUR01) isMessage()       {}

// Unsupported is any structurally valid message whose type LabBridge does
// not process.
type Unsupported struct {
	MSH      Header
	Segments []string
}

func (m *Unsupported) Header() Header { return m.MSH }
func (*Unsupported) isMessage()       {}

// String lists the segment ids, e.g. "MSH PID PV1".
func (m *Unsupported) String() string {
	return strings.Join(m.Segments, " ")
}
