// Package hl7 parses the HL7 v2 pipe-delimited messages LabBridge receives
// from laboratory instruments.
//
// Only the observation result message ORU^R01 is modeled in full. Every
// other message type parses to *Unsupported so callers can still read its
// header (for acknowledgments and audit) while treating the content as
// unhandled.
//
//	msg, err := hl7.Parse(text)
//	switch m := msg.(type) {
//	case *hl7.ORUR01:
//	    // m.Patient, m.Order, m.Results
//	case *hl7.Unsupported:
//	    // err wraps errors.ErrUnsupportedMessageType
//	}
//
// Segments are separated by carriage returns (line feeds are tolerated),
// and delimiters are read from MSH-1 and MSH-2.
package hl7
