package ack

import (
	"fmt"
	"strings"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
)

// Reply is a decoded acknowledgment.
type Reply struct {
	Code      Code
	ControlID string
	Text      string
}

// Read decodes the MSA segment of an acknowledgment message.
func Read(text string) (Reply, error) {
	for _, seg := range strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if !strings.HasPrefix(seg, "MSA|") {
			continue
		}
		f := strings.Split(seg, "|")
		r := Reply{Code: Code(f[1])}
		if len(f) > 2 {
			r.ControlID = f[2]
		}
		if len(f) > 3 {
			r.Text = f[3]
		}
		switch r.Code {
		case Accept, Error, Reject:
			return r, nil
		default:
			return Reply{}, errors.WrapInvalid(fmt.Errorf("%w: acknowledgment code %q", errors.ErrParsingFailed, f[1]), "ack", "Read", "read MSA-1")
		}
	}
	return Reply{}, errors.WrapInvalid(fmt.Errorf("%w: no MSA segment", errors.ErrParsingFailed), "ack", "Read", "locate MSA")
}
