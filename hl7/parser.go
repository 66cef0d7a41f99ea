package hl7

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
)

const (
	minHeaderFields = 12 // through MSH-12 (version)

	defaultEncoding = `^~\&`
)

// delimiters are read from MSH-1 and MSH-2.
type delimiters struct {
	field        byte
	component    byte
	repetition   byte
	escape       byte
	subcomponent byte
}

var defaultDelimiters = delimiters{field: '|', component: '^', repetition: '~', escape: '\\', subcomponent: '&'}

type segment struct {
	id     string
	fields []string
	delims delimiters
	header bool
}

// field returns the raw value at HL7 position n. MSH counts MSH-1 as the
// field separator itself, so its positions are shifted by one.
func (s segment) field(n int) string {
	idx := n
	if s.header {
		idx = n - 1
	}
	if idx < 0 || idx >= len(s.fields) {
		return ""
	}
	return s.fields[idx]
}

// firstRepetition returns the first repetition of field n.
func (s segment) firstRepetition(n int) string {
	v := s.field(n)
	if i := strings.IndexByte(v, s.delims.repetition); i >= 0 {
		v = v[:i]
	}
	return v
}

// component returns component c (1-based) of the first repetition of field n, unescaped.
func (s segment) component(n, c int) string {
	parts := strings.Split(s.firstRepetition(n), string(s.delims.component))
	if c < 1 || c > len(parts) {
		return ""
	}
	v := parts[c-1]
	if i := strings.IndexByte(v, s.delims.subcomponent); i >= 0 {
		v = v[:i]
	}
	return unescape(v, s.delims)
}

// value returns the first repetition of field n, unescaped.
func (s segment) value(n int) string {
	return unescape(s.firstRepetition(n), s.delims)
}

func (s segment) coded(n int) CodedElement {
	return CodedElement{
		Code:    s.component(n, 1),
		Display: s.component(n, 2),
		System:  s.component(n, 3),
	}
}

// splitSegments splits on CR, LF or CRLF and drops blank lines.
func splitSegments(text string) []string {
	lines := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func parseHeaderSegment(line string) (segment, error) {
	if len(line) < 8 || !strings.HasPrefix(line, "MSH") {
		return segment{}, errors.WrapInvalid(errors.ErrValidationFailed, "hl7", "Parse", "locate MSH segment")
	}

	d := defaultDelimiters
	d.field = line[3]

	fields := strings.Split(line, string(d.field))
	enc := fields[1]
	if enc == "" {
		enc = defaultEncoding
	}
	if len(enc) > 0 {
		d.component = enc[0]
	}
	if len(enc) > 1 {
		d.repetition = enc[1]
	}
	if len(enc) > 2 {
		d.escape = enc[2]
	}
	if len(enc) > 3 {
		d.subcomponent = enc[3]
	}

	if len(fields) < minHeaderFields {
		return segment{}, errors.WrapInvalid(
			fmt.Errorf("%w: MSH has %d fields, need %d", errors.ErrValidationFailed, len(fields), minHeaderFields),
			"hl7", "Parse", "read MSH segment")
	}

	return segment{id: "MSH", fields: fields, delims: d, header: true}, nil
}

func parseHeader(msh segment) (Header, error) {
	h := Header{
		EncodingCharacters:   msh.field(2),
		SendingApplication:   msh.component(3, 1),
		SendingFacility:      msh.component(4, 1),
		ReceivingApplication: msh.component(5, 1),
		ReceivingFacility:    msh.component(6, 1),
		Timestamp:            msh.component(7, 1),
		MessageCode:          msh.component(9, 1),
		TriggerEvent:         msh.component(9, 2),
		ControlID:            unescape(msh.field(10), msh.delims),
		ProcessingID:         msh.component(11, 1),
		Version:              msh.component(12, 1),
	}

	if h.MessageCode == "" || h.TriggerEvent == "" {
		return Header{}, errors.WrapInvalid(
			fmt.Errorf("%w: MSH-9 %q is not code^trigger", errors.ErrValidationFailed, msh.field(9)),
			"hl7", "Parse", "read message type")
	}
	if strings.TrimSpace(h.ControlID) == "" {
		return Header{}, errors.WrapInvalid(
			fmt.Errorf("%w: MSH-10 control id is empty", errors.ErrValidationFailed),
			"hl7", "Parse", "read control id")
	}
	return h, nil
}

func splitAll(text string) (Header, []segment, error) {
	lines := splitSegments(text)
	if len(lines) == 0 {
		return Header{}, nil, errors.WrapInvalid(errors.ErrValidationFailed, "hl7", "Parse", "read message")
	}

	msh, err := parseHeaderSegment(lines[0])
	if err != nil {
		return Header{}, nil, err
	}
	h, err := parseHeader(msh)
	if err != nil {
		return Header{}, nil, err
	}

	segs := make([]segment, 0, len(lines))
	segs = append(segs, msh)
	for _, line := range lines[1:] {
		fields := strings.Split(line, string(msh.delims.field))
		id := fields[0]
		if len(id) != 3 {
			return Header{}, nil, errors.WrapInvalid(
				fmt.Errorf("%w: malformed segment id %q", errors.ErrParsingFailed, id),
				"hl7", "Parse", "split segments")
		}
		segs = append(segs, segment{id: id, fields: fields, delims: msh.delims})
	}
	return h, segs, nil
}

// Parse parses text into a Message. Structural violations return an error
// wrapping errors.ErrValidationFailed or errors.ErrParsingFailed. A message
// with a valid header but an unhandled type returns *Unsupported together
// with an error wrapping errors.ErrUnsupportedMessageType.
func Parse(text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.WrapInvalid(errors.ErrValidationFailed, "hl7", "Parse", "read message")
	}

	h, segs, err := splitAll(text)
	if err != nil {
		return nil, err
	}

	if h.MessageCode == "ORU" && h.TriggerEvent == "R01" {
		oru, err := parseORU(h, segs)
		if err != nil {
			return nil, err
		}
		return oru, nil
	}

	ids := make([]string, len(segs))
	for i, s := range segs {
		ids[i] = s.id
	}
	return &Unsupported{MSH: h, Segments: ids}, errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrUnsupportedMessageType, h.MessageType()),
		"hl7", "Parse", "dispatch message type")
}

func parseORU(h Header, segs []segment) (*ORUR01, error) {
	msg := &ORUR01{MSH: h}
	var havePID, haveOBR bool

	for _, s := range segs[1:] {
		switch s.id {
		case "PID":
			if havePID {
				continue
			}
			havePID = true
			msg.Patient = Patient{
				ID:                 s.component(3, 1),
				AssigningAuthority: s.component(3, 4),
				IdentifierType:     s.component(3, 5),
				FamilyName:         s.component(5, 1),
				GivenName:          s.component(5, 2),
				MiddleName:         s.component(5, 3),
				BirthDate:          s.component(7, 1),
				Sex:                s.value(8),
			}
		case "OBR":
			if haveOBR {
				// Only the first order group is mapped.
				return finishORU(msg, havePID, haveOBR)
			}
			haveOBR = true
			msg.Order = Order{
				PlacerOrderNumber: s.component(2, 1),
				FillerOrderNumber: s.component(3, 1),
				Service:           s.coded(4),
				ObservationTime:   s.component(7, 1),
				ResultStatus:      s.value(25),
			}
		case "OBX":
			if !haveOBR {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: OBX before OBR", errors.ErrParsingFailed),
					"hl7", "Parse", "read ORU^R01 structure")
			}
			msg.Results = append(msg.Results, parseOBX(s))
		}
	}

	return finishORU(msg, havePID, haveOBR)
}

func finishORU(msg *ORUR01, havePID, haveOBR bool) (*ORUR01, error) {
	if !havePID {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: ORU^R01 without PID segment", errors.ErrParsingFailed),
			"hl7", "Parse", "read ORU^R01 structure")
	}
	if !haveOBR {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: ORU^R01 without OBR segment", errors.ErrParsingFailed),
			"hl7", "Parse", "read ORU^R01 structure")
	}
	return msg, nil
}

func parseOBX(s segment) Result {
	r := Result{
		SetID:           s.value(1),
		ValueType:       strings.ToUpper(s.value(2)),
		Code:            s.coded(3),
		Value:           s.value(5),
		Units:           s.component(6, 1),
		ReferenceRange:  s.value(7),
		AbnormalFlag:    s.value(8),
		Status:          s.value(11),
		ObservationTime: s.component(14, 1),
	}
	if r.ValueType == ValueTypeNumeric {
		if v, ok := parseDecimal(r.Value); ok {
			r.Numeric = &v
		}
	}
	return r
}

// parseDecimal accepts a plain decimal with '.' as separator regardless of locale.
func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Trim(s, "0123456789.+-eE") != "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// IsValid reports whether text has a well-formed header and a structure
// Parse accepts. Messages of unsupported types are still valid.
func IsValid(text string) bool {
	_, err := Parse(text)
	return err == nil || errors.Is(err, errors.ErrUnsupportedMessageType)
}

// MessageType returns MSH-9 as code^trigger.
func MessageType(text string) (string, error) {
	h, err := ParseHeader(text)
	if err != nil {
		return "", err
	}
	return h.MessageType(), nil
}

// ControlID returns MSH-10.
func ControlID(text string) (string, error) {
	h, err := ParseHeader(text)
	if err != nil {
		return "", err
	}
	return h.ControlID, nil
}

// ParseHeader reads only the MSH segment.
func ParseHeader(text string) (Header, error) {
	lines := splitSegments(text)
	if len(lines) == 0 {
		return Header{}, errors.WrapInvalid(errors.ErrValidationFailed, "hl7", "ParseHeader", "read message")
	}
	msh, err := parseHeaderSegment(lines[0])
	if err != nil {
		return Header{}, err
	}
	return parseHeader(msh)
}
