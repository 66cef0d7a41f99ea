// Package ack builds HL7 acknowledgment replies (ACK with an MSA segment).
//
// A Generator never fails: when the original message cannot be parsed it
// falls back to a minimal header and recovers the control id by splitting
// the first segment, and when even that fails it uses a random placeholder.
package ack

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dasjn/labbridge-fhir-hl7-app/hl7"
)

// Code is the MSA-1 acknowledgment code.
type Code string

const (
	Accept Code = "AA"
	Error  Code = "AE"
	Reject Code = "AR"
)

// String implements fmt.Stringer
func (c Code) String() string { return string(c) }

const (
	defaultVersion      = "2.5"
	defaultProcessingID = "P"
	placeholderIDLen    = 20
)

// Generator builds ACK messages.
type Generator struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the reply timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithIDSource overrides placeholder control id generation.
func WithIDSource(newID func() string) Option {
	return func(g *Generator) { g.newID = newID }
}

// New creates a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{
		now:   time.Now,
		newID: placeholderID,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Accept builds an AA reply.
func (g *Generator) Accept(original string) string {
	return g.Build(original, Accept, "")
}

// Error builds an AE reply carrying text.
func (g *Generator) Error(original, text string) string {
	return g.Build(original, Error, text)
}

// Reject builds an AR reply carrying reason.
func (g *Generator) Reject(original, reason string) string {
	return g.Build(original, Reject, reason)
}

// Build assembles the reply. It always returns a syntactically valid
// message whose MSA-2 is the original control id when one can be found.
func (g *Generator) Build(original string, code Code, text string) (reply string) {
	ts := hl7.FormatTimestamp(g.now())

	defer func() {
		if r := recover(); r != nil {
			reply = fallback(ts, g.newID(), code, text)
		}
	}()

	h, err := hl7.ParseHeader(original)
	if err != nil {
		return fallback(ts, g.controlID(original), code, text)
	}

	version := h.Version
	if version == "" {
		version = defaultVersion
	}
	processingID := h.ProcessingID
	if processingID == "" {
		processingID = defaultProcessingID
	}
	msgType := "ACK"
	if h.TriggerEvent != "" {
		msgType += "^" + hl7.Escape(h.TriggerEvent)
	}
	controlID := echoControlID(original, h)

	var b strings.Builder
	b.WriteString(`MSH|^~\&|`)
	writeFields(&b,
		hl7.Escape(h.ReceivingApplication),
		hl7.Escape(h.ReceivingFacility),
		hl7.Escape(h.SendingApplication),
		hl7.Escape(h.SendingFacility),
		ts,
		"",
		msgType,
		controlID,
		hl7.Escape(processingID),
		hl7.Escape(version),
	)
	b.WriteByte('\r')
	writeMSA(&b, code, controlID, text)
	return b.String()
}

// echoControlID returns MSH-10 as the original wrote it. When the original
// uses other delimiters the decoded value is re-escaped for ours instead.
func echoControlID(original string, h hl7.Header) string {
	standard := strings.HasPrefix(original, "MSH|") &&
		(h.EncodingCharacters == "" || h.EncodingCharacters == `^~\&`)
	if raw, ok := rawControlID(original); ok && standard {
		return raw
	}
	return hl7.Escape(h.ControlID)
}

// controlID recovers MSH-10 by plain splitting when full parsing failed.
func (g *Generator) controlID(original string) string {
	if raw, ok := rawControlID(original); ok {
		return raw
	}
	return g.newID()
}

// rawControlID returns the text of MSH-10 split on '|', untouched.
func rawControlID(original string) (string, bool) {
	line := original
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	if !strings.HasPrefix(line, "MSH") {
		return "", false
	}
	fields := strings.Split(line, "|")
	if len(fields) <= 9 || strings.TrimSpace(fields[9]) == "" {
		return "", false
	}
	return fields[9], true
}

func fallback(ts, controlID string, code Code, text string) string {
	var b strings.Builder
	b.WriteString(`MSH|^~\&|`)
	writeFields(&b, "LABBRIDGE", "HOSPITAL", "SENDER", "FACILITY", ts, "", "ACK", controlID, defaultProcessingID, defaultVersion)
	b.WriteByte('\r')
	writeMSA(&b, code, controlID, text)
	return b.String()
}

func writeMSA(b *strings.Builder, code Code, controlID, text string) {
	b.WriteString("MSA|")
	b.WriteString(string(code))
	b.WriteByte('|')
	b.WriteString(controlID)
	if text != "" {
		b.WriteByte('|')
		b.WriteString(hl7.Escape(text))
	}
}

func writeFields(b *strings.Builder, fields ...string) {
	b.WriteString(strings.Join(fields, "|"))
}

func placeholderID() string {
	return uuid.NewString()[:placeholderIDLen]
}
