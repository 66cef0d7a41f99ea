package ack

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasjn/labbridge-fhir-hl7-app/hl7"
	"github.com/dasjn/labbridge-fhir-hl7-app/testutil"
)

var fixedNow = time.Date(2025, 10, 16, 12, 0, 5, 0, time.UTC)

func newTestGenerator() *Generator {
	return New(
		WithClock(func() time.Time { return fixedNow }),
		WithIDSource(func() string { return "PLACEHOLDER-0000000" }),
	)
}

func segments(reply string) [][]string {
	var out [][]string
	for _, s := range strings.Split(reply, "\r") {
		out = append(out, strings.Split(s, "|"))
	}
	return out
}

func TestAccept_SwapsSenderAndReceiver(t *testing.T) {
	reply := newTestGenerator().Accept(testutil.CBCMessage)

	assert.Equal(t,
		"MSH|^~\\&|LABFLOW|HOSPITAL|PANTHER|LAB|20251016120005||ACK^R01|MSG123456|P|2.5\rMSA|AA|MSG123456",
		reply)

	h, err := hl7.ParseHeader(reply)
	require.NoError(t, err)
	assert.Equal(t, "ACK^R01", h.MessageType())
}

func TestErrorAndReject_CarryText(t *testing.T) {
	g := newTestGenerator()

	r, err := Read(g.Error(testutil.CBCMessage, "Processing error: broker down"))
	require.NoError(t, err)
	assert.Equal(t, Reply{Code: Error, ControlID: "MSG123456", Text: "Processing error: broker down"}, r)

	r, err = Read(g.Reject(testutil.CBCMessage, "Invalid HL7 message structure"))
	require.NoError(t, err)
	assert.Equal(t, Reply{Code: Reject, ControlID: "MSG123456", Text: "Invalid HL7 message structure"}, r)
}

func TestBuild_EscapesText(t *testing.T) {
	reply := newTestGenerator().Error(testutil.CBCMessage, "bad|field^x")
	msa := segments(reply)[1]
	require.Len(t, msa, 4)
	assert.Equal(t, `bad\F\field\S\x`, msa[3])
}

func TestBuild_PreservesVersionAndProcessingID(t *testing.T) {
	original := `MSH|^~\&|APP|FAC|RAPP|RFAC|20251016||ORU^R01|C-1|T|2.3` + "\rPID|1||1"
	msh := segments(newTestGenerator().Accept(original))[0]

	assert.Equal(t, "T", msh[10])
	assert.Equal(t, "2.3", msh[11])
}

func TestBuild_ControlIDEchoedForEveryCode(t *testing.T) {
	g := newTestGenerator()
	originals := map[string]string{
		"MSG123456": testutil.CBCMessage,
		"ADT0001":   testutil.ADTMessage,
		"RAW-42":    `MSH|^~\&|A|B|C|D|2025||ORU|RAW-42|P`,
	}

	for want, original := range originals {
		for _, code := range []Code{Accept, Error, Reject} {
			r, err := Read(g.Build(original, code, "x"))
			require.NoError(t, err)
			assert.Equal(t, want, r.ControlID, "code %s", code)
			assert.Equal(t, code, r.Code)
		}
	}
}

func TestBuild_EscapesEchoedHeaderFields(t *testing.T) {
	original := `MSH|^~\&|LAB\F\X|FAC\S\1|RCV|RFAC|20251016||ORU^R01|CTRL1|P|2.5` + "\rPID|1||1"
	reply := newTestGenerator().Accept(original)

	msh := segments(reply)[0]
	require.Len(t, msh, 12)
	assert.Equal(t, `LAB\F\X`, msh[4])
	assert.Equal(t, `FAC\S\1`, msh[5])
	assert.Equal(t, "CTRL1", msh[9])

	h, err := hl7.ParseHeader(reply)
	require.NoError(t, err)
	assert.Equal(t, "LAB|X", h.ReceivingApplication)
	assert.Equal(t, "FAC^1", h.ReceivingFacility)
	assert.Equal(t, "CTRL1", h.ControlID)
}

func TestBuild_ControlIDEchoedAsWritten(t *testing.T) {
	g := newTestGenerator()
	for _, id := range []string{"ID~2", "A&B", `A\T\B`, "X^Y"} {
		parsed := `MSH|^~\&|A|B|C|D|20251016||ORU^R01|` + id + `|P|2.5`
		unparsed := `MSH|^~\&|A|B|C|D|20251016||ORU|` + id + `|P`

		for _, original := range []string{parsed, unparsed} {
			reply := g.Accept(original)
			r, err := Read(reply)
			require.NoError(t, err)
			assert.Equal(t, id, r.ControlID, "original %q", original)
			assert.Equal(t, id, segments(reply)[0][9], "original %q", original)
		}
	}
}

func TestBuild_ForeignDelimitersReescaped(t *testing.T) {
	original := `MSH#*~\&#A#B#C#D#20251016##ORU*R01#ID|1#P#2.5`
	reply := newTestGenerator().Accept(original)

	msh := segments(reply)[0]
	require.Len(t, msh, 12)
	assert.Equal(t, `ID\F\1`, msh[9])
	assert.Equal(t, "ACK^R01", msh[8])
}

func TestBuild_FallbackHeader(t *testing.T) {
	reply := newTestGenerator().Error(`MSH|^~\&|A|B|C|D|2025||ORU|RAW-42|P`, "Invalid HL7 message structure")

	assert.Equal(t,
		"MSH|^~\\&|LABBRIDGE|HOSPITAL|SENDER|FACILITY|20251016120005||ACK|RAW-42|P|2.5\rMSA|AE|RAW-42|Invalid HL7 message structure",
		reply)
}

func TestBuild_PlaceholderWhenNoControlID(t *testing.T) {
	g := newTestGenerator()
	for _, original := range []string{"", "garbage", testutil.NoHeaderMessage, `MSH|^~\&|A|B|C|D|2025||ORU||P`} {
		r, err := Read(g.Reject(original, "Invalid HL7 message structure"))
		require.NoError(t, err)
		assert.Equal(t, "PLACEHOLDER-0000000", r.ControlID, "original %q", original)
	}
}

func TestDefaultPlaceholderID(t *testing.T) {
	r, err := Read(New().Accept("garbage"))
	require.NoError(t, err)
	assert.Len(t, r.ControlID, 20)
	assert.NotEmpty(t, strings.TrimSpace(r.ControlID))
}

func TestRead_Errors(t *testing.T) {
	_, err := Read("MSH|^~\\&|A")
	assert.Error(t, err)

	_, err = Read("MSH|^~\\&|A\rMSA|ZZ|1")
	assert.Error(t, err)
}
