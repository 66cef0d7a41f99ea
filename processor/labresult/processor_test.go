package labresult

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasjn/labbridge-fhir-hl7-app/audit"
	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/fhir"
	"github.com/dasjn/labbridge-fhir-hl7-app/metric"
	"github.com/dasjn/labbridge-fhir-hl7-app/output/fhirapi"
	"github.com/dasjn/labbridge-fhir-hl7-app/queue"
	"github.com/dasjn/labbridge-fhir-hl7-app/testutil"
	"github.com/dasjn/labbridge-fhir-hl7-app/transform"
)

var fixedNow = time.Date(2025, 10, 16, 12, 0, 5, 0, time.UTC)

// fakeSubmitter assigns sequential ids and can fail a chosen resource type.
type fakeSubmitter struct {
	mu           sync.Mutex
	patients     []fhir.Patient
	observations []fhir.Observation
	reports      []fhir.DiagnosticReport
	failOn       string
	failAfter    int
	err          error
	panicOn      string
	seq          int
}

func (f *fakeSubmitter) check(resourceType string, count int) error {
	if f.panicOn == resourceType {
		panic("submitter exploded")
	}
	if f.failOn == resourceType && count >= f.failAfter {
		return f.err
	}
	return nil
}

func (f *fakeSubmitter) CreatePatient(_ context.Context, p *fhir.Patient) (*fhir.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(fhir.TypePatient, len(f.patients)); err != nil {
		return nil, err
	}
	f.seq++
	out := *p
	out.ID = fmt.Sprintf("pat-%d", f.seq)
	f.patients = append(f.patients, out)
	return &out, nil
}

func (f *fakeSubmitter) CreateObservation(_ context.Context, o *fhir.Observation) (*fhir.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(fhir.TypeObservation, len(f.observations)); err != nil {
		return nil, err
	}
	f.seq++
	out := *o
	out.ID = fmt.Sprintf("obs-%d", f.seq)
	f.observations = append(f.observations, out)
	return &out, nil
}

func (f *fakeSubmitter) CreateDiagnosticReport(_ context.Context, r *fhir.DiagnosticReport) (*fhir.DiagnosticReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(fhir.TypeDiagnosticReport, len(f.reports)); err != nil {
		return nil, err
	}
	f.seq++
	out := *r
	out.ID = fmt.Sprintf("rep-%d", f.seq)
	f.reports = append(f.reports, out)
	return &out, nil
}

func newTestProcessor(t *testing.T, sub fhirapi.Submitter, sink audit.Sink, registry *metric.MetricsRegistry) *Processor {
	t.Helper()
	p, err := New(Deps{
		Consumer:        queue.NewMemory(),
		Submitter:       sub,
		Audit:           sink,
		Transformer:     transform.New(transform.WithClock(func() time.Time { return fixedNow })),
		FHIRServerURL:   "http://fhir.test",
		MetricsRegistry: registry,
	})
	require.NoError(t, err)
	return p
}

func envelope(controlID, text string) queue.Envelope {
	env := queue.NewEnvelope(controlID, []byte(text))
	env.Timestamp = time.Now().UTC().Add(-time.Second)
	return env
}

func TestHandle_CBCSuccess(t *testing.T) {
	sub := &fakeSubmitter{}
	sink := audit.NewMemory()
	registry := metric.NewMetricsRegistry()
	p := newTestProcessor(t, sub, sink, registry)

	err := p.Handle(context.Background(), envelope(testutil.CBCControlID, testutil.CBCMessage))
	require.NoError(t, err)

	require.Len(t, sub.patients, 1)
	require.Len(t, sub.observations, 3)
	require.Len(t, sub.reports, 1)

	patientRef := "Patient/" + sub.patients[0].ID
	for _, o := range sub.observations {
		require.NotNil(t, o.Subject)
		assert.Equal(t, patientRef, o.Subject.Reference)
	}

	wantValues := []struct {
		code  string
		value float64
		unit  string
	}{
		{"718-7", 14.5, "g/dL"},
		{"6690-2", 7500, "cells/uL"},
		{"777-3", 250000, "cells/uL"},
	}
	for i, w := range wantValues {
		o := sub.observations[i]
		assert.Equal(t, w.code, o.Code.Coding[0].Code)
		require.NotNil(t, o.ValueQuantity)
		assert.Equal(t, w.value, o.ValueQuantity.Value)
		assert.Equal(t, w.unit, o.ValueQuantity.Unit)
	}

	report := sub.reports[0]
	assert.Equal(t, patientRef, report.Subject.Reference)
	require.Len(t, report.Result, 3)
	for i, ref := range report.Result {
		assert.Equal(t, "Observation/"+sub.observations[i].ID, ref.Reference)
	}

	records := sink.Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, audit.StatusSuccess, rec.Status)
	assert.Equal(t, testutil.CBCControlID, rec.MessageControlID)
	assert.Equal(t, "ORU^R01", rec.MessageType)
	assert.Equal(t, "12345678", rec.PatientID)
	assert.Equal(t, "PANTHER", rec.SourceSystem)
	assert.Equal(t, "http://fhir.test", rec.FHIRServerURL)
	assert.Equal(t, testutil.CBCMessage, rec.RawMessage)

	var obs []map[string]any
	require.NoError(t, json.Unmarshal(rec.FHIRObservations, &obs))
	assert.Len(t, obs, 3)
	assert.Contains(t, string(rec.FHIRDiagnosticReport), `"resourceType":"DiagnosticReport"`)

	ok, failed := p.Stats()
	assert.Equal(t, int64(1), ok)
	assert.Equal(t, int64(0), failed)
	assert.Equal(t, 1.0, promtest.ToFloat64(p.metrics.succeeded.WithLabelValues("ORU^R01")))
}

func TestHandle_NoSubject(t *testing.T) {
	sub := &fakeSubmitter{}
	sink := audit.NewMemory()
	p := newTestProcessor(t, sub, sink, nil)

	msg := `MSH|^~\&|PANTHER|LAB|LABFLOW|HOSPITAL|20251016120000||ORU^R01|NOSUBJ1|P|2.5` + "\r" +
		`PID|1||^^^MRN||Doe^Jane||19900101|F` + "\r" +
		`OBR|1|ORD1|LAB1|58410-2^CBC panel^LN` + "\r" +
		`OBX|1|NM|718-7^Hemoglobin^LN||13.1|g/dL|12-16|N|||F`

	err := p.Handle(context.Background(), envelope("NOSUBJ1", msg))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoSubject)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageTransform, se.Stage)
	assert.Equal(t, "NOSUBJ1", se.ControlID)

	assert.Empty(t, sub.patients)
	assert.Empty(t, sub.observations)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusFailed, records[0].Status)
	assert.Equal(t, "no subject data", records[0].ErrorMessage)
	assert.Equal(t, string(StageTransform), records[0].ErrorStage)
}

func TestHandle_UnsupportedType(t *testing.T) {
	sink := audit.NewMemory()
	p := newTestProcessor(t, &fakeSubmitter{}, sink, nil)

	err := p.Handle(context.Background(), envelope("ADT0001", testutil.ADTMessage))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedMessageType)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "ADT^A01", records[0].MessageType)
	assert.Equal(t, "ADT0001", records[0].MessageControlID)
	assert.Equal(t, string(StageParse), records[0].ErrorStage)
}

func TestHandle_ParseFailureUsesEnvelopeID(t *testing.T) {
	sink := audit.NewMemory()
	p := newTestProcessor(t, &fakeSubmitter{}, sink, nil)

	err := p.Handle(context.Background(), envelope("ENV-1", testutil.NoHeaderMessage))
	require.Error(t, err)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "ENV-1", records[0].MessageControlID)
	assert.Equal(t, string(StageParse), records[0].ErrorStage)
}

func TestHandle_SubmitFailures(t *testing.T) {
	tests := []struct {
		name      string
		failOn    string
		failAfter int
		stage     Stage
	}{
		{"patient", fhir.TypePatient, 0, StageSubmitPatient},
		{"second observation", fhir.TypeObservation, 1, StageSubmitObservation},
		{"report", fhir.TypeDiagnosticReport, 0, StageSubmitReport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{failOn: tt.failOn, failAfter: tt.failAfter, err: errors.ErrPermanentRemote}
			sink := audit.NewMemory()
			registry := metric.NewMetricsRegistry()
			p := newTestProcessor(t, sub, sink, registry)

			err := p.Handle(context.Background(), envelope(testutil.CBCControlID, testutil.CBCMessage))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrPermanentRemote)

			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.stage, se.Stage)

			records := sink.Records()
			require.Len(t, records, 1)
			assert.Equal(t, audit.StatusFailed, records[0].Status)
			assert.Equal(t, string(tt.stage), records[0].ErrorStage)
			assert.Equal(t, "12345678", records[0].PatientID)

			assert.Equal(t, 1.0, promtest.ToFloat64(p.metrics.failed.WithLabelValues("ORU^R01", string(tt.stage))))
		})
	}
}

func TestHandle_PanicIsAudited(t *testing.T) {
	sink := audit.NewMemory()
	p := newTestProcessor(t, &fakeSubmitter{panicOn: fhir.TypeObservation}, sink, nil)

	err := p.Handle(context.Background(), envelope(testutil.CBCControlID, testutil.CBCMessage))
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StagePanic, se.Stage)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].ErrorMessage, "submitter exploded")
	assert.NotEmpty(t, records[0].ErrorStackTrace)
}

func TestHandle_AuditFailureDoesNotChangeOutcome(t *testing.T) {
	sink := audit.NewMemory()
	sink.Fail(errors.New("bucket unavailable"))
	registry := metric.NewMetricsRegistry()
	p := newTestProcessor(t, &fakeSubmitter{}, sink, registry)

	require.NoError(t, p.Handle(context.Background(), envelope(testutil.CBCControlID, testutil.CBCMessage)))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.metrics.auditErrors))

	err := p.Handle(context.Background(), envelope("ADT0001", testutil.ADTMessage))
	assert.ErrorIs(t, err, errors.ErrUnsupportedMessageType)
	assert.Equal(t, 2.0, promtest.ToFloat64(p.metrics.auditErrors))
}

func TestRelink(t *testing.T) {
	obs := []*fhir.Observation{{ID: "a"}, {ID: "b"}}
	refs, err := Relink([]fhir.Reference{transform.PlaceholderReference(0), transform.PlaceholderReference(1)}, obs)
	require.NoError(t, err)
	assert.Equal(t, []fhir.Reference{{Reference: "Observation/a"}, {Reference: "Observation/b"}}, refs)

	_, err = Relink([]fhir.Reference{transform.PlaceholderReference(0)}, obs)
	assert.ErrorIs(t, err, errors.ErrTransformFailed)

	_, err = Relink([]fhir.Reference{{Reference: "Observation/x"}, transform.PlaceholderReference(1)}, obs)
	assert.ErrorIs(t, err, errors.ErrTransformFailed)
}

// TestRun_EndToEnd drives the CBC message through the in-memory queue and a
// fake FHIR server that returns 503 for the first patient call.
func TestRun_EndToEnd(t *testing.T) {
	srv := testutil.NewFHIRServer(t)
	srv.Script(fhir.TypePatient, http.StatusServiceUnavailable)

	cfg := fhirapi.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 4 * time.Millisecond
	client, err := fhirapi.New(fhirapi.Deps{Config: cfg})
	require.NoError(t, err)

	q := queue.NewMemory()
	sink := audit.NewMemory()
	p, err := New(Deps{
		Consumer:      q,
		Submitter:     client,
		Audit:         sink,
		FHIRServerURL: srv.URL,
	})
	require.NoError(t, err)

	require.NoError(t, q.Publish(context.Background(), envelope(testutil.CBCControlID, testutil.CBCMessage)))
	require.NoError(t, q.Publish(context.Background(), envelope("ADT0001", testutil.ADTMessage)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(q.Acked())+len(q.DeadLetters()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	acked := q.Acked()
	require.Len(t, acked, 1)
	assert.Equal(t, testutil.CBCControlID, acked[0].MessageID)

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "ADT0001", dead[0].Envelope.MessageID)

	assert.Equal(t, 2, srv.Calls(fhir.TypePatient))
	assert.Equal(t, 3, srv.Calls(fhir.TypeObservation))
	assert.Equal(t, 1, srv.Calls(fhir.TypeDiagnosticReport))
	// One progress report before each submission of the CBC message.
	assert.Equal(t, 5, q.Touches())

	var report struct {
		Result []fhir.Reference `json:"result"`
	}
	reports := srv.Created(fhir.TypeDiagnosticReport)
	require.Len(t, reports, 1)
	require.NoError(t, json.Unmarshal(reports[0], &report))

	observations := srv.Created(fhir.TypeObservation)
	require.Len(t, report.Result, len(observations))
	for i, raw := range observations {
		var o struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(raw, &o))
		assert.Equal(t, "Observation/"+o.ID, report.Result[i].Reference)
	}

	records, err := sink.ByControlID(context.Background(), testutil.CBCControlID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusSuccess, records[0].Status)
	assert.Equal(t, 1, records[0].RetryCount)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{Consumer: queue.NewMemory()})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
