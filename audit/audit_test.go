package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/testutil"
)

var received = time.Date(2025, 10, 16, 12, 0, 0, 0, time.UTC)

func TestNewFailureRecord(t *testing.T) {
	now := received.Add(time.Second)
	r := NewFailureRecord(Failure{
		ControlID:   "MSG1",
		MessageType: "ORU^R01",
		Stage:       "transform",
		Err:         errors.ErrNoSubject,
		RetryCount:  2,
		ReceivedAt:  received,
		Duration:    1500 * time.Millisecond,
	}, now)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "no subject data", r.ErrorMessage)
	assert.Equal(t, "transform", r.ErrorStage)
	assert.Equal(t, 2, r.RetryCount)
	assert.Equal(t, int64(1500), r.ProcessingDurationMs)
	assert.Equal(t, now, r.ProcessedAt)
}

func TestNewSuccessRecord_JSON(t *testing.T) {
	r := NewSuccessRecord(Success{
		ControlID:    "MSG1",
		MessageType:  "ORU^R01",
		PatientID:    "12345678",
		Patient:      json.RawMessage(`{"resourceType":"Patient","id":"p1"}`),
		Observations: json.RawMessage(`[]`),
		ReceivedAt:   received,
	}, received)

	data, err := json.Marshal(r)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "Success", m["status"])
	assert.Equal(t, "MSG1", m["message_control_id"])
	assert.Equal(t, "p1", m["fhir_patient_json"].(map[string]any)["id"])
	assert.NotContains(t, m, "error_message")
}

func TestKVSink_CreateOnceAndQuery(t *testing.T) {
	kv := testutil.NewMockKVStore()
	sink := NewKVSink(kv, nil)
	ctx := context.Background()

	require.NoError(t, sink.RecordFailure(ctx, Failure{
		ControlID: "MSG^1", MessageType: "ORU^R01", PatientID: "P1",
		Err: errors.New("HTTP 503"), ReceivedAt: received,
	}))
	require.NoError(t, sink.RecordSuccess(ctx, Success{
		ControlID: "MSG^1", MessageType: "ORU^R01", PatientID: "P1",
		ReceivedAt: received.Add(time.Minute), Duration: 200 * time.Millisecond,
	}))
	require.NoError(t, sink.RecordSuccess(ctx, Success{
		ControlID: "MSG_1", MessageType: "ORU^R01", PatientID: "P2",
		ReceivedAt: received.Add(2 * time.Minute), Duration: 400 * time.Millisecond,
	}))

	keys, _ := kv.Keys(ctx)
	require.Len(t, keys, 3)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "MSG_1."), k)
	}

	byID, err := sink.ByControlID(ctx, "MSG^1")
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Equal(t, StatusSuccess, byID[0].Status, "newest first")
	assert.Equal(t, StatusFailed, byID[1].Status)

	byPatient, err := sink.ByPatient(ctx, "P1", 1)
	require.NoError(t, err)
	require.Len(t, byPatient, 1)
	assert.Equal(t, StatusSuccess, byPatient[0].Status)

	failures, err := sink.RecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "HTTP 503", failures[0].ErrorMessage)

	st, err := sink.Statistics(ctx, received)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalMessages)
	assert.Equal(t, 2, st.SuccessCount)
	assert.Equal(t, 1, st.FailureCount)
	assert.Equal(t, 66.67, st.SuccessRate)
	assert.Equal(t, 200.0, st.AvgProcessingTimeMs)
	require.Len(t, st.ByMessageType, 1)
	assert.Equal(t, TypeStatistics{MessageType: "ORU^R01", Count: 3, SuccessCount: 2, FailureCount: 1}, st.ByMessageType[0])
}

func TestKVSink_StoreError(t *testing.T) {
	kv := testutil.NewMockKVStore()
	kv.Fail(errors.New("bucket unavailable"))
	sink := NewKVSink(kv, nil)

	err := sink.RecordSuccess(context.Background(), Success{ControlID: "MSG1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuditSink))
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := NewMemory()
	bad := NewMemory()
	bad.Fail(errors.New("disk full"))

	m := Multi{ok, NewLogSink(nil), bad}
	err := m.RecordFailure(context.Background(), Failure{ControlID: "MSG1", Err: errors.New("boom")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, ok.Records(), 1, "healthy sinks still receive the record")
}

func TestMemory_Statistics_Empty(t *testing.T) {
	st, err := NewMemory().Statistics(context.Background(), received)
	require.NoError(t, err)
	assert.Zero(t, st.TotalMessages)
	assert.Zero(t, st.SuccessRate)
	assert.Empty(t, st.ByMessageType)
}

func TestKeyToken(t *testing.T) {
	tests := map[string]string{
		"MSG123456":  "MSG123456",
		"MSG.1":      "MSG_1",
		"a b*c>":     "a_b_c_",
		"":           "_",
		"lab-01_x=y": "lab-01_x=y",
	}
	for in, want := range tests {
		assert.Equal(t, want, KeyToken(in), in)
	}
}
