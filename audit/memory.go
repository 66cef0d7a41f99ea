package audit

import (
	"context"
	"sync"
	"time"
)

// Memory keeps records in process. It implements Sink and Reader.
type Memory struct {
	mu      sync.Mutex
	records []Record
	err     error
	now     func() time.Time
}

// NewMemory creates an empty in-memory audit store.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

var (
	_ Sink   = (*Memory)(nil)
	_ Reader = (*Memory)(nil)
)

// Fail makes subsequent writes return err. Nil restores them.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// RecordSuccess stores a success record.
func (m *Memory) RecordSuccess(_ context.Context, s Success) error {
	return m.add(NewSuccessRecord(s, m.now()))
}

// RecordFailure stores a failure record.
func (m *Memory) RecordFailure(_ context.Context, f Failure) error {
	return m.add(NewFailureRecord(f, m.now()))
}

func (m *Memory) add(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, r)
	return nil
}

// Records returns all records in insertion order.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// ByControlID returns every attempt recorded for controlID.
func (m *Memory) ByControlID(_ context.Context, controlID string) ([]Record, error) {
	return newestFirst(filter(m.Records(), func(r Record) bool {
		return r.MessageControlID == controlID
	}), 0), nil
}

// ByPatient returns the newest records for patientID.
func (m *Memory) ByPatient(_ context.Context, patientID string, limit int) ([]Record, error) {
	return newestFirst(filter(m.Records(), func(r Record) bool {
		return r.PatientID == patientID
	}), limit), nil
}

// RecentFailures returns the newest failure records.
func (m *Memory) RecentFailures(_ context.Context, limit int) ([]Record, error) {
	return newestFirst(filter(m.Records(), func(r Record) bool {
		return r.Status == StatusFailed
	}), limit), nil
}

// Statistics summarizes records received since since.
func (m *Memory) Statistics(_ context.Context, since time.Time) (Statistics, error) {
	return summarize(m.Records(), since, m.now()), nil
}
