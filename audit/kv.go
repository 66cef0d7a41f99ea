package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/natsclient"
)

// KVStore is the subset of natsclient.KVStore the sink needs.
type KVStore interface {
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Keys(ctx context.Context) ([]string, error)
}

var _ KVStore = (*natsclient.KVStore)(nil)

// KVSink stores each record once under "<control id>.<record id>".
// Records are never overwritten.
type KVSink struct {
	store  KVStore
	logger *slog.Logger
	now    func() time.Time
}

// NewKVSink creates a KVSink over store.
func NewKVSink(store KVStore, logger *slog.Logger) *KVSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVSink{store: store, logger: logger.With("component", "audit"), now: time.Now}
}

var (
	_ Sink   = (*KVSink)(nil)
	_ Reader = (*KVSink)(nil)
)

// RecordSuccess stores a success record.
func (k *KVSink) RecordSuccess(ctx context.Context, s Success) error {
	return k.put(ctx, NewSuccessRecord(s, k.now()))
}

// RecordFailure stores a failure record.
func (k *KVSink) RecordFailure(ctx context.Context, f Failure) error {
	return k.put(ctx, NewFailureRecord(f, k.now()))
}

func (k *KVSink) put(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(errors.Join(errors.ErrAuditSink, err), "audit.KVSink", "put", "encode record")
	}

	key := recordKey(r.MessageControlID, r.ID)
	if _, err := k.store.Create(ctx, key, data); err != nil {
		if errors.Is(err, natsclient.ErrKVKeyExists) {
			err = errors.Join(errors.ErrDuplicateKey, err)
		}
		return errors.Wrap(errors.Join(errors.ErrAuditSink, err), "audit.KVSink", "put", "store "+key)
	}

	k.logger.DebugContext(ctx, "Audit record stored", "key", key, "status", r.Status)
	return nil
}

// ByControlID returns every attempt recorded for controlID.
func (k *KVSink) ByControlID(ctx context.Context, controlID string) ([]Record, error) {
	prefix := KeyToken(controlID) + "."
	records, err := k.load(ctx, func(key string) bool { return strings.HasPrefix(key, prefix) })
	if err != nil {
		return nil, err
	}
	// Distinct control ids can share a sanitized prefix.
	return newestFirst(filter(records, func(r Record) bool {
		return r.MessageControlID == controlID
	}), 0), nil
}

// ByPatient returns the newest records for patientID.
func (k *KVSink) ByPatient(ctx context.Context, patientID string, limit int) ([]Record, error) {
	records, err := k.load(ctx, nil)
	if err != nil {
		return nil, err
	}
	return newestFirst(filter(records, func(r Record) bool { return r.PatientID == patientID }), limit), nil
}

// RecentFailures returns the newest failure records.
func (k *KVSink) RecentFailures(ctx context.Context, limit int) ([]Record, error) {
	records, err := k.load(ctx, nil)
	if err != nil {
		return nil, err
	}
	return newestFirst(filter(records, func(r Record) bool { return r.Status == StatusFailed }), limit), nil
}

// Statistics summarizes records received since since.
func (k *KVSink) Statistics(ctx context.Context, since time.Time) (Statistics, error) {
	records, err := k.load(ctx, nil)
	if err != nil {
		return Statistics{}, err
	}
	return summarize(records, since, k.now()), nil
}

// load reads every record whose key passes match. A nil match reads all.
func (k *KVSink) load(ctx context.Context, match func(string) bool) ([]Record, error) {
	keys, err := k.store.Keys(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.Join(errors.ErrAuditSink, err), "audit.KVSink", "load", "list keys")
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		if match != nil && !match(key) {
			continue
		}
		entry, err := k.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, natsclient.ErrKVKeyNotFound) {
				continue
			}
			return nil, errors.Wrap(errors.Join(errors.ErrAuditSink, err), "audit.KVSink", "load", "get "+key)
		}
		var r Record
		if err := json.Unmarshal(entry.Value, &r); err != nil {
			k.logger.WarnContext(ctx, "Skipping unreadable audit record", "key", key, "error", err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

func recordKey(controlID, recordID string) string {
	return KeyToken(controlID) + "." + recordID
}

// KeyToken maps s onto the characters allowed in a KV key token.
func KeyToken(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
