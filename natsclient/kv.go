package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/retry"
)

// Errors returned by KVStore in place of the server's.
var (
	ErrKVKeyNotFound = errors.New("kv: key not found")
	ErrKVKeyExists   = errors.New("kv: key already exists")
)

const (
	kvTimeout      = 5 * time.Second
	kvMaxValueSize = 1 << 20
)

// KVEntry is one value read from a bucket.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVStore reads and writes one bucket. Every call is bounded by a timeout
// and writes that fail for infrastructure reasons are retried.
type KVStore struct {
	bucket jetstream.KeyValue
	retry  retry.Config
	logger *slog.Logger
}

// NewKVStore wraps bucket. A nil logger uses slog.Default.
func NewKVStore(bucket jetstream.KeyValue, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{
		bucket: bucket,
		retry: retry.Config{
			MaxAttempts:  4,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			AddJitter:    true,
		},
		logger: logger.With("bucket", bucket.Bucket()),
	}
}

// Get reads key. A missing or deleted key returns ErrKVKeyNotFound.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, ErrKVKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Create writes key only if it does not exist. An existing key returns
// ErrKVKeyExists without retrying.
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return kv.write(ctx, "create", key, value, func(ctx context.Context, key string, value []byte) (uint64, error) {
		rev, err := kv.bucket.Create(ctx, key, value)
		if conflict(err) {
			return 0, retry.NonRetryable(ErrKVKeyExists)
		}
		return rev, err
	})
}

// Keys lists the bucket's keys. An empty bucket yields nil.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

type writeFunc func(ctx context.Context, key string, value []byte) (uint64, error)

func (kv *KVStore) write(ctx context.Context, op, key string, value []byte, fn writeFunc) (uint64, error) {
	if len(value) > kvMaxValueSize {
		return 0, fmt.Errorf("kv %s %s: value of %d bytes exceeds %d: %w",
			op, key, len(value), kvMaxValueSize, errors.ErrValidationFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	rev, err := retry.DoWithResult(ctx, kv.retry, func() (uint64, error) {
		return fn(ctx, key, value)
	})
	switch {
	case errors.Is(err, ErrKVKeyExists):
		return 0, ErrKVKeyExists
	case err != nil:
		return 0, fmt.Errorf("kv %s %s: %w", op, key, err)
	}

	kv.logger.Debug("KV write", "op", op, "key", key, "revision", rev)
	return rev, nil
}

// conflict reports whether err means the key already has a value.
func conflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
