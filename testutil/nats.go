package testutil

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/dasjn/labbridge-fhir-hl7-app/natsclient"
)

// MockKVStore is an in-memory stand-in for natsclient.KVStore. It honours
// create-once semantics and returns the natsclient sentinel errors. Each
// key keeps the revision at which it was created.
type MockKVStore struct {
	mu       sync.RWMutex
	entries  map[string]natsclient.KVEntry
	revision uint64
	err      error
}

func NewMockKVStore() *MockKVStore {
	return &MockKVStore{entries: make(map[string]natsclient.KVEntry)}
}

// Fail makes every subsequent call return err; nil restores normal
// behaviour.
func (kv *MockKVStore) Fail(err error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.err = err
}

// Create stores value only if key is absent.
func (kv *MockKVStore) Create(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.err != nil {
		return 0, kv.err
	}
	if _, ok := kv.entries[key]; ok {
		return 0, natsclient.ErrKVKeyExists
	}

	kv.revision++
	kv.entries[key] = natsclient.KVEntry{Key: key, Value: bytes.Clone(value), Revision: kv.revision}
	return kv.revision, nil
}

func (kv *MockKVStore) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	if kv.err != nil {
		return nil, kv.err
	}
	entry, ok := kv.entries[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	entry.Value = bytes.Clone(entry.Value)
	return &entry, nil
}

// Keys returns every key, sorted.
func (kv *MockKVStore) Keys(_ context.Context) ([]string, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	if kv.err != nil {
		return nil, kv.err
	}
	return slices.Sorted(maps.Keys(kv.entries)), nil
}

// Len returns the number of stored keys.
func (kv *MockKVStore) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.entries)
}
