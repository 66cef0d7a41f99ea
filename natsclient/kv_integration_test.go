//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_KVStoreCreateOnce(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("LABBRIDGE_TEST"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket, err := tc.Client.GetKeyValueBucket(ctx, "LABBRIDGE_TEST")
	require.NoError(t, err)
	kv := NewKVStore(bucket, nil)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	rev, err := kv.Create(ctx, "MSG1.a", []byte(`{"status":"Success"}`))
	require.NoError(t, err)
	assert.NotZero(t, rev)

	_, err = kv.Create(ctx, "MSG1.a", []byte(`{}`))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	entry, err := kv.Get(ctx, "MSG1.a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"Success"}`, string(entry.Value))

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestIntegration_EnsureStreamIdempotent(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := jetstream.StreamConfig{Name: "TEST", Subjects: []string{"test.>"}}
	_, err := tc.Client.EnsureStream(ctx, cfg)
	require.NoError(t, err)
	_, err = tc.Client.EnsureStream(ctx, cfg)
	require.NoError(t, err)

	_, err = tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "B"})
	require.NoError(t, err)
	_, err = tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "B"})
	require.NoError(t, err)
}
