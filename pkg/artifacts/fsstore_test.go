package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestFSStorePutGet(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	payload := []byte(`{"congress":119,"type":"hr","number":"1"}`)

	digest, err := store.Put(ctx, payload)
	require.NoError(t, err)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)

	got, err := store.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	exists, err := store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFSStorePutIdempotent(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	payload := []byte("same bytes")

	d1, err := store.Put(ctx, payload)
	require.NoError(t, err)
	d2, err := store.Put(ctx, payload)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	// The second put is a no-op, so usage only counts the bytes once
	assert.Equal(t, int64(len(payload)), store.UsedBytes())
}

func TestFSStoreGetMissing(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()

	_, err = store.Get(ctx, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := store.Exists(ctx, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFSStoreQuota(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), 10, testLogger())
	require.NoError(t, err)

	ctx := context.Background()

	_, err = store.Put(ctx, []byte("12345"))
	require.NoError(t, err)

	_, err = store.Put(ctx, []byte("this payload exceeds the quota"))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Re-putting already stored content succeeds even at the quota edge
	_, err = store.Put(ctx, []byte("12345"))
	assert.NoError(t, err)
}

func TestFSStorePrimesUsageFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFSStore(dir, 0, testLogger())
	require.NoError(t, err)
	_, err = first.Put(ctx, []byte("persisted"))
	require.NoError(t, err)

	reopened, err := NewFSStore(dir, 0, testLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(len("persisted")), reopened.UsedBytes())
}

func TestFSStoreCancelledContext(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), 0, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Put(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
