package blob_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/capsync/internal/blob"
	"github.com/TheMichaelB/capsync/internal/events"
	"github.com/TheMichaelB/capsync/internal/models"
)

func newLocalStore(t *testing.T) *blob.LocalStore {
	t.Helper()
	store, err := blob.NewLocalStore(t.TempDir(), events.NewNop())
	require.NoError(t, err)
	return store
}

func TestLocalStorePutGet(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	payload := []byte("some binary content")
	require.NoError(t, store.Put(ctx, "cap-123", payload))

	got, err := store.Get(ctx, "cap-123")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLocalStoreGetMissing(t *testing.T) {
	store := newLocalStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrBlobNotFound)
}

func TestLocalStoreOverwrite(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v1")))
	require.NoError(t, store.Put(ctx, "k", []byte("v2")))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestLocalStoreRemove(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v")))
	require.NoError(t, store.Remove(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, models.ErrBlobNotFound)

	// Removing an absent key is not an error.
	assert.NoError(t, store.Remove(ctx, "k"))
}

func TestLocalStoreListKeys(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	// Keys with path-hostile characters round-trip through the encoding.
	keys := []string{"plain", "with/slash", "with space", "cap-ü"}
	for _, key := range keys {
		require.NoError(t, store.Put(ctx, key, []byte(key)))
	}

	got, err := store.ListKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, keys, got)
}

func TestLocalStoreHonorsCancelledContext(t *testing.T) {
	store := newLocalStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, store.Put(ctx, "k", []byte("v")))
	_, err := store.Get(ctx, "k")
	assert.Error(t, err)
}
