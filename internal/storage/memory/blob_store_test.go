package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oddlid/rlunch/internal/storage"
)

func TestBlobStoreCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	payload := []byte("content")
	uri, err := store.PutObject(ctx, "cache/snapshot.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://cache/snapshot.json", uri)

	got, err := store.GetObject(ctx, "cache/snapshot.json")
	require.NoError(t, err)
	got[0] = 'C'

	again, err := store.GetObject(ctx, "cache/snapshot.json")
	require.NoError(t, err)
	require.Equal(t, "content", string(again))
}

func TestBlobStoreMissing(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().GetObject(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrObjectNotFound)
}
