package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newIdempotencyStore(t *testing.T) (*IdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewIdempotencyStore(client, time.Hour), mr
}

func TestIdempotencyLifecycle(t *testing.T) {
	store, mr := newIdempotencyStore(t)
	ctx := context.Background()

	stored, err := store.Begin(ctx, 7, "k1", "fp")
	require.NoError(t, err)
	require.Nil(t, stored)

	_, err = store.Begin(ctx, 7, "k1", "fp")
	require.ErrorIs(t, err, ErrIdempotencyInProgress)
	require.ErrorIs(t, err, ErrStateConflict)

	require.NoError(t, store.Complete(ctx, 7, "k1", IdempotentResponse{Fingerprint: "fp", Status: 201, Body: []byte(`{"id":1}`)}))

	stored, err = store.Begin(ctx, 7, "k1", "fp")
	require.NoError(t, err)
	require.Equal(t, 201, stored.Status)
	require.JSONEq(t, `{"id":1}`, string(stored.Body))

	_, err = store.Begin(ctx, 7, "k1", "other")
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	stored, err = store.Begin(ctx, 8, "k1", "other")
	require.NoError(t, err)
	require.Nil(t, stored)

	mr.FastForward(2 * time.Hour)
	stored, err = store.Begin(ctx, 7, "k1", "other")
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestIdempotencyRelease(t *testing.T) {
	store, _ := newIdempotencyStore(t)
	ctx := context.Background()

	_, err := store.Begin(ctx, 7, "k2", "fp")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, 7, "k2"))

	stored, err := store.Begin(ctx, 7, "k2", "fp")
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestIdempotencyStorageFailure(t *testing.T) {
	store, mr := newIdempotencyStore(t)
	mr.SetError("LOADING redis is loading")

	_, err := store.Begin(context.Background(), 7, "k3", "fp")
	require.ErrorIs(t, err, ErrStorage)
}
