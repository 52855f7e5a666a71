package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_SaveAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := Record{
		ID:        "replica-1",
		Endpoint:  "host=replica-1 port=5432",
		DataDir:   "/var/lib/postgresql/data",
		ServiceID: "postgresql",
		State:     "uninitialized",
	}
	require.NoError(t, store.Save(ctx, rec))

	got, ok, err := store.Get(ctx, "replica-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Endpoint, got.Endpoint)
	assert.Equal(t, rec.DataDir, got.DataDir)
	assert.Equal(t, rec.ServiceID, got.ServiceID)
	assert.Equal(t, "uninitialized", got.State)
	assert.Equal(t, uint64(0), got.Generation)
	assert.False(t, got.RegisteredAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestStore_GetMissing(t *testing.T) {
	store := openTestStore(t)

	_, ok, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SaveIsUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := Record{ID: "replica-1", Endpoint: "host=a", State: "uninitialized"}
	require.NoError(t, store.Save(ctx, rec))

	first, ok, err := store.Get(ctx, "replica-1")
	require.NoError(t, err)
	require.True(t, ok)

	rec.Endpoint = "host=b"
	rec.RegisteredAt = first.RegisteredAt
	require.NoError(t, store.Save(ctx, rec))

	got, ok, err := store.Get(ctx, "replica-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "host=b", got.Endpoint)
	// Registration time survives the upsert.
	assert.WithinDuration(t, first.RegisteredAt, got.RegisteredAt, time.Second)
}

func TestStore_UpdateState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Record{ID: "replica-1", Endpoint: "host=a", State: "uninitialized"}))
	require.NoError(t, store.UpdateState(ctx, "replica-1", "streaming", 3))

	got, ok, err := store.Get(ctx, "replica-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "streaming", got.State)
	assert.Equal(t, uint64(3), got.Generation)
}

func TestStore_UpdateStateUnregistered(t *testing.T) {
	store := openTestStore(t)
	err := store.UpdateState(context.Background(), "ghost", "streaming", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestStore_ListOrdersByID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"replica-c", "replica-a", "replica-b"} {
		require.NoError(t, store.Save(ctx, Record{ID: id, Endpoint: "host=" + id, State: "uninitialized"}))
	}

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "replica-a", records[0].ID)
	assert.Equal(t, "replica-b", records[1].ID)
	assert.Equal(t, "replica-c", records[2].ID)
}

func TestStore_Delete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Record{ID: "replica-1", Endpoint: "host=a", State: "uninitialized"}))
	require.NoError(t, store.Delete(ctx, "replica-1"))

	_, ok, err := store.Get(ctx, "replica-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent record is not an error.
	assert.NoError(t, store.Delete(ctx, "replica-1"))
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, Record{ID: "replica-1", Endpoint: "host=a", State: "streaming", Generation: 2}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, ok, err := reopened.Get(ctx, "replica-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "streaming", got.State)
	assert.Equal(t, uint64(2), got.Generation)
}
