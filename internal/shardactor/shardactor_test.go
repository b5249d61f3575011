package shardactor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ablauf/internal/actorhost"
	"github.com/tombee/ablauf/internal/storage"
)

func newTestActor(t *testing.T) *Actor {
	t.Helper()
	store, err := storage.OpenShardStore(context.Background(), storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store)
}

func TestActor_IndexWrite_PreservesCreatedAt(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()

	require.NoError(t, a.IndexWrite(ctx, storage.IndexEntryRow{ID: "wf-1", Status: "running", CreatedAt: 100, UpdatedAt: 100}))
	require.NoError(t, a.IndexWrite(ctx, storage.IndexEntryRow{ID: "wf-1", Status: "completed", CreatedAt: 9999, UpdatedAt: 500}))

	rows, err := a.IndexList(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "completed", rows[0].Status)
	assert.Equal(t, int64(100), rows[0].CreatedAt, "createdAt must be preserved across upserts")
	assert.Equal(t, int64(500), rows[0].UpdatedAt)
}

func TestActor_IndexList_FiltersByStatus(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	require.NoError(t, a.IndexWrite(ctx, storage.IndexEntryRow{ID: "a", Status: "running", CreatedAt: 1, UpdatedAt: 1}))
	require.NoError(t, a.IndexWrite(ctx, storage.IndexEntryRow{ID: "b", Status: "completed", CreatedAt: 1, UpdatedAt: 2}))

	rows, err := a.IndexList(ctx, "completed", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0].ID)
}

func TestRegistry_RoutesThroughMailboxAndCaches(t *testing.T) {
	dir := t.TempDir()
	_ = dir
	host := actorhost.NewLocal()
	opened := 0
	reg := NewRegistry(host, func(ctx context.Context, name string) (*storage.ShardStore, error) {
		opened++
		return storage.OpenShardStore(ctx, storage.Config{Path: ":memory:"})
	})

	ctx := context.Background()
	require.NoError(t, reg.IndexWrite(ctx, "__index:demo:0", storage.IndexEntryRow{ID: "x", Status: "running", CreatedAt: 1, UpdatedAt: 1}))
	require.NoError(t, reg.IndexWrite(ctx, "__index:demo:0", storage.IndexEntryRow{ID: "y", Status: "running", CreatedAt: 1, UpdatedAt: 2}))
	assert.Equal(t, 1, opened, "the same shard name must reuse its opened store")

	rows, err := reg.IndexList(ctx, "__index:demo:0", "", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
