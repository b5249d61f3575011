package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestInstanceStore(t *testing.T) *InstanceStore {
	t.Helper()
	s, err := OpenInstanceStore(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInstanceStore_CreateAndGetWorkflow(t *testing.T) {
	ctx := context.Background()
	s := openTestInstanceStore(t)

	got, err := s.GetWorkflow(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	w := &WorkflowRow{ID: "happy-1", Type: "test", Status: StatusRunning, Payload: []byte(`{"name":"Alice"}`), CreatedAt: 100, UpdatedAt: 100}
	require.NoError(t, s.CreateWorkflow(ctx, w))

	got, err = s.GetWorkflow(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "happy-1", got.ID)
	require.Equal(t, StatusRunning, got.Status)
}

func TestInstanceStore_UpdateWorkflow_ClampsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := openTestInstanceStore(t)

	w := &WorkflowRow{ID: "i1", Type: "t", Status: StatusRunning, CreatedAt: 100, UpdatedAt: 200}
	require.NoError(t, s.CreateWorkflow(ctx, w))

	w.Status = StatusSleeping
	w.UpdatedAt = 50 // earlier than existing — must be clamped
	require.NoError(t, s.UpdateWorkflow(ctx, w))

	got, err := s.GetWorkflow(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(200), got.UpdatedAt)
	require.Equal(t, StatusSleeping, got.Status)
}

func TestInstanceStore_StepRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestInstanceStore(t)

	wakeAt := int64(12345)
	st := &StepRow{
		Name: "greet", Type: StepTypeDo, Status: StepStatusFailed,
		Attempts: 2, WakeAt: &wakeAt,
		RetryHistory: []RetryAttempt{{Attempt: 1, Error: "boom", Timestamp: 1, DurationMS: 5}},
	}
	require.NoError(t, s.UpsertStep(ctx, st))

	got, err := s.GetStep(ctx, "greet")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, int64(12345), *got.WakeAt)
	require.Len(t, got.RetryHistory, 1)
	require.Equal(t, "boom", got.RetryHistory[0].Error)
}

func TestInstanceStore_EventBuffer_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := openTestInstanceStore(t)

	require.NoError(t, s.BufferEvent(ctx, &EventBufferRow{Event: "approval", Payload: []byte(`{"approved":false}`), ReceivedAt: 1}))
	require.NoError(t, s.BufferEvent(ctx, &EventBufferRow{Event: "approval", Payload: []byte(`{"approved":true}`), ReceivedAt: 2}))

	got, err := s.GetBufferedEvent(ctx, "approval")
	require.NoError(t, err)
	require.JSONEq(t, `{"approved":true}`, string(got.Payload))

	require.NoError(t, s.ConsumeBufferedEvent(ctx, "approval"))
	got, err = s.GetBufferedEvent(ctx, "approval")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestInstanceStore_LiveMessages_OrderedBySeq(t *testing.T) {
	ctx := context.Background()
	s := openTestInstanceStore(t)

	_, err := s.AppendLiveMessage(ctx, "progress", []byte(`{"p":1}`), 1)
	require.NoError(t, err)
	_, err = s.AppendLiveMessage(ctx, "progress", []byte(`{"p":2}`), 2)
	require.NoError(t, err)

	msgs, err := s.ListLiveMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, int64(1), msgs[0].Seq)
	require.Equal(t, int64(2), msgs[1].Seq)
}

func TestShardStore_UpsertPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	s, err := OpenShardStore(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Upsert(ctx, &IndexEntryRow{ID: "i1", Status: "running", CreatedAt: 100, UpdatedAt: 100}))
	require.NoError(t, s.Upsert(ctx, &IndexEntryRow{ID: "i1", Status: "completed", CreatedAt: 999, UpdatedAt: 200}))

	entries, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(100), entries[0].CreatedAt, "created_at must be preserved on conflict")
	require.Equal(t, int64(200), entries[0].UpdatedAt)
	require.Equal(t, "completed", entries[0].Status)
}

func TestShardStore_ListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	s, err := OpenShardStore(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Upsert(ctx, &IndexEntryRow{ID: "a", Status: "running", CreatedAt: 1, UpdatedAt: 1}))
	require.NoError(t, s.Upsert(ctx, &IndexEntryRow{ID: "b", Status: "completed", CreatedAt: 1, UpdatedAt: 2}))

	entries, err := s.List(ctx, "completed", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b", entries[0].ID)
}
