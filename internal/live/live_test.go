package live

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcast_NoopDuringReplay(t *testing.T) {
	ctx := New(nil)
	sink := make(ChanSink, 1)
	_, err := ctx.Subscribe(sink, func() ([]Frame, error) { return nil, nil })
	require.NoError(t, err)

	require.NoError(t, ctx.Broadcast("progress", map[string]any{"pct": 50}))
	select {
	case <-sink:
		t.Fatal("broadcast must be suppressed during replay")
	default:
	}
}

func TestBroadcast_DeliversOnceNotReplaying(t *testing.T) {
	ctx := New(nil)
	ctx.SetReplay(false)
	sink := make(ChanSink, 1)
	_, err := ctx.Subscribe(sink, func() ([]Frame, error) { return nil, nil })
	require.NoError(t, err)

	require.NoError(t, ctx.Broadcast("progress", map[string]any{"pct": 50}))
	f := <-sink
	assert.Equal(t, "progress", f.Event)
}

func TestEmit_PersistsOnlyWhenNotReplaying(t *testing.T) {
	var persisted int
	ctx := New(func(event string, data []byte) (int64, error) {
		persisted++
		return int64(persisted), nil
	})

	require.NoError(t, ctx.Emit("status", map[string]any{"ok": true}))
	assert.Equal(t, 0, persisted, "emit during replay must not persist")

	ctx.SetReplay(false)
	require.NoError(t, ctx.Emit("status", map[string]any{"ok": true}))
	assert.Equal(t, 1, persisted)
}

func TestSubscribe_ReplaysBacklogFirst(t *testing.T) {
	ctx := New(nil)
	sink := make(ChanSink, 4)
	backlog := []Frame{{Kind: FrameUpdate, Event: "a"}, {Kind: FrameUpdate, Event: "b"}}
	_, err := ctx.Subscribe(sink, func() ([]Frame, error) { return backlog, nil })
	require.NoError(t, err)

	f1 := <-sink
	f2 := <-sink
	assert.Equal(t, "a", f1.Event)
	assert.Equal(t, "b", f2.Event)
}

func TestClose_SendsCloseFrameAndClearsSubscribers(t *testing.T) {
	ctx := New(nil)
	sink := make(ChanSink, 1)
	_, err := ctx.Subscribe(sink, func() ([]Frame, error) { return nil, nil })
	require.NoError(t, err)

	ctx.Close(CloseNormal)
	f := <-sink
	assert.Equal(t, FrameClose, f.Kind)
	assert.Equal(t, CloseNormal, f.Code)
}

func TestNoop_SendsNoUpdateSchemaCloseImmediately(t *testing.T) {
	ctx := Noop()
	sink := make(ChanSink, 1)
	_, err := ctx.Subscribe(sink, func() ([]Frame, error) { return nil, nil })
	require.NoError(t, err)

	f := <-sink
	assert.Equal(t, FrameClose, f.Kind)
	assert.Equal(t, CloseNoUpdateSchema, f.Code)
}
