package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ablauf/internal/actorhost"
	"github.com/tombee/ablauf/internal/live"
	"github.com/tombee/ablauf/internal/step"
	"github.com/tombee/ablauf/internal/storage"
)

func newTestRunner(t *testing.T, def *Definition) (*Runner, *storage.InstanceStore, *actorhost.Local) {
	t.Helper()
	st, err := storage.OpenInstanceStore(context.Background(), storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	host := actorhost.NewLocal()
	t.Cleanup(func() { _ = host.Shutdown(context.Background()) })

	reg := NewRegistry()
	if def != nil {
		require.NoError(t, reg.Register(def))
	}

	r := New("wf-1", st, host, reg, nil, nil)
	return r, st, host
}

func echoDefinition() *Definition {
	return &Definition{
		Type: "echo",
		Run: func(ctx context.Context, s *step.Context, payload json.RawMessage, lv *live.Context) (json.RawMessage, error) {
			return payload, nil
		},
	}
}

func TestInitialize_CompletesImmediatelyForPureFunction(t *testing.T) {
	r, st, _ := newTestRunner(t, echoDefinition())
	ctx := context.Background()

	require.NoError(t, r.Initialize(ctx, InitializeRequest{Type: "echo", ID: "wf-1", Payload: json.RawMessage(`{"x":1}`)}))

	wf, err := st.GetWorkflow(ctx)
	require.NoError(t, err)
	require.NotNil(t, wf)
	assert.Equal(t, storage.StatusCompleted, wf.Status)
	assert.JSONEq(t, `{"x":1}`, string(wf.Result))
}

func TestInitialize_IsIdempotent(t *testing.T) {
	r, st, _ := newTestRunner(t, echoDefinition())
	ctx := context.Background()

	require.NoError(t, r.Initialize(ctx, InitializeRequest{Type: "echo", ID: "wf-1", Payload: json.RawMessage(`{"x":1}`)}))
	require.NoError(t, r.Initialize(ctx, InitializeRequest{Type: "echo", ID: "wf-1", Payload: json.RawMessage(`{"x":999}`)}))

	wf, err := st.GetWorkflow(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(wf.Result), "second initialize must be a no-op")
}

func TestInitialize_UnknownTypeErrorsWithoutPanicking(t *testing.T) {
	r, st, _ := newTestRunner(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Initialize(ctx, InitializeRequest{Type: "missing", ID: "wf-1", Payload: json.RawMessage(`{}`)}))

	wf, err := st.GetWorkflow(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusErrored, wf.Status)
	require.NotNil(t, wf.Error)
}

func sleepDefinition() *Definition {
	return &Definition{
		Type: "napper",
		Run: func(ctx context.Context, s *step.Context, payload json.RawMessage, lv *live.Context) (json.RawMessage, error) {
			if err := s.Sleep("nap", "50ms"); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"done":true}`), nil
		},
	}
}

func TestSleep_SuspendsThenAlarmResumesAndCompletes(t *testing.T) {
	r, st, host := newTestRunner(t, sleepDefinition())
	_ = host
	ctx := context.Background()

	require.NoError(t, r.Initialize(ctx, InitializeRequest{Type: "napper", ID: "wf-1", Payload: json.RawMessage(`{}`)}))

	wf, err := st.GetWorkflow(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSleeping, wf.Status)

	require.Eventually(t, func() bool {
		wf, err := st.GetWorkflow(ctx)
		require.NoError(t, err)
		return wf.Status == storage.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeliverEvent_UnknownEventIsRejectedBeforeTouchingStorage(t *testing.T) {
	r, st, _ := newTestRunner(t, echoDefinition())
	ctx := context.Background()
	require.NoError(t, r.Initialize(ctx, InitializeRequest{Type: "echo", ID: "wf-1", Payload: json.RawMessage(`{}`)}))

	err := r.DeliverEvent(ctx, "approval", json.RawMessage(`{}`))
	require.Error(t, err, "echo declares no event schemas, so any event must be rejected")

	wf, gerr := st.GetWorkflow(ctx)
	require.NoError(t, gerr)
	assert.Equal(t, storage.StatusCompleted, wf.Status, "a rejected event must not disturb the workflow row")
}

func TestTerminate_MarksTerminalAndClearsAlarm(t *testing.T) {
	r, st, _ := newTestRunner(t, sleepDefinition())
	ctx := context.Background()

	require.NoError(t, r.Initialize(ctx, InitializeRequest{Type: "napper", ID: "wf-1", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, r.Terminate(ctx))

	wf, err := st.GetWorkflow(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusTerminated, wf.Status)
}

func TestPauseResume_RoundTrips(t *testing.T) {
	r, st, _ := newTestRunner(t, sleepDefinition())
	ctx := context.Background()

	require.NoError(t, r.Initialize(ctx, InitializeRequest{Type: "napper", ID: "wf-1", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, r.Pause(ctx))

	wf, err := st.GetWorkflow(ctx)
	require.NoError(t, err)
	assert.True(t, wf.Paused)
	assert.Equal(t, storage.StatusPaused, wf.Status)

	require.NoError(t, r.Resume(ctx))
	require.Eventually(t, func() bool {
		wf, err := st.GetWorkflow(ctx)
		require.NoError(t, err)
		return wf.Status == storage.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetStatus_NotFoundBeforeInitialize(t *testing.T) {
	r, _, _ := newTestRunner(t, echoDefinition())
	_, err := r.GetStatus(context.Background())
	require.Error(t, err)
}

func TestHandleAlarm_IgnoresTerminalWorkflow(t *testing.T) {
	r, st, _ := newTestRunner(t, echoDefinition())
	ctx := context.Background()
	require.NoError(t, r.Initialize(ctx, InitializeRequest{Type: "echo", ID: "wf-1", Payload: json.RawMessage(`{}`)}))

	wf, err := st.GetWorkflow(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, wf.Status)

	require.NoError(t, r.handleAlarm(ctx))

	wf2, err := st.GetWorkflow(ctx)
	require.NoError(t, err)
	assert.Equal(t, wf.UpdatedAt, wf2.UpdatedAt, "a terminal workflow must not be touched by a stray alarm")
}

func TestFinishSuspended_UnrecognizedInterruptIsAnError(t *testing.T) {
	r, st, _ := newTestRunner(t, echoDefinition())
	ctx := context.Background()
	require.NoError(t, r.Initialize(ctx, InitializeRequest{Type: "echo", ID: "wf-1", Payload: json.RawMessage(`{}`)}))
	wf, err := st.GetWorkflow(ctx)
	require.NoError(t, err)

	err = r.finishSuspended(ctx, wf, &unknownInterrupt{})
	require.Error(t, err)
}

type unknownInterrupt struct{}

func (unknownInterrupt) Error() string { return "interrupt: unknown" }
