package step

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ablauf/internal/interrupt"
	"github.com/tombee/ablauf/internal/storage"
	"github.com/tombee/ablauf/pkg/ablauferr"
)

// fakeStore is an in-memory Store good enough to exercise step.Context
// without a real SQLite file.
type fakeStore struct {
	steps   map[string]*storage.StepRow
	buffer  map[string]*storage.EventBufferRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{steps: map[string]*storage.StepRow{}, buffer: map[string]*storage.EventBufferRow{}}
}

func (f *fakeStore) GetStep(ctx context.Context, name string) (*storage.StepRow, error) {
	return f.steps[name], nil
}

func (f *fakeStore) ListSteps(ctx context.Context) ([]*storage.StepRow, error) {
	out := make([]*storage.StepRow, 0, len(f.steps))
	for _, s := range f.steps {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) UpsertStep(ctx context.Context, st *storage.StepRow) error {
	f.steps[st.Name] = st
	return nil
}

func (f *fakeStore) GetBufferedEvent(ctx context.Context, event string) (*storage.EventBufferRow, error) {
	return f.buffer[event], nil
}

func (f *fakeStore) ConsumeBufferedEvent(ctx context.Context, event string) error {
	delete(f.buffer, event)
	return nil
}

func testRetryConfig() RetryConfig {
	return RetryConfig{Limit: 3, Delay: "10ms", Backoff: BackoffFixed}
}

func newTestContext(t *testing.T, st Store) *Context {
	t.Helper()
	c, err := New(context.Background(), st, nil, testRetryConfig(), DefaultResultSizeLimit(), nil)
	require.NoError(t, err)
	return c
}

// S1 (do part only): a completed do step is cached and not re-run.
func TestDo_HappyPath_CachesResult(t *testing.T) {
	st := newFakeStore()
	c := newTestContext(t, st)

	calls := 0
	out, err := Do(c, "fetch", func() (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 1, calls)

	// A second Context over the same store (simulating the next replay
	// cycle) must return the cached result without re-invoking fn.
	c2 := newTestContext(t, st)
	out2, err := Do(c2, "fetch", func() (string, error) {
		calls++
		return "should-not-run", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out2)
	assert.Equal(t, 1, calls, "cached step must not re-execute fn")
}

func TestSleep_ThrowsSleepInterrupt(t *testing.T) {
	st := newFakeStore()
	c := newTestContext(t, st)

	err := c.Sleep("cooldown", "1s")
	require.Error(t, err)
	var s *interrupt.Sleep
	require.ErrorAs(t, err, &s)
	assert.Equal(t, "cooldown", s.Step)
}

func TestSleep_CompletedIsNoop(t *testing.T) {
	st := newFakeStore()
	now := int64(1000)
	st.steps["cooldown"] = &storage.StepRow{Name: "cooldown", Type: storage.StepTypeSleep, Status: storage.StepStatusCompleted, StartedAt: &now}
	c := newTestContext(t, st)

	err := c.Sleep("cooldown", "1s")
	assert.NoError(t, err)
}

// S2: retry to success.
func TestDo_RetriesThenSucceeds(t *testing.T) {
	st := newFakeStore()
	c := newTestContext(t, st).WithClock(func() int64 { return 0 })

	attempt := 0
	_, err := Do(c, "flaky", func() (string, error) {
		attempt++
		if attempt < 2 {
			return "", errors.New("transient")
		}
		return "done", nil
	})
	// First attempt fails and is still retriable (limit 3): the step
	// context returns a Sleep interrupt for the caller's replay loop to
	// honor, it does not loop internally.
	require.Error(t, err)
	var s *interrupt.Sleep
	require.ErrorAs(t, err, &s)
	assert.Equal(t, 1, attempt)

	row := st.steps["flaky"]
	require.NotNil(t, row)
	assert.Equal(t, storage.StepStatusFailed, row.Status)
	assert.Len(t, row.RetryHistory, 1)

	// Simulate the wake-up: a fresh Context whose clock is past wakeAt.
	c2 := newTestContext(t, st).WithClock(func() int64 { return 10_000 })
	out, err := Do(c2, "flaky", func() (string, error) {
		attempt++
		if attempt < 2 {
			return "", errors.New("transient")
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	st := newFakeStore()
	c := newTestContext(t, st).WithClock(func() int64 { return 0 })
	cfg := RetryConfig{Limit: 1, Delay: "1ms", Backoff: BackoffFixed}

	_, err := Do(c, "always-fails", func() (string, error) {
		return "", errors.New("boom")
	}, WithRetries(cfg))
	require.Error(t, err)
	var env *ablauferr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, ablauferr.StepRetryExhaustedCode, env.Code)
}

func TestDo_NonRetriableFailsImmediately(t *testing.T) {
	st := newFakeStore()
	c := newTestContext(t, st)

	_, err := Do(c, "fatal", func() (string, error) {
		return "", ablauferr.MarkNonRetriable(errors.New("unrecoverable"))
	})
	require.Error(t, err)
	var env *ablauferr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, ablauferr.StepRetryExhaustedCode, env.Code)

	row := st.steps["fatal"]
	require.NotNil(t, row)
	assert.Equal(t, 1, row.Attempts, "non-retriable failure must not consume more than one attempt")
}

// S4: crash recovery — a row left "running" is treated as a failed
// attempt with a synthetic "Loss of isolate" history entry.
func TestDo_RecoversFromCrashedRunningRow(t *testing.T) {
	st := newFakeStore()
	startedAt := int64(500)
	st.steps["mid-flight"] = &storage.StepRow{
		Name: "mid-flight", Type: storage.StepTypeDo, Status: storage.StepStatusRunning,
		Attempts: 1, StartedAt: &startedAt,
	}
	c := newTestContext(t, st).WithClock(func() int64 { return 1000 })

	_, err := Do(c, "mid-flight", func() (string, error) {
		t.Fatal("fn must not be invoked during crash recovery")
		return "", nil
	})
	require.Error(t, err)
	var s *interrupt.Sleep
	require.ErrorAs(t, err, &s)

	row := st.steps["mid-flight"]
	require.Len(t, row.RetryHistory, 1)
	assert.Equal(t, "Loss of isolate", row.RetryHistory[0].Error)
	assert.Equal(t, storage.StepStatusFailed, row.Status)
}

// S5: result size overflow.
func TestDo_ResultSizeExceeded_Fails(t *testing.T) {
	st := newFakeStore()
	c, err := New(context.Background(), st, nil, testRetryConfig(), ResultSizeLimit{MaxSize: 4, OnOverflow: OverflowFail}, nil)
	require.NoError(t, err)

	_, err = Do(c, "big", func() (string, error) {
		return "way too long for the budget", nil
	})
	require.Error(t, err)
	var env *ablauferr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, ablauferr.StepRetryExhaustedCode, env.Code)
}

func TestDo_ResultSizeExceeded_SeededFromExistingSteps(t *testing.T) {
	st := newFakeStore()
	st.steps["prior"] = &storage.StepRow{
		Name: "prior", Type: storage.StepTypeDo, Status: storage.StepStatusCompleted,
		Result: []byte(`"0123456789"`),
	}
	c, err := New(context.Background(), st, nil, testRetryConfig(), ResultSizeLimit{MaxSize: 12, OnOverflow: OverflowFail}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), c.runningTotal)
}

// S6: duplicate step name.
func TestDo_DuplicateStepName_Rejected(t *testing.T) {
	st := newFakeStore()
	c := newTestContext(t, st)

	_, err := Do(c, "dup", func() (string, error) { return "a", nil })
	require.NoError(t, err)

	_, err = Do(c, "dup", func() (string, error) { return "b", nil })
	require.Error(t, err)
	var env *ablauferr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, ablauferr.ValidationErrorCode, env.Code)
}

func TestWaitForEvent_ConsumesBufferedEvent(t *testing.T) {
	st := newFakeStore()
	st.buffer["approved"] = &storage.EventBufferRow{Event: "approved", Payload: []byte(`{"ok":true}`)}
	c := newTestContext(t, st)

	type payload struct {
		OK bool `json:"ok"`
	}
	out, err := WaitForEvent[payload](c, "approved", WaitOptions{})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Nil(t, st.buffer["approved"], "buffered event must be consumed")
	assert.Equal(t, storage.StepStatusCompleted, st.steps["approved"].Status)
}

func TestWaitForEvent_NoBuffer_SuspendsWithWait(t *testing.T) {
	st := newFakeStore()
	c := newTestContext(t, st)

	_, err := WaitForEvent[map[string]any](c, "approved", WaitOptions{Timeout: "1h"})
	require.Error(t, err)
	var w *interrupt.Wait
	require.ErrorAs(t, err, &w)
	require.NotNil(t, w.TimeoutAt)
}
