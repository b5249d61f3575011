package actorhost

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_SerializesCalls(t *testing.T) {
	h := NewLocal()
	mb := h.Mailbox("actor-1")

	var inFlight int32
	var maxObserved int32
	run := func() {
		cur := atomic.AddInt32(&inFlight, 1)
		if cur > atomic.LoadInt32(&maxObserved) {
			atomic.StoreInt32(&maxObserved, cur)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_ = mb.Do(context.Background(), func(ctx context.Context) error {
				run()
				return nil
			})
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	assert.LessOrEqual(t, atomic.LoadInt32(&maxObserved), int32(1))
}

func TestSetAlarm_FiresAtScheduledTime(t *testing.T) {
	h := NewLocal()
	fired := make(chan struct{})
	h.SetAlarm("actor-1", time.Now().Add(10*time.Millisecond), func(ctx context.Context) error {
		close(fired)
		return nil
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("alarm did not fire")
	}
}

func TestSetAlarm_ReplacesPrevious(t *testing.T) {
	h := NewLocal()
	var firstFired, secondFired int32
	h.SetAlarm("actor-1", time.Now().Add(5*time.Millisecond), func(ctx context.Context) error {
		atomic.AddInt32(&firstFired, 1)
		return nil
	})
	h.SetAlarm("actor-1", time.Now().Add(20*time.Millisecond), func(ctx context.Context) error {
		atomic.AddInt32(&secondFired, 1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&firstFired))
	assert.Equal(t, int32(1), atomic.LoadInt32(&secondFired))
}

func TestRunInBackground_DrainsOnShutdown(t *testing.T) {
	h := NewLocal()
	var ran int32
	h.RunInBackground(func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&ran, 1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}
