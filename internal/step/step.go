// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package step implements the stateful per-replay object user workflow
// code calls into: do, sleep, sleepUntil, waitForEvent. It consults the
// persisted step cache before running native logic and throws the
// interrupt sentinels from package interrupt to suspend, per spec.md
// §4.3. The backoff arithmetic is grounded on the teacher's
// internal/controller/runner executeWithRetry loop; the copy-on-read
// discipline for returned results follows pkg/workflow/store.go.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/ablauf/internal/interrupt"
	"github.com/tombee/ablauf/internal/live"
	"github.com/tombee/ablauf/internal/storage"
	"github.com/tombee/ablauf/pkg/ablauferr"
	"github.com/tombee/ablauf/pkg/duration"
)

// Store is the subset of *storage.InstanceStore the step context needs.
// Expressed as an interface so tests can swap in a fake without an
// actual SQLite file.
type Store interface {
	GetStep(ctx context.Context, name string) (*storage.StepRow, error)
	ListSteps(ctx context.Context) ([]*storage.StepRow, error)
	UpsertStep(ctx context.Context, st *storage.StepRow) error
	GetBufferedEvent(ctx context.Context, event string) (*storage.EventBufferRow, error)
	ConsumeBufferedEvent(ctx context.Context, event string) error
}

// Clock returns the current time in ms epoch. Overridable in tests;
// defaults to the real wall clock.
type Clock func() int64

func realClock() int64 { return time.Now().UnixMilli() }

// Context is the per-replay-cycle step context. A fresh Context is
// built at the start of every replay() cycle (spec.md §4.4.3 step 3).
type Context struct {
	ctx     context.Context
	store   Store
	live    *live.Context
	clock   Clock
	defaults RetryConfig
	sizeLimit ResultSizeLimit

	used           map[string]bool
	runningTotal   int64
	firstExecFired bool
	onFirstExecution func()
}

// New builds a Context wired to storage, the workflow's retry defaults,
// its result size budget, the live context for this cycle, and the
// onFirstExecution hook that flips the live context out of replay mode.
func New(ctx context.Context, st Store, liveCtx *live.Context, defaults RetryConfig, sizeLimit ResultSizeLimit, onFirstExecution func()) (*Context, error) {
	c := &Context{
		ctx: ctx, store: st, live: liveCtx, clock: realClock,
		defaults: defaults, sizeLimit: sizeLimit,
		used: map[string]bool{}, onFirstExecution: onFirstExecution,
	}
	total, err := seedRunningTotal(ctx, st)
	if err != nil {
		return nil, err
	}
	c.runningTotal = total
	return c, nil
}

func seedRunningTotal(ctx context.Context, st Store) (int64, error) {
	steps, err := st.ListSteps(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range steps {
		if s.Type == storage.StepTypeDo && s.Status == storage.StepStatusCompleted {
			total += int64(len(s.Result))
		}
	}
	return total, nil
}

// WithClock overrides the context's clock, for deterministic tests.
func (c *Context) WithClock(clock Clock) *Context {
	c.clock = clock
	return c
}

func (c *Context) now() int64 { return c.clock() }

func (c *Context) markUsed(name, method string) error {
	if c.used[name] {
		return ablauferr.DuplicateStepName(method, name)
	}
	c.used[name] = true
	return nil
}

func (c *Context) fireFirstExecution() {
	if c.firstExecFired {
		return
	}
	c.firstExecFired = true
	if c.onFirstExecution != nil {
		c.onFirstExecution()
	}
}

// DoOption customizes a single do() call.
type DoOption func(*doOptions)

type doOptions struct {
	retries *RetryConfig
}

// WithRetries overrides the workflow-level retry defaults for this call.
func WithRetries(cfg RetryConfig) DoOption {
	return func(o *doOptions) { o.retries = &cfg }
}

// Do runs fn under the step cache protocol described in spec.md §4.3.
// T must be JSON-serializable; the zero value of T is returned alongside
// a non-nil error on every failure path.
func Do[T any](c *Context, name string, fn func() (T, error), opts ...DoOption) (T, error) {
	var zero T
	if err := c.markUsed(name, "do"); err != nil {
		return zero, err
	}

	o := doOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := c.defaults.Merge(o.retries)

	existing, err := c.store.GetStep(c.ctx, name)
	if err != nil {
		return zero, err
	}

	if existing != nil {
		switch existing.Status {
		case storage.StepStatusCompleted:
			var out T
			if len(existing.Result) > 0 {
				if err := json.Unmarshal(existing.Result, &out); err != nil {
					return zero, fmt.Errorf("step: decode cached result for %s: %w", name, err)
				}
			}
			return out, nil
		case storage.StepStatusSleeping:
			return zero, &interrupt.Sleep{Step: name, WakeAt: derefInt64(existing.WakeAt)}
		case storage.StepStatusWaiting:
			return zero, &interrupt.Wait{Step: name, TimeoutAt: existing.WakeAt}
		case storage.StepStatusRunning:
			return zero, c.recoverFromCrash(name, existing, cfg)
		case storage.StepStatusFailed:
			if existing.WakeAt != nil && *existing.WakeAt > c.now() {
				return zero, &interrupt.Sleep{Step: name, WakeAt: *existing.WakeAt}
			}
			// Retry delay has elapsed: fall through and execute the
			// next attempt.
		}
	}

	return executeTyped(c, name, existing, fn, cfg)
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// recoverFromCrash treats a row left in "running" status — the
// write-ahead hook's crash-recovery signal — exactly like a failed
// attempt of the same index (spec.md §4.4.4).
func (c *Context) recoverFromCrash(name string, existing *storage.StepRow, cfg RetryConfig) error {
	history := append(append([]storage.RetryAttempt{}, existing.RetryHistory...), storage.RetryAttempt{
		Attempt:   existing.Attempts,
		Error:     "Loss of isolate",
		Timestamp: c.now(),
	})
	return c.failOrRetry(name, existing.Attempts, history, "Loss of isolate", "", false, cfg, existing.StartedAt)
}

// executeTyped runs fn, handling the write-ahead row, success path, and
// failure/retry decision. It is the generic engine behind Do; kept
// separate from Do's signature so the non-generic bookkeeping (history,
// persistence) isn't duplicated per instantiation.
func executeTyped[T any](c *Context, name string, existing *storage.StepRow, fn func() (T, error), cfg RetryConfig) (T, error) {
	var zero T
	attempts := 0
	var history []storage.RetryAttempt
	if existing != nil {
		attempts = existing.Attempts
		history = existing.RetryHistory
	}
	attempts++

	startedAt := c.now()
	if err := c.store.UpsertStep(c.ctx, &storage.StepRow{
		Name: name, Type: storage.StepTypeDo, Status: storage.StepStatusRunning,
		Attempts: attempts, StartedAt: &startedAt, RetryHistory: history,
	}); err != nil {
		return zero, err
	}

	c.fireFirstExecution()

	result, err := fn()
	completedAt := c.now()
	durationMS := completedAt - startedAt

	if err == nil {
		encoded, encErr := json.Marshal(result)
		if encErr != nil {
			err = fmt.Errorf("step: encode result for %s: %w", name, encErr)
		} else if c.runningTotal+int64(len(encoded)) > c.sizeLimit.MaxSize {
			if c.sizeLimit.OnOverflow == OverflowRetry {
				err = fmt.Errorf("step %q result size limit exceeded (retriable)", name)
			} else {
				err = ablauferr.MarkNonRetriable(ablauferr.ResultSizeExceeded(name, c.sizeLimit.MaxSize))
			}
		} else {
			c.runningTotal += int64(len(encoded))
			if upErr := c.store.UpsertStep(c.ctx, &storage.StepRow{
				Name: name, Type: storage.StepTypeDo, Status: storage.StepStatusCompleted,
				Result: encoded, Attempts: attempts, StartedAt: &startedAt, CompletedAt: &completedAt,
				DurationMS: &durationMS, RetryHistory: history,
			}); upErr != nil {
				return zero, upErr
			}
			return result, nil
		}
	}

	ierr := c.failOrRetry(name, attempts, appendHistory(history, attempts, err, completedAt, durationMS), err.Error(), "", ablauferr.IsNonRetriable(err), cfg, &startedAt)
	return zero, ierr
}

func appendHistory(history []storage.RetryAttempt, attempt int, err error, ts, durationMS int64) []storage.RetryAttempt {
	return append(append([]storage.RetryAttempt{}, history...), storage.RetryAttempt{
		Attempt: attempt, Error: err.Error(), Timestamp: ts, DurationMS: durationMS,
	})
}

// failOrRetry persists the failed step row and returns either a
// retriable SleepInterrupt or a StepRetryExhausted envelope, following
// spec.md §4.3's retry-or-exhaust decision.
func (c *Context) failOrRetry(name string, attempts int, history []storage.RetryAttempt, errMsg, errStack string, nonRetriable bool, cfg RetryConfig, startedAt *int64) error {
	exhausted := nonRetriable || attempts >= cfg.Limit

	row := &storage.StepRow{
		Name: name, Type: storage.StepTypeDo, Status: storage.StepStatusFailed,
		Attempts: attempts, StartedAt: startedAt, RetryHistory: history,
	}
	msg := errMsg
	row.Error = &msg
	if errStack != "" {
		row.ErrorStack = &errStack
	}

	if exhausted {
		if err := c.store.UpsertStep(c.ctx, row); err != nil {
			return err
		}
		return ablauferr.StepRetryExhausted(name, attempts, errMsg)
	}

	delayMS, err := WakeDelayMillis(cfg, attempts)
	if err != nil {
		return err
	}
	wakeAt := c.now() + delayMS
	row.WakeAt = &wakeAt
	if err := c.store.UpsertStep(c.ctx, row); err != nil {
		return err
	}
	return &interrupt.Sleep{Step: name, WakeAt: wakeAt}
}

// Sleep suspends the workflow for the given duration literal.
func (c *Context) Sleep(name, durationLiteral string) error {
	if err := c.markUsed(name, "sleep"); err != nil {
		return err
	}
	existing, err := c.store.GetStep(c.ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		switch existing.Status {
		case storage.StepStatusCompleted:
			return nil
		case storage.StepStatusSleeping:
			return &interrupt.Sleep{Step: name, WakeAt: derefInt64(existing.WakeAt)}
		}
	}

	ms, err := duration.ParseMillis(durationLiteral)
	if err != nil {
		return err
	}
	return c.insertSleeping(name, storage.StepTypeSleep, c.now()+ms)
}

// SleepUntil suspends the workflow until the given absolute time.
func (c *Context) SleepUntil(name string, at time.Time) error {
	if err := c.markUsed(name, "sleepUntil"); err != nil {
		return err
	}
	existing, err := c.store.GetStep(c.ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		switch existing.Status {
		case storage.StepStatusCompleted:
			return nil
		case storage.StepStatusSleeping:
			return &interrupt.Sleep{Step: name, WakeAt: derefInt64(existing.WakeAt)}
		}
	}
	return c.insertSleeping(name, storage.StepTypeSleepUntil, at.UnixMilli())
}

func (c *Context) insertSleeping(name string, typ storage.StepType, wakeAt int64) error {
	startedAt := c.now()
	if err := c.store.UpsertStep(c.ctx, &storage.StepRow{
		Name: name, Type: typ, Status: storage.StepStatusSleeping, WakeAt: &wakeAt, StartedAt: &startedAt,
	}); err != nil {
		return err
	}
	return &interrupt.Sleep{Step: name, WakeAt: wakeAt}
}

// WaitOptions customizes a waitForEvent call.
type WaitOptions struct {
	// Timeout is a duration literal; empty means unlimited.
	Timeout string
	// Validate, if set, is run against the raw JSON payload before it
	// is accepted — the event's registered schema validator.
	Validate func([]byte) error
}

// WaitForEvent suspends the workflow until event name is delivered (or,
// with opts.Timeout set, until the deadline passes).
func WaitForEvent[T any](c *Context, name string, opts WaitOptions) (T, error) {
	var zero T
	if err := c.markUsed(name, "waitForEvent"); err != nil {
		return zero, err
	}

	existing, err := c.store.GetStep(c.ctx, name)
	if err != nil {
		return zero, err
	}
	if existing != nil {
		switch existing.Status {
		case storage.StepStatusCompleted:
			var out T
			if len(existing.Result) > 0 {
				if err := json.Unmarshal(existing.Result, &out); err != nil {
					return zero, err
				}
			}
			return out, nil
		case storage.StepStatusFailed:
			if existing.Error != nil {
				if env := ablauferr.Parse(*existing.Error); env != nil {
					return zero, env
				}
				return zero, fmt.Errorf("%s", *existing.Error)
			}
			return zero, ablauferr.EventTimeout(name)
		case storage.StepStatusWaiting:
			return zero, &interrupt.Wait{Step: name, TimeoutAt: existing.WakeAt}
		}
	}

	buffered, err := c.store.GetBufferedEvent(c.ctx, name)
	if err != nil {
		return zero, err
	}
	if buffered != nil {
		if opts.Validate != nil {
			if err := opts.Validate(buffered.Payload); err != nil {
				return zero, ablauferr.EventInvalid(name, err.Error())
			}
		}
		var out T
		if len(buffered.Payload) > 0 {
			if err := json.Unmarshal(buffered.Payload, &out); err != nil {
				return zero, err
			}
		}
		if err := c.store.ConsumeBufferedEvent(c.ctx, name); err != nil {
			return zero, err
		}
		now := c.now()
		if err := c.store.UpsertStep(c.ctx, &storage.StepRow{
			Name: name, Type: storage.StepTypeWaitForEvent, Status: storage.StepStatusCompleted,
			Result: buffered.Payload, StartedAt: &now, CompletedAt: &now,
		}); err != nil {
			return zero, err
		}
		return out, nil
	}

	var timeoutAt *int64
	if opts.Timeout != "" {
		ms, err := duration.ParseMillis(opts.Timeout)
		if err != nil {
			return zero, err
		}
		t := c.now() + ms
		timeoutAt = &t
	}
	now := c.now()
	if err := c.store.UpsertStep(c.ctx, &storage.StepRow{
		Name: name, Type: storage.StepTypeWaitForEvent, Status: storage.StepStatusWaiting,
		WakeAt: timeoutAt, StartedAt: &now,
	}); err != nil {
		return zero, err
	}
	return zero, &interrupt.Wait{Step: name, TimeoutAt: timeoutAt}
}
