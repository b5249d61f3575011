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

// Package runner implements the per-instance workflow actor of spec.md
// §4.4: the RPC surface (initialize/getStatus/deliverEvent/pause/
// resume/terminate/connectLive), the alarm handler, and replay() — the
// idempotent re-execution that drives a workflow forward. Every public
// method except ConnectLive serializes through the actor's
// actorhost.Mailbox, matching the single-writer invariant spec.md §5
// requires; ConnectLive reads persisted updates and subscribes without
// entering the mailbox. The mutex-guarded
// snapshot style is grounded on the teacher's
// internal/controller/runner/state_manager.go.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/ablauf/internal/actorhost"
	"github.com/tombee/ablauf/internal/interrupt"
	"github.com/tombee/ablauf/internal/live"
	alog "github.com/tombee/ablauf/internal/log"
	"github.com/tombee/ablauf/internal/observability"
	"github.com/tombee/ablauf/internal/step"
	"github.com/tombee/ablauf/internal/storage"
	"github.com/tombee/ablauf/pkg/ablauferr"
)

// Clock returns the current wall-clock time; overridable in tests.
type Clock func() time.Time

// Runner is one workflow instance actor.
type Runner struct {
	mailboxName string
	store       *storage.InstanceStore
	host        actorhost.Host
	registry    *Registry
	provider    observability.Provider
	logger      *slog.Logger
	clock       Clock

	mu        sync.Mutex
	liveCtx   *live.Context
	liveBuilt bool
}

// New builds a Runner over an already-open InstanceStore. mailboxName is
// the actorhost name this instance is addressed by — conventionally the
// workflow id. logger is this process's base logger; a nil logger gets
// internal/log's default.
func New(mailboxName string, store *storage.InstanceStore, host actorhost.Host, registry *Registry, provider observability.Provider, logger *slog.Logger) *Runner {
	if provider == nil {
		provider = observability.Noop{}
	}
	if logger == nil {
		logger = alog.New(alog.DefaultConfig())
	}
	return &Runner{
		mailboxName: mailboxName,
		store:       store,
		host:        host,
		registry:    registry,
		provider:    provider,
		logger:      alog.WithComponent(logger, "runner"),
		clock:       time.Now,
	}
}

// WithClock overrides the runner's clock, for deterministic tests.
func (r *Runner) WithClock(c Clock) *Runner {
	r.clock = c
	return r
}

func (r *Runner) now() time.Time     { return r.clock() }
func (r *Runner) nowMillis() int64   { return r.now().UnixMilli() }

// InitializeRequest is the initialize() RPC's payload.
type InitializeRequest struct {
	Type    string
	ID      string
	Payload json.RawMessage
}

// Initialize is idempotent: if a workflow row already exists, it
// returns immediately without re-running anything (spec.md §4.4.1).
func (r *Runner) Initialize(ctx context.Context, req InitializeRequest) error {
	return r.host.Mailbox(r.mailboxName).Do(ctx, func(ctx context.Context) error {
		return r.doInitialize(ctx, req)
	})
}

func (r *Runner) doInitialize(ctx context.Context, req InitializeRequest) error {
	existing, err := r.store.GetWorkflow(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	now := r.nowMillis()
	wf := &storage.WorkflowRow{ID: req.ID, Type: req.Type, Payload: req.Payload, CreatedAt: now, UpdatedAt: now}

	def := r.registry.Lookup(req.Type)
	if def == nil {
		msg := ablauferr.TypeUnknown(req.Type).Marshal()
		wf.Status = storage.StatusErrored
		wf.Error = &msg
		if err := r.store.CreateWorkflow(ctx, wf); err != nil {
			return err
		}
		alog.WithInstanceContext(r.logger, req.ID, req.Type).Error("initialize: unregistered workflow type")
		r.reportStart(wf)
		r.reportStatus(wf, string(wf.Status))
		return nil
	}

	if def.InputValidator != nil {
		if _, verr := def.InputValidator.ValidateJSON(req.Payload); verr != nil {
			msg := ablauferr.PayloadValidation("payload", verr.Error()).Marshal()
			wf.Status = storage.StatusErrored
			wf.Error = &msg
			if err := r.store.CreateWorkflow(ctx, wf); err != nil {
				return err
			}
			r.reportStart(wf)
			r.reportStatus(wf, string(wf.Status))
			return nil
		}
	}

	wf.Status = storage.StatusRunning
	if err := r.store.CreateWorkflow(ctx, wf); err != nil {
		return err
	}
	alog.WithInstanceContext(r.logger, wf.ID, wf.Type).Info("workflow initialized")
	r.reportStart(wf)
	r.setSafetyAlarm()
	return r.replay(ctx)
}

// setSafetyAlarm arms the ~1s insurance alarm every RPC entry point
// sets, per spec.md §4.4.4: it guarantees the actor wakes at least once
// even if replay() crashes before computing a real alarm.
func (r *Runner) setSafetyAlarm() {
	r.host.SetAlarm(r.mailboxName, r.now().Add(time.Second), r.onAlarm)
}

func (r *Runner) clearAlarm() {
	r.host.SetAlarm(r.mailboxName, time.Time{}, r.onAlarm)
}

// StepView is one step's status as returned by GetStatus.
type StepView struct {
	Name         string
	Type         string
	Status       string
	Result       json.RawMessage
	Error        string
	Attempts     int
	WakeAt       *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DurationMS   *int64
	RetryHistory []storage.RetryAttempt
}

// Status is the full snapshot returned by GetStatus.
type Status struct {
	ID        string
	Type      string
	Status    string
	Paused    bool
	Payload   json.RawMessage
	Result    json.RawMessage
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Steps     []StepView
}

// GetStatus returns the full instance snapshot: the workflow row plus
// every step row, decoded. Domain errors recorded on the workflow or a
// step are already persisted as their serialized envelope, so they
// survive being read back here unchanged.
func (r *Runner) GetStatus(ctx context.Context) (*Status, error) {
	var out *Status
	err := r.host.Mailbox(r.mailboxName).Do(ctx, func(ctx context.Context) error {
		wf, err := r.store.GetWorkflow(ctx)
		if err != nil {
			return err
		}
		if wf == nil {
			return ablauferr.NotFound(r.mailboxName)
		}
		steps, err := r.store.ListSteps(ctx)
		if err != nil {
			return err
		}
		sort.Slice(steps, func(i, j int) bool {
			return startedAtOrZero(steps[i]) < startedAtOrZero(steps[j])
		})

		s := &Status{
			ID: wf.ID, Type: wf.Type, Status: string(wf.Status), Paused: wf.Paused,
			Payload: wf.Payload, Result: wf.Result,
			CreatedAt: time.UnixMilli(wf.CreatedAt), UpdatedAt: time.UnixMilli(wf.UpdatedAt),
		}
		if wf.Error != nil {
			s.Error = *wf.Error
		}
		for _, st := range steps {
			sv := StepView{
				Name: st.Name, Type: string(st.Type), Status: string(st.Status),
				Result: st.Result, Attempts: st.Attempts, RetryHistory: st.RetryHistory,
			}
			if st.Error != nil {
				sv.Error = *st.Error
			}
			if st.WakeAt != nil {
				t := time.UnixMilli(*st.WakeAt)
				sv.WakeAt = &t
			}
			if st.StartedAt != nil {
				t := time.UnixMilli(*st.StartedAt)
				sv.StartedAt = &t
			}
			if st.CompletedAt != nil {
				t := time.UnixMilli(*st.CompletedAt)
				sv.CompletedAt = &t
			}
			sv.DurationMS = st.DurationMS
			s.Steps = append(s.Steps, sv)
		}
		out = s
		return nil
	})
	return out, err
}

func startedAtOrZero(st *storage.StepRow) int64 {
	if st.StartedAt == nil {
		return 0
	}
	return *st.StartedAt
}

// DeliverEvent implements spec.md §4.4.1's deliverEvent RPC.
func (r *Runner) DeliverEvent(ctx context.Context, event string, payload json.RawMessage) error {
	return r.host.Mailbox(r.mailboxName).Do(ctx, func(ctx context.Context) error {
		return r.doDeliverEvent(ctx, event, payload)
	})
}

func (r *Runner) doDeliverEvent(ctx context.Context, event string, payload json.RawMessage) error {
	wf, err := r.store.GetWorkflow(ctx)
	if err != nil {
		return err
	}
	if wf == nil {
		return ablauferr.NotFound(r.mailboxName)
	}

	def := r.registry.Lookup(wf.Type)
	var validator interface{ ValidateJSON([]byte) (any, error) }
	if def != nil {
		if v, ok := def.EventValidators[event]; ok {
			validator = v
		}
	}
	if validator == nil {
		return ablauferr.EventInvalid(event, "no schema registered for this event")
	}
	if _, err := validator.ValidateJSON(payload); err != nil {
		return ablauferr.EventInvalid(event, err.Error())
	}

	existing, err := r.store.GetStep(ctx, event)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == storage.StepStatusWaiting {
		now := r.nowMillis()
		existing.Status = storage.StepStatusCompleted
		existing.Result = payload
		existing.CompletedAt = &now
		existing.WakeAt = nil
		if err := r.store.UpsertStep(ctx, existing); err != nil {
			return err
		}
		r.setSafetyAlarm()
		return r.replay(ctx)
	}

	if storage.Status(wf.Status).IsTerminal() {
		return ablauferr.WorkflowNotRunning(wf.ID, string(wf.Status))
	}

	return r.store.BufferEvent(ctx, &storage.EventBufferRow{Event: event, Payload: payload, ReceivedAt: r.nowMillis()})
}

// Pause implements spec.md §4.4.1's pause RPC.
func (r *Runner) Pause(ctx context.Context) error {
	return r.host.Mailbox(r.mailboxName).Do(ctx, func(ctx context.Context) error {
		wf, err := r.store.GetWorkflow(ctx)
		if err != nil {
			return err
		}
		if wf == nil {
			return ablauferr.NotFound(r.mailboxName)
		}
		wf.Paused = true
		wf.Status = storage.StatusPaused
		wf.UpdatedAt = r.nowMillis()
		if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		r.reportStatus(wf, string(wf.Status))
		return nil
	})
}

// Resume implements spec.md §4.4.1's resume RPC.
func (r *Runner) Resume(ctx context.Context) error {
	return r.host.Mailbox(r.mailboxName).Do(ctx, func(ctx context.Context) error {
		wf, err := r.store.GetWorkflow(ctx)
		if err != nil {
			return err
		}
		if wf == nil {
			return ablauferr.NotFound(r.mailboxName)
		}
		wf.Paused = false
		wf.Status = storage.StatusRunning
		wf.UpdatedAt = r.nowMillis()
		if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		r.setSafetyAlarm()
		return r.replay(ctx)
	})
}

// Terminate implements spec.md §4.4.1's terminate RPC: the graceful
// cancellation path. It does not attempt to unwind any in-flight step
// body — the next replay (there won't be one) would have observed the
// terminal status and returned early; terminate short-circuits that by
// never calling replay() at all.
func (r *Runner) Terminate(ctx context.Context) error {
	return r.host.Mailbox(r.mailboxName).Do(ctx, func(ctx context.Context) error {
		wf, err := r.store.GetWorkflow(ctx)
		if err != nil {
			return err
		}
		if wf == nil {
			return ablauferr.NotFound(r.mailboxName)
		}
		r.clearAlarm()
		if err := r.store.ClearEventBuffer(ctx); err != nil {
			return err
		}
		wf.Status = storage.StatusTerminated
		wf.UpdatedAt = r.nowMillis()
		if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		r.ensureLive(r.registry.Lookup(wf.Type)).Close(live.CloseNormal)
		r.reportStatus(wf, string(wf.Status))
		return nil
	})
}

// ConnectLive upgrades the caller to a live-update subscriber: every
// persisted sse_messages row is replayed first, then the sink joins the
// live set until closed (spec.md §4.5).
func (r *Runner) ConnectLive(ctx context.Context, sink live.Sink) (func(), error) {
	wf, err := r.store.GetWorkflow(ctx)
	if err != nil {
		return nil, err
	}
	var def *Definition
	if wf != nil {
		def = r.registry.Lookup(wf.Type)
	}
	lc := r.ensureLive(def)
	return lc.Subscribe(sink, func() ([]live.Frame, error) {
		rows, err := r.store.ListLiveMessages(ctx)
		if err != nil {
			return nil, err
		}
		frames := make([]live.Frame, len(rows))
		for i, row := range rows {
			frames[i] = live.Frame{Kind: live.FrameUpdate, Event: row.Event, Data: row.Data}
		}
		return frames, nil
	})
}

// ensureLive lazily builds the instance's long-lived live context: a
// real one if def declares SSE update schemas, Noop otherwise. It is
// built once and reused across every replay() cycle (unlike the step
// context, which is rebuilt fresh every cycle).
func (r *Runner) ensureLive(def *Definition) *live.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.liveBuilt {
		return r.liveCtx
	}
	r.liveBuilt = true
	if def == nil || !def.HasSSEUpdates() {
		r.liveCtx = live.Noop()
		return r.liveCtx
	}
	r.liveCtx = live.New(func(event string, data []byte) (int64, error) {
		return r.store.AppendLiveMessage(context.Background(), event, data, r.nowMillis())
	})
	return r.liveCtx
}

// onAlarm is the AlarmFunc registered with the host. It re-acquires the
// actor's mailbox so alarm-driven work is serialized against RPCs, per
// actorhost.Host's single-writer contract.
func (r *Runner) onAlarm(ctx context.Context) error {
	return r.host.Mailbox(r.mailboxName).Do(ctx, r.handleAlarm)
}

// handleAlarm implements spec.md §4.4.2.
func (r *Runner) handleAlarm(ctx context.Context) error {
	wf, err := r.store.GetWorkflow(ctx)
	if err != nil {
		return err
	}
	if wf == nil {
		return nil
	}
	if storage.Status(wf.Status).IsTerminal() {
		return nil
	}

	now := r.nowMillis()
	pending, err := r.store.ListPendingSteps(ctx)
	if err != nil {
		return err
	}
	for _, st := range pending {
		if st.WakeAt == nil || *st.WakeAt > now {
			continue
		}
		switch st.Status {
		case storage.StepStatusSleeping:
			st.Status = storage.StepStatusCompleted
			st.CompletedAt = &now
			st.WakeAt = nil
			if err := r.store.UpsertStep(ctx, st); err != nil {
				return err
			}
		case storage.StepStatusWaiting:
			msg := ablauferr.EventTimeout(st.Name).Marshal()
			st.Status = storage.StepStatusFailed
			st.Error = &msg
			st.WakeAt = nil
			if err := r.store.UpsertStep(ctx, st); err != nil {
				return err
			}
			alog.WithStepContext(r.logger, wf.ID, st.Name).Warn("waitForEvent timed out")
		}
	}

	remaining, err := r.store.ListPendingSteps(ctx)
	if err != nil {
		return err
	}
	var next *int64
	for _, st := range remaining {
		if st.WakeAt == nil {
			continue
		}
		if next == nil || *st.WakeAt < *next {
			next = st.WakeAt
		}
	}
	if next != nil {
		r.host.SetAlarm(r.mailboxName, time.UnixMilli(*next), r.onAlarm)
	} else {
		r.clearAlarm()
	}

	wf.Status = storage.StatusRunning
	wf.UpdatedAt = now
	if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	return r.replay(ctx)
}

// replay is the idempotent re-execution of spec.md §4.4.3. Callers must
// already hold the actor's mailbox.
func (r *Runner) replay(ctx context.Context) error {
	wf, err := r.store.GetWorkflow(ctx)
	if err != nil {
		return err
	}
	if wf == nil {
		return nil
	}

	def := r.registry.Lookup(wf.Type)
	if def == nil {
		msg := ablauferr.TypeUnknown(wf.Type).Marshal()
		wf.Status = storage.StatusErrored
		wf.Error = &msg
		wf.UpdatedAt = r.nowMillis()
		return r.store.UpdateWorkflow(ctx, wf)
	}

	liveCtx := r.ensureLive(def)
	liveCtx.SetReplay(true)

	if wf.Paused {
		wf.Status = storage.StatusPaused
		wf.UpdatedAt = r.nowMillis()
		return r.store.UpdateWorkflow(ctx, wf)
	}

	if def.InputValidator != nil {
		if _, verr := def.InputValidator.ValidateJSON(wf.Payload); verr != nil {
			return r.finishTerminal(ctx, wf, storage.StatusErrored, ablauferr.PayloadValidation("payload", verr.Error()), live.CloseUnexpected)
		}
	}

	var once sync.Once
	onFirstExecution := func() { once.Do(func() { liveCtx.SetReplay(false) }) }

	sctx, err := step.New(ctx, r.store, liveCtx, def.Defaults, def.SizeLimit, onFirstExecution)
	if err != nil {
		return err
	}

	result, runErr := def.Run(ctx, sctx, wf.Payload, liveCtx)

	switch {
	case runErr == nil:
		return r.finishCompleted(ctx, wf, result)
	case isInterrupt(runErr):
		return r.finishSuspended(ctx, wf, runErr)
	default:
		return r.finishTerminal(ctx, wf, storage.StatusErrored, runErr, live.CloseUnexpected)
	}
}

func isInterrupt(err error) bool {
	return interrupt.Is(err)
}

func (r *Runner) finishCompleted(ctx context.Context, wf *storage.WorkflowRow, result json.RawMessage) error {
	wf.Status = storage.StatusCompleted
	wf.Result = result
	wf.Error = nil
	wf.UpdatedAt = r.nowMillis()
	if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	if err := r.store.ClearEventBuffer(ctx); err != nil {
		return err
	}
	r.ensureLive(r.registry.Lookup(wf.Type)).Close(live.CloseNormal)
	r.clearAlarm()
	r.reportStatus(wf, string(wf.Status))
	return nil
}

func (r *Runner) finishSuspended(ctx context.Context, wf *storage.WorkflowRow, interruptErr error) error {
	switch v := interruptErr.(type) {
	case *interrupt.Sleep:
		wf.Status = storage.StatusSleeping
		wf.UpdatedAt = r.nowMillis()
		if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		r.host.SetAlarm(r.mailboxName, time.UnixMilli(v.WakeAt), r.onAlarm)
	case *interrupt.Wait:
		wf.Status = storage.StatusWaiting
		wf.UpdatedAt = r.nowMillis()
		if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		if v.TimeoutAt != nil {
			r.host.SetAlarm(r.mailboxName, time.UnixMilli(*v.TimeoutAt), r.onAlarm)
		} else {
			r.clearAlarm()
		}
	case *interrupt.Pause:
		wf.Paused = true
		wf.Status = storage.StatusPaused
		wf.UpdatedAt = r.nowMillis()
		if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		r.clearAlarm()
	default:
		return fmt.Errorf("runner: unrecognized interrupt type %T", interruptErr)
	}
	r.reportStatus(wf, string(wf.Status))
	return nil
}

func (r *Runner) finishTerminal(ctx context.Context, wf *storage.WorkflowRow, status storage.Status, cause error, closeCode live.CloseCode) error {
	msg := cause.Error()
	if env, ok := cause.(*ablauferr.Envelope); ok {
		msg = env.Marshal()
	}
	alog.WithInstanceContext(r.logger, wf.ID, wf.Type).Error("workflow ended in terminal error", alog.Error(cause))
	wf.Status = status
	wf.Error = &msg
	wf.UpdatedAt = r.nowMillis()
	if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	if err := r.store.ClearEventBuffer(ctx); err != nil {
		return err
	}
	r.ensureLive(r.registry.Lookup(wf.Type)).Close(closeCode)
	r.clearAlarm()
	r.reportStatus(wf, string(wf.Status))
	return nil
}

func (r *Runner) reportStart(wf *storage.WorkflowRow) {
	c := r.provider.CreateCollector(wf.ID, wf.Type)
	r.provider.OnWorkflowStart(c, observability.WorkflowStartEvent{
		ID: wf.ID, Type: wf.Type, Payload: wf.Payload, Timestamp: time.UnixMilli(wf.CreatedAt),
	})
	r.host.RunInBackground(func(ctx context.Context) { r.provider.Flush(c, string(wf.Status)) })
}

func (r *Runner) reportStatus(wf *storage.WorkflowRow, reason string) {
	c := r.provider.CreateCollector(wf.ID, wf.Type)
	createdAt := time.UnixMilli(wf.CreatedAt)
	r.provider.OnWorkflowStatusChange(c, observability.WorkflowStatusChangeEvent{
		Status: string(wf.Status), CreatedAt: &createdAt, Timestamp: time.UnixMilli(wf.UpdatedAt),
		Result: wf.Result,
	})
	r.host.RunInBackground(func(ctx context.Context) { r.provider.Flush(c, reason) })
}
