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

// Package ablauf is the public facade: an Engine embedders construct
// once per process, and the Handle each started instance returns. This
// mirrors the teacher's split between a mutable internal Runner and the
// immutable RunSnapshot callers outside internal/controller/runner were
// actually handed.
package ablauf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tombee/ablauf/internal/actorhost"
	"github.com/tombee/ablauf/internal/live"
	alog "github.com/tombee/ablauf/internal/log"
	"github.com/tombee/ablauf/internal/observability"
	"github.com/tombee/ablauf/internal/runner"
	"github.com/tombee/ablauf/internal/tracing"
)

// Engine is the process-wide entry point: a registry of workflow
// definitions plus the storage/actor-host wiring spec.md §1 describes.
// Definitions must be registered before the first Start call for their
// type; registering after is safe but any instance already started
// under that type name will not retroactively pick it up.
type Engine struct {
	host actorhost.Host
	reg  *runner.Registry
	mgr  *runner.Manager
}

// Config controls how an Engine lays out its on-disk state.
type Config struct {
	// DataDir is the root directory instance and shard SQLite files are
	// written under.
	DataDir string
	// ShardCount is the number of index shards each workflow type's
	// instances are distributed across (pkg/shardhash).
	ShardCount int
	// Logger is the base logger every component derives its own
	// component-scoped child from via internal/log.WithComponent. A nil
	// Logger gets internal/log's default JSON-to-stderr logger.
	Logger *slog.Logger
	// Tracing controls the process-wide OpenTelemetry SDK backend. The
	// zero value registers a real TracerProvider with no span exporter
	// attached (internal/tracing.ExporterNone) plus a Prometheus-backed
	// MeterProvider.
	Tracing tracing.Config
}

// New builds an Engine with its own in-process actor host and an empty
// definition registry — call Registry() to register workflow types
// before starting any instance.
func New(cfg Config) *Engine {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = alog.New(alog.DefaultConfig())
	}

	// Global is idempotent per process: the first Engine constructed
	// registers the real TracerProvider/MeterProvider every otel.Tracer
	// and otel.Meter call in the process observes from then on; later
	// Engines (as in this package's own tests) reuse that registration
	// rather than each trying to register their own Prometheus reader.
	if _, err := tracing.Global(context.Background(), cfg.Tracing); err != nil {
		cfg.Logger.Error("tracing: falling back to the unregistered no-op provider", alog.Error(err))
	}

	host := actorhost.NewLocal()
	reg := runner.NewRegistry()
	mgr := runner.NewManager(host, reg, cfg.DataDir, cfg.ShardCount, cfg.Logger)
	return &Engine{host: host, reg: reg, mgr: mgr}
}

// Registry returns the definition registry workflow types are
// registered into, typically via pkg/definition.Definition[P].Register.
func (e *Engine) Registry() *runner.Registry { return e.reg }

// Provider returns the observability backend every instance reports to.
func (e *Engine) Provider() observability.Provider { return e.mgr.Provider() }

// Start initializes a new workflow instance of the given type under id
// and returns a Handle to it. Per spec.md §4.4.1, a second Start with
// the same id is a no-op that returns a Handle to the existing
// instance rather than an error. An empty id gets a generated UUID,
// for callers that don't need a caller-chosen instance name.
func (e *Engine) Start(ctx context.Context, typ, id string, payload any) (*Handle, error) {
	if id == "" {
		id = uuid.NewString()
	}
	r, err := e.mgr.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ablauf: encode payload: %w", err)
	}
	if err := r.Initialize(ctx, runner.InitializeRequest{Type: typ, ID: id, Payload: encoded}); err != nil {
		return nil, err
	}
	return &Handle{id: id, r: r}, nil
}

// Handle returns a Handle to the instance addressed by id, without
// requiring it already exist — the returned Handle's Status call fails
// with a WORKFLOW_NOT_FOUND error if it doesn't.
func (e *Engine) Handle(ctx context.Context, id string) (*Handle, error) {
	r, err := e.mgr.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Handle{id: id, r: r}, nil
}

// Shutdown cancels pending alarms, waits for running alarm callbacks and
// background tasks, then closes every opened instance store. The process-wide tracing backend
// (internal/tracing.Global) outlives any one Engine and is not touched
// here — an embedder that wants it flushed calls tracing.Global's
// Provider.Shutdown itself once, at real process exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.host.Shutdown(ctx); err != nil {
		return err
	}
	return e.mgr.Close()
}

// Handle is the external, caller-facing view of one workflow instance.
type Handle struct {
	id string
	r  *runner.Runner
}

// ID returns the instance id this Handle addresses.
func (h *Handle) ID() string { return h.id }

// Status returns the instance's full snapshot.
func (h *Handle) Status(ctx context.Context) (*runner.Status, error) {
	return h.r.GetStatus(ctx)
}

// DeliverEvent delivers an external event to the instance, buffering it
// if no matching waitForEvent step is currently suspended.
func (h *Handle) DeliverEvent(ctx context.Context, event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ablauf: encode event payload: %w", err)
	}
	return h.r.DeliverEvent(ctx, event, encoded)
}

// Pause suspends the instance indefinitely until Resume is called.
func (h *Handle) Pause(ctx context.Context) error { return h.r.Pause(ctx) }

// Resume clears a pause and re-drives the instance forward.
func (h *Handle) Resume(ctx context.Context) error { return h.r.Resume(ctx) }

// Terminate ends the instance immediately, marking it terminated.
func (h *Handle) Terminate(ctx context.Context) error { return h.r.Terminate(ctx) }

// ConnectLive subscribes sink to the instance's live-update stream,
// first replaying any persisted updates. The returned func unsubscribes.
func (h *Handle) ConnectLive(ctx context.Context, sink live.Sink) (func(), error) {
	return h.r.ConnectLive(ctx, sink)
}
