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

// Package observability defines the pluggable sink a runner reports
// workflow and step lifecycle events to, batched per replay() cycle
// (spec.md §4.6). A cycle without a configured Provider never blocks on
// provider I/O — every call here is best-effort from the runner's point
// of view.
package observability

import "time"

// WorkflowStartEvent is reported once, the first time a given instance
// is initialized.
type WorkflowStartEvent struct {
	ID        string
	Type      string
	Payload   []byte
	Timestamp time.Time
}

// WorkflowStatusChangeEvent is reported whenever an instance's status
// field transitions.
type WorkflowStatusChangeEvent struct {
	Status    string
	CreatedAt *time.Time
	Timestamp time.Time
	Result    []byte
	Error     string
}

// StepStartEvent is reported the first time a named step begins
// executing (not on cache hits).
type StepStartEvent struct {
	StepName  string
	StepType  string
	Timestamp time.Time
}

// StepCompleteEvent is reported when a step's fn returns successfully.
type StepCompleteEvent struct {
	StepName  string
	StepType  string
	Result    []byte
	Duration  time.Duration
	Timestamp time.Time
}

// StepRetryEvent is reported every time a step attempt fails and a
// subsequent attempt is scheduled.
type StepRetryEvent struct {
	StepName    string
	Attempt     int
	Error       string
	ErrorStack  string
	NextRetryAt time.Time
	Timestamp   time.Time
}

// IndexEntry is one instance's projection as returned by the read-side
// listing calls, shared with the storage package's shard rows.
type IndexEntry struct {
	ID        string
	Type      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListFilters narrows a ListWorkflows call.
type ListFilters struct {
	Type   string
	Status string
	Limit  int
}

// TimelineEntry is one historical event in a workflow's timeline, as
// returned by the optional read-side GetWorkflowTimeline.
type TimelineEntry struct {
	Kind      string
	Detail    string
	Timestamp time.Time
}

// Collector accumulates the events of a single replay() cycle. Its
// concrete shape is owned by the Provider implementation; the runner
// only ever holds the opaque value CreateCollector returns and passes
// it back into the On*/Flush calls.
type Collector any

// Provider is the pluggable lifecycle sink. Implementations must be
// safe to call from a single actor's single-writer goroutine — no
// internal synchronization is required on the runner's behalf, though
// an implementation that fans out across actors (like shardsink) must
// synchronize itself.
type Provider interface {
	// CreateCollector starts a new batch for one replay() cycle.
	CreateCollector(id, typ string) Collector

	OnWorkflowStart(c Collector, ev WorkflowStartEvent)
	OnWorkflowStatusChange(c Collector, ev WorkflowStatusChangeEvent)
	OnStepStart(c Collector, ev StepStartEvent)
	OnStepComplete(c Collector, ev StepCompleteEvent)
	OnStepRetry(c Collector, ev StepRetryEvent)

	// Flush ends the cycle; reason is the workflow status that ended
	// it (e.g. "sleeping", "completed", "errored").
	Flush(c Collector, reason string)
}

// ReadSide is the optional query surface a Provider may additionally
// implement. Providers that only track write-side events (or that
// delegate listing to an external system) can skip it.
type ReadSide interface {
	ListWorkflows(filters ListFilters) ([]IndexEntry, error)
	GetWorkflowStatus(id string) (*IndexEntry, error)
	GetWorkflowTimeline(id string) ([]TimelineEntry, error)
}

// Noop is a Provider that discards every event; used when no
// observability backend is configured.
type Noop struct{}

func (Noop) CreateCollector(id, typ string) Collector                        { return struct{}{} }
func (Noop) OnWorkflowStart(Collector, WorkflowStartEvent)                   {}
func (Noop) OnWorkflowStatusChange(Collector, WorkflowStatusChangeEvent)     {}
func (Noop) OnStepStart(Collector, StepStartEvent)                          {}
func (Noop) OnStepComplete(Collector, StepCompleteEvent)                    {}
func (Noop) OnStepRetry(Collector, StepRetryEvent)                          {}
func (Noop) Flush(Collector, string)                                        {}
