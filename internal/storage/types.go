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

// Package storage is the persistence layer backing a single actor
// (either a workflow instance or an index shard). Each actor owns one
// SQLite database file; the schema and access patterns here are the
// direct analogue of the teacher's internal/controller/backend/sqlite
// package, narrowed to the tables spec.md §3 requires.
package storage

// Status is a WorkflowRow's lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusPaused    Status = "paused"
	StatusSleeping  Status = "sleeping"
	StatusWaiting   Status = "waiting"
	StatusTerminated Status = "terminated"
)

// IsTerminal reports whether s is one of the sticky terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusTerminated:
		return true
	default:
		return false
	}
}

// WorkflowRow is the single row describing an actor's own instance.
type WorkflowRow struct {
	ID        string
	Type      string
	Status    Status
	Paused    bool
	Payload   []byte
	Result    []byte // nullable
	Error     *string
	CreatedAt int64 // ms epoch
	UpdatedAt int64 // ms epoch
}

// StepType identifies what kind of step a StepRow records.
type StepType string

const (
	StepTypeDo          StepType = "do"
	StepTypeSleep       StepType = "sleep"
	StepTypeSleepUntil  StepType = "sleep_until"
	StepTypeWaitForEvent StepType = "wait_for_event"
)

// StepStatus is a StepRow's lifecycle state.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSleeping  StepStatus = "sleeping"
	StepStatusWaiting   StepStatus = "waiting"
)

// RetryAttempt is one entry in a StepRow's retryHistory.
type RetryAttempt struct {
	Attempt    int    `json:"attempt"`
	Error      string `json:"error"`
	ErrorStack string `json:"errorStack,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	DurationMS int64  `json:"durationMs"`
}

// StepRow is one named unit of work within an instance.
type StepRow struct {
	Name         string
	Type         StepType
	Status       StepStatus
	Result       []byte // nullable, non-null iff completed
	Error        *string
	Attempts     int
	WakeAt       *int64
	StartedAt    *int64
	CompletedAt  *int64
	DurationMS   *int64
	ErrorStack   *string
	RetryHistory []RetryAttempt
}

// EventBufferRow is a pending event delivery not yet consumed by a
// matching wait_for_event step.
type EventBufferRow struct {
	Event      string
	Payload    []byte
	ReceivedAt int64
}

// LiveMessageRow is a persisted (emit, not broadcast) live-update frame.
type LiveMessageRow struct {
	Seq       int64
	Event     string
	Data      []byte
	CreatedAt int64
}

// IndexEntryRow is one instance's projection inside an index shard.
type IndexEntryRow struct {
	ID        string
	Status    string
	CreatedAt int64
	UpdatedAt int64
}
