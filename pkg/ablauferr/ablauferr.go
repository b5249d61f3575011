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

// Package ablauferr defines the closed error-code catalogue and error
// envelope that crosses actor boundaries. Domain errors are typed Go
// structs, not sentinel values, so callers can carry structured detail
// (the offending field, the timed-out event name) while still
// satisfying the standard error interface.
package ablauferr

import (
	"encoding/json"
	"fmt"
)

// Code is one of the closed set of error codes carried in an Envelope.
type Code string

const (
	WorkflowNotFound      Code = "WORKFLOW_NOT_FOUND"
	WorkflowAlreadyExists Code = "WORKFLOW_ALREADY_EXISTS"
	WorkflowTypeUnknown   Code = "WORKFLOW_TYPE_UNKNOWN"
	ValidationErrorCode   Code = "VALIDATION_ERROR"
	StepFailed            Code = "STEP_FAILED"
	StepRetryExhaustedCode Code = "STEP_RETRY_EXHAUSTED"
	EventTimeoutCode       Code = "EVENT_TIMEOUT"
	UpdateTimeoutCode      Code = "UPDATE_TIMEOUT"
	EventInvalidCode       Code = "EVENT_INVALID"
	WorkflowNotRunningCode Code = "WORKFLOW_NOT_RUNNING"
	ResourceNotFound       Code = "RESOURCE_NOT_FOUND"
	ObservabilityDisabled  Code = "OBSERVABILITY_DISABLED"
	InternalError          Code = "INTERNAL_ERROR"
)

// Source identifies which layer raised the error.
type Source string

const (
	SourceAPI        Source = "api"
	SourceEngine     Source = "engine"
	SourceStep       Source = "step"
	SourceValidation Source = "validation"
)

// Envelope is the wire shape of a domain error: it is what crosses an
// actor boundary and is reconstructed on the other side.
type Envelope struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"status"`
	Source  Source         `json:"source"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Envelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Marshal encodes the envelope to JSON, the wire format every domain
// error uses when it crosses an actor boundary or is persisted as a
// workflow's error field.
func (e *Envelope) Marshal() string {
	b, err := json.Marshal(e)
	if err != nil {
		return e.Error()
	}
	return string(b)
}

// Parse attempts to reconstruct an Envelope from a peer's serialized
// message field. If s is not a JSON envelope, Parse returns nil — the
// caller should fall back to treating s as an opaque message.
func Parse(s string) *Envelope {
	var e Envelope
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil
	}
	if e.Code == "" {
		return nil
	}
	return &e
}

func New(code Code, status int, source Source, message string, details map[string]any) *Envelope {
	return &Envelope{Code: code, Message: message, Status: status, Source: source, Details: details}
}

// PayloadValidation constructs a VALIDATION_ERROR envelope for a
// decode/validate failure against a registered schema.
func PayloadValidation(path, reason string) *Envelope {
	return New(ValidationErrorCode, 400, SourceValidation, fmt.Sprintf("payload validation failed at %s: %s", path, reason), map[string]any{"path": path})
}

// EventInvalid constructs an EVENT_INVALID envelope: the event name is
// unknown, or its payload failed schema validation.
func EventInvalid(event, reason string) *Envelope {
	return New(EventInvalidCode, 400, SourceEngine, fmt.Sprintf("event %q invalid: %s", event, reason), map[string]any{"event": event})
}

// WorkflowNotRunning constructs a WORKFLOW_NOT_RUNNING envelope raised
// when an operation targets an instance already in a terminal state.
func WorkflowNotRunning(id, status string) *Envelope {
	return New(WorkflowNotRunningCode, 409, SourceEngine, fmt.Sprintf("workflow %q is not running (status=%s)", id, status), map[string]any{"id": id, "status": status})
}

// AlreadyExists constructs a WORKFLOW_ALREADY_EXISTS envelope. Per
// spec.md §4.4.1, initialize is idempotent and this is informational,
// never raised to the caller as a failure — kept for callers that want
// to distinguish "created" from "already existed" explicitly.
func AlreadyExists(id string) *Envelope {
	return New(WorkflowAlreadyExists, 200, SourceEngine, fmt.Sprintf("workflow %q already exists", id), map[string]any{"id": id})
}

// TypeUnknown constructs a WORKFLOW_TYPE_UNKNOWN envelope.
func TypeUnknown(typ string) *Envelope {
	return New(WorkflowTypeUnknown, 400, SourceEngine, fmt.Sprintf("unknown workflow type %q", typ), map[string]any{"type": typ})
}

// EventTimeout constructs an EVENT_TIMEOUT envelope for a wait_for_event
// step whose timeoutAt elapsed before a matching event arrived.
func EventTimeout(event string) *Envelope {
	return New(EventTimeoutCode, 408, SourceEngine, fmt.Sprintf("timed out waiting for event %q", event), map[string]any{"event": event})
}

// UpdateTimeout constructs an UPDATE_TIMEOUT envelope, mirroring
// EventTimeout for the live-update subscription path.
func UpdateTimeout(update string) *Envelope {
	return New(UpdateTimeoutCode, 408, SourceEngine, fmt.Sprintf("timed out waiting for update %q", update), map[string]any{"update": update})
}

// StepFailedError constructs a STEP_FAILED envelope for a non-exhausted
// step failure (one still eligible for retry).
func StepFailedError(step, cause string) *Envelope {
	return New(StepFailed, 500, SourceStep, fmt.Sprintf("step %q failed: %s", step, cause), map[string]any{"step": step})
}

// StepRetryExhausted constructs a STEP_RETRY_EXHAUSTED envelope raised
// when a step has exhausted its retry budget or thrown a NonRetriable
// failure.
func StepRetryExhausted(step string, attempts int, cause string) *Envelope {
	return New(StepRetryExhaustedCode, 500, SourceStep, fmt.Sprintf("step %q exhausted retries after %d attempts: %s", step, attempts, cause), map[string]any{"step": step, "attempts": attempts})
}

// NotFound constructs a WORKFLOW_NOT_FOUND envelope.
func NotFound(id string) *Envelope {
	return New(WorkflowNotFound, 404, SourceEngine, fmt.Sprintf("workflow %q not found", id), map[string]any{"id": id})
}

// Internal wraps an unexpected error as INTERNAL_ERROR.
func Internal(err error) *Envelope {
	return New(InternalError, 500, SourceEngine, err.Error(), nil)
}

// DuplicateStepName constructs a VALIDATION_ERROR envelope for a step
// name reused within the same instance (spec.md S6).
func DuplicateStepName(method, name string) *Envelope {
	return New(ValidationErrorCode, 400, SourceStep, fmt.Sprintf("Duplicate step name %q passed to %s", name, method), map[string]any{"step": name, "method": method})
}

// ResultSizeExceeded constructs a STEP_FAILED envelope for a result
// that would push the running total over the workflow's configured
// result-size budget.
func ResultSizeExceeded(step string, limit int64) *Envelope {
	return New(StepFailed, 500, SourceStep, fmt.Sprintf("step %q exceeded the workflow result size limit (%d bytes)", step, limit), map[string]any{"step": step, "limit": limit})
}

// NonRetriable is the marker interface a step body's error can satisfy
// to short-circuit retry and force the step straight to failed on the
// first attempt, per spec.md §4.3/§7.
type NonRetriable interface {
	error
	NonRetriable() bool
}

type nonRetriableError struct {
	cause error
}

func (e *nonRetriableError) Error() string    { return e.cause.Error() }
func (e *nonRetriableError) Unwrap() error    { return e.cause }
func (e *nonRetriableError) NonRetriable() bool { return true }

// MarkNonRetriable wraps err so that it satisfies NonRetriable.
func MarkNonRetriable(err error) error {
	return &nonRetriableError{cause: err}
}

// IsNonRetriable reports whether err (or anything it wraps) is flagged
// NonRetriable.
func IsNonRetriable(err error) bool {
	var nr NonRetriable
	return asNonRetriable(err, &nr)
}

func asNonRetriable(err error, target *NonRetriable) bool {
	for err != nil {
		if nr, ok := err.(NonRetriable); ok {
			*target = nr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
