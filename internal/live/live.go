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

// Package live implements the subscriber-facing channel a workflow uses
// to push ephemeral (broadcast) and persisted (emit) updates to
// connected clients, per spec.md §4.5. The wire framing this models
// (event name + encoded data, a closing sentinel frame) mirrors the
// teacher's SSE handler in internal/controller/api/events.go, but the
// transport itself — turning a Frame into an actual HTTP response — is
// an external collaborator's job; this package only manages the
// in-process fan-out.
package live

import (
	"encoding/json"
	"sync"
)

// CloseCode mirrors the small set of close reasons spec.md §6 defines
// for the live-update RPC surface.
type CloseCode int

const (
	CloseNormal         CloseCode = 1000
	CloseNoUpdateSchema CloseCode = 1008
	CloseUnexpected     CloseCode = 1011
)

// FrameKind distinguishes a regular update frame from the terminal
// close frame.
type FrameKind string

const (
	FrameUpdate FrameKind = "update"
	FrameClose  FrameKind = "close"
)

// Frame is one message delivered to a subscriber.
type Frame struct {
	Kind  FrameKind
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Code  CloseCode       `json:"code,omitempty"`
}

// Sink is anything a Frame can be delivered to. A subscriber channel,
// an SSE response writer adapter, or a test spy all implement it.
type Sink interface {
	Send(Frame) error
}

// ChanSink adapts a buffered channel of Frame into a Sink, the shape
// connectLive hands back to external callers.
type ChanSink chan Frame

func (c ChanSink) Send(f Frame) error {
	select {
	case c <- f:
		return nil
	default:
		return errFull
	}
}

var errFull = sinkFullError{}

type sinkFullError struct{}

func (sinkFullError) Error() string { return "live: subscriber channel full" }

// Context is the per-instance live-update context. Unlike the step
// context, it is long-lived: one Context is built when the runner first
// loads an instance and persists across replay() cycles, since its
// subscriber channels represent live connections that outlive any
// single cycle. replay() calls SetReplay(true) at the start of every
// cycle; the step context's onFirstExecution hook flips it back to
// false once an uncached step actually executes.
type Context struct {
	mu          sync.Mutex
	subscribers map[int]Sink
	nextID      int
	isReplay    bool
	persist     func(event string, data []byte) (seq int64, err error)
	noop        bool
}

// New builds a live Context wired to a persist function (appends an
// emit frame to the instance's sse_messages table). isReplay starts
// true; call SetReplay(false) once the step context's
// onFirstExecution fires.
func New(persist func(event string, data []byte) (int64, error)) *Context {
	return &Context{subscribers: map[int]Sink{}, isReplay: true, persist: persist}
}

// Noop returns a Context for workflow definitions that declare no
// sseUpdates schemas at all — every operation is a silent no-op.
func Noop() *Context {
	return &Context{subscribers: map[int]Sink{}, noop: true}
}

// SetReplay toggles replay mode. Called false exactly once per cycle,
// from the step context's onFirstExecution callback.
func (c *Context) SetReplay(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isReplay = v
}

// Broadcast sends an ephemeral update to every connected subscriber.
// It is a pure no-op during replay and is never persisted.
func (c *Context) Broadcast(event string, data any) error {
	if c.noop {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isReplay {
		return nil
	}
	return c.sendToAll(event, data)
}

// Emit sends a persisted update: during replay it is a no-op (the row
// was already appended during the original cycle); otherwise it appends
// to sse_messages and then fans out to every connected subscriber.
func (c *Context) Emit(event string, data any) error {
	if c.noop {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isReplay {
		return nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if c.persist != nil {
		if _, err := c.persist(event, encoded); err != nil {
			return err
		}
	}
	return c.sendToAll(event, data)
}

func (c *Context) sendToAll(event string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame := Frame{Kind: FrameUpdate, Event: event, Data: encoded}
	for id, sink := range c.subscribers {
		if err := sink.Send(frame); err != nil {
			delete(c.subscribers, id) // evicted silently, per spec.md §4.5
		}
	}
	return nil
}

// Subscribe attaches a new sink, first replaying every persisted
// sse_messages row to it, then returning an unsubscribe func.
func (c *Context) Subscribe(sink Sink, backlog func() ([]Frame, error)) (unsubscribe func(), err error) {
	if c.noop {
		_ = sink.Send(Frame{Kind: FrameClose, Code: CloseNoUpdateSchema})
		return func() {}, nil
	}

	frames, err := backlog()
	if err != nil {
		return nil, err
	}
	for _, f := range frames {
		if err := sink.Send(f); err != nil {
			return func() {}, nil
		}
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = sink
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}, nil
}

// Close sends a close frame to every subscriber and clears the set.
func (c *Context) Close(code CloseCode) {
	if c.noop {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sink := range c.subscribers {
		_ = sink.Send(Frame{Kind: FrameClose, Code: code})
	}
	c.subscribers = map[int]Sink{}
}
