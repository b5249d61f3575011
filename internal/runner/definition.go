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

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tombee/ablauf/internal/live"
	"github.com/tombee/ablauf/internal/step"
	"github.com/tombee/ablauf/pkg/schema"
)

// RunFunc is a type-erased workflow body: pkg/definition's generic
// Definition[P] compiles down to one of these, decoding payload into
// the concrete P itself before calling the user's typed run function.
type RunFunc func(ctx context.Context, s *step.Context, payload json.RawMessage, live *live.Context) (json.RawMessage, error)

// Definition is the runner's type-erased view of a registered workflow
// type, spec.md §4.4's "registry of workflow definitions".
type Definition struct {
	Type            string
	InputValidator  *schema.Validator
	EventValidators map[string]*schema.Validator
	SSEValidators   map[string]*schema.Validator
	Defaults        step.RetryConfig
	SizeLimit       step.ResultSizeLimit
	Run             RunFunc
}

// HasSSEUpdates reports whether this definition declares any SSE update
// schemas — the condition under which a real (non-noop) live context is
// needed.
func (d *Definition) HasSSEUpdates() bool {
	return len(d.SSEValidators) > 0
}

// Registry holds every registered Definition, keyed by type.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Definition
}

// NewRegistry builds an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{types: map[string]*Definition{}}
}

// Register adds def, rejecting a second registration of the same type.
func (r *Registry) Register(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Type]; exists {
		return fmt.Errorf("runner: workflow type %q already registered", def.Type)
	}
	r.types[def.Type] = def
	return nil
}

// Lookup returns the Definition for typ, or nil if unregistered.
func (r *Registry) Lookup(typ string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[typ]
}
