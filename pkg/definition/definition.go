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

// Package definition is the typed registration contract workflow
// authors use (spec.md §6): a generic Definition[P] describing one
// workflow type's input/event/update shapes and its run function.
// Compile type-erases it down to an internal/runner.Definition — the
// payload decode/encode the generic type buys the caller happens once,
// inside the closure this package builds, never inside the runner.
package definition

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tombee/ablauf/internal/live"
	"github.com/tombee/ablauf/internal/runner"
	"github.com/tombee/ablauf/internal/step"
	"github.com/tombee/ablauf/pkg/schema"
	"github.com/tombee/ablauf/pkg/size"
)

// RunFunc is a workflow body typed over its payload P. It returns the
// workflow's result as any — Compile marshals it through encoding/json
// the same way a do step's result is marshaled.
type RunFunc[P any] func(ctx context.Context, s *step.Context, payload P, live *live.Context) (any, error)

// Definition is the public, generic registration contract for one
// workflow type.
type Definition[P any] struct {
	Type            string
	InputSchema     schema.Node
	Events          map[string]schema.Node
	SSEUpdates      map[string]schema.Node
	Defaults        step.RetryConfig
	ResultSizeLimit step.ResultSizeLimit
	// MaxResultSize is a size literal ("512kb", "64mb", "1gb") applied as
	// ResultSizeLimit.MaxSize when ResultSizeLimit.MaxSize is zero. A
	// literal beats wiring every definition's size budget by hand in
	// raw bytes.
	MaxResultSize string
	Run           RunFunc[P]
}

// Compile validates every schema this definition declares
// (schema.CheckTransportSafe/CheckAll) and type-erases it into an
// internal/runner.Definition. Registration-time validation failures are
// returned as a *schema.ForbiddenNodeError; nothing here touches
// storage or the actor host.
func (d Definition[P]) Compile() (*runner.Definition, error) {
	if d.Type == "" {
		return nil, fmt.Errorf("definition: Type must not be empty")
	}
	if d.Run == nil {
		return nil, fmt.Errorf("definition: %s: Run must not be nil", d.Type)
	}

	var inputValidator *schema.Validator
	if d.InputSchema != nil {
		if err := schema.CheckTransportSafe(d.InputSchema); err != nil {
			return nil, fmt.Errorf("definition: %s: inputSchema: %w", d.Type, err)
		}
		v, err := schema.Compile(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("definition: %s: inputSchema: %w", d.Type, err)
		}
		inputValidator = v
	}

	eventValidators, err := compileAll(d.Type, "events", d.Events)
	if err != nil {
		return nil, err
	}
	sseValidators, err := compileAll(d.Type, "sseUpdates", d.SSEUpdates)
	if err != nil {
		return nil, err
	}

	sizeLimit, err := d.resolveSizeLimit()
	if err != nil {
		return nil, err
	}

	run := d.Run
	return &runner.Definition{
		Type:            d.Type,
		InputValidator:  inputValidator,
		EventValidators: eventValidators,
		SSEValidators:   sseValidators,
		Defaults:        d.Defaults,
		SizeLimit:       sizeLimit,
		Run:             compileRun(run),
	}, nil
}

// resolveSizeLimit picks, in order: an explicit ResultSizeLimit.MaxSize,
// MaxResultSize parsed through pkg/size, or step's documented default.
func (d Definition[P]) resolveSizeLimit() (step.ResultSizeLimit, error) {
	if d.ResultSizeLimit.MaxSize != 0 {
		return d.ResultSizeLimit, nil
	}
	if d.MaxResultSize == "" {
		return step.DefaultResultSizeLimit(), nil
	}
	maxSize, err := size.Parse(d.MaxResultSize)
	if err != nil {
		return step.ResultSizeLimit{}, fmt.Errorf("definition: %s: maxResultSize: %w", d.Type, err)
	}
	onOverflow := d.ResultSizeLimit.OnOverflow
	if onOverflow == "" {
		onOverflow = step.OverflowFail
	}
	return step.ResultSizeLimit{MaxSize: maxSize, OnOverflow: onOverflow}, nil
}

// Register compiles d and adds it to reg.
func (d Definition[P]) Register(reg *runner.Registry) error {
	compiled, err := d.Compile()
	if err != nil {
		return err
	}
	return reg.Register(compiled)
}

func compileAll(typ, field string, nodes map[string]schema.Node) (map[string]*schema.Validator, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	generic := make(map[string]schema.Node, len(nodes))
	for k, v := range nodes {
		generic[k] = v
	}
	if err := schema.CheckAll(generic); err != nil {
		return nil, fmt.Errorf("definition: %s: %s: %w", typ, field, err)
	}
	out := make(map[string]*schema.Validator, len(nodes))
	for name, node := range nodes {
		v, err := schema.Compile(node)
		if err != nil {
			return nil, fmt.Errorf("definition: %s: %s.%s: %w", typ, field, name, err)
		}
		out[name] = v
	}
	return out, nil
}

func compileRun[P any](run RunFunc[P]) runner.RunFunc {
	return func(ctx context.Context, s *step.Context, payload json.RawMessage, lv *live.Context) (json.RawMessage, error) {
		var decoded P
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &decoded); err != nil {
				return nil, fmt.Errorf("definition: decode payload: %w", err)
			}
		}
		result, err := run(ctx, s, decoded, lv)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("definition: encode result: %w", err)
		}
		return encoded, nil
	}
}
