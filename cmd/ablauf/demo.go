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

package main

import (
	"context"
	"fmt"

	"github.com/tombee/ablauf/internal/live"
	"github.com/tombee/ablauf/internal/step"
	"github.com/tombee/ablauf/pkg/ablauf"
	"github.com/tombee/ablauf/pkg/definition"
	"github.com/tombee/ablauf/pkg/schema"
)

// demoRegistry lists the workflow types this binary registers against
// a freshly constructed Engine. Each entry is a Register call bound to
// a concrete payload type, kept here rather than inline in main so the
// command wiring in main.go stays about the CLI, not the workflows.
func demoRegistry() []func(*ablauf.Engine) error {
	return []func(*ablauf.Engine) error{
		registerGreetDefinition,
		registerApprovalDefinition,
	}
}

type greetPayload struct {
	Name string `json:"name"`
}

// greet runs to completion in a single cycle: no sleeps, no events.
// It exists to exercise the start/status path with nothing else going on.
func registerGreetDefinition(e *ablauf.Engine) error {
	def := definition.Definition[greetPayload]{
		Type:        "greet",
		InputSchema: schema.Object(schema.Field{Name: "name", Node: schema.Str()}),
		Run: func(ctx context.Context, s *step.Context, payload greetPayload, lv *live.Context) (any, error) {
			greeting, err := step.Do(s, "build-greeting", func() (string, error) {
				return fmt.Sprintf("hello %s", payload.Name), nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]string{"greeting": greeting}, nil
		},
	}
	return def.Register(e.Registry())
}

type approvalPayload struct {
	Requester string `json:"requester"`
}

type approvalDecision struct {
	Approved bool   `json:"approved"`
	By       string `json:"by"`
}

// approval suspends on step.WaitForEvent for a "decision" event, then
// sleeps briefly before completing — exercises both interrupt kinds
// the demo CLI's pause/resume/event/status subcommands can drive.
func registerApprovalDefinition(e *ablauf.Engine) error {
	def := definition.Definition[approvalPayload]{
		Type:        "approval",
		InputSchema: schema.Object(schema.Field{Name: "requester", Node: schema.Str()}),
		Events: map[string]schema.Node{
			"decision": schema.Object(
				schema.Field{Name: "approved", Node: schema.Bool()},
				schema.Field{Name: "by", Node: schema.Str()},
			),
		},
		Run: func(ctx context.Context, s *step.Context, payload approvalPayload, lv *live.Context) (any, error) {
			decision, err := step.WaitForEvent[approvalDecision](s, "decision", step.WaitOptions{})
			if err != nil {
				return nil, err
			}
			if err := s.Sleep("cooldown", "1s"); err != nil {
				return nil, err
			}
			return map[string]any{
				"requester": payload.Requester,
				"approved":  decision.Approved,
				"by":        decision.By,
			}, nil
		},
	}
	return def.Register(e.Registry())
}
