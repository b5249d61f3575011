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

package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles a Node into a reusable runtime validator. Building
// one is relatively expensive (it compiles a JSON Schema document), so
// definitions build one per schema at registration time and reuse it
// across every replay cycle.
type Validator struct {
	node   Node
	schema *jsonschema.Schema
}

// Compile builds a Validator for n. It returns an error if n contains a
// schema that jsonschema itself rejects as malformed (distinct from
// CheckTransportSafe, which rejects node *kinds* the engine will never
// be able to serialize in the first place).
func Compile(n Node) (*Validator, error) {
	doc := n.JSONSchema()
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal node: %w", err)
	}

	var schemaJSON any
	if err := json.Unmarshal(raw, &schemaJSON); err != nil {
		return nil, fmt.Errorf("schema: unmarshal fragment: %w", err)
	}

	c := jsonschema.NewCompiler()
	const resourceURL = "mem://ablauf/node.json"
	if err := c.AddResource(resourceURL, schemaJSON); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}

	return &Validator{node: n, schema: compiled}, nil
}

// ValidateJSON decodes raw (a JSON document) and validates it against
// the compiled schema, returning the decoded value on success.
func (v *Validator) ValidateJSON(raw []byte) (any, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(decoded); err != nil {
		return nil, err
	}
	if p, ok := v.node.(pipeNode); ok {
		if err := p.Validate(decoded); err != nil {
			return nil, err
		}
	}
	return decoded, nil
}

// Node returns the node this validator was compiled from.
func (v *Validator) Node() Node { return v.node }
