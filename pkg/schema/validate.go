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

import "fmt"

// ForbiddenNodeError is returned by CheckTransportSafe when a schema
// tree contains a node that cannot survive serialization across an
// actor boundary (a function, a promise, a symbol, or void).
type ForbiddenNodeError struct {
	Path string
	Kind Kind
}

func (e *ForbiddenNodeError) Error() string {
	return fmt.Sprintf("schema: transport-unsafe node %s at %s", e.Kind, e.Path)
}

var forbidden = map[Kind]bool{
	KindFunc:    true,
	KindPromise: true,
	KindSymbol:  true,
	KindVoid:    true,
}

// CheckTransportSafe walks root depth-first and fails with the path to
// the first forbidden node it finds. A definition is only registerable
// once every schema in its inputSchema, events, and sseUpdates passes
// this check.
func CheckTransportSafe(root Node) error {
	return walk(root, "root")
}

func walk(n Node, path string) error {
	if n == nil {
		return nil
	}
	if forbidden[n.Kind()] {
		return &ForbiddenNodeError{Path: path, Kind: n.Kind()}
	}
	for _, c := range n.children() {
		childPath := path + "." + c.label
		if err := walk(c.node, childPath); err != nil {
			return err
		}
	}
	return nil
}

// CheckAll runs CheckTransportSafe over every node in a name→Node
// registry (used for a definition's events/sseUpdates maps) and returns
// the first failure, prefixing the path with the map key so the error
// names which event or update offended.
func CheckAll(named map[string]Node) error {
	for name, n := range named {
		if err := walk(n, name); err != nil {
			return err
		}
	}
	return nil
}
