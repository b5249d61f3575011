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

// Package schema defines the transport-safe node-tree type system used
// to describe workflow input payloads, event payloads, and live-update
// payloads. A Node both documents a shape and can render itself as a
// JSON Schema fragment, which pkg/schema uses at runtime (via
// santhosh-tekuri/jsonschema) to validate decoded JSON against it.
package schema

// Kind identifies a node's category, used by the forbidden-node walk in
// validate.go to decide what is transport-safe.
type Kind string

const (
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindString   Kind = "string"
	KindTimestamp Kind = "timestamp"
	KindBytes    Kind = "bytes"
	KindURL      Kind = "url"

	KindSeq                Kind = "seq"
	KindTuple               Kind = "tuple"
	KindMap                 Kind = "map"
	KindSet                 Kind = "set"
	KindObject              Kind = "object"
	KindOptional            Kind = "optional"
	KindNullable            Kind = "nullable"
	KindWithDefault         Kind = "with_default"
	KindUnion               Kind = "union"
	KindDiscriminatedUnion  Kind = "discriminated_union"
	KindIntersection        Kind = "intersection"
	KindLazy                Kind = "lazy"
	KindPipe                Kind = "pipe"

	// Forbidden sentinel kinds: constructible only through this
	// package's API, so that CheckTransportSafe has something concrete
	// to reject in tests; ordinary workflow authors cannot accidentally
	// produce one through normal node composition.
	KindFunc    Kind = "func"
	KindPromise Kind = "promise"
	KindSymbol  Kind = "symbol"
	KindVoid    Kind = "void"
)

// Node is a node in a schema tree. Every concrete node type
// (Bool, Object, Optional, ...) implements this interface.
type Node interface {
	Kind() Kind
	// JSONSchema renders this node as a JSON Schema fragment
	// (map[string]any, suitable for json.Marshal) used to validate
	// decoded payloads at runtime.
	JSONSchema() map[string]any
	// children returns this node's child nodes, if any, for the
	// forbidden-node walk. Leaf nodes return nil.
	children() []labeledChild
}

type labeledChild struct {
	label string
	node  Node
}

// --- Primitives ---

type boolNode struct{}

func Bool() Node                            { return boolNode{} }
func (boolNode) Kind() Kind                 { return KindBool }
func (boolNode) JSONSchema() map[string]any { return map[string]any{"type": "boolean"} }
func (boolNode) children() []labeledChild   { return nil }

type intNode struct{}

func Int() Node                            { return intNode{} }
func (intNode) Kind() Kind                 { return KindInt }
func (intNode) JSONSchema() map[string]any { return map[string]any{"type": "integer"} }
func (intNode) children() []labeledChild   { return nil }

type floatNode struct{}

func Float() Node                            { return floatNode{} }
func (floatNode) Kind() Kind                 { return KindFloat }
func (floatNode) JSONSchema() map[string]any { return map[string]any{"type": "number"} }
func (floatNode) children() []labeledChild   { return nil }

type stringNode struct{}

func Str() Node                               { return stringNode{} }
func (stringNode) Kind() Kind                 { return KindString }
func (stringNode) JSONSchema() map[string]any { return map[string]any{"type": "string"} }
func (stringNode) children() []labeledChild   { return nil }

type timestampNode struct{}

// Timestamp is an RFC 3339 string on the wire, decoded by callers into
// time.Time; the node only governs validation, not the Go type a step
// body ultimately works with.
func Timestamp() Node { return timestampNode{} }
func (timestampNode) Kind() Kind { return KindTimestamp }
func (timestampNode) JSONSchema() map[string]any {
	return map[string]any{"type": "string", "format": "date-time"}
}
func (timestampNode) children() []labeledChild { return nil }

type bytesNode struct{}

// Bytes is base64-encoded on the wire.
func Bytes() Node                            { return bytesNode{} }
func (bytesNode) Kind() Kind                 { return KindBytes }
func (bytesNode) JSONSchema() map[string]any { return map[string]any{"type": "string", "contentEncoding": "base64"} }
func (bytesNode) children() []labeledChild   { return nil }

type urlNode struct{}

func URL() Node                            { return urlNode{} }
func (urlNode) Kind() Kind                 { return KindURL }
func (urlNode) JSONSchema() map[string]any { return map[string]any{"type": "string", "format": "uri"} }
func (urlNode) children() []labeledChild   { return nil }

// --- Containers ---

type seqNode struct{ elem Node }

// Seq is an ordered, variable-length sequence.
func Seq(elem Node) Node { return seqNode{elem: elem} }
func (n seqNode) Kind() Kind { return KindSeq }
func (n seqNode) JSONSchema() map[string]any {
	return map[string]any{"type": "array", "items": n.elem.JSONSchema()}
}
func (n seqNode) children() []labeledChild { return []labeledChild{{"[]", n.elem}} }

type tupleNode struct{ elems []Node }

// Tuple is a fixed-length, heterogeneous sequence.
func Tuple(elems ...Node) Node { return tupleNode{elems: elems} }
func (n tupleNode) Kind() Kind { return KindTuple }
func (n tupleNode) JSONSchema() map[string]any {
	items := make([]any, len(n.elems))
	for i, e := range n.elems {
		items[i] = e.JSONSchema()
	}
	return map[string]any{"type": "array", "prefixItems": items, "minItems": len(items), "maxItems": len(items)}
}
func (n tupleNode) children() []labeledChild {
	out := make([]labeledChild, len(n.elems))
	for i, e := range n.elems {
		out[i] = labeledChild{label: indexLabel(i), node: e}
	}
	return out
}

type mapNode struct{ value Node }

// Map is a string-keyed dictionary with a uniform value type.
func Map(value Node) Node { return mapNode{value: value} }
func (n mapNode) Kind() Kind { return KindMap }
func (n mapNode) JSONSchema() map[string]any {
	return map[string]any{"type": "object", "additionalProperties": n.value.JSONSchema()}
}
func (n mapNode) children() []labeledChild { return []labeledChild{{"{}", n.value}} }

type setNode struct{ elem Node }

// Set is an unordered collection of unique elements, carried on the
// wire as a JSON array.
func Set(elem Node) Node { return setNode{elem: elem} }
func (n setNode) Kind() Kind { return KindSet }
func (n setNode) JSONSchema() map[string]any {
	return map[string]any{"type": "array", "items": n.elem.JSONSchema(), "uniqueItems": true}
}
func (n setNode) children() []labeledChild { return []labeledChild{{"<set>", n.elem}} }

// Field is a named member of an Object node.
type Field struct {
	Name string
	Node Node
}

type objectNode struct{ fields []Field }

// Object is a record with named fields.
func Object(fields ...Field) Node { return objectNode{fields: fields} }
func (n objectNode) Kind() Kind   { return KindObject }
func (n objectNode) JSONSchema() map[string]any {
	props := map[string]any{}
	var required []string
	for _, f := range n.fields {
		props[f.Name] = f.Node.JSONSchema()
		if f.Node.Kind() != KindOptional {
			required = append(required, f.Name)
		}
	}
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
func (n objectNode) children() []labeledChild {
	out := make([]labeledChild, len(n.fields))
	for i, f := range n.fields {
		out[i] = labeledChild{label: f.Name, node: f.Node}
	}
	return out
}

// --- Combinators ---

type optionalNode struct{ inner Node }

// Optional marks a field as omittable.
func Optional(inner Node) Node { return optionalNode{inner: inner} }
func (n optionalNode) Kind() Kind                 { return KindOptional }
func (n optionalNode) JSONSchema() map[string]any { return n.inner.JSONSchema() }
func (n optionalNode) children() []labeledChild   { return []labeledChild{{"?", n.inner}} }

type nullableNode struct{ inner Node }

// Nullable allows an explicit JSON null in addition to inner's shape.
func Nullable(inner Node) Node { return nullableNode{inner: inner} }
func (n nullableNode) Kind() Kind { return KindNullable }
func (n nullableNode) JSONSchema() map[string]any {
	return map[string]any{"anyOf": []any{map[string]any{"type": "null"}, n.inner.JSONSchema()}}
}
func (n nullableNode) children() []labeledChild { return []labeledChild{{"~", n.inner}} }

type withDefaultNode struct {
	inner   Node
	dflt    any
}

// WithDefault records dflt as the JSON Schema "default" annotation of
// inner. Validation does not substitute it into decoded payloads, and an
// Object still lists a WithDefault field as required.
func WithDefault(inner Node, dflt any) Node { return withDefaultNode{inner: inner, dflt: dflt} }
func (n withDefaultNode) Kind() Kind { return KindWithDefault }
func (n withDefaultNode) JSONSchema() map[string]any {
	s := n.inner.JSONSchema()
	s["default"] = n.dflt
	return s
}
func (n withDefaultNode) children() []labeledChild { return []labeledChild{{"=", n.inner}} }

type unionNode struct{ options []Node }

// Union is a bare (undiscriminated) union: any one of options.
func Union(options ...Node) Node { return unionNode{options: options} }
func (n unionNode) Kind() Kind { return KindUnion }
func (n unionNode) JSONSchema() map[string]any {
	anyOf := make([]any, len(n.options))
	for i, o := range n.options {
		anyOf[i] = o.JSONSchema()
	}
	return map[string]any{"anyOf": anyOf}
}
func (n unionNode) children() []labeledChild {
	out := make([]labeledChild, len(n.options))
	for i, o := range n.options {
		out[i] = labeledChild{label: indexLabel(i), node: o}
	}
	return out
}

type discriminatedUnionNode struct {
	discriminator string
	variants      map[string]Node
}

// DiscriminatedUnion is a union tagged by a field whose string value
// selects the variant.
func DiscriminatedUnion(discriminator string, variants map[string]Node) Node {
	return discriminatedUnionNode{discriminator: discriminator, variants: variants}
}
func (n discriminatedUnionNode) Kind() Kind { return KindDiscriminatedUnion }
func (n discriminatedUnionNode) JSONSchema() map[string]any {
	oneOf := make([]any, 0, len(n.variants))
	for _, v := range n.variants {
		oneOf = append(oneOf, v.JSONSchema())
	}
	return map[string]any{"oneOf": oneOf}
}
func (n discriminatedUnionNode) children() []labeledChild {
	out := make([]labeledChild, 0, len(n.variants))
	for tag, v := range n.variants {
		out = append(out, labeledChild{label: tag, node: v})
	}
	return out
}

type intersectionNode struct{ parts []Node }

// Intersection requires every part's shape to hold simultaneously.
func Intersection(parts ...Node) Node { return intersectionNode{parts: parts} }
func (n intersectionNode) Kind() Kind { return KindIntersection }
func (n intersectionNode) JSONSchema() map[string]any {
	allOf := make([]any, len(n.parts))
	for i, p := range n.parts {
		allOf[i] = p.JSONSchema()
	}
	return map[string]any{"allOf": allOf}
}
func (n intersectionNode) children() []labeledChild {
	out := make([]labeledChild, len(n.parts))
	for i, p := range n.parts {
		out[i] = labeledChild{label: indexLabel(i), node: p}
	}
	return out
}

type lazyNode struct{ resolve func() Node }

// Lazy defers resolution of a node, allowing self-referential (recursive)
// schemas.
func Lazy(resolve func() Node) Node { return lazyNode{resolve: resolve} }
func (n lazyNode) Kind() Kind                 { return KindLazy }
func (n lazyNode) JSONSchema() map[string]any { return n.resolve().JSONSchema() }
func (n lazyNode) children() []labeledChild   { return []labeledChild{{"*", n.resolve()}} }

type pipeNode struct {
	inner    Node
	validate func(any) error
}

// Pipe validates inner's shape and then runs an additional predicate
// over the decoded value (e.g. a numeric range, a regex on a string).
// The predicate runs only when the Pipe is the root node a Validator was
// compiled from; a Pipe nested inside another node checks inner's shape
// only.
func Pipe(inner Node, validate func(any) error) Node {
	return pipeNode{inner: inner, validate: validate}
}
func (n pipeNode) Kind() Kind                 { return KindPipe }
func (n pipeNode) JSONSchema() map[string]any { return n.inner.JSONSchema() }
func (n pipeNode) children() []labeledChild   { return []labeledChild{{"|>", n.inner}} }
func (n pipeNode) Validate(v any) error {
	if n.validate == nil {
		return nil
	}
	return n.validate(v)
}

// --- Forbidden sentinels ---

type funcNode struct{}

// Func is always forbidden by CheckTransportSafe; it exists so tests
// (and defensive code) can construct a node guaranteed to fail the walk.
func Func() Node                            { return funcNode{} }
func (funcNode) Kind() Kind                 { return KindFunc }
func (funcNode) JSONSchema() map[string]any { return nil }
func (funcNode) children() []labeledChild   { return nil }

type promiseNode struct{ inner Node }

func Promise(inner Node) Node                { return promiseNode{inner: inner} }
func (promiseNode) Kind() Kind               { return KindPromise }
func (promiseNode) JSONSchema() map[string]any { return nil }
func (n promiseNode) children() []labeledChild { return []labeledChild{{"<promise>", n.inner}} }

type symbolNode struct{}

func Symbol() Node                            { return symbolNode{} }
func (symbolNode) Kind() Kind                 { return KindSymbol }
func (symbolNode) JSONSchema() map[string]any { return nil }
func (symbolNode) children() []labeledChild   { return nil }

type voidNode struct{}

func Void() Node                            { return voidNode{} }
func (voidNode) Kind() Kind                 { return KindVoid }
func (voidNode) JSONSchema() map[string]any { return nil }
func (voidNode) children() []labeledChild   { return nil }

func indexLabel(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	// Uncommon path: tuples/unions with 10+ members.
	var buf []byte
	n := i
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return string(buf)
}
