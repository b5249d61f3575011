package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTransportSafe_AllowsComposition(t *testing.T) {
	n := Object(
		Field{Name: "name", Node: Str()},
		Field{Name: "age", Node: Optional(Int())},
		Field{Name: "tags", Node: Set(Str())},
		Field{Name: "meta", Node: Map(Float())},
		Field{Name: "kind", Node: Union(Bool(), Str())},
	)
	assert.NoError(t, CheckTransportSafe(n))
}

func TestCheckTransportSafe_RejectsFunc(t *testing.T) {
	n := Object(Field{Name: "cb", Node: Func()})
	err := CheckTransportSafe(n)
	require.Error(t, err)
	var fe *ForbiddenNodeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindFunc, fe.Kind)
}

func TestCheckTransportSafe_NestedPath(t *testing.T) {
	n := Object(
		Field{Name: "user", Node: Object(
			Field{Name: "profile", Node: Object(
				Field{Name: "cb", Node: Func()},
			)},
		)},
	)
	err := CheckTransportSafe(n)
	require.Error(t, err)
	var fe *ForbiddenNodeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "root.user.profile.cb", fe.Path)
}

func TestCheckAll_PrefixesMapKey(t *testing.T) {
	err := CheckAll(map[string]Node{
		"approval": Object(Field{Name: "cb", Node: Func()}),
	})
	require.Error(t, err)
	var fe *ForbiddenNodeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "approval.cb", fe.Path)
}

func TestCompileAndValidate(t *testing.T) {
	n := Object(
		Field{Name: "name", Node: Str()},
		Field{Name: "approved", Node: Optional(Bool())},
	)
	v, err := Compile(n)
	require.NoError(t, err)

	decoded, err := v.ValidateJSON([]byte(`{"name":"Alice"}`))
	require.NoError(t, err)
	m, ok := decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Alice", m["name"])
}

func TestCompileAndValidate_Rejects(t *testing.T) {
	n := Object(Field{Name: "approved", Node: Bool()})
	v, err := Compile(n)
	require.NoError(t, err)

	_, err = v.ValidateJSON([]byte(`{"approved":"yes"}`))
	assert.Error(t, err)
}
