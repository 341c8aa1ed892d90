package dtensor

import (
	"testing"

	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func must[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

func testSpec(t *testing.T, placements []mesh.Placement, dims ...int) *mesh.Spec {
	t.Helper()
	m := must(mesh.NewDeviceMesh("mesh", []int{2}, []string{"x"}))
	meta := shapes.MakeTensorMeta(shapes.Make(dtypes.F32, dims...))
	spec, err := mesh.NewSpec(m, placements, meta)
	require.NoError(t, err)
	return spec
}

func TestOpName_String(t *testing.T) {
	tests := []struct {
		name string
		op   OpName
		want string
	}{
		{name: "with overload", op: OpName{Namespace: "aten", Name: "add", Overload: "Tensor"}, want: "aten::add.Tensor"},
		{name: "no overload", op: OpName{Namespace: "aten", Name: "add"}, want: "aten::add"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, test.op.String())
		})
	}
}

func TestNewOpSchema_Flags(t *testing.T) {
	tests := []struct {
		name         string
		op           OpName
		isInplace    bool
		isOutVariant bool
	}{
		{name: "plain", op: OpName{Namespace: "aten", Name: "add", Overload: "Tensor"}},
		{name: "inplace", op: OpName{Namespace: "aten", Name: "add_", Overload: "Tensor"}, isInplace: true},
		{name: "out variant", op: OpName{Namespace: "aten", Name: "add", Overload: "out"}, isOutVariant: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			schema := NewOpSchema(test.op, nil, nil)
			assert.Equal(t, test.isInplace, schema.IsInplace)
			assert.Equal(t, test.isOutVariant, schema.IsOutVariant)
		})
	}
}

func TestOpSchema_ArgsSpec(t *testing.T) {
	a := testSpec(t, []mesh.Placement{mesh.Shard(0)}, 4)
	b := testSpec(t, []mesh.Placement{mesh.Replicate()}, 4)
	schema := NewOpSchema(OpName{Namespace: "test", Name: "op"},
		[]any{a, 3, b, []int{1, 1}}, nil)

	specs := schema.ArgsSpec()
	require.Len(t, specs, 2)
	assert.Same(t, a, specs[0])
	assert.Same(t, b, specs[1])

	// Specs nested inside lists are not top-level arguments.
	nested := NewOpSchema(OpName{Namespace: "test", Name: "op"}, []any{[]any{a}}, nil)
	assert.Empty(t, nested.ArgsSpec())
}

func TestOpSchema_WithArgsSchema(t *testing.T) {
	a := testSpec(t, []mesh.Placement{mesh.Shard(0)}, 4)
	b := testSpec(t, []mesh.Placement{mesh.Replicate()}, 4)
	schema := NewOpSchema(OpName{Namespace: "aten", Name: "add_", Overload: "Tensor"},
		[]any{a}, map[string]any{"alpha": 2})

	suggestion := schema.WithArgsSchema([]any{b})
	assert.Equal(t, schema.Op, suggestion.Op)
	assert.True(t, suggestion.IsInplace)
	assert.Same(t, b, suggestion.ArgsSchema[0])
	assert.Equal(t, 2, suggestion.KwargsSchema["alpha"])
	// The original schema is untouched.
	assert.Same(t, a, schema.ArgsSchema[0])
}

func TestOutputSharding_Resolved(t *testing.T) {
	spec := testSpec(t, []mesh.Placement{mesh.Replicate()}, 4)
	assert.True(t, NewOutputSharding(spec).Resolved())
	assert.True(t, NewMultiOutputSharding(spec, nil).Resolved())
	assert.False(t, (&OutputSharding{FailedReason: "nope"}).Resolved())
	var nilSharding *OutputSharding
	assert.False(t, nilSharding.Resolved())
}
