package mesh

import (
	"testing"

	"github.com/gomlx/dtensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlacement(t *testing.T) {
	s := Shard(3)
	assert.True(t, s.IsShard())
	assert.Equal(t, ShardKind, s.Kind())
	assert.Equal(t, 3, s.ShardDim())
	assert.Equal(t, "S(3)", s.String())

	r := Replicate()
	assert.True(t, r.IsReplicate())
	assert.Equal(t, "R", r.String())
	assert.Panics(t, func() { r.ShardDim() })

	p := Partial()
	assert.True(t, p.IsPartial())
	assert.Equal(t, "P", p.String())
}

func testMeta(dims ...int) shapes.TensorMeta {
	return shapes.MakeTensorMeta(shapes.Make(dtypes.F32, dims...))
}

func TestSpec(t *testing.T) {
	m := must(NewDeviceMesh("mesh", []int{4}, []string{"width"}))

	spec := must(NewSpec(m, []Placement{Shard(1)}, testMeta(2, 8)))
	assert.Equal(t, m, spec.Mesh())
	assert.Equal(t, []Placement{Shard(1)}, spec.Placements())
	assert.Equal(t, Shard(1), spec.Placement(0))
	assert.False(t, spec.IsReplicated())
	assert.Equal(t, "Spec[S(1)] of (Float32)[2 8] on DeviceMesh(axesSizes={width: 4})", spec.String())

	replicated := must(NewSpec(m, []Placement{Replicate()}, testMeta(2, 8)))
	assert.True(t, replicated.IsReplicated())

	// One placement per mesh dimension.
	_, err := NewSpec(m, nil, testMeta(2, 8))
	require.Error(t, err)
	// Shard dimension out of tensor range.
	_, err = NewSpec(m, []Placement{Shard(2)}, testMeta(2, 8))
	require.Error(t, err)
	// Invalid metadata.
	_, err = NewSpec(m, []Placement{Replicate()}, shapes.TensorMeta{})
	require.Error(t, err)
	// Zero-value placement.
	_, err = NewSpec(m, []Placement{{}}, testMeta(2, 8))
	require.Error(t, err)
}

func TestSpec_DimMapRoundTrip(t *testing.T) {
	m := must(NewDeviceMesh("mesh", []int{2, 2, 2}, []string{"a", "b", "c"}))
	spec := must(NewSpec(m, []Placement{Shard(1), Partial(), Replicate()}, testMeta(4, 8)))

	dimMap := spec.DimMap()
	sums := spec.Sums()
	assert.Equal(t, []int{-1, 0}, dimMap)
	assert.Equal(t, []int{1}, sums)

	rebuilt := must(FromDimMap(m, dimMap, sums, spec.Meta()))
	assert.True(t, spec.Equal(rebuilt))

	// A mesh dimension cannot be assigned twice.
	_, err := FromDimMap(m, []int{0, 0}, nil, testMeta(4, 8))
	require.Error(t, err)
	// Nor be both sharded and pending a sum.
	_, err = FromDimMap(m, []int{1, -1}, []int{1}, testMeta(4, 8))
	require.Error(t, err)
	_, err = FromDimMap(m, []int{-1, 5}, nil, testMeta(4, 8))
	require.Error(t, err)
	_, err = FromDimMap(m, []int{-1, -1}, []int{3}, testMeta(4, 8))
	require.Error(t, err)
}

func TestSpec_Equal(t *testing.T) {
	m := must(NewDeviceMesh("mesh", []int{2}, []string{"a"}))
	a := must(NewSpec(m, []Placement{Shard(0)}, testMeta(4)))
	b := must(NewSpec(m, []Placement{Shard(0)}, testMeta(4)))
	c := must(NewSpec(m, []Placement{Replicate()}, testMeta(4)))
	d := must(NewSpec(m, []Placement{Shard(0)}, testMeta(8)))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.False(t, a.Equal(nil))

	// Specs on different mesh objects are never equal, even if topologically identical.
	m2 := must(NewDeviceMesh("mesh", []int{2}, []string{"a"}))
	e := must(NewSpec(m2, []Placement{Shard(0)}, testMeta(4)))
	assert.False(t, a.Equal(e))
}
