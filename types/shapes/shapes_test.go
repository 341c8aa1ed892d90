package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	assert.False(t, invalidShape.Ok())

	scalar := Make(dtypes.F64)
	assert.True(t, scalar.Ok())
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, 1, scalar.Size())

	shape := Make(dtypes.F32, 2, 3, 4)
	assert.True(t, shape.Ok())
	assert.False(t, shape.IsScalar())
	assert.Equal(t, 3, shape.Rank())
	assert.Equal(t, 24, shape.Size())
	assert.Equal(t, 3, shape.Dim(1))
	assert.Equal(t, 4, shape.Dim(-1))
	assert.Equal(t, "(Float32)[2 3 4]", shape.String())

	clone := shape.Clone()
	assert.True(t, shape.Equal(clone))
	clone.Dimensions[0] = 7
	assert.False(t, shape.Equal(clone))
	assert.Equal(t, 2, shape.Dim(0))

	badDim := Make(dtypes.F32, 2, 0)
	assert.False(t, badDim.Ok())
}

func TestContiguousStrides(t *testing.T) {
	assert.Nil(t, ContiguousStrides(nil))
	assert.Equal(t, []int{1}, ContiguousStrides([]int{5}))
	assert.Equal(t, []int{12, 4, 1}, ContiguousStrides([]int{2, 3, 4}))
}

func TestTensorMeta(t *testing.T) {
	meta := MakeTensorMeta(Make(dtypes.F32, 2, 3))
	assert.True(t, meta.Ok())
	require.NoError(t, meta.Validate())
	assert.Equal(t, []int{3, 1}, meta.Strides)

	other := MakeTensorMeta(Make(dtypes.F32, 2, 3))
	assert.True(t, meta.Equal(other))
	other.Strides = []int{1, 1}
	assert.False(t, meta.Equal(other))

	broken := TensorMeta{Shape: Make(dtypes.F32, 2, 3), Strides: []int{1}}
	assert.False(t, broken.Ok())
	require.Error(t, broken.Validate())

	invalid := TensorMeta{Shape: Invalid()}
	require.Error(t, invalid.Validate())
}

func TestFromAnyValue(t *testing.T) {
	shape, err := FromAnyValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	assert.Equal(t, Make(dtypes.F32, 2, 3), shape)

	shape, err = FromAnyValue(float64(7))
	require.NoError(t, err)
	assert.True(t, shape.IsScalar())
	assert.Equal(t, dtypes.F64, shape.DType)

	_, err = FromAnyValue([][]float32{{1, 2}, {3}})
	require.Error(t, err)
}
