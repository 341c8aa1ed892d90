package tensor

import (
	"testing"

	"github.com/gomlx/dtensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func must[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

func TestFromFlat(t *testing.T) {
	f32 := must(FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	assert.Equal(t, dtypes.F32, f32.DType())
	assert.Equal(t, 2, f32.Rank())
	assert.Equal(t, 6, f32.Size())
	assert.Equal(t, 3, f32.Dim(1))
	assert.Equal(t, 3, f32.Dim(-1))

	f64 := must(FromFlat([]float64{1, 2}, 2))
	assert.Equal(t, dtypes.F64, f64.DType())

	_, err := FromFlat([]float32{1, 2, 3}, 2, 2)
	require.Error(t, err)
	_, err = FromFlat([]int{1, 2}, 2)
	require.Error(t, err)

	// The flat data is copied, not aliased.
	data := []float32{1, 2}
	tt := must(FromFlat(data, 2))
	data[0] = 99
	assert.Equal(t, float32(1), tt.Float32()[0])
}

func TestFromAnyValue(t *testing.T) {
	tt := must(FromAnyValue([][]float32{{1, 2, 3}, {4, 5, 6}}))
	assert.Equal(t, shapes.Make(dtypes.F32, 2, 3), tt.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tt.Float32())

	scalar := must(FromAnyValue(float64(7)))
	assert.True(t, scalar.Shape().IsScalar())
	assert.Equal(t, []float64{7}, scalar.Float64())

	_, err := FromAnyValue([][]int{{1}})
	require.Error(t, err)
}

func TestFloat16RoundTrip(t *testing.T) {
	values := []float16.Float16{
		float16.Fromfloat32(1.5),
		float16.Fromfloat32(-2.25),
		float16.Fromfloat32(0),
		float16.Fromfloat32(1024),
	}
	tt := must(FromFloat16(values, 2, 2))
	assert.Equal(t, dtypes.F32, tt.DType())
	assert.Equal(t, []float32{1.5, -2.25, 0, 1024}, tt.Float32())

	back := must(tt.ToFloat16())
	assert.Equal(t, values, back)

	f64 := must(FromFlat([]float64{1}, 1))
	_, err := f64.ToFloat16()
	require.Error(t, err)
}

func TestCloneAndEqual(t *testing.T) {
	a := must(FromFlat([]float32{1, 2, 3, 4}, 2, 2))
	b := a.Clone()
	assert.True(t, a.Equal(b))
	b.Float32()[0] = 42
	assert.False(t, a.Equal(b))

	z := ZerosLike(a)
	assert.True(t, a.Shape().Equal(z.Shape()))
	assert.Equal(t, []float32{0, 0, 0, 0}, z.Float32())
}

func TestAllClose(t *testing.T) {
	a := must(FromFlat([]float32{1, 2}, 2))
	b := must(FromFlat([]float32{1.0001, 1.9999}, 2))
	assert.True(t, a.AllClose(b, 1e-3))
	assert.False(t, a.AllClose(b, 1e-6))
	c := must(FromFlat([]float32{1, 2, 3}, 3))
	assert.False(t, a.AllClose(c, 1))
}

func TestNarrow(t *testing.T) {
	tt := must(FromFlat([]float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
	}, 2, 4))

	got := must(tt.Narrow(1, 1, 2))
	assert.Equal(t, shapes.Make(dtypes.F32, 2, 2), got.Shape())
	assert.Equal(t, []float32{2, 3, 6, 7}, got.Float32())

	got = must(tt.Narrow(0, 1, 1))
	assert.Equal(t, []float32{5, 6, 7, 8}, got.Float32())

	got = must(tt.Narrow(-1, 3, 1))
	assert.Equal(t, []float32{4, 8}, got.Float32())

	_, err := tt.Narrow(1, 3, 2)
	require.Error(t, err)
	_, err = tt.Narrow(2, 0, 1)
	require.Error(t, err)
	_, err = tt.Narrow(1, 0, 0)
	require.Error(t, err)

	// Narrow copies, the original is untouched by later writes.
	got = must(tt.Narrow(1, 0, 1))
	got.Float32()[0] = 99
	assert.Equal(t, float32(1), tt.Float32()[0])
}

func TestConcat(t *testing.T) {
	a := must(FromFlat([]float32{1, 2, 3, 4}, 2, 2))
	b := must(FromFlat([]float32{5, 6, 7, 8}, 2, 2))
	c := must(FromFlat([]float32{9, 10}, 2, 1))

	got := must(Concat(1, a, b, c))
	assert.Equal(t, shapes.Make(dtypes.F32, 2, 5), got.Shape())
	assert.Equal(t, []float32{1, 2, 5, 6, 9, 3, 4, 7, 8, 10}, got.Float32())

	got = must(Concat(0, a, b))
	assert.Equal(t, shapes.Make(dtypes.F32, 4, 2), got.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, got.Float32())

	_, err := Concat(0, a, c)
	require.Error(t, err)
	_, err = Concat(0)
	require.Error(t, err)
	f64 := must(FromFlat([]float64{1, 2, 3, 4}, 2, 2))
	_, err = Concat(0, a, f64)
	require.Error(t, err)
}

func TestPad(t *testing.T) {
	tt := must(FromFlat([]float32{1, 2, 3, 4}, 2, 2))

	got := must(tt.Pad(1, 1, 2))
	assert.Equal(t, shapes.Make(dtypes.F32, 2, 5), got.Shape())
	assert.Equal(t, []float32{0, 1, 2, 0, 0, 0, 3, 4, 0, 0}, got.Float32())

	got = must(tt.Pad(0, 1, 0))
	assert.Equal(t, []float32{0, 0, 1, 2, 3, 4}, got.Float32())

	got = must(tt.Pad(1, 0, 0))
	assert.True(t, got.Equal(tt))

	_, err := tt.Pad(1, -1, 0)
	require.Error(t, err)
}

func TestAddMul(t *testing.T) {
	a := must(FromFlat([]float32{1, 2, 3}, 3))
	b := must(FromFlat([]float32{10, 20, 30}, 3))

	sum := must(Add(a, b))
	assert.Equal(t, []float32{11, 22, 33}, sum.Float32())
	// Add is out of place.
	assert.Equal(t, []float32{1, 2, 3}, a.Float32())

	prod := must(Mul(a, b))
	assert.Equal(t, []float32{10, 40, 90}, prod.Float32())

	require.NoError(t, a.AddInPlace(b))
	assert.Equal(t, []float32{11, 22, 33}, a.Float32())

	c := must(FromFlat([]float32{1, 2}, 2))
	_, err := Add(a, c)
	require.Error(t, err)
	_, err = Mul(a, c)
	require.Error(t, err)
}

func TestAccumulateRange(t *testing.T) {
	tt := must(FromFlat([]float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
	}, 2, 4))
	src := must(FromFlat([]float32{10, 20, 30, 40}, 2, 2))

	require.NoError(t, tt.AccumulateRange(1, 1, src))
	assert.Equal(t, []float32{1, 12, 23, 4, 5, 36, 47, 8}, tt.Float32())

	err := tt.AccumulateRange(1, 3, src)
	require.Error(t, err)
	bad := must(FromFlat([]float32{1, 2, 3}, 3, 1))
	err = tt.AccumulateRange(1, 0, bad)
	require.Error(t, err)
}
