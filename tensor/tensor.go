// Package tensor implements a minimal dense, row-major, CPU tensor: the local shard
// substrate that distributed-tensor dispatch executes operators on.
//
// Only the operations needed by operator dispatch, redistribution and the
// tensor-parallel convolution path are provided. Float32 and Float64 are supported
// natively; Float16 data is accepted and produced at the boundary (FromFloat16 /
// ToFloat16) and held as Float32 internally.
package tensor

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gomlx/dtensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Float are the dtypes natively stored by Tensor.
type Float interface {
	float32 | float64
}

// Tensor is a dense row-major multi-dimensional array.
//
// Exactly one of the flat slices is non-nil, matching the shape's dtype.
type Tensor struct {
	shape shapes.Shape

	f32 []float32
	f64 []float64
}

// FromFlat creates a tensor from a flat slice of float32 or float64 values and the
// dimensions of the shape. The flat data is copied.
func FromFlat(flat any, dimensions ...int) (*Tensor, error) {
	switch data := flat.(type) {
	case []float32:
		return newTensor(dtypes.F32, data, nil, dimensions)
	case []float64:
		return newTensor(dtypes.F64, nil, data, dimensions)
	default:
		return nil, errors.Errorf("FromFlat: unsupported flat values type %T -- expected []float32 or []float64", flat)
	}
}

func newTensor(dtype dtypes.DType, f32 []float32, f64 []float64, dimensions []int) (*Tensor, error) {
	shape := shapes.Make(dtype, dimensions...)
	if !shape.Ok() {
		return nil, errors.Errorf("invalid tensor shape %s", shape)
	}
	size := shape.Size()
	if f32 != nil && len(f32) != size {
		return nil, errors.Errorf("flat values size %d doesn't match shape size %d (%s)", len(f32), size, shape)
	}
	if f64 != nil && len(f64) != size {
		return nil, errors.Errorf("flat values size %d doesn't match shape size %d (%s)", len(f64), size, shape)
	}
	return &Tensor{shape: shape, f32: slices.Clone(f32), f64: slices.Clone(f64)}, nil
}

// FromAnyValue creates a tensor from (possibly nested) slices of float32 or float64,
// e.g. [][]float32{{1, 2}, {3, 4}}. The shape is inferred from the nesting.
func FromAnyValue(v any) (*Tensor, error) {
	shape, err := shapes.FromAnyValue(v)
	if err != nil {
		return nil, err
	}
	switch shape.DType {
	case dtypes.F32:
		flat := make([]float32, 0, shape.Size())
		flattenRecursive(reflect.ValueOf(v), func(scalar reflect.Value) {
			flat = append(flat, float32(scalar.Float()))
		})
		return FromFlat(flat, shape.Dimensions...)
	case dtypes.F64:
		flat := make([]float64, 0, shape.Size())
		flattenRecursive(reflect.ValueOf(v), func(scalar reflect.Value) {
			flat = append(flat, scalar.Float())
		})
		return FromFlat(flat, shape.Dimensions...)
	default:
		return nil, errors.Errorf("FromAnyValue: unsupported dtype %s (shape %s)", shape.DType, shape)
	}
}

func flattenRecursive(v reflect.Value, appendFn func(scalar reflect.Value)) {
	if v.Kind() != reflect.Slice {
		appendFn(v)
		return
	}
	for i := 0; i < v.Len(); i++ {
		flattenRecursive(v.Index(i), appendFn)
	}
}

// FromFloat16 creates a Float32 tensor from IEEE 754 half-precision values.
func FromFloat16(flat []float16.Float16, dimensions ...int) (*Tensor, error) {
	f32 := make([]float32, len(flat))
	for i, h := range flat {
		f32[i] = h.Float32()
	}
	return FromFlat(f32, dimensions...)
}

// ToFloat16 returns the tensor's values converted to IEEE 754 half-precision.
func (t *Tensor) ToFloat16() ([]float16.Float16, error) {
	if t.f32 == nil {
		return nil, errors.Errorf("ToFloat16 only supported for %s tensors, got %s", dtypes.F32, t.shape)
	}
	flat := make([]float16.Float16, len(t.f32))
	for i, v := range t.f32 {
		flat[i] = float16.Fromfloat32(v)
	}
	return flat, nil
}

// Zeros returns a zero-initialized tensor of the given shape.
func Zeros(shape shapes.Shape) (*Tensor, error) {
	switch shape.DType {
	case dtypes.F32:
		return newTensor(dtypes.F32, make([]float32, shape.Size()), nil, shape.Dimensions)
	case dtypes.F64:
		return newTensor(dtypes.F64, nil, make([]float64, shape.Size()), shape.Dimensions)
	default:
		return nil, errors.Errorf("Zeros: unsupported dtype %s", shape.DType)
	}
}

// ZerosLike returns a zero-initialized tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	z, err := Zeros(t.shape)
	if err != nil {
		// t already holds a valid shape, so this cannot fail.
		panic(err)
	}
	return z
}

// Shape returns the tensor shape.
func (t *Tensor) Shape() shapes.Shape {
	return t.shape
}

// DType returns the tensor data type.
func (t *Tensor) DType() dtypes.DType {
	return t.shape.DType
}

// Rank returns the number of axes of the tensor.
func (t *Tensor) Rank() int {
	return t.shape.Rank()
}

// Dim returns the size of the given axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	return t.shape.Dim(axis)
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return t.shape.Size()
}

// Float32 returns the underlying flat float32 data (shared, not a copy).
// It is nil if the tensor dtype is not Float32.
func (t *Tensor) Float32() []float32 {
	return t.f32
}

// Float64 returns the underlying flat float64 data (shared, not a copy).
// It is nil if the tensor dtype is not Float64.
func (t *Tensor) Float64() []float64 {
	return t.f64
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), f32: slices.Clone(t.f32), f64: slices.Clone(t.f64)}
}

// Equal returns whether t and o have the same shape and bit-identical values.
func (t *Tensor) Equal(o *Tensor) bool {
	return t.shape.Equal(o.shape) && slices.Equal(t.f32, o.f32) && slices.Equal(t.f64, o.f64)
}

// AllClose returns whether t and o have the same shape and element-wise absolute
// differences within atol.
func (t *Tensor) AllClose(o *Tensor, atol float64) bool {
	if !t.shape.Equal(o.shape) {
		return false
	}
	if t.f32 != nil {
		for i, v := range t.f32 {
			if math32.Abs(v-o.f32[i]) > float32(atol) {
				return false
			}
		}
		return true
	}
	for i, v := range t.f64 {
		if math.Abs(v-o.f64[i]) > atol {
			return false
		}
	}
	return true
}

// String implements the fmt.Stringer interface. Large tensors print only their shape.
func (t *Tensor) String() string {
	const maxElements = 16
	if t.Size() > maxElements {
		return fmt.Sprintf("Tensor%s", t.shape)
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Tensor%s{", t.shape)
	for i := 0; i < t.Size(); i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		if t.f32 != nil {
			_, _ = fmt.Fprintf(&sb, "%g", t.f32[i])
		} else {
			_, _ = fmt.Fprintf(&sb, "%g", t.f64[i])
		}
	}
	sb.WriteString("}")
	return sb.String()
}

// sameDType returns an error if the tensors don't share one supported dtype.
func sameDType(op string, ts ...*Tensor) error {
	for _, t := range ts {
		if t == nil {
			return errors.Errorf("%s: nil tensor operand", op)
		}
		if t.DType() != ts[0].DType() {
			return errors.Errorf("%s: operands have different dtypes %s and %s", op, ts[0].DType(), t.DType())
		}
	}
	return nil
}
