// Package shapes defines the Shape and TensorMeta types used to describe the logical
// layout of distributed tensors.
//
// Shape is the dtype plus the dimensions of a tensor. TensorMeta extends it with the
// row-major strides of the logical (global) tensor, which sharding propagation carries
// around so output metadata can be derived without touching any data.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape of a tensor: the data type and the size of each axis.
//
// A scalar has rank 0 (no dimensions). Shape is a value type: Clone before mutating
// Dimensions if the original may still be referenced elsewhere.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	return Shape{DType: dtype, Dimensions: dimensions}
}

// Invalid returns an invalid shape, used to return on errors.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether the shape is valid: a valid dtype and strictly positive dimensions.
func (s Shape) Ok() bool {
	if s.DType == dtypes.InvalidDType {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim <= 0 {
			return false
		}
	}
	return true
}

// Rank returns the number of axes of the shape. Scalars have rank 0.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool {
	return s.Rank() == 0
}

// Dim returns the size of the given axis. Negative axes are counted from the end,
// so Dim(-1) is the size of the last axis.
func (s Shape) Dim(axis int) int {
	if axis < 0 {
		axis += s.Rank()
	}
	return s.Dimensions[axis]
}

// Size returns the total number of elements of the shape.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Equal returns whether s and s2 have the same dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// String implements the fmt.Stringer interface.
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)[", s.DType)
	for i, dim := range s.Dimensions {
		if i > 0 {
			sb.WriteString(" ")
		}
		_, _ = fmt.Fprintf(&sb, "%d", dim)
	}
	sb.WriteString("]")
	return sb.String()
}

// ContiguousStrides returns the row-major (C order) strides for the given dimensions,
// counted in elements (not bytes). A scalar returns nil.
func ContiguousStrides(dimensions []int) []int {
	if len(dimensions) == 0 {
		return nil
	}
	strides := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// TensorMeta describes the logical (global) tensor behind a distributed tensor:
// its shape and row-major strides. It is immutable once constructed.
type TensorMeta struct {
	Shape   Shape
	Strides []int
}

// MakeTensorMeta returns a TensorMeta for the given shape, with contiguous strides.
func MakeTensorMeta(shape Shape) TensorMeta {
	return TensorMeta{Shape: shape, Strides: ContiguousStrides(shape.Dimensions)}
}

// Ok returns whether the TensorMeta holds a valid shape with matching strides.
func (m TensorMeta) Ok() bool {
	return m.Shape.Ok() && len(m.Strides) == m.Shape.Rank()
}

// Equal returns whether m and m2 describe the same logical tensor.
func (m TensorMeta) Equal(m2 TensorMeta) bool {
	return m.Shape.Equal(m2.Shape) && slices.Equal(m.Strides, m2.Strides)
}

// String implements the fmt.Stringer interface.
func (m TensorMeta) String() string {
	return fmt.Sprintf("%s strides=%v", m.Shape, m.Strides)
}

// Validate returns an error if the TensorMeta is inconsistent.
func (m TensorMeta) Validate() error {
	if !m.Shape.Ok() {
		return errors.Errorf("TensorMeta has invalid shape %s", m.Shape)
	}
	if len(m.Strides) != m.Shape.Rank() {
		return errors.Errorf("TensorMeta strides %v don't match shape rank %d", m.Strides, m.Shape.Rank())
	}
	return nil
}
