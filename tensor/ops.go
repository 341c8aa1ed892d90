package tensor

import (
	"slices"

	"github.com/gomlx/dtensor/types/shapes"
	"github.com/pkg/errors"
)

// Ops on one axis decompose the tensor as [outer, axisDim, inner], with outer the
// product of the dimensions before the axis and inner the product of those after it.
func axisDecomposition(shape shapes.Shape, axis int) (outer, axisDim, inner int) {
	outer, inner = 1, 1
	for i, dim := range shape.Dimensions {
		switch {
		case i < axis:
			outer *= dim
		case i > axis:
			inner *= dim
		}
	}
	return outer, shape.Dimensions[axis], inner
}

func adjustAxis(op string, axis, rank int) (int, error) {
	if axis < -rank || axis >= rank {
		return -1, errors.Errorf("%s: axis %d is out of range for rank %d", op, axis, rank)
	}
	if axis < 0 {
		axis += rank
	}
	return axis, nil
}

// Narrow returns a copy of the tensor restricted to [start, start+length) on the given
// axis. Negative axes count from the end.
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	axis, err := adjustAxis("Narrow", axis, t.Rank())
	if err != nil {
		return nil, err
	}
	outer, axisDim, inner := axisDecomposition(t.shape, axis)
	if start < 0 || length < 1 || start+length > axisDim {
		return nil, errors.Errorf("Narrow: range [%d, %d) is invalid for axis %d of size %d in %s",
			start, start+length, axis, axisDim, t.shape)
	}
	newDims := slices.Clone(t.shape.Dimensions)
	newDims[axis] = length
	out, err := Zeros(shapes.Make(t.DType(), newDims...))
	if err != nil {
		return nil, err
	}
	if t.f32 != nil {
		copyAxisRange(t.f32, out.f32, outer, axisDim, length, inner, start, 0)
	} else {
		copyAxisRange(t.f64, out.f64, outer, axisDim, length, inner, start, 0)
	}
	return out, nil
}

// copyAxisRange copies length axis-steps from src (axis size srcDim, starting at
// srcStart) into dst (axis size dstDim, starting at dstStart).
func copyAxisRange[T Float](src, dst []T, outer, srcDim, length, inner, srcStart int, dstStart int) {
	dstDim := len(dst) / (outer * inner)
	for o := 0; o < outer; o++ {
		srcBase := (o*srcDim + srcStart) * inner
		dstBase := (o*dstDim + dstStart) * inner
		copy(dst[dstBase:dstBase+length*inner], src[srcBase:srcBase+length*inner])
	}
}

// Concat concatenates the tensors along the given axis. All tensors must share dtype
// and all other dimensions. Negative axes count from the end.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("Concat requires at least one tensor")
	}
	if err := sameDType("Concat", ts...); err != nil {
		return nil, err
	}
	axis, err := adjustAxis("Concat", axis, ts[0].Rank())
	if err != nil {
		return nil, err
	}
	totalDim := 0
	for i, t := range ts {
		if t.Rank() != ts[0].Rank() {
			return nil, errors.Errorf("Concat: tensor #%d has rank %d, expected %d", i, t.Rank(), ts[0].Rank())
		}
		for a, dim := range t.shape.Dimensions {
			if a != axis && dim != ts[0].shape.Dimensions[a] {
				return nil, errors.Errorf("Concat: tensor #%d shape %s doesn't match %s on axis %d",
					i, t.shape, ts[0].shape, a)
			}
		}
		totalDim += t.Dim(axis)
	}
	newDims := slices.Clone(ts[0].shape.Dimensions)
	newDims[axis] = totalDim
	out, err := Zeros(shapes.Make(ts[0].DType(), newDims...))
	if err != nil {
		return nil, err
	}
	outer, _, inner := axisDecomposition(out.shape, axis)
	offset := 0
	for _, t := range ts {
		length := t.Dim(axis)
		if t.f32 != nil {
			copyAxisRange(t.f32, out.f32, outer, length, length, inner, 0, offset)
		} else {
			copyAxisRange(t.f64, out.f64, outer, length, length, inner, 0, offset)
		}
		offset += length
	}
	return out, nil
}

// Pad returns a copy of the tensor zero-padded on the given axis with `before`
// zero-steps at the start and `after` at the end. Negative axes count from the end.
func (t *Tensor) Pad(axis, before, after int) (*Tensor, error) {
	axis, err := adjustAxis("Pad", axis, t.Rank())
	if err != nil {
		return nil, err
	}
	if before < 0 || after < 0 {
		return nil, errors.Errorf("Pad: padding (%d, %d) cannot be negative", before, after)
	}
	if before == 0 && after == 0 {
		return t.Clone(), nil
	}
	outer, axisDim, inner := axisDecomposition(t.shape, axis)
	newDims := slices.Clone(t.shape.Dimensions)
	newDims[axis] = axisDim + before + after
	out, err := Zeros(shapes.Make(t.DType(), newDims...))
	if err != nil {
		return nil, err
	}
	if t.f32 != nil {
		copyAxisRange(t.f32, out.f32, outer, axisDim, axisDim, inner, 0, before)
	} else {
		copyAxisRange(t.f64, out.f64, outer, axisDim, axisDim, inner, 0, before)
	}
	return out, nil
}

// Add returns the element-wise sum of a and b, which must have the same shape.
func Add(a, b *Tensor) (*Tensor, error) {
	out := a.Clone()
	if err := out.AddInPlace(b); err != nil {
		return nil, err
	}
	return out, nil
}

// AddInPlace accumulates o into t element-wise. The shapes must match.
func (t *Tensor) AddInPlace(o *Tensor) error {
	if err := sameDType("Add", t, o); err != nil {
		return err
	}
	if !t.shape.Equal(o.shape) {
		return errors.Errorf("Add: shapes must match, got %s and %s", t.shape, o.shape)
	}
	if t.f32 != nil {
		for i, v := range o.f32 {
			t.f32[i] += v
		}
	} else {
		for i, v := range o.f64 {
			t.f64[i] += v
		}
	}
	return nil
}

// Mul returns the element-wise product of a and b, which must have the same shape.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := sameDType("Mul", a, b); err != nil {
		return nil, err
	}
	if !a.shape.Equal(b.shape) {
		return nil, errors.Errorf("Mul: shapes must match, got %s and %s", a.shape, b.shape)
	}
	out := a.Clone()
	if out.f32 != nil {
		for i, v := range b.f32 {
			out.f32[i] *= v
		}
	} else {
		for i, v := range b.f64 {
			out.f64[i] *= v
		}
	}
	return out, nil
}

// AccumulateRange adds src into the [start, start+src.Dim(axis)) slice of t on the
// given axis. It is used to fold halo-exchange contributions back into edge columns.
func (t *Tensor) AccumulateRange(axis, start int, src *Tensor) error {
	axis, err := adjustAxis("AccumulateRange", axis, t.Rank())
	if err != nil {
		return err
	}
	if err := sameDType("AccumulateRange", t, src); err != nil {
		return err
	}
	length := src.Dim(axis)
	outer, axisDim, inner := axisDecomposition(t.shape, axis)
	if start < 0 || start+length > axisDim {
		return errors.Errorf("AccumulateRange: range [%d, %d) is invalid for axis %d of size %d in %s",
			start, start+length, axis, axisDim, t.shape)
	}
	for a, dim := range src.shape.Dimensions {
		if a != axis && dim != t.shape.Dimensions[a] {
			return errors.Errorf("AccumulateRange: source shape %s doesn't match %s on axis %d",
				src.shape, t.shape, a)
		}
	}
	if t.f32 != nil {
		accumulateAxisRange(src.f32, t.f32, outer, length, axisDim, inner, start)
	} else {
		accumulateAxisRange(src.f64, t.f64, outer, length, axisDim, inner, start)
	}
	return nil
}

func accumulateAxisRange[T Float](src, dst []T, outer, srcDim, dstDim, inner, dstStart int) {
	for o := 0; o < outer; o++ {
		srcBase := o * srcDim * inner
		dstBase := (o*dstDim + dstStart) * inner
		for i := 0; i < srcDim*inner; i++ {
			dst[dstBase+i] += src[srcBase+i]
		}
	}
}
