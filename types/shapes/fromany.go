package shapes

import (
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FromAnyValue infers the Shape of a Go value: a supported scalar (ints,
// floats, complex) or arbitrarily nested slices of one. Ragged nestings are
// rejected.
//
// Example:
//
//	shape, _ := shapes.FromAnyValue([][]float64{{0, 0}}) // (Float64)[1 2]
func FromAnyValue(v any) (Shape, error) {
	var shape Shape
	t := reflect.TypeOf(v)
	if t == nil {
		return shape, errors.Errorf("cannot infer a shape from a nil value")
	}

	// Walk the first element of each nesting level to collect the dimensions.
	rv := reflect.ValueOf(v)
	for t.Kind() == reflect.Slice {
		if rv.Len() == 0 {
			return shape, errors.Errorf(
				"cannot infer a shape from %T: an empty slice hides the inner dimensions", v)
		}
		shape.Dimensions = append(shape.Dimensions, rv.Len())
		rv = rv.Index(0)
		t = t.Elem()
	}
	shape.DType = dtypes.FromGoType(t)
	if shape.DType == dtypes.InvalidDType {
		return shape, errors.Errorf("cannot infer a shape from a value of type %q", t)
	}
	if err := checkRegular(reflect.ValueOf(v), shape.Dimensions); err != nil {
		return shape, err
	}
	return shape, nil
}

// checkRegular verifies every sub-slice of v matches the expected dimensions.
func checkRegular(v reflect.Value, dims []int) error {
	if len(dims) == 0 {
		return nil
	}
	if v.Len() != dims[0] {
		return errors.Errorf("ragged nested slices: lengths %d and %d at the same depth",
			dims[0], v.Len())
	}
	for i := 0; i < v.Len(); i++ {
		if err := checkRegular(v.Index(i), dims[1:]); err != nil {
			return err
		}
	}
	return nil
}
