// Package ops defines the built-in distributed operators: their local execution
// functions, their sharding-propagation rules (registered in the default registry at
// init time), and the tensor-parallel convolution override built on halo exchange.
//
// Operator argument lists mirror the conventional calling convention of deep-learning
// frameworks: positional tensors first, then hyperparameters. Spatial hyperparameters
// (stride, padding, dilation) are []int with one value per spatial axis.
package ops

import (
	"github.com/gomlx/dtensor"
	"github.com/gomlx/dtensor/tensor"
	"github.com/gomlx/dtensor/types/mesh"
	"github.com/pkg/errors"
)

func tensorArg(op dtensor.OpName, args []any, i, n int, name string) (*tensor.Tensor, error) {
	if i >= len(args) {
		return nil, errors.Errorf("%s takes %d arguments, %q (#%d) is missing", op, n, name, i)
	}
	t, ok := args[i].(*tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("%s argument %q (#%d) must be a *tensor.Tensor, got %T", op, name, i, args[i])
	}
	return t, nil
}

// optionalTensorArg accepts nil for absent optional tensors (e.g. bias).
func optionalTensorArg(op dtensor.OpName, args []any, i, n int, name string) (*tensor.Tensor, error) {
	if i >= len(args) {
		return nil, errors.Errorf("%s takes %d arguments, %q (#%d) is missing", op, n, name, i)
	}
	if args[i] == nil {
		return nil, nil
	}
	return tensorArg(op, args, i, n, name)
}

func specArg(op dtensor.OpName, args []any, i int, name string) (*mesh.Spec, error) {
	if i >= len(args) {
		return nil, errors.Errorf("%s schema is missing argument %q (#%d)", op, name, i)
	}
	spec, ok := args[i].(*mesh.Spec)
	if !ok {
		return nil, errors.Errorf("%s argument %q (#%d) must be a distributed tensor, got %T", op, name, i, args[i])
	}
	return spec, nil
}

func intsArg(op dtensor.OpName, args []any, i int, name string) ([]int, error) {
	if i >= len(args) {
		return nil, errors.Errorf("%s is missing argument %q (#%d)", op, name, i)
	}
	v, ok := args[i].([]int)
	if !ok {
		return nil, errors.Errorf("%s argument %q (#%d) must be []int, got %T", op, name, i, args[i])
	}
	return v, nil
}

// spatialArg is intsArg specialized to the two spatial axes (H, W).
func spatialArg(op dtensor.OpName, args []any, i int, name string) ([2]int, error) {
	v, err := intsArg(op, args, i, name)
	if err != nil {
		return [2]int{}, err
	}
	if len(v) != 2 {
		return [2]int{}, errors.Errorf("%s argument %q must have one value per spatial axis (H, W), got %v", op, name, v)
	}
	return [2]int{v[0], v[1]}, nil
}

func intArg(op dtensor.OpName, args []any, i int, name string) (int, error) {
	if i >= len(args) {
		return 0, errors.Errorf("%s is missing argument %q (#%d)", op, name, i)
	}
	v, ok := args[i].(int)
	if !ok {
		return 0, errors.Errorf("%s argument %q (#%d) must be int, got %T", op, name, i, args[i])
	}
	return v, nil
}

func boolArg(op dtensor.OpName, args []any, i int, name string) (bool, error) {
	if i >= len(args) {
		return false, errors.Errorf("%s is missing argument %q (#%d)", op, name, i)
	}
	v, ok := args[i].(bool)
	if !ok {
		return false, errors.Errorf("%s argument %q (#%d) must be bool, got %T", op, name, i, args[i])
	}
	return v, nil
}

func maskArg(op dtensor.OpName, args []any, i int, name string) ([3]bool, error) {
	if i >= len(args) {
		return [3]bool{}, errors.Errorf("%s is missing argument %q (#%d)", op, name, i)
	}
	v, ok := args[i].([3]bool)
	if !ok {
		return [3]bool{}, errors.Errorf("%s argument %q (#%d) must be [3]bool, got %T", op, name, i, args[i])
	}
	return v, nil
}
