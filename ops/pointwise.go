package ops

import (
	"slices"

	"github.com/gomlx/dtensor"
	"github.com/gomlx/dtensor/tensor"
	"github.com/gomlx/dtensor/types/mesh"
	"github.com/pkg/errors"
)

// Add is element-wise addition of two same-shape tensors.
var Add = &dtensor.OpOverload{
	OpName: dtensor.OpName{Namespace: "aten", Name: "add", Overload: "Tensor"},
}

// Mul is element-wise multiplication of two same-shape tensors.
var Mul = &dtensor.OpOverload{
	OpName: dtensor.OpName{Namespace: "aten", Name: "mul", Overload: "Tensor"},
}

// AddInplace is element-wise addition accumulating into its first argument.
var AddInplace = &dtensor.OpOverload{
	OpName: dtensor.OpName{Namespace: "aten", Name: "add_", Overload: "Tensor"},
}

// AddOut is element-wise addition writing into the "out" keyword argument.
var AddOut = &dtensor.OpOverload{
	OpName:  dtensor.OpName{Namespace: "aten", Name: "add", Overload: "out"},
	OutArgs: []string{"out"},
}

func init() {
	// Fn fields are assigned here rather than in the composite literals to avoid an
	// initialization cycle: the functions refer back to the op variables' OpName.
	Add.Fn = addFn
	Mul.Fn = mulFn
	AddInplace.Fn = addInplaceFn
	AddOut.Fn = addOutFn
	for _, op := range []*dtensor.OpOverload{Add, Mul, AddInplace, AddOut} {
		dtensor.RegisterPropRule(op.OpName, pointwiseRule)
	}
}

func binaryArgs(op dtensor.OpName, args []any) (a, b *tensor.Tensor, err error) {
	a, err = tensorArg(op, args, 0, 2, "self")
	if err != nil {
		return
	}
	b, err = tensorArg(op, args, 1, 2, "other")
	return
}

func addFn(args []any, _ map[string]any) (any, error) {
	a, b, err := binaryArgs(Add.OpName, args)
	if err != nil {
		return nil, err
	}
	return tensor.Add(a, b)
}

func mulFn(args []any, _ map[string]any) (any, error) {
	a, b, err := binaryArgs(Mul.OpName, args)
	if err != nil {
		return nil, err
	}
	return tensor.Mul(a, b)
}

func addInplaceFn(args []any, _ map[string]any) (any, error) {
	a, b, err := binaryArgs(AddInplace.OpName, args)
	if err != nil {
		return nil, err
	}
	if err := a.AddInPlace(b); err != nil {
		return nil, err
	}
	return a, nil
}

func addOutFn(args []any, kwargs map[string]any) (any, error) {
	a, b, err := binaryArgs(AddOut.OpName, args)
	if err != nil {
		return nil, err
	}
	out, ok := kwargs["out"].(*tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("%s requires the \"out\" keyword argument", AddOut.OpName)
	}
	sum, err := tensor.Add(a, b)
	if err != nil {
		return nil, err
	}
	if !out.Shape().Equal(sum.Shape()) {
		return nil, errors.Errorf("%s out tensor %s doesn't match result shape %s",
			AddOut.OpName, out.Shape(), sum.Shape())
	}
	copy(out.Float32(), sum.Float32())
	copy(out.Float64(), sum.Float64())
	return out, nil
}

// pointwiseRule propagates sharding through element-wise operators: when every tensor
// input shares the same placements the output simply keeps them. Otherwise it suggests
// re-laying out every input like the first one; in-place operators cannot move their
// aliased first argument, so for them a mismatch is a hard failure.
func pointwiseRule(schema *dtensor.OpSchema) (*dtensor.OutputSharding, error) {
	specs := schema.ArgsSpec()
	if len(specs) == 0 {
		return nil, errors.Errorf("%s has no distributed-tensor argument", schema.Op)
	}
	first := specs[0]
	aligned := true
	for _, spec := range specs[1:] {
		if spec.Mesh() != first.Mesh() {
			return nil, errors.Errorf("%s arguments live on different meshes: %s and %s",
				schema.Op, first.Mesh(), spec.Mesh())
		}
		if !slices.Equal(spec.Placements(), first.Placements()) {
			aligned = false
		}
	}
	if aligned {
		return dtensor.NewOutputSharding(first), nil
	}
	if schema.IsInplace {
		return &dtensor.OutputSharding{
			FailedReason: "in-place operator arguments must already share placements",
		}, nil
	}
	suggested := dtensor.MapArgs(schema.ArgsSchema, func(leaf any) any {
		spec, ok := leaf.(*mesh.Spec)
		if !ok || slices.Equal(spec.Placements(), first.Placements()) {
			return leaf
		}
		target, err := mesh.NewSpec(spec.Mesh(), first.Placements(), spec.Meta())
		if err != nil {
			return leaf
		}
		return target
	})
	return &dtensor.OutputSharding{
		SchemaSuggestions: []*dtensor.OpSchema{schema.WithArgsSchema(suggested)},
	}, nil
}
