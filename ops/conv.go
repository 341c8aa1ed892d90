package ops

import (
	"github.com/gomlx/dtensor"
	"github.com/gomlx/dtensor/tensor"
	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/shapes"
	"github.com/pkg/errors"
)

// Convolution is the 2D convolution operator over NCHW inputs and OIHW weights.
//
// Arguments: input, weight, bias (nil for none), stride []int, padding []int,
// dilation []int, transposed bool, outputPadding []int, groups int.
var Convolution = &dtensor.OpOverload{
	OpName: dtensor.OpName{Namespace: "aten", Name: "convolution", Overload: "default"},
}

// ConvolutionBackward is the gradient of Convolution.
//
// Arguments: gradOutput, input, weight, biasSizes []int, stride []int, padding []int,
// dilation []int, transposed bool, outputPadding []int, groups int, outputMask [3]bool.
// It produces (gradInput, gradWeight, gradBias), with nil for masked-out entries.
var ConvolutionBackward = &dtensor.OpOverload{
	OpName: dtensor.OpName{Namespace: "aten", Name: "convolution_backward", Overload: "default"},
}

func init() {
	// Fn fields are assigned here rather than in the composite literals to avoid an
	// initialization cycle: the functions refer back to the op variables' OpName.
	Convolution.Fn = convolutionFn
	ConvolutionBackward.Fn = convolutionBackwardFn
	dtensor.RegisterPropRule(Convolution.OpName, convolutionRule)
	dtensor.RegisterPropRule(ConvolutionBackward.OpName, convolutionBackwardRule)
}

func convolutionFn(args []any, _ map[string]any) (any, error) {
	const n = 9
	op := Convolution.OpName
	input, err := tensorArg(op, args, 0, n, "input")
	if err != nil {
		return nil, err
	}
	weight, err := tensorArg(op, args, 1, n, "weight")
	if err != nil {
		return nil, err
	}
	bias, err := optionalTensorArg(op, args, 2, n, "bias")
	if err != nil {
		return nil, err
	}
	stride, padding, dilation, err := spatialTriple(op, args, 3)
	if err != nil {
		return nil, err
	}
	transposed, err := boolArg(op, args, 6, "transposed")
	if err != nil {
		return nil, err
	}
	if transposed {
		return nil, errors.Errorf("%s does not support transposed convolution", op)
	}
	groups, err := intArg(op, args, 8, "groups")
	if err != nil {
		return nil, err
	}
	return tensor.Conv2D(input, weight, bias, stride, padding, dilation, groups)
}

func convolutionBackwardFn(args []any, _ map[string]any) (any, error) {
	const n = 11
	op := ConvolutionBackward.OpName
	gradOut, err := tensorArg(op, args, 0, n, "gradOutput")
	if err != nil {
		return nil, err
	}
	input, err := tensorArg(op, args, 1, n, "input")
	if err != nil {
		return nil, err
	}
	weight, err := tensorArg(op, args, 2, n, "weight")
	if err != nil {
		return nil, err
	}
	stride, padding, dilation, err := spatialTriple(op, args, 4)
	if err != nil {
		return nil, err
	}
	transposed, err := boolArg(op, args, 7, "transposed")
	if err != nil {
		return nil, err
	}
	if transposed {
		return nil, errors.Errorf("%s does not support transposed convolution", op)
	}
	groups, err := intArg(op, args, 9, "groups")
	if err != nil {
		return nil, err
	}
	outputMask, err := maskArg(op, args, 10, "outputMask")
	if err != nil {
		return nil, err
	}
	gradInput, gradWeight, gradBias, err := tensor.Conv2DBackward(
		gradOut, input, weight, stride, padding, dilation, groups, outputMask)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gradInput, gradWeight, gradBias}, nil
}

// spatialTriple parses the (stride, padding, dilation) hyperparameters starting at
// argument index i.
func spatialTriple(op dtensor.OpName, args []any, i int) (stride, padding, dilation [2]int, err error) {
	stride, err = spatialArg(op, args, i, "stride")
	if err != nil {
		return
	}
	padding, err = spatialArg(op, args, i+1, "padding")
	if err != nil {
		return
	}
	dilation, err = spatialArg(op, args, i+2, "dilation")
	return
}

// convolutionRule propagates sharding through the forward convolution: the output
// keeps the input's placements (batch or spatial sharding carries over unchanged,
// channel sharding is not supported here) and its metadata is derived from the
// convolution shape arithmetic on the logical shapes.
func convolutionRule(schema *dtensor.OpSchema) (*dtensor.OutputSharding, error) {
	op := schema.Op
	inputSpec, err := specArg(op, schema.ArgsSchema, 0, "input")
	if err != nil {
		return nil, err
	}
	weightSpec, err := specArg(op, schema.ArgsSchema, 1, "weight")
	if err != nil {
		return nil, err
	}
	stride, padding, dilation, err := spatialTriple(op, schema.ArgsSchema, 3)
	if err != nil {
		return nil, err
	}
	inShape := inputSpec.Meta().Shape
	wShape := weightSpec.Meta().Shape
	if inShape.Rank() != 4 || wShape.Rank() != 4 {
		return nil, errors.Errorf("%s requires rank-4 input and weight, got %s and %s", op, inShape, wShape)
	}
	outH, err := tensor.Conv2DOutputDim(inShape.Dim(2), wShape.Dim(2), stride[0], padding[0], dilation[0])
	if err != nil {
		return nil, err
	}
	outW, err := tensor.Conv2DOutputDim(inShape.Dim(3), wShape.Dim(3), stride[1], padding[1], dilation[1])
	if err != nil {
		return nil, err
	}
	outShape := shapes.Make(inShape.DType, inShape.Dim(0), wShape.Dim(0), outH, outW)
	outSpec, err := mesh.FromDimMap(inputSpec.Mesh(), inputSpec.DimMap(), inputSpec.Sums(),
		shapes.MakeTensorMeta(outShape))
	if err != nil {
		return nil, err
	}
	return dtensor.NewOutputSharding(outSpec), nil
}

// convolutionBackwardRule propagates sharding through the convolution gradient:
// gradInput mirrors the input's descriptor, while gradWeight and gradBias are
// replicated values with a pending sum on the first mesh dimension (each rank holds
// the contribution of its shard).
func convolutionBackwardRule(schema *dtensor.OpSchema) (*dtensor.OutputSharding, error) {
	op := schema.Op
	inputSpec, err := specArg(op, schema.ArgsSchema, 1, "input")
	if err != nil {
		return nil, err
	}
	weightSpec, err := specArg(op, schema.ArgsSchema, 2, "weight")
	if err != nil {
		return nil, err
	}
	biasSizes, err := intsArg(op, schema.ArgsSchema, 3, "biasSizes")
	if err != nil {
		return nil, err
	}
	m := inputSpec.Mesh()
	pendingSums := []int{0}

	gradInputSpec := inputSpec

	wRank := weightSpec.Meta().Shape.Rank()
	replicatedDimMap := make([]int, wRank)
	for i := range replicatedDimMap {
		replicatedDimMap[i] = -1
	}
	gradWeightSpec, err := mesh.FromDimMap(m, replicatedDimMap, pendingSums, weightSpec.Meta())
	if err != nil {
		return nil, err
	}

	var gradBiasSpec *mesh.Spec
	if len(biasSizes) > 0 {
		biasShape := shapes.Make(weightSpec.Meta().Shape.DType, biasSizes...)
		gradBiasSpec, err = mesh.FromDimMap(m, []int{-1}, pendingSums, shapes.MakeTensorMeta(biasShape))
		if err != nil {
			return nil, err
		}
	}
	return dtensor.NewMultiOutputSharding(gradInputSpec, gradWeightSpec, gradBiasSpec), nil
}
