package tensor

import (
	"github.com/gomlx/dtensor/types/shapes"
	"github.com/pkg/errors"
)

// Conv2DOutputDim returns the output size of one spatial axis of a convolution:
// (in + padBefore + padAfter - dilation*(kernel-1) - 1) / stride + 1.
func Conv2DOutputDim(in, kernel, stride, padding, dilation int) (int, error) {
	if stride < 1 {
		return -1, errors.Errorf("convolution stride must be >= 1, got %d", stride)
	}
	if dilation < 1 {
		return -1, errors.Errorf("convolution dilation must be >= 1, got %d", dilation)
	}
	effectiveKernel := dilation*(kernel-1) + 1
	padded := in + 2*padding
	if effectiveKernel > padded {
		return -1, errors.Errorf("effective kernel size %d is larger than padded input size %d "+
			"(input: %d, kernel: %d, stride: %d, padding: %d, dilation: %d)",
			effectiveKernel, padded, in, kernel, stride, padding, dilation)
	}
	return (padded-effectiveKernel)/stride + 1, nil
}

func checkConvOperands(op string, input, weight *Tensor, groups int) error {
	if input.Rank() != 4 || weight.Rank() != 4 {
		return errors.Errorf("%s: input and weight must be rank-4 (NCHW / OIHW), got %s and %s",
			op, input.Shape(), weight.Shape())
	}
	if err := sameDType(op, input, weight); err != nil {
		return err
	}
	if groups < 1 {
		return errors.Errorf("%s: groups must be >= 1, got %d", op, groups)
	}
	cIn, cOut := input.Dim(1), weight.Dim(0)
	if cIn != weight.Dim(1)*groups {
		return errors.Errorf("%s: input channels (%d) must equal weight input channels (%d) * groups (%d)",
			op, cIn, weight.Dim(1), groups)
	}
	if cOut%groups != 0 {
		return errors.Errorf("%s: output channels (%d) must be divisible by groups (%d)", op, cOut, groups)
	}
	return nil
}

// Conv2D computes a 2D convolution (really a cross-correlation, following the usual
// deep-learning convention) of an NCHW input with an OIHW weight.
//
// bias may be nil; if given it must be a rank-1 tensor with one value per output
// channel. stride, padding and dilation hold one value per spatial axis (H, W).
func Conv2D(input, weight, bias *Tensor, stride, padding, dilation [2]int, groups int) (*Tensor, error) {
	if err := checkConvOperands("Conv2D", input, weight, groups); err != nil {
		return nil, err
	}
	n, cOut := input.Dim(0), weight.Dim(0)
	outH, err := Conv2DOutputDim(input.Dim(2), weight.Dim(2), stride[0], padding[0], dilation[0])
	if err != nil {
		return nil, errors.WithMessage(err, "Conv2D on H axis")
	}
	outW, err := Conv2DOutputDim(input.Dim(3), weight.Dim(3), stride[1], padding[1], dilation[1])
	if err != nil {
		return nil, errors.WithMessage(err, "Conv2D on W axis")
	}
	if bias != nil {
		if bias.Rank() != 1 || bias.Dim(0) != cOut {
			return nil, errors.Errorf("Conv2D: bias must have shape [%d], got %s", cOut, bias.Shape())
		}
		if err := sameDType("Conv2D", input, bias); err != nil {
			return nil, err
		}
	}
	out, err := Zeros(shapes.Make(input.DType(), n, cOut, outH, outW))
	if err != nil {
		return nil, err
	}
	if input.f32 != nil {
		var biasData []float32
		if bias != nil {
			biasData = bias.f32
		}
		conv2dKernel(input.f32, weight.f32, biasData, out.f32, input.shape.Dimensions, weight.shape.Dimensions,
			out.shape.Dimensions, stride, padding, dilation, groups)
	} else {
		var biasData []float64
		if bias != nil {
			biasData = bias.f64
		}
		conv2dKernel(input.f64, weight.f64, biasData, out.f64, input.shape.Dimensions, weight.shape.Dimensions,
			out.shape.Dimensions, stride, padding, dilation, groups)
	}
	return out, nil
}

func conv2dKernel[T Float](in, w, bias, out []T, inDims, wDims, outDims []int,
	stride, padding, dilation [2]int, groups int) {
	n, cIn, inH, inW := inDims[0], inDims[1], inDims[2], inDims[3]
	cOut, wcIn, kH, kW := wDims[0], wDims[1], wDims[2], wDims[3]
	outH, outW := outDims[2], outDims[3]
	outChannelsPerGroup := cOut / groups

	for b := 0; b < n; b++ {
		for co := 0; co < cOut; co++ {
			group := co / outChannelsPerGroup
			inChannelBase := group * wcIn
			var biasValue T
			if bias != nil {
				biasValue = bias[co]
			}
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					acc := biasValue
					for ci := 0; ci < wcIn; ci++ {
						for kh := 0; kh < kH; kh++ {
							ih := oh*stride[0] - padding[0] + kh*dilation[0]
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < kW; kw++ {
								iw := ow*stride[1] - padding[1] + kw*dilation[1]
								if iw < 0 || iw >= inW {
									continue
								}
								inIdx := ((b*cIn+inChannelBase+ci)*inH+ih)*inW + iw
								wIdx := ((co*wcIn+ci)*kH+kh)*kW + kw
								acc += in[inIdx] * w[wIdx]
							}
						}
					}
					out[((b*cOut+co)*outH+oh)*outW+ow] = acc
				}
			}
		}
	}
}

// Conv2DBackward computes the gradients of Conv2D with respect to its input, weight
// and bias, given the gradient of the output.
//
// outputMask selects which of (gradInput, gradWeight, gradBias) to compute; the
// others are returned nil.
func Conv2DBackward(gradOut, input, weight *Tensor, stride, padding, dilation [2]int,
	groups int, outputMask [3]bool) (gradInput, gradWeight, gradBias *Tensor, err error) {
	if err = checkConvOperands("Conv2DBackward", input, weight, groups); err != nil {
		return nil, nil, nil, err
	}
	if gradOut.Rank() != 4 {
		return nil, nil, nil, errors.Errorf("Conv2DBackward: gradOut must be rank-4, got %s", gradOut.Shape())
	}
	if err = sameDType("Conv2DBackward", gradOut, input); err != nil {
		return nil, nil, nil, err
	}
	cOut := weight.Dim(0)
	outH, err := Conv2DOutputDim(input.Dim(2), weight.Dim(2), stride[0], padding[0], dilation[0])
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "Conv2DBackward on H axis")
	}
	outW, err := Conv2DOutputDim(input.Dim(3), weight.Dim(3), stride[1], padding[1], dilation[1])
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "Conv2DBackward on W axis")
	}
	if gradOut.Dim(0) != input.Dim(0) || gradOut.Dim(1) != cOut || gradOut.Dim(2) != outH || gradOut.Dim(3) != outW {
		return nil, nil, nil, errors.Errorf("Conv2DBackward: gradOut shape %s doesn't match input %s and weight %s",
			gradOut.Shape(), input.Shape(), weight.Shape())
	}

	if outputMask[0] {
		gradInput = ZerosLike(input)
	}
	if outputMask[1] {
		gradWeight = ZerosLike(weight)
	}
	if outputMask[2] {
		var t *Tensor
		t, err = Zeros(shapes.Make(input.DType(), cOut))
		if err != nil {
			return nil, nil, nil, err
		}
		gradBias = t
	}

	if input.f32 != nil {
		conv2dBackwardKernel(gradOut.f32, input.f32, weight.f32,
			flatOrNil32(gradInput), flatOrNil32(gradWeight), flatOrNil32(gradBias),
			input.shape.Dimensions, weight.shape.Dimensions, gradOut.shape.Dimensions,
			stride, padding, dilation, groups)
	} else {
		conv2dBackwardKernel(gradOut.f64, input.f64, weight.f64,
			flatOrNil64(gradInput), flatOrNil64(gradWeight), flatOrNil64(gradBias),
			input.shape.Dimensions, weight.shape.Dimensions, gradOut.shape.Dimensions,
			stride, padding, dilation, groups)
	}
	return gradInput, gradWeight, gradBias, nil
}

func flatOrNil32(t *Tensor) []float32 {
	if t == nil {
		return nil
	}
	return t.f32
}

func flatOrNil64(t *Tensor) []float64 {
	if t == nil {
		return nil
	}
	return t.f64
}

func conv2dBackwardKernel[T Float](gradOut, in, w, gradIn, gradW, gradB []T,
	inDims, wDims, gradOutDims []int, stride, padding, dilation [2]int, groups int) {
	n, cIn, inH, inW := inDims[0], inDims[1], inDims[2], inDims[3]
	cOut, wcIn, kH, kW := wDims[0], wDims[1], wDims[2], wDims[3]
	outH, outW := gradOutDims[2], gradOutDims[3]
	outChannelsPerGroup := cOut / groups

	for b := 0; b < n; b++ {
		for co := 0; co < cOut; co++ {
			group := co / outChannelsPerGroup
			inChannelBase := group * wcIn
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					g := gradOut[((b*cOut+co)*outH+oh)*outW+ow]
					if gradB != nil {
						gradB[co] += g
					}
					if gradIn == nil && gradW == nil {
						continue
					}
					for ci := 0; ci < wcIn; ci++ {
						for kh := 0; kh < kH; kh++ {
							ih := oh*stride[0] - padding[0] + kh*dilation[0]
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < kW; kw++ {
								iw := ow*stride[1] - padding[1] + kw*dilation[1]
								if iw < 0 || iw >= inW {
									continue
								}
								inIdx := ((b*cIn+inChannelBase+ci)*inH+ih)*inW + iw
								wIdx := ((co*wcIn+ci)*kH+kh)*kW + kw
								if gradW != nil {
									gradW[wIdx] += in[inIdx] * g
								}
								if gradIn != nil {
									gradIn[inIdx] += w[wIdx] * g
								}
							}
						}
					}
				}
			}
		}
	}
}
