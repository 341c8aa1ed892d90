package ops

import (
	"slices"

	"github.com/gomlx/dtensor"
	"github.com/gomlx/dtensor/comms"
	"github.com/gomlx/dtensor/tensor"
	"k8s.io/klog/v2"
)

// InstallTPConv installs the tensor-parallel convolution overrides on a dispatcher:
// Convolution and ConvolutionBackward calls then run on width-sharded inputs with a
// halo exchange between ring neighbors instead of materializing the full tensor.
// It returns the dispatcher, so calls can be chained.
func InstallTPConv(d *dtensor.Dispatcher) *dtensor.Dispatcher {
	return d.WithCustomOp(Convolution.OpName, tpConvolutionHandler).
		WithCustomOp(ConvolutionBackward.OpName, tpConvolutionBackwardHandler)
}

// RequiresDataExchange returns whether the convolution needs neighbor data: a
// convolution with zero width padding windows never crosses shard boundaries.
func RequiresDataExchange(padding [2]int) bool {
	return padding[1] != 0
}

// checkTPConvSupported validates the sharding/hyperparameter pattern before any
// communication happens. localWidth is the width of this rank's shard.
func checkTPConvSupported(localWidth, kernelW int, stride, padding, dilation [2]int) error {
	if dilation[0] != 1 || dilation[1] != 1 {
		return &dtensor.UnsupportedConvError{Reason: "dilation must be 1"}
	}
	if padding[1] != 0 {
		if stride[1] != 1 {
			return &dtensor.UnsupportedConvError{Reason: "width stride must be 1 when width padding is used"}
		}
		if kernelW/2 > localWidth {
			return &dtensor.UnsupportedConvError{Reason: "kernel half-width exceeds the local shard width"}
		}
	} else {
		if localWidth%stride[1] != 0 || stride[1] != kernelW {
			return &dtensor.UnsupportedConvError{
				Reason: "without width padding, the width stride must equal the kernel width and divide the local shard width",
			}
		}
	}
	return nil
}

func tpConvolutionHandler(op *dtensor.OpOverload, args []any, kwargs map[string]any) (any, error) {
	input, ok := args[0].(*dtensor.DTensor)
	if !ok {
		return nil, &dtensor.UnsupportedConvError{Reason: "first argument must be a distributed tensor"}
	}
	group := input.Group()
	_, _, sharding, err := dtensor.PropagateInputSharding(op, args, kwargs, dtensor.DefaultRegistry(), false)
	if err != nil {
		return nil, err
	}
	localArgs := dtensor.MapArgs(args, dtensor.UnwrapLocalTensor)
	out, err := tpConvolution(group, op, localArgs)
	if err != nil {
		return nil, err
	}
	return dtensor.FromLocal(out, sharding.OutputSpecs[0], group)
}

func tpConvolution(group comms.Group, op *dtensor.OpOverload, localArgs []any) (*tensor.Tensor, error) {
	in, err := tensorArg(op.OpName, localArgs, 0, 9, "input")
	if err != nil {
		return nil, err
	}
	weight, err := tensorArg(op.OpName, localArgs, 1, 9, "weight")
	if err != nil {
		return nil, err
	}
	stride, padding, dilation, err := spatialTriple(op.OpName, localArgs, 3)
	if err != nil {
		return nil, err
	}
	if err := checkTPConvSupported(in.Dim(3), weight.Dim(3), stride, padding, dilation); err != nil {
		return nil, err
	}
	rank, size := group.Rank(), group.WorldSize()
	if !RequiresDataExchange(padding) || size == 1 {
		result, err := op.Fn(localArgs, nil)
		if err != nil {
			return nil, err
		}
		return result.(*tensor.Tensor), nil
	}

	// d1 columns flow to the right neighbor and d2 to the left, so every rank can
	// evaluate the kernel windows that straddle its shard boundaries.
	d := weight.Dim(3) - 1
	d1, d2 := d/2, d-d/2
	if d1+d2 > in.Dim(3) {
		return nil, &dtensor.UnsupportedConvError{Reason: "kernel width exceeds the local shard width"}
	}
	left, right := (rank-1+size)%size, (rank+1)%size
	klog.V(2).Infof("rank %d: convolution halo exchange d1=%d d2=%d (left=%d, right=%d)", rank, d1, d2, left, right)

	extended, err := haloConstruct(group, in, d1, d2, left, right)
	if err != nil {
		return nil, err
	}
	extendedArgs := slices.Clone(localArgs)
	extendedArgs[0] = extended
	result, err := op.Fn(extendedArgs, nil)
	if err != nil {
		return nil, err
	}
	out := result.(*tensor.Tensor)

	// The local convolution still applied the width padding on both sides; only the
	// boundary ranks actually border the logical tensor's edge, so the interior sides
	// of the padding are trimmed away.
	padW := padding[1]
	if padW == 0 {
		return out, nil
	}
	w := out.Dim(3)
	switch {
	case rank == 0:
		return out.Narrow(3, 0, w-padW)
	case rank == size-1:
		return out.Narrow(3, padW, w-padW)
	default:
		return out.Narrow(3, padW, w-2*padW)
	}
}

func tpConvolutionBackwardHandler(op *dtensor.OpOverload, args []any, kwargs map[string]any) (any, error) {
	gradOut, ok := args[0].(*dtensor.DTensor)
	if !ok {
		return nil, &dtensor.UnsupportedConvError{Reason: "first argument must be a distributed tensor"}
	}
	group := gradOut.Group()
	_, _, sharding, err := dtensor.PropagateInputSharding(op, args, kwargs, dtensor.DefaultRegistry(), false)
	if err != nil {
		return nil, err
	}
	localArgs := dtensor.MapArgs(args, dtensor.UnwrapLocalTensor)
	grads, err := tpConvolutionBackward(group, op, localArgs)
	if err != nil {
		return nil, err
	}
	outs := make([]*dtensor.DTensor, len(grads))
	for i, g := range grads {
		if g == nil {
			continue
		}
		outs[i], err = dtensor.FromLocal(g, sharding.OutputSpecs[i], group)
		if err != nil {
			return nil, err
		}
	}
	return outs, nil
}

func tpConvolutionBackward(group comms.Group, op *dtensor.OpOverload, localArgs []any) ([]*tensor.Tensor, error) {
	gradOut, err := tensorArg(op.OpName, localArgs, 0, 11, "gradOutput")
	if err != nil {
		return nil, err
	}
	in, err := tensorArg(op.OpName, localArgs, 1, 11, "input")
	if err != nil {
		return nil, err
	}
	weight, err := tensorArg(op.OpName, localArgs, 2, 11, "weight")
	if err != nil {
		return nil, err
	}
	stride, padding, dilation, err := spatialTriple(op.OpName, localArgs, 4)
	if err != nil {
		return nil, err
	}
	if err := checkTPConvSupported(in.Dim(3), weight.Dim(3), stride, padding, dilation); err != nil {
		return nil, err
	}
	rank, size := group.Rank(), group.WorldSize()
	if !RequiresDataExchange(padding) || size == 1 {
		result, err := op.Fn(localArgs, nil)
		if err != nil {
			return nil, err
		}
		return result.([]*tensor.Tensor), nil
	}

	d := weight.Dim(3) - 1
	d1, d2 := d/2, d-d/2
	if d1+d2 > in.Dim(3) {
		return nil, &dtensor.UnsupportedConvError{Reason: "kernel width exceeds the local shard width"}
	}
	left, right := (rank-1+size)%size, (rank+1)%size
	klog.V(2).Infof("rank %d: convolution backward halo exchange d1=%d d2=%d (left=%d, right=%d)", rank, d1, d2, left, right)

	// Rebuild the same extended input the forward pass convolved over.
	extendedIn, err := haloConstruct(group, in, d1, d2, left, right)
	if err != nil {
		return nil, err
	}

	// The forward pass trimmed the interior sides of the padded output, so the
	// incoming gradient is re-padded with zeros there to restore alignment.
	padW := padding[1]
	var paddedGrad *tensor.Tensor
	switch {
	case rank == 0:
		paddedGrad, err = gradOut.Pad(3, 0, padW)
	case rank == size-1:
		paddedGrad, err = gradOut.Pad(3, padW, 0)
	default:
		paddedGrad, err = gradOut.Pad(3, padW, padW)
	}
	if err != nil {
		return nil, err
	}

	extendedArgs := slices.Clone(localArgs)
	extendedArgs[0] = paddedGrad
	extendedArgs[1] = extendedIn
	result, err := op.Fn(extendedArgs, nil)
	if err != nil {
		return nil, err
	}
	grads := result.([]*tensor.Tensor)

	// The input gradient covers the extended input: the halo columns hold this rank's
	// contribution to the neighbors' edges and must flow back and accumulate.
	if grads[0] != nil {
		grads = slices.Clone(grads)
		grads[0], err = haloAggregate(group, grads[0], d1, d2, left, right)
		if err != nil {
			return nil, err
		}
	}
	return grads, nil
}

// haloConstruct exchanges edge columns with the ring neighbors and returns the local
// shard extended with the received halos: d1 columns from the left neighbor and d2
// from the right. Boundary ranks only extend on their interior side; the wrap-around
// payloads of the ring are discarded.
func haloConstruct(g comms.Group, in *tensor.Tensor, d1, d2, left, right int) (*tensor.Tensor, error) {
	rank, size := g.Rank(), g.WorldSize()
	w := in.Dim(3)
	var ops []comms.P2POp
	var recvLeft, recvRight *tensor.Tensor
	if d1 > 0 {
		sendRight, err := in.Narrow(3, w-d1, d1)
		if err != nil {
			return nil, err
		}
		recvLeft = tensor.ZerosLike(sendRight)
		ops = append(ops,
			comms.P2POp{Kind: comms.P2PSend, Peer: right, Tensor: sendRight},
			comms.P2POp{Kind: comms.P2PRecv, Peer: left, Tensor: recvLeft})
	}
	if d2 > 0 {
		sendLeft, err := in.Narrow(3, 0, d2)
		if err != nil {
			return nil, err
		}
		recvRight = tensor.ZerosLike(sendLeft)
		ops = append(ops,
			comms.P2POp{Kind: comms.P2PSend, Peer: left, Tensor: sendLeft},
			comms.P2POp{Kind: comms.P2PRecv, Peer: right, Tensor: recvRight})
	}
	if err := runBatch(g, ops); err != nil {
		return nil, err
	}

	parts := make([]*tensor.Tensor, 0, 3)
	if rank != 0 && recvLeft != nil {
		parts = append(parts, recvLeft)
	}
	parts = append(parts, in)
	if rank != size-1 && recvRight != nil {
		parts = append(parts, recvRight)
	}
	if len(parts) == 1 {
		return in, nil
	}
	return tensor.Concat(3, parts...)
}

// haloAggregate is the transpose of haloConstruct: the gradient columns computed for
// the halos are sent back to their owners and accumulated into the edges of the
// owner's gradient, then the halo columns are trimmed off.
func haloAggregate(g comms.Group, grad *tensor.Tensor, d1, d2, left, right int) (*tensor.Tensor, error) {
	rank, size := g.Rank(), g.WorldSize()
	w := grad.Dim(3)
	var ops []comms.P2POp
	var recvLeft, recvRight *tensor.Tensor
	if d2 > 0 {
		sendRight, err := grad.Narrow(3, w-d2, d2)
		if err != nil {
			return nil, err
		}
		recvLeft = tensor.ZerosLike(sendRight)
		ops = append(ops,
			comms.P2POp{Kind: comms.P2PSend, Peer: right, Tensor: sendRight},
			comms.P2POp{Kind: comms.P2PRecv, Peer: left, Tensor: recvLeft})
	}
	if d1 > 0 {
		sendLeft, err := grad.Narrow(3, 0, d1)
		if err != nil {
			return nil, err
		}
		recvRight = tensor.ZerosLike(sendLeft)
		ops = append(ops,
			comms.P2POp{Kind: comms.P2PSend, Peer: left, Tensor: sendLeft},
			comms.P2POp{Kind: comms.P2PRecv, Peer: right, Tensor: recvRight})
	}
	if err := runBatch(g, ops); err != nil {
		return nil, err
	}

	var out *tensor.Tensor
	var err error
	switch {
	case rank == 0:
		out = grad
		if d2 > 0 {
			out, err = grad.Narrow(3, 0, w-d2)
			if err != nil {
				return nil, err
			}
		}
		if recvRight != nil {
			if err := out.AccumulateRange(3, out.Dim(3)-d1, recvRight); err != nil {
				return nil, err
			}
		}
	case rank == size-1:
		out = grad
		if d1 > 0 {
			out, err = grad.Narrow(3, d1, w-d1)
			if err != nil {
				return nil, err
			}
		}
		if recvLeft != nil {
			if err := out.AccumulateRange(3, 0, recvLeft); err != nil {
				return nil, err
			}
		}
	default:
		out, err = grad.Narrow(3, d1, w-d1-d2)
		if err != nil {
			return nil, err
		}
		if recvLeft != nil {
			if err := out.AccumulateRange(3, 0, recvLeft); err != nil {
				return nil, err
			}
		}
		if recvRight != nil {
			if err := out.AccumulateRange(3, out.Dim(3)-d1, recvRight); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func runBatch(g comms.Group, ops []comms.P2POp) error {
	if len(ops) == 0 {
		return nil
	}
	works, err := g.BatchP2P(ops)
	if err != nil {
		return err
	}
	return comms.WaitAll(works)
}
