package dtensor

import (
	"github.com/gomlx/dtensor/comms"
	"github.com/gomlx/dtensor/tensor"
	"github.com/gomlx/dtensor/types/mesh"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CustomOpFn is a user-supplied replacement for the whole dispatch of one operator.
// It receives the original (non-normalized) arguments and its result is returned
// unmodified -- the escape hatch used by the tensor-parallel convolution path.
type CustomOpFn func(op *OpOverload, args []any, kwargs map[string]any) (any, error)

// DecompositionFn re-expresses an operator in terms of other operators, bypassing
// sharding propagation entirely.
type DecompositionFn func(args []any, kwargs map[string]any) (any, error)

// Dispatcher is the single entry point for every distributed-tensor operator call.
//
// It owns no persistent state beyond its (immutable after setup) tables: the rule
// registry, the custom-op overrides and the decomposition shortcuts. All tensors it
// touches are owned by the caller.
type Dispatcher struct {
	registry       *Registry
	customOps      map[OpName]CustomOpFn
	decompositions map[OpName]DecompositionFn
	enableFallback bool
}

// NewDispatcher creates a Dispatcher over the given rule registry. A nil registry
// means the process-wide DefaultRegistry.
func NewDispatcher(registry *Registry) *Dispatcher {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Dispatcher{
		registry:       registry,
		customOps:      make(map[OpName]CustomOpFn),
		decompositions: make(map[OpName]DecompositionFn),
	}
}

// WithCustomOp installs a custom override for the operator. Overrides take priority
// over everything except decompositions. It returns the dispatcher, so calls can be
// chained. Installing two overrides for the same operator panics (programming error).
func (d *Dispatcher) WithCustomOp(op OpName, fn CustomOpFn) *Dispatcher {
	if _, found := d.customOps[op]; found {
		panic(errors.Errorf("custom op for %s is already installed", op))
	}
	d.customOps[op] = fn
	return d
}

// WithDecomposition installs a decomposition shortcut for the operator. It returns
// the dispatcher, so calls can be chained.
func (d *Dispatcher) WithDecomposition(op OpName, fn DecompositionFn) *Dispatcher {
	if _, found := d.decompositions[op]; found {
		panic(errors.Errorf("decomposition for %s is already installed", op))
	}
	d.decompositions[op] = fn
	return d
}

// WithFallback enables (or disables) the local-tensor fallback for operators with no
// sharding rule: the operator runs directly on the local shards and the raw result is
// wrapped with the first input's descriptor.
//
// The fallback is best-effort and known to be wrong for operators whose output
// sharding differs from their first input's; it is off by default.
func (d *Dispatcher) WithFallback(enabled bool) *Dispatcher {
	d.enableFallback = enabled
	return d
}

// Dispatch executes one operator call on distributed tensors: it resolves the output
// sharding, redistributes inputs when the rule demands a different layout, runs the
// operator on the local shards and wraps the results.
//
// In-place operators return the same *DTensor passed as the first argument, with its
// descriptor updated. Out-variant operators return their out argument(s), rewired the
// same way. Everything else returns freshly wrapped DTensor(s).
func (d *Dispatcher) Dispatch(op *OpOverload, args []any, kwargs map[string]any) (any, error) {
	if op == nil || op.Fn == nil {
		return nil, errors.New("Dispatch requires an operator with a local execution function")
	}
	if decomposition, found := d.decompositions[op.OpName]; found {
		return decomposition(args, kwargs)
	}
	if custom, found := d.customOps[op.OpName]; found {
		return custom(op, args, kwargs)
	}

	schema, redistribute, sharding, err := PropagateInputSharding(op, args, kwargs, d.registry, d.enableFallback)
	if err != nil {
		return nil, err
	}

	if sharding == nil {
		// Local-tensor fallback: run on the raw shards and wrap with the first
		// input's descriptor. Semantically wrong whenever the output sharding should
		// differ from the first input's; kept as an explicit, opt-in crutch.
		klog.V(2).Infof("no sharding rule for %s, falling back to local computation", op.OpName)
		localArgs := MapArgs(args, UnwrapLocalTensor)
		localKwargs := MapKwargs(kwargs, UnwrapLocalTensor)
		result, err := op.Fn(localArgs, localKwargs)
		if err != nil {
			return nil, err
		}
		argsSpec := schema.ArgsSpec()
		if len(argsSpec) == 0 {
			return nil, errors.Errorf("fallback dispatch of %s found no distributed-tensor argument", op.OpName)
		}
		return wrapResults(result, []*mesh.Spec{argsSpec[0]}, groupOfArgs(args, kwargs))
	}

	localArgs, err := packLocalArgs(args, schema.ArgsSchema, redistribute)
	if err != nil {
		return nil, err
	}
	var localKwargs map[string]any
	if kwargs != nil {
		packed, err := packLocalTree(kwargs, schema.KwargsSchema, redistribute)
		if err != nil {
			return nil, err
		}
		localKwargs = packed.(map[string]any)
	}

	result, err := op.Fn(localArgs, localKwargs)
	if err != nil {
		return nil, err
	}

	switch {
	case schema.IsInplace:
		// In-place operators return self instead of re-wrapping.
		self, ok := firstArg(args).(*DTensor)
		if !ok {
			return nil, errors.Errorf("in-place operator %s requires a distributed tensor as first argument", op.OpName)
		}
		self.SetSpec(sharding.OutputSpecs[0])
		return self, nil

	case schema.IsOutVariant:
		if len(op.OutArgs) == 0 {
			return nil, errors.Errorf("out-variant operator %s declares no out arguments", op.OpName)
		}
		outDts := make([]*DTensor, 0, len(op.OutArgs))
		for i, name := range op.OutArgs {
			outDt, ok := kwargs[name].(*DTensor)
			if !ok {
				return nil, errors.Errorf("out argument %q of %s is not a distributed tensor", name, op.OpName)
			}
			if i >= len(sharding.OutputSpecs) {
				return nil, errors.Errorf("operator %s has %d out arguments but propagation resolved only %d outputs",
					op.OpName, len(op.OutArgs), len(sharding.OutputSpecs))
			}
			outDt.SetSpec(sharding.OutputSpecs[i])
			outDts = append(outDts, outDt)
		}
		if len(outDts) == 1 {
			return outDts[0], nil
		}
		return outDts, nil

	default:
		return wrapResults(result, sharding.OutputSpecs, groupOfArgs(args, kwargs))
	}
}

// packLocalArgs walks the original arguments next to the target schema, redistributes
// every distributed tensor to its target descriptor when requested, and substitutes
// local shards. Non-tensor leaves are taken from the schema, which a suggestion may
// have modified (e.g. shape arguments of view-like operators).
func packLocalArgs(args []any, argsSchema []any, redistribute bool) ([]any, error) {
	packed, err := packLocalTree(args, argsSchema, redistribute)
	if err != nil {
		return nil, err
	}
	return packed.([]any), nil
}

func packLocalTree(tree, schemaTree any, redistribute bool) (any, error) {
	var firstErr error
	packed := MapTree2(tree, schemaTree, func(leaf, schemaLeaf any) any {
		dt, ok := leaf.(*DTensor)
		if !ok {
			return schemaLeaf
		}
		if redistribute {
			target := specOf(schemaLeaf)
			redistributed, err := dt.redistributeTo(target)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			dt = redistributed
		}
		return dt.LocalTensor()
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return packed, nil
}

// wrapResults wraps raw local results with the propagated output descriptors:
// a single tensor gets the first descriptor, a slice of tensors gets one descriptor
// each (nil results stay nil, e.g. masked gradients). Non-tensor results pass through.
func wrapResults(result any, specs []*mesh.Spec, group comms.Group) (any, error) {
	switch res := result.(type) {
	case *tensor.Tensor:
		if len(specs) == 0 || specs[0] == nil {
			return nil, errors.New("no output descriptor to wrap result with")
		}
		return &DTensor{local: res, spec: specs[0], group: group}, nil
	case []*tensor.Tensor:
		if len(res) > len(specs) {
			return nil, errors.Errorf("operator produced %d outputs but propagation resolved %d", len(res), len(specs))
		}
		outs := make([]*DTensor, len(res))
		for i, t := range res {
			if t == nil {
				continue
			}
			if specs[i] == nil {
				return nil, errors.Errorf("no output descriptor for output #%d", i)
			}
			outs[i] = &DTensor{local: t, spec: specs[i], group: group}
		}
		return outs, nil
	default:
		return result, nil
	}
}

func firstArg(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

// groupOfArgs finds the communicator of the first distributed tensor in the call.
func groupOfArgs(args []any, kwargs map[string]any) comms.Group {
	var group comms.Group
	find := func(leaf any) any {
		if dt, ok := leaf.(*DTensor); ok && group == nil {
			group = dt.Group()
		}
		return leaf
	}
	MapArgs(args, find)
	if group == nil {
		MapKwargs(kwargs, find)
	}
	return group
}
