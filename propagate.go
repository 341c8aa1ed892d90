package dtensor

import (
	"github.com/gomlx/dtensor/types/mesh"
	"k8s.io/klog/v2"
)

// UnwrapSchema replaces a distributed tensor by its sharding descriptor; any other
// value passes through unchanged. It is the leaf function used to build OpSchemas.
func UnwrapSchema(leaf any) any {
	if dt, ok := leaf.(*DTensor); ok {
		return dt.Spec()
	}
	return leaf
}

// UnwrapLocalTensor replaces a distributed tensor by its local shard; any other value
// passes through unchanged.
func UnwrapLocalTensor(leaf any) any {
	if dt, ok := leaf.(*DTensor); ok {
		return dt.LocalTensor()
	}
	return leaf
}

// PropagateInputSharding builds the OpSchema for an operator call, runs the
// registered sharding rule and resolves the output sharding.
//
// On success it returns the target schema (the original, or the rule's first
// suggestion), whether the inputs must be redistributed to match that target, and the
// resolved output sharding.
//
// When no rule is registered and enableFallback is true, it returns a nil
// OutputSharding, signaling the caller to take the local-tensor fallback path;
// with enableFallback false this is a *NoRuleError.
//
// The rule runs at most twice: once with the original schema and, if that resolves no
// output sharding but offers suggestions, once more with the first suggestion. A
// suggestion that itself resolves nothing is a *NoSuggestionError, never a further
// retry.
func PropagateInputSharding(op *OpOverload, args []any, kwargs map[string]any,
	registry *Registry, enableFallback bool) (*OpSchema, bool, *OutputSharding, error) {
	argsSchema := MapArgs(args, UnwrapSchema)
	kwargsSchema := MapKwargs(kwargs, UnwrapSchema)
	schema := NewOpSchema(op.OpName, argsSchema, kwargsSchema)

	if klog.V(2).Enabled() {
		klog.Infof("propagate %s", schema)
	}

	rule, found := registry.Lookup(op.OpName)
	if !found {
		if enableFallback {
			return schema, false, nil, nil
		}
		return nil, false, nil, &NoRuleError{Op: op.OpName}
	}

	sharding, err := rule(schema)
	if err != nil {
		return nil, false, nil, &PropagationError{Op: op.OpName, Schema: schema, Cause: err}
	}

	if sharding.Resolved() {
		return schema, false, sharding, nil
	}

	if len(sharding.SchemaSuggestions) > 0 {
		// Suggestion order is authoritative: take the first, no costing.
		target := sharding.SchemaSuggestions[0]
		sharding, err = rule(target)
		if err != nil {
			return nil, false, nil, &PropagationError{Op: op.OpName, Schema: target, Cause: err}
		}
		if !sharding.Resolved() {
			return nil, false, nil, &NoSuggestionError{Op: op.OpName, Reason: sharding.FailedReason}
		}
		return target, true, sharding, nil
	}

	return nil, false, nil, &NoSuggestionError{Op: op.OpName, Reason: sharding.FailedReason}
}

// specOf is a small helper for dispatch: the schema leaf as a descriptor, or nil.
func specOf(leaf any) *mesh.Spec {
	spec, _ := leaf.(*mesh.Spec)
	return spec
}
