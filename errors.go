package dtensor

import (
	"fmt"
)

// NoRuleError reports that an operator has no sharding rule registered and the
// local-tensor fallback is disabled.
type NoRuleError struct {
	Op OpName
}

func (e *NoRuleError) Error() string {
	return fmt.Sprintf("operator %s does not have a distributed-tensor sharding rule registered", e.Op)
}

// PropagationError reports that the sharding rule itself failed. It chains the
// original error and carries the full input schema for diagnosis.
type PropagationError struct {
	Op     OpName
	Schema *OpSchema
	Cause  error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("sharding propagation failed on operator %s: %v\ninput schema: %s", e.Op, e.Cause, e.Schema)
}

func (e *PropagationError) Unwrap() error {
	return e.Cause
}

// NoSuggestionError reports that a rule resolved no output sharding and offered no
// viable alternative input schema.
type NoSuggestionError struct {
	Op     OpName
	Reason string
}

func (e *NoSuggestionError) Error() string {
	return fmt.Sprintf("sharding propagation failed on operator %s: no viable sharding (%s)", e.Op, e.Reason)
}

// UnsupportedConvError reports that the tensor-parallel convolution path was invoked
// with a sharding/hyperparameter pattern it does not support. No communication has
// happened when it is returned.
type UnsupportedConvError struct {
	Reason string
}

func (e *UnsupportedConvError) Error() string {
	return fmt.Sprintf("unsupported tensor-parallel convolution: %s", e.Reason)
}
