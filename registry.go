package dtensor

import (
	"github.com/pkg/errors"
)

// RuleFn is a sharding-propagation rule: a pure function from an operator's input
// schema to its output sharding. Rules must not perform I/O or communication and must
// not mutate the schema or any descriptor reachable from it.
type RuleFn func(schema *OpSchema) (*OutputSharding, error)

// Registry maps operator names to their sharding rules. It is populated during
// process/module initialization and read-only afterwards, so lookups need no locking.
type Registry struct {
	rules map[OpName]RuleFn
}

// NewRegistry returns an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[OpName]RuleFn)}
}

// Register adds a rule for the given operator. Registering the same operator twice is
// an error: rules are never silently overwritten.
func (r *Registry) Register(op OpName, rule RuleFn) error {
	if rule == nil {
		return errors.Errorf("nil sharding rule for operator %s", op)
	}
	if _, found := r.rules[op]; found {
		return errors.Errorf("sharding rule for operator %s is already registered", op)
	}
	r.rules[op] = rule
	return nil
}

// Lookup returns the rule registered for the operator, if any.
func (r *Registry) Lookup(op OpName) (RuleFn, bool) {
	rule, found := r.rules[op]
	return rule, found
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide rule registry that RegisterPropRule
// populates. It must be fully populated before the first dispatch.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// RegisterPropRule registers a sharding rule in the default registry. It is meant to
// be called from package init functions and panics on duplicate registration, which
// is a programming error.
func RegisterPropRule(op OpName, rule RuleFn) {
	if err := defaultRegistry.Register(op, rule); err != nil {
		panic(err)
	}
}
