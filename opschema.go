package dtensor

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/dtensor/types/mesh"
)

// OpName identifies an operator overload: namespace, base name and overload name.
// It is the compound key of the rule registry and of the custom-op and decomposition
// tables.
type OpName struct {
	Namespace string
	Name      string
	Overload  string
}

// String implements the fmt.Stringer interface, rendering "ns::name.overload".
func (n OpName) String() string {
	if n.Overload == "" {
		return fmt.Sprintf("%s::%s", n.Namespace, n.Name)
	}
	return fmt.Sprintf("%s::%s.%s", n.Namespace, n.Name, n.Overload)
}

// OpOverload is a resolved operator: its identity plus the function that executes it
// on local (non-distributed) tensors.
type OpOverload struct {
	OpName

	// Fn executes the operator on local tensors. Arguments mirror the dispatch call,
	// with every distributed tensor replaced by its local shard.
	Fn func(args []any, kwargs map[string]any) (any, error)

	// OutArgs names the formal "out" arguments of an out-variant overload, in
	// declaration order. Out arguments are passed through kwargs.
	OutArgs []string
}

// OpSchema is the normalized view of one operator call: the operator name plus the
// positional and keyword arguments with every distributed tensor replaced by its
// sharding descriptor (*mesh.Spec). Non-tensor values pass through unchanged.
//
// Sharding rules only read the descriptors reachable from an OpSchema; a new
// descriptor is constructed for any derived output or suggestion. IsInplace and
// IsOutVariant are derived from the operator name at construction and never change.
type OpSchema struct {
	Op           OpName
	ArgsSchema   []any
	KwargsSchema map[string]any

	// IsInplace is whether the operator mutates its first argument. By convention
	// such operators carry a trailing underscore in their base name.
	IsInplace bool

	// IsOutVariant is whether the operator writes into explicit "out" arguments,
	// marked by "out" in the overload name.
	IsOutVariant bool
}

// NewOpSchema builds an OpSchema for the given operator. argsSchema and kwargsSchema
// must already have distributed tensors replaced by their descriptors (see
// UnwrapSchema).
func NewOpSchema(op OpName, argsSchema []any, kwargsSchema map[string]any) *OpSchema {
	return &OpSchema{
		Op:           op,
		ArgsSchema:   argsSchema,
		KwargsSchema: kwargsSchema,
		IsInplace:    strings.HasSuffix(op.Name, "_"),
		IsOutVariant: strings.Contains(op.Overload, "out"),
	}
}

// ArgsSpec returns the sharding descriptors present in ArgsSchema, preserving order
// and skipping non-tensor arguments.
func (s *OpSchema) ArgsSpec() []*mesh.Spec {
	var specs []*mesh.Spec
	for _, arg := range s.ArgsSchema {
		if spec, ok := arg.(*mesh.Spec); ok {
			specs = append(specs, spec)
		}
	}
	return specs
}

// WithArgsSchema returns a copy of the schema with the positional arguments replaced.
// Used by rules to construct schema suggestions; the original schema is not modified.
func (s *OpSchema) WithArgsSchema(argsSchema []any) *OpSchema {
	return &OpSchema{
		Op:           s.Op,
		ArgsSchema:   argsSchema,
		KwargsSchema: maps.Clone(s.KwargsSchema),
		IsInplace:    s.IsInplace,
		IsOutVariant: s.IsOutVariant,
	}
}

// String implements the fmt.Stringer interface.
func (s *OpSchema) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s(", s.Op)
	for i, arg := range s.ArgsSchema {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%v", arg)
	}
	if len(s.KwargsSchema) > 0 {
		for _, name := range slices.Sorted(maps.Keys(s.KwargsSchema)) {
			_, _ = fmt.Fprintf(&sb, ", %s=%v", name, s.KwargsSchema[name])
		}
	}
	sb.WriteString(")")
	return sb.String()
}

// OutputSharding is the result of one sharding-rule invocation: either the resolved
// output descriptor(s), or a failure optionally carrying alternative input schemas
// ("suggestions") the driver may retry with.
//
// Every rule invocation produces a fresh OutputSharding; it is never mutated.
type OutputSharding struct {
	// OutputSpecs holds one descriptor per operator output. nil means unresolved.
	// Multi-output operators get one entry per output; entries may be nil for
	// outputs the operator did not produce (e.g. masked gradients).
	OutputSpecs []*mesh.Spec

	// SchemaSuggestions are alternative input schemas, in preference order. Only
	// meaningful when OutputSpecs is nil.
	SchemaSuggestions []*OpSchema

	// FailedReason is a diagnostic for an unresolved propagation without suggestions.
	FailedReason string
}

// NewOutputSharding returns a resolved OutputSharding with a single output descriptor.
func NewOutputSharding(spec *mesh.Spec) *OutputSharding {
	return &OutputSharding{OutputSpecs: []*mesh.Spec{spec}}
}

// NewMultiOutputSharding returns a resolved OutputSharding for a multi-output operator.
func NewMultiOutputSharding(specs ...*mesh.Spec) *OutputSharding {
	return &OutputSharding{OutputSpecs: specs}
}

// Resolved returns whether propagation produced output descriptor(s).
func (o *OutputSharding) Resolved() bool {
	return o != nil && o.OutputSpecs != nil
}
