package mesh

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/dtensor/types/shapes"
	"github.com/pkg/errors"
)

// Kind is the variant tag of a Placement.
type Kind int

//go:generate go tool enumer -type=Kind placement.go

const (
	InvalidKind Kind = iota

	// ShardKind shards one tensor dimension across the devices of one mesh dimension.
	ShardKind

	// ReplicateKind replicates the tensor across the devices of one mesh dimension.
	ReplicateKind

	// PartialKind marks the tensor as holding partial values on each device of one
	// mesh dimension: the full value is the pending sum-reduction across them.
	PartialKind
)

// Placement describes how a tensor relates to one mesh dimension: sharded on some
// tensor dimension, replicated, or partial (pending sum-reduction).
//
// Placement is an immutable value; use the Shard, Replicate and Partial constructors.
type Placement struct {
	kind Kind

	// dim is the tensor dimension being sharded. Only meaningful for ShardKind.
	dim int
}

// Shard returns a Placement that shards the given tensor dimension across a mesh dimension.
func Shard(dim int) Placement {
	return Placement{kind: ShardKind, dim: dim}
}

// Replicate returns a Placement that replicates the tensor across a mesh dimension.
func Replicate() Placement {
	return Placement{kind: ReplicateKind}
}

// Partial returns a Placement marking a pending sum-reduction across a mesh dimension.
func Partial() Placement {
	return Placement{kind: PartialKind}
}

// Kind returns the variant tag of the placement.
func (p Placement) Kind() Kind {
	return p.kind
}

// IsShard returns whether the placement shards a tensor dimension.
func (p Placement) IsShard() bool {
	return p.kind == ShardKind
}

// IsReplicate returns whether the placement replicates the tensor.
func (p Placement) IsReplicate() bool {
	return p.kind == ReplicateKind
}

// IsPartial returns whether the placement marks a pending sum-reduction.
func (p Placement) IsPartial() bool {
	return p.kind == PartialKind
}

// ShardDim returns the tensor dimension being sharded. It panics if the placement is
// not a Shard.
func (p Placement) ShardDim() int {
	if p.kind != ShardKind {
		panic(fmt.Sprintf("ShardDim called on %s placement", p.kind))
	}
	return p.dim
}

// String implements the fmt.Stringer interface.
func (p Placement) String() string {
	switch p.kind {
	case ShardKind:
		return fmt.Sprintf("S(%d)", p.dim)
	case ReplicateKind:
		return "R"
	case PartialKind:
		return "P"
	default:
		return "?"
	}
}

// Spec is the sharding descriptor of a distributed tensor: the mesh it lives on, one
// Placement per mesh dimension, and the metadata (shape, strides, dtype) of the
// logical tensor.
//
// Spec is immutable after construction. Sharding rules read Specs reachable from an
// OpSchema but never write them; any derived output or suggestion gets a freshly
// constructed Spec.
type Spec struct {
	mesh       *DeviceMesh
	placements []Placement
	meta       shapes.TensorMeta
}

// NewSpec creates a sharding descriptor. It requires one placement per mesh dimension
// and validates shard dimensions against the tensor rank.
func NewSpec(m *DeviceMesh, placements []Placement, meta shapes.TensorMeta) (*Spec, error) {
	s := &Spec{mesh: m, placements: slices.Clone(placements), meta: meta}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the Spec internal consistency.
func (s *Spec) Validate() error {
	if s.mesh == nil {
		return errors.New("Spec has no mesh")
	}
	if len(s.placements) != s.mesh.Rank() {
		return errors.Errorf("Spec must have one placement per mesh dimension: got %d placements for %s",
			len(s.placements), s.mesh)
	}
	if err := s.meta.Validate(); err != nil {
		return errors.WithMessagef(err, "Spec for %s", s.mesh)
	}
	for meshDim, p := range s.placements {
		switch p.Kind() {
		case ShardKind:
			if p.ShardDim() < 0 || p.ShardDim() >= s.meta.Shape.Rank() {
				return errors.Errorf("Spec placement %s on mesh dimension %d shards tensor dimension out of range for %s",
					p, meshDim, s.meta.Shape)
			}
		case ReplicateKind, PartialKind:
			// Nothing to check.
		default:
			return errors.Errorf("Spec has invalid placement on mesh dimension %d", meshDim)
		}
	}
	return nil
}

// Mesh returns the device mesh the descriptor refers to. The mesh is shared, not owned.
func (s *Spec) Mesh() *DeviceMesh {
	return s.mesh
}

// Placements returns a copy of the per-mesh-dimension placements.
func (s *Spec) Placements() []Placement {
	return slices.Clone(s.placements)
}

// Placement returns the placement for the given mesh dimension.
func (s *Spec) Placement(meshDim int) Placement {
	return s.placements[meshDim]
}

// Meta returns the logical tensor metadata.
func (s *Spec) Meta() shapes.TensorMeta {
	return s.meta
}

// IsReplicated returns whether the tensor is fully replicated: every mesh dimension
// holds a Replicate placement.
func (s *Spec) IsReplicated() bool {
	for _, p := range s.placements {
		if !p.IsReplicate() {
			return false
		}
	}
	return true
}

// DimMap returns, for each tensor dimension, the mesh dimension it is sharded on, or
// -1 if it is not sharded.
func (s *Spec) DimMap() []int {
	dimMap := make([]int, s.meta.Shape.Rank())
	for i := range dimMap {
		dimMap[i] = -1
	}
	for meshDim, p := range s.placements {
		if p.IsShard() {
			dimMap[p.ShardDim()] = meshDim
		}
	}
	return dimMap
}

// Sums returns the mesh dimensions with a pending sum-reduction (Partial placements),
// in ascending order.
func (s *Spec) Sums() []int {
	var sums []int
	for meshDim, p := range s.placements {
		if p.IsPartial() {
			sums = append(sums, meshDim)
		}
	}
	return sums
}

// FromDimMap constructs a Spec from the inverse representation used by sharding rules:
// dimMap gives, per tensor dimension, the mesh dimension it is sharded on (-1 for not
// sharded), and sums lists the mesh dimensions with pending sum-reductions.
func FromDimMap(m *DeviceMesh, dimMap []int, sums []int, meta shapes.TensorMeta) (*Spec, error) {
	placements := make([]Placement, m.Rank())
	for i := range placements {
		placements[i] = Replicate()
	}
	for _, meshDim := range sums {
		if meshDim < 0 || meshDim >= m.Rank() {
			return nil, errors.Errorf("pending sum on mesh dimension %d out of range for %s", meshDim, m)
		}
		placements[meshDim] = Partial()
	}
	for tensorDim, meshDim := range dimMap {
		if meshDim < 0 {
			continue
		}
		if meshDim >= m.Rank() {
			return nil, errors.Errorf("dimMap %v refers to mesh dimension %d out of range for %s", dimMap, meshDim, m)
		}
		if !placements[meshDim].IsReplicate() {
			return nil, errors.Errorf("dimMap %v assigns mesh dimension %d twice (or it has a pending sum)",
				dimMap, meshDim)
		}
		placements[meshDim] = Shard(tensorDim)
	}
	return NewSpec(m, placements, meta)
}

// Equal returns whether the two descriptors refer to the same mesh and have the same
// placements and tensor metadata.
func (s *Spec) Equal(o *Spec) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.mesh == o.mesh && slices.Equal(s.placements, o.placements) && s.meta.Equal(o.meta)
}

// String implements the fmt.Stringer interface.
func (s *Spec) String() string {
	var sb strings.Builder
	sb.WriteString("Spec[")
	for i, p := range s.placements {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	_, _ = fmt.Fprintf(&sb, "] of %s on %s", s.meta.Shape, s.mesh)
	return sb.String()
}
