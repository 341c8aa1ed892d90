package dtensor

import (
	"fmt"
	"slices"

	"github.com/gomlx/dtensor/comms"
	"github.com/gomlx/dtensor/tensor"
	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/shapes"
	"github.com/pkg/errors"
)

// DTensor is a distributed tensor: this rank's local shard, the sharding descriptor
// that says how the shards compose into the logical tensor, and the communicator
// used when the shards must be rearranged.
//
// A DTensor is exclusively owned by its calling goroutine for the duration of one
// dispatch call. The descriptor is replaced, never mutated, when an in-place or
// out-variant operator rewires it.
type DTensor struct {
	local *tensor.Tensor
	spec  *mesh.Spec
	group comms.Group
}

// LocalShardDims returns the expected dimensions of one local shard under the given
// descriptor. Sharded tensor dimensions must divide evenly by the mesh axis size.
func LocalShardDims(spec *mesh.Spec) ([]int, error) {
	dims := slices.Clone(spec.Meta().Shape.Dimensions)
	axesSizes := spec.Mesh().AxesSizes()
	for meshDim, p := range spec.Placements() {
		if !p.IsShard() {
			continue
		}
		d := p.ShardDim()
		size := axesSizes[meshDim]
		if dims[d]%size != 0 {
			return nil, errors.Errorf("tensor dimension %d of size %d does not divide evenly across mesh dimension %d of size %d",
				d, dims[d], meshDim, size)
		}
		dims[d] /= size
	}
	return dims, nil
}

// FromLocal wraps an already materialized local shard with its sharding descriptor.
// The shard's shape must match what the descriptor implies for this rank.
func FromLocal(local *tensor.Tensor, spec *mesh.Spec, group comms.Group) (*DTensor, error) {
	if local == nil {
		return nil, errors.New("FromLocal requires a local tensor")
	}
	if err := checkGroupMesh(spec, group); err != nil {
		return nil, err
	}
	expected, err := LocalShardDims(spec)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(local.Shape().Dimensions, expected) || local.DType() != spec.Meta().Shape.DType {
		return nil, errors.Errorf("local shard %s doesn't match the shard shape %s implied by %s",
			local.Shape(), shapes.Make(spec.Meta().Shape.DType, expected...), spec)
	}
	return &DTensor{local: local, spec: spec, group: group}, nil
}

// Distribute builds this rank's DTensor from the full logical tensor, which every
// rank must pass identically: sharded dimensions are narrowed to this rank's chunk,
// replicated ones are kept whole. For a Partial placement the first rank keeps the
// values and the others get zeros, so the pending sum reconstructs the original.
func Distribute(full *tensor.Tensor, spec *mesh.Spec, group comms.Group) (*DTensor, error) {
	if full == nil {
		return nil, errors.New("Distribute requires the full tensor")
	}
	if err := checkGroupMesh(spec, group); err != nil {
		return nil, err
	}
	if !full.Shape().Equal(spec.Meta().Shape) {
		return nil, errors.Errorf("full tensor %s doesn't match descriptor meta %s", full.Shape(), spec.Meta().Shape)
	}
	coords, err := spec.Mesh().Coordinates(group.Rank())
	if err != nil {
		return nil, err
	}
	local := full
	axesSizes := spec.Mesh().AxesSizes()
	for meshDim, p := range spec.Placements() {
		switch {
		case p.IsShard():
			d := p.ShardDim()
			size := axesSizes[meshDim]
			if local.Dim(d)%size != 0 {
				return nil, errors.Errorf("tensor dimension %d of size %d does not divide evenly across mesh dimension %d of size %d",
					d, local.Dim(d), meshDim, size)
			}
			chunk := local.Dim(d) / size
			local, err = local.Narrow(d, coords[meshDim]*chunk, chunk)
			if err != nil {
				return nil, err
			}
		case p.IsPartial():
			if coords[meshDim] != 0 {
				local = tensor.ZerosLike(local)
			}
		}
	}
	if local == full {
		local = full.Clone()
	}
	return &DTensor{local: local, spec: spec, group: group}, nil
}

// LocalTensor returns the local shard. No copy is implied: the caller must not
// modify it while the DTensor is in use.
func (t *DTensor) LocalTensor() *tensor.Tensor {
	return t.local
}

// Spec returns the sharding descriptor.
func (t *DTensor) Spec() *mesh.Spec {
	return t.spec
}

// SetSpec replaces the sharding descriptor. Used by dispatch to rewire in-place and
// out-variant results; the descriptor itself is immutable and simply swapped.
func (t *DTensor) SetSpec(spec *mesh.Spec) {
	t.spec = spec
}

// Group returns the communicator this DTensor redistributes through.
func (t *DTensor) Group() comms.Group {
	return t.group
}

// String implements the fmt.Stringer interface.
func (t *DTensor) String() string {
	return fmt.Sprintf("DTensor(local=%s, %s)", t.local.Shape(), t.spec)
}

// FullTensor redistributes to a fully replicated layout and returns the materialized
// logical tensor. It triggers collective communication on sharded or partial inputs.
func (t *DTensor) FullTensor() (*tensor.Tensor, error) {
	placements := make([]mesh.Placement, t.spec.Mesh().Rank())
	for i := range placements {
		placements[i] = mesh.Replicate()
	}
	replicated, err := t.Redistribute(placements)
	if err != nil {
		return nil, err
	}
	return replicated.LocalTensor(), nil
}

func checkGroupMesh(spec *mesh.Spec, group comms.Group) error {
	if spec == nil {
		return errors.New("nil sharding descriptor")
	}
	if group == nil {
		return errors.New("nil communicator group")
	}
	if spec.Mesh().NumDevices() != group.WorldSize() {
		return errors.Errorf("descriptor mesh %s has %d devices but the communicator world size is %d",
			spec.Mesh(), spec.Mesh().NumDevices(), group.WorldSize())
	}
	return nil
}
