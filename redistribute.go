package dtensor

import (
	"github.com/gomlx/dtensor/tensor"
	"github.com/gomlx/dtensor/types/mesh"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Redistribute returns a new DTensor holding the same logical tensor under the given
// target placements, moving data between ranks as needed:
//
//   - Shard -> Replicate: all-gather and concatenate along the sharded dimension.
//   - Partial -> Replicate: all-reduce the pending sum.
//   - Replicate -> Shard: narrow the local copy, no communication.
//   - Replicate -> Partial: the first rank keeps the values, the others zero theirs.
//   - Any other transition composes through Replicate.
//
// Only rank-1 meshes are supported: per-axis sub-communicators for higher-rank meshes
// belong to the communication layer behind comms.Group.
//
// The receiver is not modified. Within one dispatch, redistribution always completes
// before local computation begins.
func (t *DTensor) Redistribute(target []mesh.Placement) (*DTensor, error) {
	m := t.spec.Mesh()
	if len(target) != m.Rank() {
		return nil, errors.Errorf("target placements %v must have one entry per mesh dimension (%d)", target, m.Rank())
	}
	if m.Rank() != 1 {
		return nil, errors.Errorf("redistribution only supports rank-1 meshes, got %s", m)
	}

	current := t.spec.Placement(0)
	want := target[0]
	if current == want {
		return &DTensor{local: t.local, spec: t.spec, group: t.group}, nil
	}
	if klog.V(2).Enabled() {
		klog.Infof("rank %d: redistribute %s -> %s", t.group.Rank(), current, want)
	}

	local := t.local
	var err error

	// First bring the local shard to the replicated (full) layout.
	switch current.Kind() {
	case mesh.ShardKind:
		parts, gatherErr := t.group.AllGather(local)
		if gatherErr != nil {
			return nil, gatherErr
		}
		local, err = tensor.Concat(current.ShardDim(), parts...)
		if err != nil {
			return nil, err
		}
	case mesh.PartialKind:
		local, err = t.group.AllReduceSum(local)
		if err != nil {
			return nil, err
		}
	case mesh.ReplicateKind:
		local = local.Clone()
	default:
		return nil, errors.Errorf("cannot redistribute from placement %s", current)
	}

	// Then specialize to the target placement.
	switch want.Kind() {
	case mesh.ReplicateKind:
		// Already there.
	case mesh.ShardKind:
		d := want.ShardDim()
		size := m.AxesSizes()[0]
		if local.Dim(d)%size != 0 {
			return nil, errors.Errorf("tensor dimension %d of size %d does not divide evenly across %d devices",
				d, local.Dim(d), size)
		}
		chunk := local.Dim(d) / size
		local, err = local.Narrow(d, t.group.Rank()*chunk, chunk)
		if err != nil {
			return nil, err
		}
	case mesh.PartialKind:
		if t.group.Rank() != 0 {
			local = tensor.ZerosLike(local)
		}
	default:
		return nil, errors.Errorf("cannot redistribute to placement %s", want)
	}

	spec, err := mesh.NewSpec(m, target, t.spec.Meta())
	if err != nil {
		return nil, err
	}
	return &DTensor{local: local, spec: spec, group: t.group}, nil
}

// redistributeTo redistributes t to match the placements of the target descriptor.
// Used by dispatch when the propagation driver signaled redistribution.
func (t *DTensor) redistributeTo(target *mesh.Spec) (*DTensor, error) {
	if target == nil {
		return nil, errors.New("nil target descriptor")
	}
	if t.spec.Equal(target) {
		return t, nil
	}
	return t.Redistribute(target.Placements())
}
