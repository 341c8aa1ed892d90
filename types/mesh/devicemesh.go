// Package mesh provides the types that describe how a logical tensor is laid out over
// a set of devices: the DeviceMesh topology, per-mesh-dimension Placements and the
// Spec (sharding descriptor) that ties a mesh, placements and tensor metadata together.
package mesh

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/dtensor/internal/utils"
	"github.com/pkg/errors"
)

// DeviceMesh defines the logical topology of a set of devices (ranks).
//
// Devices are laid out on an n-dimensional grid of named axes. The flat device rank is
// the row-major index into that grid, so for a mesh of axes sizes [2, 4] device rank 5
// sits at coordinates [1, 1].
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int
}

// NewDeviceMesh creates a new logical topology of a set of devices.
//
//   - name: the name of the mesh, it must be a valid identifier (letters, digits, underscores).
//   - axesSizes: defines the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes, one value per axis. They must also be valid
//     identifiers.
func NewDeviceMesh(name string, axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	if name != utils.NormalizeIdentifier(name) {
		return nil, errors.Errorf("DeviceMesh name %q is not a valid identifier, suggestion %q",
			name, utils.NormalizeIdentifier(name))
	}
	axesNames = slices.Clone(axesNames)
	for i, axisName := range axesNames {
		if axisName != utils.NormalizeIdentifier(axisName) {
			return nil, errors.Errorf("DeviceMesh axis name %q at index %d is not a valid identifier, suggestion %q",
				axisName, i, utils.NormalizeIdentifier(axisName))
		}
	}

	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, axisName := range axesNames {
		if axisName == "" {
			return nil, errors.Errorf("DeviceMesh axis name at index %d cannot be empty", i)
		}
		if _, found := nameToAxis[axisName]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", axisName)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have size >= 1, got %d", axisName, axesSizes[i])
		}
		nameToAxis[axisName] = i
		numDevices *= axesSizes[i]
	}

	m := &DeviceMesh{
		name:       name,
		axesNames:  axesNames,
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}
	return m, nil
}

func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axes sizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// AxisIndex returns the index of the given mesh axis name.
func (m *DeviceMesh) AxisIndex(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return -1, errors.Errorf("mesh axis %q not found", axisName)
	}
	return idx, nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// Coordinates returns the per-axis coordinates of the given flat device rank.
//
// It is the inverse of the row-major flattening: for axes sizes [2, 4], device 5 is
// at coordinates [1, 1].
func (m *DeviceMesh) Coordinates(deviceRank int) ([]int, error) {
	if deviceRank < 0 || deviceRank >= m.numDevices {
		return nil, errors.Errorf("device rank %d out of range for %s with %d devices",
			deviceRank, m, m.numDevices)
	}
	coords := make([]int, len(m.axesSizes))
	remaining := deviceRank
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = remaining % m.axesSizes[i]
		remaining /= m.axesSizes[i]
	}
	return coords, nil
}

// FromCoordinates returns the flat device rank for the given per-axis coordinates.
func (m *DeviceMesh) FromCoordinates(coords []int) (int, error) {
	if len(coords) != len(m.axesSizes) {
		return -1, errors.Errorf("coordinates %v must have one value per mesh axis (%d)", coords, len(m.axesSizes))
	}
	deviceRank := 0
	for i, coord := range coords {
		if coord < 0 || coord >= m.axesSizes[i] {
			return -1, errors.Errorf("coordinate %d out of range for mesh axis %q of size %d",
				coord, m.axesNames[i], m.axesSizes[i])
		}
		deviceRank = deviceRank*m.axesSizes[i] + coord
	}
	return deviceRank, nil
}

// RingNeighbors returns the flat device ranks of the left and right neighbors of
// deviceRank along the given mesh axis, with wraparound -- the devices form a ring
// along each axis.
//
// With only one device along the axis, both neighbors are deviceRank itself.
func (m *DeviceMesh) RingNeighbors(deviceRank int, axisName string) (left, right int, err error) {
	axis, found := m.nameToAxis[axisName]
	if !found {
		return -1, -1, errors.Errorf("mesh axis %q not found", axisName)
	}
	coords, err := m.Coordinates(deviceRank)
	if err != nil {
		return -1, -1, err
	}
	size := m.axesSizes[axis]
	leftCoords := slices.Clone(coords)
	leftCoords[axis] = (coords[axis] - 1 + size) % size
	rightCoords := slices.Clone(coords)
	rightCoords[axis] = (coords[axis] + 1) % size
	left, err = m.FromCoordinates(leftCoords)
	if err != nil {
		return -1, -1, err
	}
	right, err = m.FromCoordinates(rightCoords)
	if err != nil {
		return -1, -1, err
	}
	return left, right, nil
}

// ComputeReplicaGroups returns the groups of devices participating together in some
// collective (distributed) operation, given the axes along which the operation is
// performed.
//
// Each replica group (a []int) includes the flat device ranks for the axes specified.
// The other axes will be split into different replica groups.
//
// Example:
//
//	m := NewDeviceMesh("m", []int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := utils.MakeSet[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !slices.Contains(axisIndices, i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numDevices / groupSize

	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for flatIdx := 0; flatIdx < m.numDevices; flatIdx++ {
		indices := make([]int, len(m.axesSizes))
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		groupIdx := 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = flatIdx
	}

	return groups, nil
}
