// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/cliques/pkg/support/sets"
	"github.com/pkg/errors"
)

// DeviceMesh defines the logical topology of a set of devices, organized along named axes.
//
// It is used by the planner to compute the replica groups of a collective operation run along some of the
// axes, and the CliqueKey (with its lineage) each device uses for it.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// devices in the order they appear in the mesh (row-major over the axes).
	devices []GlobalDeviceID

	// deviceToIndex maps a device to its flat index in the mesh.
	deviceToIndex map[GlobalDeviceID]int
}

// DefaultMeshName is the name given to meshes, unless set with SetName.
const DefaultMeshName = "mesh"

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a new logical topology of a set of devices.
//
//   - axesSizes: defines the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes. One value per axis.
//   - devices: the global device ids, in row-major order over the axes. If empty, devices 0 to N-1 are used.
//
// Example:
//
//	m, _ := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	m.ComputeReplicaGroups([]string{"data"})  // -> [[0 1] [2 3]]
func NewDeviceMesh(axesSizes []int, axesNames []string, devices ...GlobalDeviceID) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}

	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have a positive size, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}

	if len(devices) == 0 {
		devices = make([]GlobalDeviceID, numDevices)
		for i := range devices {
			devices[i] = GlobalDeviceID(i)
		}
	} else if len(devices) != numDevices {
		return nil, errors.Errorf("DeviceMesh with axes sizes %v requires %d devices, got %d",
			axesSizes, numDevices, len(devices))
	}
	deviceToIndex := make(map[GlobalDeviceID]int, numDevices)
	for i, device := range devices {
		if _, found := deviceToIndex[device]; found {
			return nil, errors.Errorf("device #%d is duplicated in the DeviceMesh", device)
		}
		deviceToIndex[device] = i
	}

	return &DeviceMesh{
		name:          DefaultMeshName,
		axesNames:     slices.Clone(axesNames),
		axesSizes:     slices.Clone(axesSizes),
		nameToAxis:    nameToAxis,
		devices:       slices.Clone(devices),
		deviceToIndex: deviceToIndex,
	}, nil
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return len(m.devices)
}

// Devices returns a copy of the devices of the mesh, in mesh order.
func (m *DeviceMesh) Devices() []GlobalDeviceID {
	return slices.Clone(m.devices)
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
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

// ComputeReplicaGroups returns the groups of devices participating in a collective operation performed
// along the given axes. An empty list of axes means all axes.
//
// Each group holds the devices that only differ in their position along the given axes. The other axes
// split the devices into different groups.
//
// Example:
//
//	m, _ := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	m.ComputeReplicaGroups([]string{"batch"})          // -> [[0 2] [1 3]]
//	m.ComputeReplicaGroups([]string{"data"})           // -> [[0 1] [2 3]]
//	m.ComputeReplicaGroups([]string{"batch", "data"})  // -> [[0 1 2 3]]
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]GlobalDeviceID, error) {
	if len(axes) == 0 {
		axes = m.axesNames
	}
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
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
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := len(m.devices) / groupSize
	groups := make([][]GlobalDeviceID, numGroups)
	for i := range groups {
		groups[i] = make([]GlobalDeviceID, groupSize)
	}

	indices := make([]int, len(m.axesSizes))
	for flatIdx := range m.devices {
		// Convert flat index to per-axis indices.
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}
		groupIdx := flatPosition(indices, nonAxisIndices, m.axesSizes)
		posInGroup := flatPosition(indices, axisIndices, m.axesSizes)
		groups[groupIdx][posInGroup] = m.devices[flatIdx]
	}
	return groups, nil
}

// flatPosition returns the row-major position of the given indices restricted to the selected axes.
func flatPosition(indices, selectedAxes, axesSizes []int) int {
	position := 0
	multiplier := 1
	for i := len(selectedAxes) - 1; i >= 0; i-- {
		axisIdx := selectedAxes[i]
		position += indices[axisIdx] * multiplier
		multiplier *= axesSizes[axisIdx]
	}
	return position
}

// ReplicaGroupOf returns the replica group (see ComputeReplicaGroups) the device belongs to, for a collective
// along the given axes.
func (m *DeviceMesh) ReplicaGroupOf(device GlobalDeviceID, axes []string) ([]GlobalDeviceID, error) {
	if _, found := m.deviceToIndex[device]; !found {
		return nil, errors.Errorf("device #%d is not part of %s", device, m)
	}
	groups, err := m.ComputeReplicaGroups(axes)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if slices.Contains(group, device) {
			return group, nil
		}
	}
	return nil, errors.Errorf("device #%d not found in the replica groups of %s", device, m)
}

// SplitLineage returns the participant groups (lineage) of a clique formed by the given replica group of
// this mesh: a clique spanning the whole mesh has lineage [all], and a smaller group is considered carved
// from the whole mesh clique, with lineage [all, group].
func (m *DeviceMesh) SplitLineage(group []GlobalDeviceID) [][]GlobalDeviceID {
	all := m.Devices()
	if sets.MakeWith(group...).Equal(sets.MakeWith(all...)) {
		return [][]GlobalDeviceID{all}
	}
	return [][]GlobalDeviceID{all, slices.Clone(group)}
}

// CliqueKeyFor returns the CliqueKey used by the device for a collective along the given axes (empty means
// all axes) on the given stream.
func (m *DeviceMesh) CliqueKeyFor(device GlobalDeviceID, axes []string, isAsync bool,
	kind AsyncStreamKind) (CliqueKey, error) {
	group, err := m.ReplicaGroupOf(device, axes)
	if err != nil {
		return CliqueKey{}, err
	}
	return MakeCliqueKey(group, GetStreamID(isAsync, kind), kind, m.SplitLineage(group)), nil
}
