// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"

	. "github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMesh(t *testing.T) {
	t.Run("NewDeviceMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantRank  int
			wantNum   int
		}{
			{name: "1D mesh", shape: []int{8}, axisNames: []string{"replica"}, wantRank: 1, wantNum: 8},
			{name: "2D mesh", shape: []int{2, 4}, axisNames: []string{"x", "y"}, wantRank: 2, wantNum: 8},
			{name: "3D mesh", shape: []int{2, 2, 2}, axisNames: []string{"x", "y", "z"}, wantRank: 3, wantNum: 8},
			{name: "single device", shape: []int{1}, axisNames: []string{"replica"}, wantRank: 1, wantNum: 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := NewDeviceMesh(tt.shape, tt.axisNames)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
				assert.Equal(t, DefaultMeshName, mesh.Name())
			})
		}
	})

	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			devices   []GlobalDeviceID
			wantErr   string
		}{
			{name: "mismatched lengths", shape: []int{2, 4}, axisNames: []string{"x"},
				wantErr: "axesSizes and axesNames must have the same length"},
			{name: "empty shape", shape: []int{}, axisNames: []string{},
				wantErr: "DeviceMesh axesSizes cannot be empty"},
			{name: "invalid axis name", shape: []int{4}, axisNames: []string{"1x"},
				wantErr: "is not a valid identifier"},
			{name: "duplicate axis name", shape: []int{2, 2}, axisNames: []string{"x", "x"},
				wantErr: "is duplicated"},
			{name: "zero sized axis", shape: []int{0}, axisNames: []string{"x"},
				wantErr: "must have a positive size"},
			{name: "wrong number of devices", shape: []int{4}, axisNames: []string{"x"},
				devices: DeviceIDs(0, 1, 2), wantErr: "requires 4 devices, got 3"},
			{name: "duplicate device", shape: []int{2}, axisNames: []string{"x"},
				devices: DeviceIDs(7, 7), wantErr: "device #7 is duplicated"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := NewDeviceMesh(tt.shape, tt.axisNames, tt.devices...)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("Accessors", func(t *testing.T) {
		mesh, err := NewDeviceMesh([]int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)

		names := mesh.AxesNames()
		assert.Equal(t, []string{"x", "y"}, names)
		names[0] = "modified"
		assert.Equal(t, []string{"x", "y"}, mesh.AxesNames())

		sizes := mesh.AxesSizes()
		assert.Equal(t, []int{2, 4}, sizes)
		sizes[0] = 99
		assert.Equal(t, []int{2, 4}, mesh.AxesSizes())

		size, err := mesh.AxisSize("y")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		_, err = mesh.AxisSize("z")
		require.ErrorContains(t, err, "not found")

		assert.Equal(t, "DeviceMesh(axesSizes={x: 2, y: 4})", mesh.String())
		mesh.SetName("pod")
		assert.Equal(t, "pod", mesh.Name())
	})

	t.Run("ComputeReplicaGroups", func(t *testing.T) {
		mesh, err := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
		require.NoError(t, err)

		tests := []struct {
			name string
			axes []string
			want [][]GlobalDeviceID
		}{
			{name: "batch", axes: []string{"batch"}, want: [][]GlobalDeviceID{{0, 2}, {1, 3}}},
			{name: "data", axes: []string{"data"}, want: [][]GlobalDeviceID{{0, 1}, {2, 3}}},
			{name: "both", axes: []string{"batch", "data"}, want: [][]GlobalDeviceID{{0, 1, 2, 3}}},
			{name: "default all axes", axes: nil, want: [][]GlobalDeviceID{{0, 1, 2, 3}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				groups, err := mesh.ComputeReplicaGroups(tt.axes)
				require.NoError(t, err)
				assert.Equal(t, tt.want, groups)
			})
		}

		_, err = mesh.ComputeReplicaGroups([]string{"data", "data"})
		require.ErrorContains(t, err, "duplicated")
		_, err = mesh.ComputeReplicaGroups([]string{"model"})
		require.ErrorContains(t, err, "not found")
	})

	t.Run("CustomDevices", func(t *testing.T) {
		mesh, err := NewDeviceMesh([]int{2, 2}, []string{"x", "y"}, DeviceIDs(10, 11, 12, 13)...)
		require.NoError(t, err)
		groups, err := mesh.ComputeReplicaGroups([]string{"x"})
		require.NoError(t, err)
		assert.Equal(t, [][]GlobalDeviceID{{10, 12}, {11, 13}}, groups)

		group, err := mesh.ReplicaGroupOf(13, []string{"y"})
		require.NoError(t, err)
		assert.Equal(t, DeviceIDs(12, 13), group)

		_, err = mesh.ReplicaGroupOf(0, []string{"y"})
		require.ErrorContains(t, err, "not part of")
	})

	t.Run("CliqueKeyFor", func(t *testing.T) {
		mesh, err := NewDeviceMesh([]int{2, 2}, []string{"x", "y"})
		require.NoError(t, err)

		whole, err := mesh.CliqueKeyFor(2, nil, false, AsyncStreamKindCollective)
		require.NoError(t, err)
		assert.Equal(t, DeviceIDs(0, 1, 2, 3), whole.SortedDevices())
		assert.Equal(t, SyncStreamID, whole.StreamID())
		assert.Equal(t, [][]GlobalDeviceID{{0, 1, 2, 3}}, whole.ParticipantGroups())

		split, err := mesh.CliqueKeyFor(2, []string{"y"}, true, AsyncStreamKindP2P0)
		require.NoError(t, err)
		assert.Equal(t, DeviceIDs(2, 3), split.SortedDevices())
		assert.Equal(t, StreamID(2), split.StreamID())
		assert.Equal(t, AsyncStreamKindP2P0, split.StreamKind())
		assert.Equal(t, [][]GlobalDeviceID{{0, 1, 2, 3}, {2, 3}}, split.ParticipantGroups())

		// Both devices of the same group build equal keys independently.
		other, err := mesh.CliqueKeyFor(3, []string{"y"}, true, AsyncStreamKindP2P0)
		require.NoError(t, err)
		assert.True(t, split.Equal(other))
	})
}
