// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the objects used to identify and key cross-device collective communication:
//
//   - GlobalDeviceID: a cluster-wide unique identifier of a device.
//   - AsyncStreamKind and StreamID: the execution lanes a collective may run on.
//   - CliqueKey: the identity of a communication group (a "clique") of devices.
//   - CliqueID and CliqueIDResolver: the cluster-wide identifier agreed on by all members of a clique.
//   - DeviceMesh: the logical topology of the devices, used to derive replica groups and their lineage.
package distributed

import (
	"strconv"
	"strings"
)

// GlobalDeviceID identifies a device (accelerator) uniquely across the whole cluster.
//
// It is assigned once per participant at cluster bootstrap and never changes.
type GlobalDeviceID int64

// String implements fmt.Stringer.
func (id GlobalDeviceID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// DevicesString formats a list of devices as "[0,1,2]", in the order given.
func DevicesString(devices []GlobalDeviceID) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, device := range devices {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(device.String())
	}
	sb.WriteByte(']')
	return sb.String()
}

// DeviceIDs converts a list of integers to a list of GlobalDeviceID.
func DeviceIDs[T ~int | ~int32 | ~int64](ids ...T) []GlobalDeviceID {
	devices := make([]GlobalDeviceID, len(ids))
	for i, id := range ids {
		devices[i] = GlobalDeviceID(id)
	}
	return devices
}
