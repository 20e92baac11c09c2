// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collectives defines the contract with the underlying collective communication library (NCCL-like):
// communicators, group scopes and the per-operation issue calls.
//
// The library itself is external: implementations of API wrap it. Package recorder provides an in-process
// implementation that records the calls, used for tests and simulations.
package collectives

import (
	"fmt"

	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/gopjrt/dtypes"
)

// API is the interface to the collective communication library.
//
// Calls issued between GroupStart and GroupEnd are dispatched together, as one group, when GroupEnd is called.
// Issuing a call only enqueues work on the given stream: completion is observed by the execution engine.
type API interface {
	// GroupStart opens a group scope.
	GroupStart() error

	// GroupEnd closes the group scope and dispatches all the calls issued inside it.
	GroupEnd() error

	// CreateCommunicator creates the communicator of the device for the clique, using the id agreed upon by
	// all the clique members.
	CreateCommunicator(id distributed.CliqueID, key distributed.CliqueKey, device distributed.GlobalDeviceID) (Communicator, error)

	// SplitCommunicator creates the communicator for newKey by splitting parent. All the parent members with
	// the same color end up in the same new clique, ordered by rankKey.
	SplitCommunicator(parent Communicator, color, rankKey int, newKey distributed.CliqueKey) (Communicator, error)

	// DestroyCommunicator releases the communicator.
	DestroyCommunicator(comm Communicator) error

	// AllReduce reduces send across all the ranks of the communicator, results in recv.
	AllReduce(comm Communicator, send, recv Buffer, op ReduceOp, stream Stream) error

	// AllGather concatenates send of all the ranks into recv.
	AllGather(comm Communicator, send, recv Buffer, stream Stream) error

	// Broadcast copies buffer from the root rank to all the others.
	Broadcast(comm Communicator, buffer Buffer, root int, stream Stream) error

	// Send buffer to the peer rank.
	Send(comm Communicator, buffer Buffer, peer int, stream Stream) error

	// Recv buffer from the peer rank.
	Recv(comm Communicator, buffer Buffer, peer int, stream Stream) error
}

// Communicator is a handle to a communicator of one device in a clique.
type Communicator interface {
	// Key of the clique the communicator belongs to.
	Key() distributed.CliqueKey

	// Device owning this communicator.
	Device() distributed.GlobalDeviceID

	// Rank of the device in the clique.
	Rank() int

	// NumRanks in the clique.
	NumRanks() int
}

// Stream is a handle to an execution queue of a device.
type Stream struct {
	Device distributed.GlobalDeviceID
	ID     distributed.StreamID
}

// String implements fmt.Stringer.
func (s Stream) String() string {
	return fmt.Sprintf("stream(device=%s, id=%d)", s.Device, s.ID)
}

// Buffer describes a device buffer used by a collective: the runtime owns the memory, the collectives only
// reference it by name.
type Buffer struct {
	Name        string
	DType       dtypes.DType
	NumElements int
}

// IsEmpty returns whether the buffer was not set.
func (b Buffer) IsEmpty() bool {
	return b.Name == ""
}

// SizeInBytes returns the memory needed by the buffer.
func (b Buffer) SizeInBytes() int64 {
	if b.IsEmpty() {
		return 0
	}
	return int64(b.NumElements) * int64(b.DType.Size())
}

// String implements fmt.Stringer.
func (b Buffer) String() string {
	if b.IsEmpty() {
		return "<none>"
	}
	return fmt.Sprintf("%s:%s[%d]", b.Name, b.DType, b.NumElements)
}

//go:generate go tool enumer -type ReduceOp -trimprefix=ReduceOp -transform=lower -text -output=gen_reduceop_enumer.go collectives.go

// ReduceOp is the reduction used by AllReduce.
type ReduceOp int

const (
	ReduceOpSum ReduceOp = iota
	ReduceOpProduct
	ReduceOpMin
	ReduceOpMax
)
