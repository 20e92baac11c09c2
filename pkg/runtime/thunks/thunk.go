// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package thunks implements the schedulable units of a distributed execution: the collective operations and the
// GroupThunk, which fuses several of them into one atomic dispatch to the collective library.
//
// Every Thunk goes through the same three phases:
//
//   - Prepare: declares the resources (cliques and buffers) it needs into a ResourceRequests.
//   - Initialize: called once, before the first execution, with the acquired cliques.
//   - ExecuteOnStream: issues the work on the device streams.
package thunks

//go:generate go tool enumer -type Kind -trimprefix=Kind -text -output=gen_kind_enumer.go thunk.go

// Kind of Thunk.
type Kind int

const (
	KindGroup Kind = iota
	KindAllReduce
	KindAllGather
	KindBroadcast
	KindCollectivePermute
	KindSend
	KindRecv
)

// Thunk is a schedulable unit of work of one device.
type Thunk interface {
	// Kind of the thunk.
	Kind() Kind

	// String returns a description of the thunk, used in logs and errors.
	String() string

	// Prepare adds the resources the thunk needs to requests.
	Prepare(params *PrepareParams, requests *ResourceRequests) error

	// Initialize sets up the state kept by the thunk for its lifetime. It's called once, before the first
	// execution.
	Initialize(params *InitializeParams) error

	// ExecuteOnStream enqueues the work of the thunk on the streams of the device. It doesn't wait for the
	// work to complete.
	ExecuteOnStream(params *ExecuteParams) error
}
