// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package thunks

import (
	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/runtime/cliques"
	"github.com/gomlx/cliques/pkg/runtime/collectives"
)

// PrepareParams are the parameters of Thunk.Prepare.
type PrepareParams struct {
	// Device the thunk runs on.
	Device distributed.GlobalDeviceID

	// LocalDevices are all the devices hosted by this process. If empty, only Device is assumed local.
	LocalDevices []distributed.GlobalDeviceID
}

// NumLocalParticipants returns how many of the local devices are part of the clique key.
func (p *PrepareParams) NumLocalParticipants(key distributed.CliqueKey) int {
	if len(p.LocalDevices) == 0 {
		if key.Has(p.Device) {
			return 1
		}
		return 0
	}
	count := 0
	for _, device := range p.LocalDevices {
		if key.Has(device) {
			count++
		}
	}
	return count
}

// InitializeParams are the parameters of Thunk.Initialize.
type InitializeParams struct {
	Device distributed.GlobalDeviceID

	// Cliques acquired for the requests collected during Prepare.
	Cliques *cliques.Acquired
}

// ExecuteParams are the parameters of Thunk.ExecuteOnStream.
type ExecuteParams struct {
	Device distributed.GlobalDeviceID

	// Stream is the main compute stream of the device: synchronous collectives run on it.
	Stream collectives.Stream

	// AsyncStreams has one stream per AsyncStreamKind, used by the asynchronous collectives.
	AsyncStreams [distributed.AsyncStreamKindCount]collectives.Stream

	Cliques *cliques.Acquired
}

// NewExecuteParams returns the ExecuteParams for the device, with the streams numbered by
// distributed.GetStreamID.
func NewExecuteParams(device distributed.GlobalDeviceID, acquired *cliques.Acquired) *ExecuteParams {
	params := &ExecuteParams{
		Device:  device,
		Stream:  collectives.Stream{Device: device, ID: distributed.SyncStreamID},
		Cliques: acquired,
	}
	for _, kind := range distributed.AsyncStreamKindValues() {
		params.AsyncStreams[kind] = collectives.Stream{Device: device, ID: distributed.GetStreamID(true, kind)}
	}
	return params
}

// StreamFor returns the stream a collective on the clique key runs on.
func (p *ExecuteParams) StreamFor(key distributed.CliqueKey) collectives.Stream {
	if !key.StreamID().IsAsync() {
		return p.Stream
	}
	return p.AsyncStreams[key.StreamKind()]
}
