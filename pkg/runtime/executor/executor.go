// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package executor drives the thunks of one process through their lifecycle: it prepares them, acquires all the
// cliques they requested from the pool (in the same order on every process), initializes them and executes them.
package executor

import (
	"context"
	"slices"

	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/runtime/cliques"
	"github.com/gomlx/cliques/pkg/runtime/thunks"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Executor runs the programs (sequences of thunks) of the local devices of a process.
//
// It is not safe for concurrent use: each process (or simulated rank) owns one.
type Executor struct {
	pool     *cliques.Pool
	limits   thunks.ResourceLimits
	programs map[distributed.GlobalDeviceID][]thunks.Thunk
	devices  []distributed.GlobalDeviceID

	requests    *thunks.ResourceRequests
	acquired    *cliques.Acquired
	initialized bool
	numRuns     int
}

// New creates an Executor that takes its cliques from pool. The resources requested by the thunks are bounded by
// limits.
func New(pool *cliques.Pool, limits thunks.ResourceLimits) *Executor {
	return &Executor{
		pool:     pool,
		limits:   limits,
		programs: make(map[distributed.GlobalDeviceID][]thunks.Thunk),
	}
}

// AddProgram appends thunks to the program of the local device. It must be called before Prepare.
func (e *Executor) AddProgram(device distributed.GlobalDeviceID, program ...thunks.Thunk) error {
	if e.requests != nil {
		return errors.Errorf("Executor.AddProgram(device #%s): executor already prepared", device)
	}
	if _, found := e.programs[device]; !found {
		e.devices = append(e.devices, device)
		slices.Sort(e.devices)
	}
	e.programs[device] = append(e.programs[device], program...)
	return nil
}

// Devices returns the local devices with a program, sorted.
func (e *Executor) Devices() []distributed.GlobalDeviceID {
	return slices.Clone(e.devices)
}

// Program returns the thunks of the device, in execution order.
func (e *Executor) Program(device distributed.GlobalDeviceID) []thunks.Thunk {
	return slices.Clone(e.programs[device])
}

// Requests returns the resources requested during Prepare, or nil if not prepared.
func (e *Executor) Requests() *thunks.ResourceRequests {
	return e.requests
}

// NumRuns returns the number of successful Execute calls.
func (e *Executor) NumRuns() int {
	return e.numRuns
}

// Prepare all the thunks, collecting their resource requests. It can be called again if it fails.
func (e *Executor) Prepare() (*thunks.ResourceRequests, error) {
	if e.requests != nil {
		return e.requests, nil
	}
	if len(e.devices) == 0 {
		return nil, errors.New("Executor.Prepare(): no programs added")
	}
	requests := thunks.NewResourceRequests(e.limits)
	for _, device := range e.devices {
		params := &thunks.PrepareParams{Device: device, LocalDevices: e.devices}
		for i, thunk := range e.programs[device] {
			if err := thunk.Prepare(params, requests); err != nil {
				return nil, errors.WithMessagef(err, "preparing thunk #%d of device #%s", i, device)
			}
		}
	}
	e.requests = requests
	klog.V(1).Infof("devices %s prepared: %s", distributed.DevicesString(e.devices), requests)
	return requests, nil
}

// Initialize acquires the requested cliques and initializes all the thunks. It prepares the thunks first,
// if needed.
//
// It blocks until the rendezvous of every new clique completes, so all the processes sharing a clique must
// call it.
func (e *Executor) Initialize(ctx context.Context) error {
	if e.initialized {
		return nil
	}
	requests, err := e.Prepare()
	if err != nil {
		return err
	}
	acquired, err := e.pool.AcquireAll(ctx, requests.CliqueRequests(), e.devices)
	if err != nil {
		return err
	}
	for _, device := range e.devices {
		params := &thunks.InitializeParams{Device: device, Cliques: acquired}
		for i, thunk := range e.programs[device] {
			if err := thunk.Initialize(params); err != nil {
				acquired.Release()
				return errors.WithMessagef(err, "initializing thunk #%d of device #%s", i, device)
			}
		}
	}
	e.acquired = acquired
	e.initialized = true
	return nil
}

// Execute issues the programs of all the local devices once. It initializes the thunks first, if needed.
//
// It stops at the first failed thunk of a device, but still runs the programs of the other devices, and returns
// the first error.
func (e *Executor) Execute(ctx context.Context) error {
	if err := e.Initialize(ctx); err != nil {
		return err
	}
	var firstErr error
	for _, device := range e.devices {
		params := thunks.NewExecuteParams(device, e.acquired)
		for i, thunk := range e.programs[device] {
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(err, "execution of device #%s interrupted", device)
			}
			if err := thunk.ExecuteOnStream(params); err != nil {
				err = errors.WithMessagef(err, "executing thunk #%d of device #%s", i, device)
				if firstErr == nil {
					firstErr = err
				} else {
					klog.Warningf("%v", err)
				}
				break
			}
		}
	}
	if firstErr == nil {
		e.numRuns++
	}
	return firstErr
}

// Close releases the acquired cliques. A later Execute acquires them again.
func (e *Executor) Close() {
	if e.acquired != nil {
		e.acquired.Release()
		e.acquired = nil
	}
	e.initialized = false
}
