// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cliques

import (
	"context"
	"slices"

	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/runtime/collectives"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Request for a clique, as declared by the operations of an execution when they are prepared.
type Request struct {
	Key distributed.CliqueKey

	// NumLocalParticipants is the number of devices of the clique hosted by this process.
	NumLocalParticipants int
}

// Acquired holds the cliques acquired for one execution. Release them all with Release.
type Acquired struct {
	pool    *Pool
	order   []distributed.CliqueKey
	cliques map[string]*Clique
}

// AcquireAll acquires the cliques of all requests, for the given local devices, in acquisition order (see
// CompareAcquisitionOrder).
//
// Every rank acquires its cliques in the same order, so two ranks can never wait on each other's rendezvous
// in opposite orders. If any acquisition fails, the cliques already acquired are released, and the error is
// returned.
func (p *Pool) AcquireAll(ctx context.Context, requests []Request,
	localDevices []distributed.GlobalDeviceID) (*Acquired, error) {
	requests = slices.Clone(requests)
	slices.SortFunc(requests, func(a, b Request) int { return CompareAcquisitionOrder(a.Key, b.Key) })
	acquired := &Acquired{pool: p, cliques: make(map[string]*Clique, len(requests))}
	for _, request := range requests {
		fingerprint := request.Key.Fingerprint()
		if _, found := acquired.cliques[fingerprint]; found {
			continue
		}
		var devices []distributed.GlobalDeviceID
		for _, device := range localDevices {
			if request.Key.Has(device) {
				devices = append(devices, device)
			}
		}
		if len(devices) != request.NumLocalParticipants {
			acquired.Release()
			return nil, errors.Errorf("clique %s requested with %d local participants, but %d of the local devices %s "+
				"are part of it", request.Key, request.NumLocalParticipants, len(devices),
				distributed.DevicesString(localDevices))
		}
		clique, err := p.Acquire(ctx, request.Key, devices)
		if err != nil {
			acquired.Release()
			return nil, err
		}
		acquired.cliques[fingerprint] = clique
		acquired.order = append(acquired.order, request.Key)
	}
	klog.V(1).Infof("acquired %d cliques for devices %s", len(acquired.order), distributed.DevicesString(localDevices))
	return acquired, nil
}

// CompareAcquisitionOrder orders keys by the length of their lineage first, and then by CliqueKey.Compare.
//
// A clique carved from another one always has a longer lineage, so the parent is acquired first, and all its
// members can split it at the same time.
func CompareAcquisitionOrder(a, b distributed.CliqueKey) int {
	if diff := len(a.ParticipantGroups()) - len(b.ParticipantGroups()); diff != 0 {
		return diff
	}
	return a.Compare(b)
}

// Keys returns the keys of the acquired cliques, in acquisition order.
func (a *Acquired) Keys() []distributed.CliqueKey {
	return slices.Clone(a.order)
}

// Len returns the number of acquired cliques.
func (a *Acquired) Len() int {
	return len(a.order)
}

// Get returns the acquired clique for key.
func (a *Acquired) Get(key distributed.CliqueKey) (*Clique, error) {
	clique, found := a.cliques[key.Fingerprint()]
	if !found {
		return nil, errors.Errorf("clique %s was not acquired for this execution: was it requested during Prepare?", key)
	}
	return clique, nil
}

// Communicator returns the communicator of the device in the acquired clique for key.
func (a *Acquired) Communicator(key distributed.CliqueKey, device distributed.GlobalDeviceID) (collectives.Communicator, error) {
	clique, err := a.Get(key)
	if err != nil {
		return nil, err
	}
	return clique.Communicator(device)
}

// Release all the acquired cliques, in reverse acquisition order. It can be called more than once.
func (a *Acquired) Release() {
	for i := len(a.order) - 1; i >= 0; i-- {
		if err := a.pool.Release(a.order[i]); err != nil {
			klog.Warningf("failed to release clique: %+v", err)
		}
	}
	a.order = nil
	a.cliques = make(map[string]*Clique)
}
