// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cliques implements the pool of live cliques of a process: it maps a distributed.CliqueKey to the
// communicators of the local devices in the clique.
//
// The Pool is the single owner of the communicators: they are created (or split from a larger clique) on the
// first Acquire of a key, and destroyed when the last holder Releases it.
package cliques

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/runtime/collectives"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// CommSplittingEnv is the environment variable that overrides Config.EnableCommSplitting in DefaultConfig.
// It accepts the values understood by strconv.ParseBool.
const CommSplittingEnv = "CLIQUES_COMM_SPLITTING"

// Config of the Pool.
type Config struct {
	// EnableCommSplitting makes the pool create the communicators of a new clique by splitting the ones of an
	// existing larger clique, when the new clique's lineage says it was carved from it. Otherwise, every clique
	// is created from a fresh rendezvous.
	EnableCommSplitting bool
}

// DefaultConfig returns the default configuration: communicator splitting is disabled, unless enabled by
// the environment variable CommSplittingEnv.
func DefaultConfig() Config {
	var config Config
	if value, found := os.LookupEnv(CommSplittingEnv); found {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			klog.Warningf("Ignoring invalid value %q for $%s: %v", value, CommSplittingEnv, err)
		} else {
			config.EnableCommSplitting = enabled
		}
	}
	return config
}

// Clique is a live clique: the communicators of the local devices for a CliqueKey.
type Clique struct {
	key      distributed.CliqueKey
	id       distributed.CliqueID
	parent   *distributed.CliqueKey
	refCount int

	// mu guards comms, which is set to nil once the clique is destroyed.
	mu    sync.Mutex
	comms map[distributed.GlobalDeviceID]collectives.Communicator
}

// Key of the clique.
func (c *Clique) Key() distributed.CliqueKey {
	return c.key
}

// ID returns the CliqueID the communicators were created with. It is empty if the clique was split.
func (c *Clique) ID() distributed.CliqueID {
	return c.id
}

// Parent returns the key of the clique this one was split from, if it was split.
func (c *Clique) Parent() (distributed.CliqueKey, bool) {
	if c.parent == nil {
		return distributed.CliqueKey{}, false
	}
	return *c.parent, true
}

// LocalDevices returns the sorted list of local devices with a communicator in the clique.
func (c *Clique) LocalDevices() []distributed.GlobalDeviceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	devices := make([]distributed.GlobalDeviceID, 0, len(c.comms))
	for device := range c.comms {
		devices = append(devices, device)
	}
	slices.Sort(devices)
	return devices
}

// Communicator returns the communicator of the local device in the clique.
//
// It fails if the clique was already destroyed, by its last Release or by Pool.Close.
func (c *Clique) Communicator(device distributed.GlobalDeviceID) (collectives.Communicator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.comms == nil {
		return nil, errors.Errorf("clique %s was destroyed", c.key)
	}
	comm, found := c.comms[device]
	if !found {
		return nil, errors.Errorf("device #%s has no communicator in clique %s", device, c.key)
	}
	return comm, nil
}

// String implements fmt.Stringer.
func (c *Clique) String() string {
	origin := "rendezvous"
	if c.parent != nil {
		origin = "split from " + c.parent.String()
	}
	return fmt.Sprintf("Clique(%s; local devices=%s; %s)", c.key, distributed.DevicesString(c.LocalDevices()), origin)
}

// Pool of the live cliques of a process. It is safe for concurrent use.
type Pool struct {
	api    collectives.API
	ids    *distributed.CliqueIDCache
	config Config

	acquiring singleflight.Group

	mu      sync.Mutex
	cliques map[string]*Clique
}

// NewPool creates a pool that creates communicators with api, from clique ids agreed upon with resolver.
//
// The resolver is called at most once per distinct key, and only when a clique can't be split from an
// existing one.
func NewPool(api collectives.API, resolver distributed.CliqueIDResolver, config Config) *Pool {
	return &Pool{
		api:     api,
		ids:     distributed.NewCliqueIDCache(resolver),
		config:  config,
		cliques: make(map[string]*Clique),
	}
}

// Config returns the configuration of the pool.
func (p *Pool) Config() Config {
	return p.config
}

// IDs returns the cache of resolved clique ids.
func (p *Pool) IDs() *distributed.CliqueIDCache {
	return p.ids
}

// Len returns the number of live cliques.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cliques)
}

// Keys returns the keys of the live cliques, sorted.
func (p *Pool) Keys() []distributed.CliqueKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]distributed.CliqueKey, 0, len(p.cliques))
	for _, clique := range p.cliques {
		keys = append(keys, clique.key)
	}
	distributed.SortCliqueKeys(keys)
	return keys
}

// Lookup returns the live clique for the key, without acquiring it.
func (p *Pool) Lookup(key distributed.CliqueKey) (*Clique, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clique, found := p.cliques[key.Fingerprint()]
	return clique, found
}

// Acquire returns the clique for key, creating it if needed, with communicators for the given local devices
// (the devices of the key hosted by this process). Each successful Acquire must be matched by a Release.
//
// Errors from the clique id resolution are returned unmodified.
func (p *Pool) Acquire(ctx context.Context, key distributed.CliqueKey,
	localDevices []distributed.GlobalDeviceID) (*Clique, error) {
	if !key.IsValid() {
		return nil, errors.New("Pool.Acquire(): invalid (empty) clique key")
	}
	if len(localDevices) == 0 {
		return nil, errors.Errorf("Pool.Acquire(%s): no local devices given", key)
	}
	for _, device := range localDevices {
		if !key.Has(device) {
			return nil, errors.Errorf("Pool.Acquire(%s): local device #%s is not part of the clique", key, device)
		}
	}

	fingerprint := key.Fingerprint()
	_, err, _ := p.acquiring.Do(fingerprint, func() (any, error) {
		if _, found := p.Lookup(key); found {
			return nil, nil
		}
		clique, err := p.create(ctx, key, localDevices)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cliques[fingerprint] = clique
		p.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	clique, found := p.cliques[fingerprint]
	if !found {
		return nil, errors.Errorf("Pool.Acquire(%s): clique was released while being acquired", key)
	}
	for _, device := range localDevices {
		if _, found := clique.comms[device]; !found {
			return nil, errors.Errorf("Pool.Acquire(%s): clique was created without local device #%s", key, device)
		}
	}
	clique.refCount++
	return clique, nil
}

// create the communicators for a new clique, either by splitting a parent clique or from a rendezvous.
func (p *Pool) create(ctx context.Context, key distributed.CliqueKey,
	localDevices []distributed.GlobalDeviceID) (*Clique, error) {
	localDevices = slices.Clone(localDevices)
	slices.Sort(localDevices)
	if p.config.EnableCommSplitting {
		if parent := p.findParent(key, localDevices); parent != nil {
			return p.split(parent, key, localDevices)
		}
	}

	id, err := p.ids.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	clique := &Clique{key: key, id: id, comms: make(map[distributed.GlobalDeviceID]collectives.Communicator)}
	for _, device := range localDevices {
		comm, err := p.api.CreateCommunicator(id, key, device)
		if err != nil {
			p.destroyComms(clique)
			return nil, errors.WithMessagef(err, "creating communicator for device #%s in clique %s", device, key)
		}
		clique.comms[device] = comm
	}
	klog.V(1).Infof("created %s", clique)
	return clique, nil
}

// findParent returns the live clique key can be split from: key must be a subset of it, and the parent's
// devices must be one of the groups in key's lineage. If more than one qualifies, the first in CliqueKey
// order is used, so the choice is the same on every rank.
func (p *Pool) findParent(key distributed.CliqueKey, localDevices []distributed.GlobalDeviceID) *Clique {
	p.mu.Lock()
	defer p.mu.Unlock()
	var parent *Clique
	for _, candidate := range p.cliques {
		if candidate.key.Equal(key) || !key.IsSubsetOf(candidate.key) ||
			!key.HasParticipantGroup(candidate.key.SortedDevices()) {
			continue
		}
		if slices.ContainsFunc(localDevices, func(device distributed.GlobalDeviceID) bool {
			_, err := candidate.Communicator(device)
			return err != nil
		}) {
			continue
		}
		if parent == nil || candidate.key.Less(parent.key) {
			parent = candidate
		}
	}
	return parent
}

// split creates the communicators of key by splitting the ones of parent.
//
// The color is the parent rank of the first device of key: the same for all the members of key, and
// different for any disjoint clique split from the same parent.
func (p *Pool) split(parent *Clique, key distributed.CliqueKey,
	localDevices []distributed.GlobalDeviceID) (*Clique, error) {
	parentKey := parent.key
	color, _ := parentKey.Rank(key.SortedDevices()[0])
	clique := &Clique{key: key, parent: &parentKey, comms: make(map[distributed.GlobalDeviceID]collectives.Communicator)}
	for _, device := range localDevices {
		rank, _ := key.Rank(device)
		var comm collectives.Communicator
		parentComm, err := parent.Communicator(device)
		if err == nil {
			comm, err = p.api.SplitCommunicator(parentComm, color, rank, key)
		}
		if err != nil {
			p.destroyComms(clique)
			return nil, errors.WithMessagef(err, "splitting communicator of device #%s from %s into %s",
				device, parentKey, key)
		}
		clique.comms[device] = comm
	}
	klog.V(1).Infof("created %s", clique)
	return clique, nil
}

func (p *Pool) destroyComms(clique *Clique) {
	devices := clique.LocalDevices()
	clique.mu.Lock()
	comms := clique.comms
	clique.comms = nil
	clique.mu.Unlock()
	for _, device := range devices {
		if err := p.api.DestroyCommunicator(comms[device]); err != nil {
			klog.Warningf("failed to destroy communicator of device #%s in clique %s: %+v", device, clique.key, err)
		}
	}
}

// Release one reference to the clique acquired with Acquire. When the last reference is released, the
// communicators are destroyed and the clique removed from the pool.
func (p *Pool) Release(key distributed.CliqueKey) error {
	fingerprint := key.Fingerprint()
	p.mu.Lock()
	clique, found := p.cliques[fingerprint]
	if !found || clique.refCount == 0 {
		p.mu.Unlock()
		return errors.Errorf("Pool.Release(%s): clique not acquired", key)
	}
	clique.refCount--
	if clique.refCount > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.cliques, fingerprint)
	p.mu.Unlock()

	klog.V(1).Infof("destroying %s", clique)
	p.destroyComms(clique)
	return nil
}

// Close destroys all the cliques in the pool, regardless of their reference counts.
func (p *Pool) Close() {
	p.mu.Lock()
	cliques := make([]*Clique, 0, len(p.cliques))
	for _, clique := range p.cliques {
		cliques = append(cliques, clique)
	}
	p.cliques = make(map[string]*Clique)
	p.mu.Unlock()

	slices.SortFunc(cliques, func(a, b *Clique) int { return a.key.Compare(b.key) })
	for _, clique := range cliques {
		p.destroyComms(clique)
	}
}
