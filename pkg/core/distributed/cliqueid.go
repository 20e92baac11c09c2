// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// CliqueID is the opaque cluster-wide identifier of a clique, agreed upon by all its members through a
// rendezvous. It is handed to the collective communication library to create the communicators.
type CliqueID string

// IsEmpty returns whether the id was not set.
func (id CliqueID) IsEmpty() bool {
	return id == ""
}

// CliqueIDResolver turns a CliqueKey into a CliqueID through an out-of-band rendezvous across all ranks
// holding the same key. It may block until all participants arrive.
//
// Implementations are provided by the cluster bootstrap layer. LocalRendezvous is an in-process one.
type CliqueIDResolver func(ctx context.Context, key CliqueKey) (CliqueID, error)

// CliqueIDCache wraps a CliqueIDResolver, and makes sure it is called at most once per distinct key (see
// CliqueKey.Equal) in the lifetime of the cache, and only when an id is requested.
//
// Concurrent requests for equal keys share the same in-flight rendezvous, which runs with the context of the
// request that started it. Each request waits only as long as its own context allows, and if the shared
// rendezvous is interrupted by the context of another request, it starts a new one. Errors from the resolver
// are returned unmodified and are not cached: no id was agreed upon, so a later request starts a new rendezvous.
type CliqueIDCache struct {
	resolver CliqueIDResolver
	inflight singleflight.Group

	mu  sync.Mutex
	ids map[string]CliqueID
}

// NewCliqueIDCache returns a cache for the given resolver.
func NewCliqueIDCache(resolver CliqueIDResolver) *CliqueIDCache {
	return &CliqueIDCache{
		resolver: resolver,
		ids:      make(map[string]CliqueID),
	}
}

// Lookup returns the id of the key if it has already been resolved.
func (c *CliqueIDCache) Lookup(key CliqueKey) (CliqueID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, found := c.ids[key.Fingerprint()]
	return id, found
}

// Len returns the number of keys resolved so far.
func (c *CliqueIDCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Resolve returns the CliqueID for the key, calling the resolver only if the key was never resolved before.
func (c *CliqueIDCache) Resolve(ctx context.Context, key CliqueKey) (CliqueID, error) {
	if !key.IsValid() {
		return "", errors.New("CliqueIDCache.Resolve(): invalid (empty) clique key")
	}
	if id, found := c.Lookup(key); found {
		return id, nil
	}
	fingerprint := key.Fingerprint()
	for {
		var started bool
		results := c.inflight.DoChan(fingerprint, func() (any, error) {
			started = true
			// A previous flight may have finished between the Lookup and now.
			if id, found := c.Lookup(key); found {
				return id, nil
			}
			klog.V(1).Infof("resolving clique id for %s", key)
			id, err := c.resolver(ctx, key)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.ids[fingerprint] = id
			c.mu.Unlock()
			return id, nil
		})
		select {
		case <-ctx.Done():
			return "", errors.Wrapf(ctx.Err(), "resolving clique id for %s", key)
		case result := <-results:
			if result.Err == nil {
				return result.Val.(CliqueID), nil
			}
			if !started && ctx.Err() == nil &&
				(errors.Is(result.Err, context.Canceled) || errors.Is(result.Err, context.DeadlineExceeded)) {
				// The flight joined was interrupted by the context of the caller who started it, not ours.
				klog.V(1).Infof("shared resolution of clique id for %s interrupted, retrying: %v", key, result.Err)
				continue
			}
			return "", result.Err
		}
	}
}

// LocalRendezvous is an in-process CliqueIDResolver, used when all ranks of the cluster run in the same
// process (tests and simulations).
//
// It assumes one rank per device: Resolve blocks until each device of the key has called it, and then all
// of them receive the same, freshly generated, CliqueID.
type LocalRendezvous struct {
	mu     sync.Mutex
	rounds map[string]*rendezvousRound
}

type rendezvousRound struct {
	id                CliqueID
	expected, arrived int
	done              chan struct{}
}

// NewLocalRendezvous creates a new in-process rendezvous.
func NewLocalRendezvous() *LocalRendezvous {
	return &LocalRendezvous{rounds: make(map[string]*rendezvousRound)}
}

// Resolve implements CliqueIDResolver. Use it as `rendezvous.Resolve`.
func (r *LocalRendezvous) Resolve(ctx context.Context, key CliqueKey) (CliqueID, error) {
	if !key.IsValid() {
		return "", errors.New("LocalRendezvous.Resolve(): invalid (empty) clique key")
	}
	fingerprint := key.Fingerprint()
	r.mu.Lock()
	round, found := r.rounds[fingerprint]
	if !found {
		round = &rendezvousRound{
			id:       CliqueID(uuid.NewString()),
			expected: key.NumDevices(),
			done:     make(chan struct{}),
		}
		r.rounds[fingerprint] = round
	}
	round.arrived++
	if round.arrived == round.expected {
		close(round.done)
	}
	r.mu.Unlock()

	select {
	case <-round.done:
		return round.id, nil
	case <-ctx.Done():
		r.mu.Lock()
		select {
		case <-round.done:
			// The last participant arrived at the same time.
			r.mu.Unlock()
			return round.id, nil
		default:
		}
		// A participant that gave up is no longer waiting: it must arrive again.
		round.arrived--
		arrived := round.arrived
		r.mu.Unlock()
		return "", errors.Wrapf(ctx.Err(), "rendezvous for clique %s interrupted with %d of %d participants",
			key, arrived+1, round.expected)
	}
}
