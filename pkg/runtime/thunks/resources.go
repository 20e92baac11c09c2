// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package thunks

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/runtime/cliques"
	"github.com/gomlx/cliques/pkg/runtime/collectives"
	"github.com/pkg/errors"
)

// ErrInsufficientResources is returned (wrapped) when a request exceeds the ResourceLimits.
//
// It is never retried automatically: the caller may prepare again after releasing resources.
var ErrInsufficientResources = errors.New("insufficient resources")

// ResourceLimits caps the resources of a ResourceRequests. A zero value means no limit.
type ResourceLimits struct {
	// MaxCliques is the maximum number of distinct cliques.
	MaxCliques int

	// MaxBufferBytes is the maximum total size of the buffers.
	MaxBufferBytes int64
}

// ResourceRequests collects the resources declared by thunks during Prepare, so they can be reserved at once.
type ResourceRequests struct {
	limits      ResourceLimits
	cliques     map[string]cliques.Request
	cliqueRefs  map[string]int
	buffers     []collectives.Buffer
	bufferBytes int64
}

// NewResourceRequests creates an empty set of requests, bounded by limits.
func NewResourceRequests(limits ResourceLimits) *ResourceRequests {
	return &ResourceRequests{
		limits:     limits,
		cliques:    make(map[string]cliques.Request),
		cliqueRefs: make(map[string]int),
	}
}

// Limits of the requests.
func (r *ResourceRequests) Limits() ResourceLimits {
	return r.limits
}

// AddClique requests the clique for key, with numLocalParticipants devices of this process.
// Requesting the same clique again is a no-op, as long as the number of local participants matches.
func (r *ResourceRequests) AddClique(key distributed.CliqueKey, numLocalParticipants int) error {
	if !key.IsValid() {
		return errors.New("ResourceRequests.AddClique(): invalid (empty) clique key")
	}
	if numLocalParticipants <= 0 || numLocalParticipants > key.NumDevices() {
		return errors.Errorf("ResourceRequests.AddClique(%s): invalid number of local participants %d",
			key, numLocalParticipants)
	}
	fingerprint := key.Fingerprint()
	if previous, found := r.cliques[fingerprint]; found {
		if previous.NumLocalParticipants != numLocalParticipants {
			return errors.Errorf("clique %s requested with %d local participants, but previously with %d",
				key, numLocalParticipants, previous.NumLocalParticipants)
		}
		r.cliqueRefs[fingerprint]++
		return nil
	}
	if r.limits.MaxCliques > 0 && len(r.cliques)+1 > r.limits.MaxCliques {
		return errors.Wrapf(ErrInsufficientResources, "clique %s exceeds the limit of %d cliques",
			key, r.limits.MaxCliques)
	}
	r.cliques[fingerprint] = cliques.Request{Key: key, NumLocalParticipants: numLocalParticipants}
	r.cliqueRefs[fingerprint] = 1
	return nil
}

// AddBuffer requests a device buffer.
func (r *ResourceRequests) AddBuffer(buffer collectives.Buffer) error {
	if buffer.IsEmpty() {
		return errors.Errorf("ResourceRequests.AddBuffer(): empty buffer %s", buffer)
	}
	size := buffer.SizeInBytes()
	if r.limits.MaxBufferBytes > 0 && r.bufferBytes+size > r.limits.MaxBufferBytes {
		return errors.Wrapf(ErrInsufficientResources, "buffer %s (%s) exceeds the limit of %s, %s already requested",
			buffer, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(r.limits.MaxBufferBytes)),
			humanize.Bytes(uint64(r.bufferBytes)))
	}
	r.buffers = append(r.buffers, buffer)
	r.bufferBytes += size
	return nil
}

// NumCliques returns the number of distinct cliques requested.
func (r *ResourceRequests) NumCliques() int {
	return len(r.cliques)
}

// CliqueRequests returns the cliques requested, sorted by key.
func (r *ResourceRequests) CliqueRequests() []cliques.Request {
	requests := make([]cliques.Request, 0, len(r.cliques))
	for _, request := range r.cliques {
		requests = append(requests, request)
	}
	slices.SortFunc(requests, func(a, b cliques.Request) int { return a.Key.Compare(b.Key) })
	return requests
}

// Buffers returns the buffers requested, in request order.
func (r *ResourceRequests) Buffers() []collectives.Buffer {
	return slices.Clone(r.buffers)
}

// BufferBytes returns the total size of the buffers requested.
func (r *ResourceRequests) BufferBytes() int64 {
	return r.bufferBytes
}

// Merge adds all of other's requests into r, checking r's limits.
//
// It's all-or-nothing: if it fails, r is left unchanged.
func (r *ResourceRequests) Merge(other *ResourceRequests) error {
	numNew := 0
	for fingerprint, request := range other.cliques {
		previous, found := r.cliques[fingerprint]
		if !found {
			numNew++
			continue
		}
		if previous.NumLocalParticipants != request.NumLocalParticipants {
			return errors.Errorf("clique %s requested with %d local participants, but previously with %d",
				request.Key, request.NumLocalParticipants, previous.NumLocalParticipants)
		}
	}
	if r.limits.MaxCliques > 0 && len(r.cliques)+numNew > r.limits.MaxCliques {
		return errors.Wrapf(ErrInsufficientResources, "%d more cliques exceed the limit of %d cliques (%d already requested)",
			numNew, r.limits.MaxCliques, len(r.cliques))
	}
	if r.limits.MaxBufferBytes > 0 && r.bufferBytes+other.bufferBytes > r.limits.MaxBufferBytes {
		return errors.Wrapf(ErrInsufficientResources, "%s more of buffers exceed the limit of %s (%s already requested)",
			humanize.Bytes(uint64(other.bufferBytes)), humanize.Bytes(uint64(r.limits.MaxBufferBytes)),
			humanize.Bytes(uint64(r.bufferBytes)))
	}
	for fingerprint, request := range other.cliques {
		r.cliques[fingerprint] = request
		r.cliqueRefs[fingerprint] += other.cliqueRefs[fingerprint]
	}
	r.buffers = append(r.buffers, other.buffers...)
	r.bufferBytes += other.bufferBytes
	return nil
}

// Replace swaps the requests previously merged from old by the ones of other, checking r's limits as if old had
// never been merged. A clique also requested by someone else stays requested.
//
// Like Merge, it's all-or-nothing: if it fails, r is left unchanged.
func (r *ResourceRequests) Replace(old, other *ResourceRequests) error {
	replaced := r.clone()
	if err := replaced.remove(old); err != nil {
		return err
	}
	if err := replaced.Merge(other); err != nil {
		return err
	}
	*r = *replaced
	return nil
}

func (r *ResourceRequests) clone() *ResourceRequests {
	return &ResourceRequests{
		limits:      r.limits,
		cliques:     maps.Clone(r.cliques),
		cliqueRefs:  maps.Clone(r.cliqueRefs),
		buffers:     slices.Clone(r.buffers),
		bufferBytes: r.bufferBytes,
	}
}

// remove the requests of other, which must have been merged into r before.
func (r *ResourceRequests) remove(other *ResourceRequests) error {
	for fingerprint, request := range other.cliques {
		if r.cliqueRefs[fingerprint] < other.cliqueRefs[fingerprint] {
			return errors.Errorf("clique %s was not requested, it can't be removed", request.Key)
		}
		r.cliqueRefs[fingerprint] -= other.cliqueRefs[fingerprint]
		if r.cliqueRefs[fingerprint] == 0 {
			delete(r.cliques, fingerprint)
			delete(r.cliqueRefs, fingerprint)
		}
	}
	for _, buffer := range other.buffers {
		idx := slices.Index(r.buffers, buffer)
		if idx < 0 {
			return errors.Errorf("buffer %s was not requested, it can't be removed", buffer)
		}
		r.buffers = slices.Delete(r.buffers, idx, idx+1)
	}
	r.bufferBytes -= other.bufferBytes
	return nil
}

// String implements fmt.Stringer.
func (r *ResourceRequests) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "ResourceRequests(%d cliques, %d buffers, %s)", len(r.cliques), len(r.buffers),
		humanize.Bytes(uint64(r.bufferBytes)))
	for _, request := range r.CliqueRequests() {
		_, _ = fmt.Fprintf(&sb, "\n  clique %s: %d local", request.Key, request.NumLocalParticipants)
	}
	return sb.String()
}
