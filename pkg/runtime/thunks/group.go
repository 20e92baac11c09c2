// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package thunks

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/cliques/pkg/runtime/collectives"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

//go:generate go tool enumer -type State -trimprefix=State -text -output=gen_state_enumer.go group.go

// State of a GroupThunk.
type State int

const (
	// StateConstructed is the initial state: no resources declared.
	StateConstructed State = iota

	// StatePrepared means the resources of all children were declared.
	StatePrepared

	// StateInitialized means all children were initialized, and the group can be executed.
	StateInitialized

	// StateExecuting while the group is being dispatched.
	StateExecuting

	// StateCompleted after a successful dispatch. The group can be executed again.
	StateCompleted

	// StateFailed is terminal: the group must be reconstructed.
	StateFailed
)

var (
	// ErrDispatch is matched (with errors.Is) by all the errors of a failed group dispatch.
	ErrDispatch = errors.New("group dispatch failed")

	// ErrInvalidState is returned (wrapped) when a GroupThunk method is called in a state that doesn't allow it.
	ErrInvalidState = errors.New("invalid state")
)

// DispatchError is returned by GroupThunk.ExecuteOnStream when the dispatch fails.
// The group scope was closed before it was returned.
type DispatchError struct {
	// Group is the name of the failed group.
	Group string

	// Index of the first failed child, or -1 if the group scope itself failed to open or to close.
	Index int

	// Child describes the first failed child, or the failed group scope call.
	Child string

	// NumFailed is the number of failed calls (children and group scope).
	NumFailed int

	// Err is the first error.
	Err error
}

// Error implements error.
func (e *DispatchError) Error() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "group %q dispatch failed", e.Group)
	if e.Index >= 0 {
		_, _ = fmt.Fprintf(&sb, " at child #%d (%s)", e.Index, e.Child)
	} else {
		_, _ = fmt.Fprintf(&sb, " at %s", e.Child)
	}
	if e.NumFailed > 1 {
		_, _ = fmt.Fprintf(&sb, " (%d failures)", e.NumFailed)
	}
	_, _ = fmt.Fprintf(&sb, ": %v", e.Err)
	return sb.String()
}

// Unwrap returns the first error.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDispatch) true.
func (e *DispatchError) Is(target error) bool {
	return target == ErrDispatch
}

// GroupThunk executes its children as one group: all the calls they issue are enclosed in a single group scope
// of the collective library, and dispatched together when the scope is closed.
//
// The children are issued in the order given to NewGroupThunk, never reordered: every rank sharing a clique
// must build its groups with the same order, or the collective library deadlocks.
//
// It is safe to call State concurrently with the other methods.
type GroupThunk struct {
	name     string
	api      collectives.API
	children []Thunk

	mu       sync.Mutex
	state    State
	requests *ResourceRequests
	// target is where requests were merged into.
	target *ResourceRequests
}

var _ Thunk = (*GroupThunk)(nil)

// NewGroupThunk creates a group of the children, dispatched with api.
func NewGroupThunk(name string, api collectives.API, children ...Thunk) *GroupThunk {
	return &GroupThunk{
		name:     name,
		api:      api,
		children: append([]Thunk(nil), children...),
	}
}

// Name of the group.
func (g *GroupThunk) Name() string {
	return g.name
}

// Kind implements Thunk.
func (g *GroupThunk) Kind() Kind {
	return KindGroup
}

// Children returns the children of the group, in execution order.
func (g *GroupThunk) Children() []Thunk {
	return append([]Thunk(nil), g.children...)
}

// State returns the current state of the group.
func (g *GroupThunk) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Requests returns the resources declared by the children in the last successful Prepare, or nil.
func (g *GroupThunk) Requests() *ResourceRequests {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests
}

// String implements Thunk.
func (g *GroupThunk) String() string {
	kinds := make([]string, len(g.children))
	for i, child := range g.children {
		kinds[i] = child.Kind().String()
	}
	return fmt.Sprintf("Group %q [%s]", g.name, strings.Join(kinds, ", "))
}

func (g *GroupThunk) invalidState(method string) error {
	return errors.Wrapf(ErrInvalidState, "%s of group %q in state %s", method, g.name, g.state)
}

// Prepare implements Thunk: the resources of all the children are collected into a staging set, and only merged
// into requests if all of them succeed.
//
// Preparing an already prepared group recomputes its requests: if they are prepared into the same requests as
// before, the previous contribution of the group is replaced, not added again.
//
// On failure the group is left as it was, with its previous requests if it was prepared, and Prepare can be
// retried.
func (g *GroupThunk) Prepare(params *PrepareParams, requests *ResourceRequests) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateConstructed && g.state != StatePrepared {
		return g.invalidState("Prepare")
	}

	staging := NewResourceRequests(ResourceLimits{})
	for i, child := range g.children {
		if err := child.Prepare(params, staging); err != nil {
			return errors.WithMessagef(err, "preparing child #%d of group %q", i, g.name)
		}
	}
	var err error
	if g.state == StatePrepared && g.target == requests {
		err = requests.Replace(g.requests, staging)
	} else {
		err = requests.Merge(staging)
	}
	if err != nil {
		return errors.WithMessagef(err, "preparing group %q", g.name)
	}
	g.requests = staging
	g.target = requests
	g.state = StatePrepared
	klog.V(1).Infof("device #%s: prepared %s: %d cliques, %d buffers", params.Device, g, staging.NumCliques(),
		len(staging.buffers))
	return nil
}

// Initialize implements Thunk. It is a no-op if the group is already initialized.
//
// If a child fails to initialize, the group moves to StateFailed and can't be used anymore.
func (g *GroupThunk) Initialize(params *InitializeParams) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateInitialized, StateCompleted:
		return nil
	case StatePrepared:
	default:
		return g.invalidState("Initialize")
	}
	for i, child := range g.children {
		if err := child.Initialize(params); err != nil {
			g.state = StateFailed
			return errors.WithMessagef(err, "initializing child #%d of group %q", i, g.name)
		}
	}
	g.state = StateInitialized
	return nil
}

// ExecuteOnStream implements Thunk: it opens a group scope, issues all the children in order, and closes the
// scope.
//
// All the children are issued even if one fails, so the sequence of calls matches the one of the other ranks,
// and the scope is always closed. Any failure moves the group to StateFailed and returns a *DispatchError.
func (g *GroupThunk) ExecuteOnStream(params *ExecuteParams) error {
	g.mu.Lock()
	if g.state != StateInitialized && g.state != StateCompleted {
		err := g.invalidState("ExecuteOnStream")
		g.mu.Unlock()
		return err
	}
	g.state = StateExecuting
	g.mu.Unlock()

	dispatchErr := g.dispatch(params)

	g.mu.Lock()
	defer g.mu.Unlock()
	if dispatchErr != nil {
		g.state = StateFailed
		return dispatchErr
	}
	g.state = StateCompleted
	return nil
}

func (g *GroupThunk) dispatch(params *ExecuteParams) *DispatchError {
	klog.V(1).Infof("device #%s: dispatching %s", params.Device, g)
	if err := g.api.GroupStart(); err != nil {
		return &DispatchError{Group: g.name, Index: -1, Child: "group start", NumFailed: 1, Err: err}
	}
	var dispatchErr *DispatchError
	for i, child := range g.children {
		err := child.ExecuteOnStream(params)
		if err == nil {
			continue
		}
		if dispatchErr == nil {
			dispatchErr = &DispatchError{Group: g.name, Index: i, Child: child.String(), Err: err}
		} else {
			klog.Warningf("group %q: child #%d (%s) also failed: %v", g.name, i, child, err)
		}
		dispatchErr.NumFailed++
	}
	if err := g.api.GroupEnd(); err != nil {
		if dispatchErr == nil {
			dispatchErr = &DispatchError{Group: g.name, Index: -1, Child: "group end", Err: err}
		} else {
			klog.Warningf("group %q: closing the group scope also failed: %v", g.name, err)
		}
		dispatchErr.NumFailed++
	}
	return dispatchErr
}
