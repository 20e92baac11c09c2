// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package recorder implements collectives.API in-process: it doesn't move any data, it only validates and
// records the calls issued, in order, so tests and simulations can inspect the dispatch sequence of each rank.
//
// Failures can be injected with FailWhen and FailNth: the failing call is still recorded (it was issued).
package recorder

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/runtime/collectives"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the recorded operations.
const (
	OpGroupStart = "group_start"
	OpGroupEnd   = "group_end"
	OpCreate     = "create_comm"
	OpSplit      = "split_comm"
	OpDestroy    = "destroy_comm"
	OpAllReduce  = "all_reduce"
	OpAllGather  = "all_gather"
	OpBroadcast  = "broadcast"
	OpSend       = "send"
	OpRecv       = "recv"
)

// Call is one recorded call to the library.
type Call struct {
	Op string

	// Comm is the communicator the call was issued on, nil for group calls.
	Comm *Comm

	// Peer is the peer rank for send/recv, the root rank for broadcast, or -1.
	Peer int

	// Stream is set for the collective operations.
	Stream *collectives.Stream

	Buffers []collectives.Buffer

	// Detail holds operation specific information, e.g. the reduce operation.
	Detail string
}

// String implements fmt.Stringer. It's deterministic, and used to compare transcripts.
func (c Call) String() string {
	var sb strings.Builder
	if c.Comm != nil {
		_, _ = fmt.Fprintf(&sb, "dev=%s ", c.Comm.device)
	}
	sb.WriteString(c.Op)
	if c.Comm != nil {
		_, _ = fmt.Fprintf(&sb, " clique=%s rank=%d/%d", c.Comm.key.Fingerprint(), c.Comm.rank, c.Comm.numRanks)
	}
	if c.Peer >= 0 {
		_, _ = fmt.Fprintf(&sb, " peer=%d", c.Peer)
	}
	if c.Stream != nil {
		_, _ = fmt.Fprintf(&sb, " stream=%d", c.Stream.ID)
	}
	for _, buffer := range c.Buffers {
		sb.WriteByte(' ')
		sb.WriteString(buffer.String())
	}
	if c.Detail != "" {
		sb.WriteByte(' ')
		sb.WriteString(c.Detail)
	}
	return sb.String()
}

// Comm is the recorder's collectives.Communicator.
type Comm struct {
	serial    int
	key       distributed.CliqueKey
	device    distributed.GlobalDeviceID
	rank      int
	numRanks  int
	cliqueID  distributed.CliqueID
	parent    *Comm
	destroyed bool
}

var _ collectives.Communicator = (*Comm)(nil)

// Key implements collectives.Communicator.
func (c *Comm) Key() distributed.CliqueKey { return c.key }

// Device implements collectives.Communicator.
func (c *Comm) Device() distributed.GlobalDeviceID { return c.device }

// Rank implements collectives.Communicator.
func (c *Comm) Rank() int { return c.rank }

// NumRanks implements collectives.Communicator.
func (c *Comm) NumRanks() int { return c.numRanks }

// CliqueID used to create the communicator. Empty for communicators created by a split.
func (c *Comm) CliqueID() distributed.CliqueID { return c.cliqueID }

// Parent returns the communicator this one was split from, or nil.
func (c *Comm) Parent() *Comm { return c.parent }

// IsDestroyed returns whether DestroyCommunicator was called on it.
func (c *Comm) IsDestroyed() bool { return c.destroyed }

// Library records calls to the collective communication library. It is safe for concurrent use.
type Library struct {
	mu          sync.Mutex
	calls       []Call
	groupDepth  int
	numComms    int
	liveComms   int
	failures    []failure
	opCounts    map[string]int
	nthFailures map[string]failure
}

type failure struct {
	match func(Call) bool
	err   error
}

var _ collectives.API = (*Library)(nil)

// New creates an empty Library.
func New() *Library {
	return &Library{
		opCounts:    make(map[string]int),
		nthFailures: make(map[string]failure),
	}
}

// FailWhen makes the next call for which match returns true fail with err.
func (l *Library) FailWhen(match func(Call) bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, failure{match: match, err: err})
}

// FailNth makes the n-th (1-based, counting from now) call of the given operation fail with err.
func (l *Library) FailNth(op string, n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	target := l.opCounts[op] + n
	l.nthFailures[fmt.Sprintf("%s#%d", op, target)] = failure{err: err}
}

// Calls returns a copy of the recorded calls.
func (l *Library) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Ops returns the names of the recorded operations, in order.
func (l *Library) Ops() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ops := make([]string, len(l.calls))
	for i, call := range l.calls {
		ops[i] = call.Op
	}
	return ops
}

// Transcript returns one line per recorded call.
func (l *Library) Transcript() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sb strings.Builder
	for _, call := range l.calls {
		sb.WriteString(call.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Reset forgets the recorded calls. Communicators and pending failures are kept.
func (l *Library) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// GroupDepth returns the number of currently open group scopes.
func (l *Library) GroupDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.groupDepth
}

// NumLiveCommunicators returns the number of communicators created and not yet destroyed.
func (l *Library) NumLiveCommunicators() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.liveComms
}

// lockedRecord appends the call and returns the injected failure, if any.
//
// It must be called with l.mu acquired.
func (l *Library) lockedRecord(call Call) error {
	l.calls = append(l.calls, call)
	l.opCounts[call.Op]++
	nthKey := fmt.Sprintf("%s#%d", call.Op, l.opCounts[call.Op])
	if f, found := l.nthFailures[nthKey]; found {
		delete(l.nthFailures, nthKey)
		klog.V(2).Infof("recorder: injected failure on %s", call)
		return f.err
	}
	for i, f := range l.failures {
		if f.match(call) {
			l.failures = append(l.failures[:i], l.failures[i+1:]...)
			klog.V(2).Infof("recorder: injected failure on %s", call)
			return f.err
		}
	}
	return nil
}

// GroupStart implements collectives.API.
func (l *Library) GroupStart() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.lockedRecord(Call{Op: OpGroupStart, Peer: -1}); err != nil {
		return err
	}
	l.groupDepth++
	return nil
}

// GroupEnd implements collectives.API.
func (l *Library) GroupEnd() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.groupDepth == 0 {
		return errors.New("recorder.GroupEnd(): no group scope open")
	}
	// The scope is closed even if the dispatch fails.
	l.groupDepth--
	return l.lockedRecord(Call{Op: OpGroupEnd, Peer: -1})
}

func (l *Library) comm(comm collectives.Communicator) (*Comm, error) {
	c, ok := comm.(*Comm)
	if !ok || c == nil {
		return nil, errors.Errorf("recorder: communicator %T was not created by this library", comm)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c.destroyed {
		return nil, errors.Errorf("recorder: communicator #%d of %s was destroyed", c.serial, c.key)
	}
	return c, nil
}

// CreateCommunicator implements collectives.API.
func (l *Library) CreateCommunicator(id distributed.CliqueID, key distributed.CliqueKey,
	device distributed.GlobalDeviceID) (collectives.Communicator, error) {
	if id.IsEmpty() {
		return nil, errors.Errorf("recorder.CreateCommunicator(%s): empty clique id", key)
	}
	rank, found := key.Rank(device)
	if !found {
		return nil, errors.Errorf("recorder.CreateCommunicator(): device #%s is not part of clique %s", device, key)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.numComms++
	c := &Comm{serial: l.numComms, key: key, device: device, rank: rank, numRanks: key.NumDevices(), cliqueID: id}
	if err := l.lockedRecord(Call{Op: OpCreate, Comm: c, Peer: -1}); err != nil {
		return nil, err
	}
	l.liveComms++
	return c, nil
}

// SplitCommunicator implements collectives.API.
func (l *Library) SplitCommunicator(parent collectives.Communicator, color, rankKey int,
	newKey distributed.CliqueKey) (collectives.Communicator, error) {
	p, err := l.comm(parent)
	if err != nil {
		return nil, err
	}
	rank, found := newKey.Rank(p.device)
	if !found {
		return nil, errors.Errorf("recorder.SplitCommunicator(): device #%s is not part of clique %s", p.device, newKey)
	}
	if rank != rankKey {
		return nil, errors.Errorf("recorder.SplitCommunicator(): rank key %d doesn't match rank %d of device #%s in %s",
			rankKey, rank, p.device, newKey)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.numComms++
	c := &Comm{serial: l.numComms, key: newKey, device: p.device, rank: rank, numRanks: newKey.NumDevices(), parent: p}
	if err := l.lockedRecord(Call{Op: OpSplit, Comm: c, Peer: -1,
		Detail: fmt.Sprintf("parent=%s color=%d", p.key.Fingerprint(), color)}); err != nil {
		return nil, err
	}
	l.liveComms++
	return c, nil
}

// DestroyCommunicator implements collectives.API.
func (l *Library) DestroyCommunicator(comm collectives.Communicator) error {
	c, err := l.comm(comm)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c.destroyed = true
	l.liveComms--
	return l.lockedRecord(Call{Op: OpDestroy, Comm: c, Peer: -1})
}

func (l *Library) issue(op string, comm collectives.Communicator, peer int, stream collectives.Stream,
	detail string, buffers ...collectives.Buffer) error {
	c, err := l.comm(comm)
	if err != nil {
		return err
	}
	if peer >= c.numRanks {
		return errors.Errorf("recorder.%s(): peer rank %d out of range for %s", op, peer, c.key)
	}
	if stream.Device != c.device {
		return errors.Errorf("recorder.%s(): %s doesn't belong to device #%s", op, stream, c.device)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockedRecord(Call{Op: op, Comm: c, Peer: peer, Stream: &stream, Buffers: buffers, Detail: detail})
}

// AllReduce implements collectives.API.
func (l *Library) AllReduce(comm collectives.Communicator, send, recv collectives.Buffer, op collectives.ReduceOp,
	stream collectives.Stream) error {
	return l.issue(OpAllReduce, comm, -1, stream, "op="+op.String(), send, recv)
}

// AllGather implements collectives.API.
func (l *Library) AllGather(comm collectives.Communicator, send, recv collectives.Buffer,
	stream collectives.Stream) error {
	return l.issue(OpAllGather, comm, -1, stream, "", send, recv)
}

// Broadcast implements collectives.API.
func (l *Library) Broadcast(comm collectives.Communicator, buffer collectives.Buffer, root int,
	stream collectives.Stream) error {
	return l.issue(OpBroadcast, comm, root, stream, "", buffer)
}

// Send implements collectives.API.
func (l *Library) Send(comm collectives.Communicator, buffer collectives.Buffer, peer int,
	stream collectives.Stream) error {
	return l.issue(OpSend, comm, peer, stream, "", buffer)
}

// Recv implements collectives.API.
func (l *Library) Recv(comm collectives.Communicator, buffer collectives.Buffer, peer int,
	stream collectives.Stream) error {
	return l.issue(OpRecv, comm, peer, stream, "", buffer)
}
