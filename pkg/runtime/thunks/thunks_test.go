// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package thunks_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/runtime/cliques"
	"github.com/gomlx/cliques/pkg/runtime/collectives"
	"github.com/gomlx/cliques/pkg/runtime/collectives/recorder"
	. "github.com/gomlx/cliques/pkg/runtime/thunks"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const device0 = distributed.GlobalDeviceID(0)

var key01 = distributed.NewCliqueKey(0, 1)

func buffer(name string, numElements int) collectives.Buffer {
	return collectives.Buffer{Name: name, DType: dtypes.Float32, NumElements: numElements}
}

func fixedResolver(_ context.Context, key distributed.CliqueKey) (distributed.CliqueID, error) {
	return distributed.CliqueID("test:" + key.Fingerprint()), nil
}

// setupGroup prepares, acquires the cliques and initializes the group for device 0.
// The recorder is reset before returning, so only the dispatch calls are recorded.
func setupGroup(t *testing.T, lib *recorder.Library, group *GroupThunk) *ExecuteParams {
	requests := NewResourceRequests(ResourceLimits{})
	require.NoError(t, group.Prepare(&PrepareParams{Device: device0}, requests))
	require.Equal(t, StatePrepared, group.State())
	pool := cliques.NewPool(lib, fixedResolver, cliques.Config{})
	acquired, err := pool.AcquireAll(context.Background(), requests.CliqueRequests(), distributed.DeviceIDs(0))
	require.NoError(t, err)
	t.Cleanup(acquired.Release)
	require.NoError(t, group.Initialize(&InitializeParams{Device: device0, Cliques: acquired}))
	require.Equal(t, StateInitialized, group.State())
	lib.Reset()
	return NewExecuteParams(device0, acquired)
}

func sendThunk(lib *recorder.Library, name string, peer int) *CollectiveThunk {
	return NewCollectiveThunk(name, lib, CollectiveConfig{
		Kind: KindSend, Key: key01, Send: buffer(name, 16), SendPeer: peer, RecvPeer: NoPeer})
}

func TestGroupThunkExecute(t *testing.T) {
	lib := recorder.New()
	group := NewGroupThunk("fused", lib,
		NewCollectiveThunk("gradients", lib, CollectiveConfig{
			Kind: KindAllReduce, Key: key01, Send: buffer("grad", 1024), Recv: buffer("grad_sum", 1024),
			ReduceOp: collectives.ReduceOpSum, SendPeer: NoPeer, RecvPeer: NoPeer}),
		sendThunk(lib, "activations", 1),
		NewCollectiveThunk("labels", lib, CollectiveConfig{
			Kind: KindRecv, Key: key01, Recv: buffer("labels", 8), SendPeer: NoPeer, RecvPeer: 1}),
	)
	assert.Equal(t, KindGroup, group.Kind())
	assert.Equal(t, `Group "fused" [AllReduce, Send, Recv]`, group.String())
	assert.Equal(t, StateConstructed, group.State())

	params := setupGroup(t, lib, group)
	assert.Equal(t, 1, group.Requests().NumCliques())
	assert.Equal(t, int64(4*(1024+1024+16+8)), group.Requests().BufferBytes())

	for range 2 {
		lib.Reset()
		require.NoError(t, group.ExecuteOnStream(params))
		assert.Equal(t, StateCompleted, group.State())
		assert.Equal(t, []string{recorder.OpGroupStart, recorder.OpAllReduce, recorder.OpSend, recorder.OpRecv,
			recorder.OpGroupEnd}, lib.Ops())
		assert.Equal(t, 0, lib.GroupDepth())
	}

	// Initialize again is a no-op.
	require.NoError(t, group.Initialize(&InitializeParams{Device: device0}))
	assert.Equal(t, StateCompleted, group.State())
}

// TestGroupThunkChildFailure: with N children, whichever child K fails, exactly N calls are issued between one
// group start and one group end.
func TestGroupThunkChildFailure(t *testing.T) {
	const numChildren = 4
	for k := 1; k <= numChildren; k++ {
		t.Run(fmt.Sprintf("child %d fails", k), func(t *testing.T) {
			lib := recorder.New()
			var children []Thunk
			for i := range numChildren {
				children = append(children, sendThunk(lib, fmt.Sprintf("b%d", i), 1))
			}
			group := NewGroupThunk("sends", lib, children...)
			params := setupGroup(t, lib, group)

			injected := errors.New("connection reset by peer")
			failing := fmt.Sprintf("b%d", k-1)
			lib.FailWhen(func(call recorder.Call) bool {
				return call.Op == recorder.OpSend && call.Buffers[0].Name == failing
			}, injected)

			err := group.ExecuteOnStream(params)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDispatch)
			assert.ErrorIs(t, err, injected)
			var dispatchErr *DispatchError
			require.ErrorAs(t, err, &dispatchErr)
			assert.Equal(t, k-1, dispatchErr.Index)
			assert.Equal(t, 1, dispatchErr.NumFailed)
			assert.Equal(t, "sends", dispatchErr.Group)

			want := []string{recorder.OpGroupStart}
			for range numChildren {
				want = append(want, recorder.OpSend)
			}
			want = append(want, recorder.OpGroupEnd)
			assert.Equal(t, want, lib.Ops())
			assert.Equal(t, 0, lib.GroupDepth())
			assert.Equal(t, StateFailed, group.State())

			// A failed group can't be executed again.
			err = group.ExecuteOnStream(params)
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.NotErrorIs(t, err, ErrDispatch)
		})
	}
}

func TestGroupThunkScopeFailures(t *testing.T) {
	t.Run("group start", func(t *testing.T) {
		lib := recorder.New()
		group := NewGroupThunk("g", lib, sendThunk(lib, "a", 1), sendThunk(lib, "b", 1))
		params := setupGroup(t, lib, group)
		lib.FailNth(recorder.OpGroupStart, 1, errors.New("library not initialized"))
		err := group.ExecuteOnStream(params)
		var dispatchErr *DispatchError
		require.ErrorAs(t, err, &dispatchErr)
		assert.Equal(t, -1, dispatchErr.Index)
		assert.Equal(t, []string{recorder.OpGroupStart}, lib.Ops())
		assert.Equal(t, StateFailed, group.State())
	})

	t.Run("group end", func(t *testing.T) {
		lib := recorder.New()
		group := NewGroupThunk("g", lib, sendThunk(lib, "a", 1), sendThunk(lib, "b", 1))
		params := setupGroup(t, lib, group)
		lib.FailNth(recorder.OpGroupEnd, 1, errors.New("remote error"))
		err := group.ExecuteOnStream(params)
		require.ErrorIs(t, err, ErrDispatch)
		assert.ErrorContains(t, err, "group end")
		assert.Equal(t, []string{recorder.OpGroupStart, recorder.OpSend, recorder.OpSend, recorder.OpGroupEnd},
			lib.Ops())
		assert.Equal(t, StateFailed, group.State())
	})

	t.Run("child and group end", func(t *testing.T) {
		lib := recorder.New()
		group := NewGroupThunk("g", lib, sendThunk(lib, "a", 1), sendThunk(lib, "b", 1))
		params := setupGroup(t, lib, group)
		childErr := errors.New("child failed")
		lib.FailNth(recorder.OpSend, 2, childErr)
		lib.FailNth(recorder.OpGroupEnd, 1, errors.New("remote error"))
		err := group.ExecuteOnStream(params)
		var dispatchErr *DispatchError
		require.ErrorAs(t, err, &dispatchErr)
		assert.Equal(t, 1, dispatchErr.Index)
		assert.Equal(t, 2, dispatchErr.NumFailed)
		assert.ErrorIs(t, err, childErr)
	})
}

// fakeThunk records its phases, and fails them on demand.
type fakeThunk struct {
	name                      string
	key                       distributed.CliqueKey
	prepareErr, initializeErr error
	log                       *[]string
}

func (f *fakeThunk) Kind() Kind     { return KindBroadcast }
func (f *fakeThunk) String() string { return f.name }

func (f *fakeThunk) Prepare(_ *PrepareParams, requests *ResourceRequests) error {
	*f.log = append(*f.log, "prepare "+f.name)
	if f.prepareErr != nil {
		return f.prepareErr
	}
	if err := requests.AddClique(f.key, 1); err != nil {
		return err
	}
	return requests.AddBuffer(buffer(f.name, 256))
}

func (f *fakeThunk) Initialize(_ *InitializeParams) error {
	*f.log = append(*f.log, "initialize "+f.name)
	return f.initializeErr
}

func (f *fakeThunk) ExecuteOnStream(_ *ExecuteParams) error {
	*f.log = append(*f.log, "execute "+f.name)
	return nil
}

func TestGroupThunkPrepare(t *testing.T) {
	var log []string
	first := &fakeThunk{name: "first", key: key01, log: &log}
	second := &fakeThunk{name: "second", key: distributed.NewCliqueKey(0, 2), log: &log,
		prepareErr: errors.Wrap(ErrInsufficientResources, "no scratch memory")}
	group := NewGroupThunk("g", recorder.New(), first, second)
	params := &PrepareParams{Device: device0}

	requests := NewResourceRequests(ResourceLimits{})
	require.NoError(t, requests.AddClique(distributed.NewCliqueKey(0, 3), 1))
	err := group.Prepare(params, requests)
	require.ErrorIs(t, err, ErrInsufficientResources)
	assert.Equal(t, StateConstructed, group.State())
	assert.Nil(t, group.Requests())
	assert.Equal(t, 1, requests.NumCliques(), "nothing of a failed Prepare is kept")
	assert.Equal(t, int64(0), requests.BufferBytes())

	// Retry from scratch after the pressure is relieved.
	second.prepareErr = nil
	log = nil
	require.NoError(t, group.Prepare(params, requests))
	assert.Equal(t, []string{"prepare first", "prepare second"}, log)
	assert.Equal(t, StatePrepared, group.State())
	assert.Equal(t, 3, requests.NumCliques())
	assert.Equal(t, int64(2*256*4), requests.BufferBytes())

	// Preparing again is allowed while only prepared.
	require.NoError(t, group.Prepare(params, NewResourceRequests(ResourceLimits{})))
	assert.Equal(t, 2, group.Requests().NumCliques())
}

func TestGroupThunkPrepareLimits(t *testing.T) {
	var log []string
	group := NewGroupThunk("g", recorder.New(),
		&fakeThunk{name: "a", key: key01, log: &log},
		&fakeThunk{name: "b", key: distributed.NewCliqueKey(0, 2), log: &log})
	params := &PrepareParams{Device: device0}

	requests := NewResourceRequests(ResourceLimits{MaxCliques: 1})
	err := group.Prepare(params, requests)
	require.ErrorIs(t, err, ErrInsufficientResources)
	assert.Equal(t, 0, requests.NumCliques())
	assert.Equal(t, StateConstructed, group.State())

	requests = NewResourceRequests(ResourceLimits{MaxBufferBytes: 1500})
	err = group.Prepare(params, requests)
	require.ErrorIs(t, err, ErrInsufficientResources)
	assert.Equal(t, int64(0), requests.BufferBytes())

	requests = NewResourceRequests(ResourceLimits{MaxCliques: 2, MaxBufferBytes: 2048})
	require.NoError(t, group.Prepare(params, requests))
}

// TestGroupThunkPrepareAgain prepares a group twice into the same requests: its contribution is replaced, not
// counted twice.
func TestGroupThunkPrepareAgain(t *testing.T) {
	var log []string
	second := &fakeThunk{name: "second", key: distributed.NewCliqueKey(0, 2), log: &log}
	group := NewGroupThunk("g", recorder.New(), &fakeThunk{name: "first", key: key01, log: &log}, second)
	params := &PrepareParams{Device: device0}

	// key01 is also requested by someone else.
	requests := NewResourceRequests(ResourceLimits{MaxCliques: 2, MaxBufferBytes: 3000})
	require.NoError(t, requests.AddClique(key01, 1))
	require.NoError(t, group.Prepare(params, requests))
	assert.Equal(t, int64(2*1024), requests.BufferBytes())

	for range 2 {
		require.NoError(t, group.Prepare(params, requests))
		assert.Equal(t, StatePrepared, group.State())
		assert.Equal(t, 2, requests.NumCliques())
		assert.Len(t, requests.Buffers(), 2)
		assert.Equal(t, int64(2*1024), requests.BufferBytes())
	}

	// A failed re-prepare leaves the group and the requests as they were.
	second.prepareErr = errors.New("no scratch memory")
	require.ErrorContains(t, group.Prepare(params, requests), "no scratch memory")
	assert.Equal(t, StatePrepared, group.State())
	assert.Equal(t, 2, group.Requests().NumCliques())
	assert.Equal(t, int64(2*1024), requests.BufferBytes())

	// The clique requested by someone else survives replacing the group's requests.
	second.prepareErr = nil
	other := NewResourceRequests(ResourceLimits{})
	require.NoError(t, other.AddBuffer(buffer("first", 256)))
	require.NoError(t, other.AddBuffer(buffer("second", 256)))
	require.NoError(t, requests.Replace(group.Requests(), other))
	assert.Equal(t, 1, requests.NumCliques())
	assert.True(t, requests.CliqueRequests()[0].Key.Equal(key01))
	assert.Equal(t, int64(2*1024), requests.BufferBytes())

	// Removing what was never merged fails, and leaves the requests unchanged.
	require.Error(t, requests.Replace(group.Requests(), NewResourceRequests(ResourceLimits{})))
	assert.Equal(t, 1, requests.NumCliques())
}

func TestGroupThunkInvalidStates(t *testing.T) {
	var log []string
	child := &fakeThunk{name: "child", key: key01, log: &log}
	group := NewGroupThunk("g", recorder.New(), child)

	require.ErrorIs(t, group.Initialize(&InitializeParams{Device: device0}), ErrInvalidState)
	require.ErrorIs(t, group.ExecuteOnStream(NewExecuteParams(device0, nil)), ErrInvalidState)
	assert.Equal(t, StateConstructed, group.State())

	require.NoError(t, group.Prepare(&PrepareParams{Device: device0}, NewResourceRequests(ResourceLimits{})))
	require.ErrorIs(t, group.ExecuteOnStream(NewExecuteParams(device0, nil)), ErrInvalidState)

	child.initializeErr = errors.New("can't allocate scratch space")
	err := group.Initialize(&InitializeParams{Device: device0})
	require.ErrorIs(t, err, child.initializeErr)
	assert.Equal(t, StateFailed, group.State())

	// Failed is terminal.
	child.initializeErr = nil
	require.ErrorIs(t, group.Initialize(&InitializeParams{Device: device0}), ErrInvalidState)
	require.ErrorIs(t, group.Prepare(&PrepareParams{Device: device0}, NewResourceRequests(ResourceLimits{})),
		ErrInvalidState)
	assert.Equal(t, []string{"prepare child", "initialize child"}, log)
}

func TestCollectivePermute(t *testing.T) {
	lib := recorder.New()
	ring := distributed.NewCliqueKey(0, 1, 2)
	permute := NewCollectiveThunk("shift", lib, CollectiveConfig{
		Kind: KindCollectivePermute, Key: ring, Send: buffer("x", 4), Recv: buffer("y", 4), SendPeer: 1, RecvPeer: 2})
	assert.Equal(t, `CollectivePermute "shift" to=1 from=2 on {devices=[0,1,2]; stream=0}`, permute.String())
	params := setupGroup(t, lib, NewGroupThunk("g", lib, permute))
	require.NoError(t, permute.ExecuteOnStream(params))
	assert.Equal(t, []string{recorder.OpGroupStart, recorder.OpSend, recorder.OpRecv, recorder.OpGroupEnd}, lib.Ops())
}

func TestCollectiveThunkStreams(t *testing.T) {
	lib := recorder.New()
	asyncKey := key01.WithStream(distributed.GetStreamID(true, distributed.AsyncStreamKindP2P0),
		distributed.AsyncStreamKindP2P0)
	send := NewCollectiveThunk("async", lib, CollectiveConfig{
		Kind: KindSend, Key: asyncKey, Send: buffer("a", 4), SendPeer: 1, RecvPeer: NoPeer})
	broadcast := NewCollectiveThunk("sync", lib, CollectiveConfig{
		Kind: KindBroadcast, Key: key01, Send: buffer("w", 4), Root: 0, SendPeer: NoPeer, RecvPeer: NoPeer})
	params := setupGroup(t, lib, NewGroupThunk("g", lib, send, broadcast))

	assert.Equal(t, distributed.GetStreamID(true, distributed.AsyncStreamKindP2P0), params.StreamFor(asyncKey).ID)
	assert.Equal(t, distributed.SyncStreamID, params.StreamFor(key01).ID)
	require.NoError(t, send.ExecuteOnStream(params))
	require.NoError(t, broadcast.ExecuteOnStream(params))
	calls := lib.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, distributed.StreamID(2), calls[0].Stream.ID)
	assert.Equal(t, distributed.SyncStreamID, calls[1].Stream.ID)
	assert.Equal(t, 0, calls[1].Peer)
}

func TestCollectiveThunkValidation(t *testing.T) {
	lib := recorder.New()
	testCases := []struct {
		name    string
		config  CollectiveConfig
		wantErr string
	}{
		{"no key", CollectiveConfig{Kind: KindSend, Send: buffer("a", 1), SendPeer: 1}, "clique key not set"},
		{"not a member", CollectiveConfig{Kind: KindSend, Key: distributed.NewCliqueKey(1, 2), Send: buffer("a", 1),
			SendPeer: 1}, "not part of the clique"},
		{"missing recv", CollectiveConfig{Kind: KindAllReduce, Key: key01, Send: buffer("a", 1)}, "recv buffer not set"},
		{"all-gather size", CollectiveConfig{Kind: KindAllGather, Key: key01, Send: buffer("a", 4),
			Recv: buffer("b", 4)}, "must have 8 elements"},
		{"dtype mismatch", CollectiveConfig{Kind: KindAllReduce, Key: key01, Send: buffer("a", 4),
			Recv: collectives.Buffer{Name: "b", DType: dtypes.Int32, NumElements: 4}}, "different dtypes"},
		{"root out of range", CollectiveConfig{Kind: KindBroadcast, Key: key01, Send: buffer("a", 1), Root: 2},
			"root rank 2 out of range"},
		{"send to self", CollectiveConfig{Kind: KindSend, Key: key01, Send: buffer("a", 1), SendPeer: 0},
			"its own peer"},
		{"recv peer", CollectiveConfig{Kind: KindRecv, Key: key01, Recv: buffer("a", 1), RecvPeer: -1},
			"recv peer rank -1 out of range"},
		{"empty permute", CollectiveConfig{Kind: KindCollectivePermute, Key: key01, SendPeer: NoPeer,
			RecvPeer: NoPeer}, "neither a send nor a recv peer"},
		{"group kind", CollectiveConfig{Kind: KindGroup, Key: key01}, "is not a collective"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			thunk := NewCollectiveThunk(tc.name, lib, tc.config)
			requests := NewResourceRequests(ResourceLimits{})
			err := thunk.Prepare(&PrepareParams{Device: device0}, requests)
			require.ErrorContains(t, err, tc.wantErr)
			assert.Equal(t, 0, requests.NumCliques())
		})
	}
}

func TestResourceRequests(t *testing.T) {
	requests := NewResourceRequests(ResourceLimits{MaxCliques: 2, MaxBufferBytes: 8192})
	k02 := distributed.NewCliqueKey(2, 0)
	require.NoError(t, requests.AddClique(k02, 1))
	require.NoError(t, requests.AddClique(key01, 1))
	require.NoError(t, requests.AddClique(distributed.NewCliqueKey(1, 0), 1))
	require.ErrorContains(t, requests.AddClique(key01, 2), "previously with 1")
	require.ErrorIs(t, requests.AddClique(distributed.NewCliqueKey(0, 3), 1), ErrInsufficientResources)
	require.Error(t, requests.AddClique(distributed.CliqueKey{}, 1))

	cliqueRequests := requests.CliqueRequests()
	require.Len(t, cliqueRequests, 2)
	assert.True(t, cliqueRequests[0].Key.Equal(key01))
	assert.True(t, cliqueRequests[1].Key.Equal(k02))

	require.NoError(t, requests.AddBuffer(buffer("a", 1024)))
	require.Error(t, requests.AddBuffer(collectives.Buffer{}))
	require.ErrorIs(t, requests.AddBuffer(buffer("b", 1025)), ErrInsufficientResources)
	assert.Equal(t, int64(4096), requests.BufferBytes())
	assert.Len(t, requests.Buffers(), 1)
	assert.Equal(t, "ResourceRequests(2 cliques, 1 buffers, 4.1 kB)\n"+
		"  clique devices=[0,1]; stream=0: 1 local\n"+
		"  clique devices=[2,0]; stream=0: 1 local", requests.String())

	// Merge is all-or-nothing.
	other := NewResourceRequests(ResourceLimits{})
	require.NoError(t, other.AddClique(key01, 1))
	require.NoError(t, other.AddClique(distributed.NewCliqueKey(0, 5), 1))
	require.ErrorIs(t, requests.Merge(other), ErrInsufficientResources)
	assert.Equal(t, 2, requests.NumCliques())

	other = NewResourceRequests(ResourceLimits{})
	require.NoError(t, other.AddClique(key01, 2))
	require.ErrorContains(t, requests.Merge(other), "previously with 1")

	other = NewResourceRequests(ResourceLimits{})
	require.NoError(t, other.AddClique(k02, 1))
	require.NoError(t, other.AddBuffer(buffer("c", 1024)))
	require.NoError(t, requests.Merge(other))
	assert.Equal(t, 2, requests.NumCliques())
	assert.Equal(t, int64(8192), requests.BufferBytes())
}

func TestPrepareParamsNumLocalParticipants(t *testing.T) {
	params := &PrepareParams{Device: 1}
	assert.Equal(t, 1, params.NumLocalParticipants(key01))
	assert.Equal(t, 0, params.NumLocalParticipants(distributed.NewCliqueKey(2, 3)))
	params.LocalDevices = distributed.DeviceIDs(0, 1, 2)
	assert.Equal(t, 2, params.NumLocalParticipants(key01))
	assert.Equal(t, 3, params.NumLocalParticipants(distributed.NewCliqueKey(0, 1, 2, 3)))
}

func TestKindAndStateNames(t *testing.T) {
	kind, err := KindString("collectivepermute")
	require.NoError(t, err)
	assert.Equal(t, KindCollectivePermute, kind)
	assert.Equal(t, "AllGather", KindAllGather.String())
	assert.Equal(t, "Failed", StateFailed.String())
	assert.Len(t, StateValues(), 6)

	op, err := collectives.ReduceOpString("MAX")
	require.NoError(t, err)
	assert.Equal(t, collectives.ReduceOpMax, op)
	assert.Equal(t, []string{"sum", "product", "min", "max"}, collectives.ReduceOpStrings())
	_, err = collectives.ReduceOpString("mean")
	require.Error(t, err)
}
