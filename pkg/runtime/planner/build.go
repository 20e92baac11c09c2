// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package planner

import (
	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/runtime/collectives"
	"github.com/gomlx/cliques/pkg/runtime/thunks"
	"github.com/pkg/errors"
)

// BuildRank builds the groups of the device, in plan order, issuing the collectives with api.
//
// The result only depends on the plan and the device: any two ranks get groups with the same names and
// children in the same order.
func (p *Plan) BuildRank(device distributed.GlobalDeviceID, api collectives.API) ([]*thunks.GroupThunk, error) {
	mesh, err := p.Mesh()
	if err != nil {
		return nil, err
	}
	groups := make([]*thunks.GroupThunk, 0, len(p.Groups))
	for _, group := range p.Groups {
		children := make([]thunks.Thunk, 0, len(group.Ops))
		for _, op := range group.Ops {
			name := group.Name + "." + op.Name
			config, err := op.config(mesh, device, name)
			if err != nil {
				return nil, errors.WithMessagef(err, "plan %q: building op %q for device #%s", p.Name, name, device)
			}
			children = append(children, thunks.NewCollectiveThunk(name, api, config))
		}
		groups = append(groups, thunks.NewGroupThunk(group.Name, api, children...))
	}
	return groups, nil
}

// config returns the configuration of the collective for the device.
func (op *OpSpec) config(mesh *distributed.DeviceMesh, device distributed.GlobalDeviceID,
	name string) (thunks.CollectiveConfig, error) {
	streamKind := op.Stream
	if !op.Async {
		streamKind = distributed.AsyncStreamKindCollective
	}
	key, err := mesh.CliqueKeyFor(device, op.Axes, op.Async, streamKind)
	if err != nil {
		return thunks.CollectiveConfig{}, err
	}
	dtype, err := op.dtype()
	if err != nil {
		return thunks.CollectiveConfig{}, err
	}
	rank, _ := key.Rank(device)
	numRanks := key.NumDevices()
	input := collectives.Buffer{Name: name + ".in", DType: dtype, NumElements: op.Elements}
	output := collectives.Buffer{Name: name + ".out", DType: dtype, NumElements: op.Elements}
	sendPeer := mod(rank+op.shift(), numRanks)
	recvPeer := mod(rank-op.shift(), numRanks)

	config := thunks.CollectiveConfig{Kind: op.Kind, Key: key, SendPeer: thunks.NoPeer, RecvPeer: thunks.NoPeer}
	switch op.Kind {
	case thunks.KindAllReduce:
		config.Send, config.Recv, config.ReduceOp = input, output, op.Reduce
	case thunks.KindAllGather:
		output.NumElements *= numRanks
		config.Send, config.Recv = input, output
	case thunks.KindBroadcast:
		config.Send, config.Root = input, op.Root
	case thunks.KindSend:
		config.Send, config.SendPeer = input, sendPeer
	case thunks.KindRecv:
		config.Recv, config.RecvPeer = output, recvPeer
	case thunks.KindCollectivePermute:
		config.Send, config.Recv = input, output
		config.SendPeer, config.RecvPeer = sendPeer, recvPeer
	default:
		return thunks.CollectiveConfig{}, errors.Errorf("kind %s is not a collective", op.Kind)
	}
	return config, nil
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}
