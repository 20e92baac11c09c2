// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package thunks

import (
	"fmt"
	"strings"

	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/runtime/collectives"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NoPeer is used in CollectiveConfig for an unset peer.
const NoPeer = -1

// CollectiveConfig configures a CollectiveThunk.
type CollectiveConfig struct {
	Kind Kind

	// Key of the clique the collective runs on. The device of the thunk must be part of it.
	Key distributed.CliqueKey

	// Send is the input buffer, or the buffer broadcast from the root.
	Send collectives.Buffer

	// Recv is the output buffer.
	Recv collectives.Buffer

	// ReduceOp used by AllReduce.
	ReduceOp collectives.ReduceOp

	// Root rank of a Broadcast.
	Root int

	// SendPeer is the rank Send (and CollectivePermute) sends to, or NoPeer.
	SendPeer int

	// RecvPeer is the rank Recv (and CollectivePermute) receives from, or NoPeer.
	RecvPeer int
}

// CollectiveThunk issues one collective operation of one device.
type CollectiveThunk struct {
	name   string
	api    collectives.API
	config CollectiveConfig
}

var _ Thunk = (*CollectiveThunk)(nil)

// NewCollectiveThunk creates a thunk that issues the collective described by config with api.
// The configuration is validated during Prepare.
func NewCollectiveThunk(name string, api collectives.API, config CollectiveConfig) *CollectiveThunk {
	return &CollectiveThunk{name: name, api: api, config: config}
}

// Name of the thunk.
func (c *CollectiveThunk) Name() string {
	return c.name
}

// Config returns the configuration of the thunk.
func (c *CollectiveThunk) Config() CollectiveConfig {
	return c.config
}

// Kind implements Thunk.
func (c *CollectiveThunk) Kind() Kind {
	return c.config.Kind
}

// Key returns the key of the clique the collective runs on.
func (c *CollectiveThunk) Key() distributed.CliqueKey {
	return c.config.Key
}

// String implements Thunk.
func (c *CollectiveThunk) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s %q", c.config.Kind, c.name)
	switch c.config.Kind {
	case KindAllReduce:
		_, _ = fmt.Fprintf(&sb, " %s", c.config.ReduceOp)
	case KindBroadcast:
		_, _ = fmt.Fprintf(&sb, " root=%d", c.config.Root)
	}
	if c.config.SendPeer != NoPeer && (c.config.Kind == KindSend || c.config.Kind == KindCollectivePermute) {
		_, _ = fmt.Fprintf(&sb, " to=%d", c.config.SendPeer)
	}
	if c.config.RecvPeer != NoPeer && (c.config.Kind == KindRecv || c.config.Kind == KindCollectivePermute) {
		_, _ = fmt.Fprintf(&sb, " from=%d", c.config.RecvPeer)
	}
	_, _ = fmt.Fprintf(&sb, " on {%s}", c.config.Key)
	return sb.String()
}

// validate the configuration for the device.
func (c *CollectiveThunk) validate(device distributed.GlobalDeviceID) error {
	cfg := &c.config
	if !cfg.Key.IsValid() {
		return errors.Errorf("%s: clique key not set", c)
	}
	rank, found := cfg.Key.Rank(device)
	if !found {
		return errors.Errorf("%s: device #%s is not part of the clique", c, device)
	}
	numRanks := cfg.Key.NumDevices()
	checkPeer := func(name string, peer int) error {
		if peer < 0 || peer >= numRanks {
			return errors.Errorf("%s: %s rank %d out of range [0, %d)", c, name, peer, numRanks)
		}
		return nil
	}
	needBuffer := func(name string, buffer collectives.Buffer) error {
		if buffer.IsEmpty() {
			return errors.Errorf("%s: %s buffer not set", c, name)
		}
		return nil
	}

	switch cfg.Kind {
	case KindAllReduce, KindAllGather:
		if err := needBuffer("send", cfg.Send); err != nil {
			return err
		}
		if err := needBuffer("recv", cfg.Recv); err != nil {
			return err
		}
		if cfg.Send.DType != cfg.Recv.DType {
			return errors.Errorf("%s: send and recv buffers have different dtypes (%s and %s)",
				c, cfg.Send.DType, cfg.Recv.DType)
		}
		wantRecv := cfg.Send.NumElements
		if cfg.Kind == KindAllGather {
			wantRecv *= numRanks
		}
		if cfg.Recv.NumElements != wantRecv {
			return errors.Errorf("%s: recv buffer must have %d elements, got %d", c, wantRecv, cfg.Recv.NumElements)
		}
	case KindBroadcast:
		if err := needBuffer("send", cfg.Send); err != nil {
			return err
		}
		if err := checkPeer("root", cfg.Root); err != nil {
			return err
		}
	case KindSend:
		if err := needBuffer("send", cfg.Send); err != nil {
			return err
		}
		if err := checkPeer("send peer", cfg.SendPeer); err != nil {
			return err
		}
	case KindRecv:
		if err := needBuffer("recv", cfg.Recv); err != nil {
			return err
		}
		if err := checkPeer("recv peer", cfg.RecvPeer); err != nil {
			return err
		}
	case KindCollectivePermute:
		if cfg.SendPeer == NoPeer && cfg.RecvPeer == NoPeer {
			return errors.Errorf("%s: neither a send nor a recv peer were given", c)
		}
		if cfg.SendPeer != NoPeer {
			if err := needBuffer("send", cfg.Send); err != nil {
				return err
			}
			if err := checkPeer("send peer", cfg.SendPeer); err != nil {
				return err
			}
		}
		if cfg.RecvPeer != NoPeer {
			if err := needBuffer("recv", cfg.Recv); err != nil {
				return err
			}
			if err := checkPeer("recv peer", cfg.RecvPeer); err != nil {
				return err
			}
		}
	default:
		return errors.Errorf("%s: kind %s is not a collective", c, cfg.Kind)
	}
	if (cfg.Kind == KindSend && cfg.SendPeer == rank) || (cfg.Kind == KindRecv && cfg.RecvPeer == rank) {
		return errors.Errorf("%s: device #%s can't be its own peer", c, device)
	}
	return nil
}

// Prepare implements Thunk: it requests the clique and the buffers of the collective.
func (c *CollectiveThunk) Prepare(params *PrepareParams, requests *ResourceRequests) error {
	if err := c.validate(params.Device); err != nil {
		return err
	}
	if err := requests.AddClique(c.config.Key, params.NumLocalParticipants(c.config.Key)); err != nil {
		return err
	}
	for _, buffer := range []collectives.Buffer{c.config.Send, c.config.Recv} {
		if buffer.IsEmpty() {
			continue
		}
		if err := requests.AddBuffer(buffer); err != nil {
			return err
		}
	}
	return nil
}

// Initialize implements Thunk: it checks the clique was acquired with a communicator for the device.
func (c *CollectiveThunk) Initialize(params *InitializeParams) error {
	if params.Cliques == nil {
		return errors.Errorf("%s: no cliques acquired", c)
	}
	_, err := params.Cliques.Communicator(c.config.Key, params.Device)
	return err
}

// ExecuteOnStream implements Thunk.
func (c *CollectiveThunk) ExecuteOnStream(params *ExecuteParams) error {
	if params.Cliques == nil {
		return errors.Errorf("%s: no cliques acquired", c)
	}
	comm, err := params.Cliques.Communicator(c.config.Key, params.Device)
	if err != nil {
		return err
	}
	stream := params.StreamFor(c.config.Key)
	klog.V(2).Infof("device #%s: issuing %s on %s", params.Device, c, stream)
	cfg := &c.config
	switch cfg.Kind {
	case KindAllReduce:
		err = c.api.AllReduce(comm, cfg.Send, cfg.Recv, cfg.ReduceOp, stream)
	case KindAllGather:
		err = c.api.AllGather(comm, cfg.Send, cfg.Recv, stream)
	case KindBroadcast:
		err = c.api.Broadcast(comm, cfg.Send, cfg.Root, stream)
	case KindSend:
		err = c.api.Send(comm, cfg.Send, cfg.SendPeer, stream)
	case KindRecv:
		err = c.api.Recv(comm, cfg.Recv, cfg.RecvPeer, stream)
	case KindCollectivePermute:
		err = c.permute(comm, stream)
	default:
		err = errors.Errorf("kind %s is not a collective", cfg.Kind)
	}
	if err != nil {
		return errors.WithMessagef(err, "device #%s: %s", params.Device, c)
	}
	return nil
}

// permute issues the send and the receive of a collective permute in their own group scope, so they don't
// block on each other.
func (c *CollectiveThunk) permute(comm collectives.Communicator, stream collectives.Stream) error {
	if err := c.api.GroupStart(); err != nil {
		return err
	}
	var firstErr error
	if c.config.SendPeer != NoPeer {
		firstErr = c.api.Send(comm, c.config.Send, c.config.SendPeer, stream)
	}
	if c.config.RecvPeer != NoPeer {
		if err := c.api.Recv(comm, c.config.Recv, c.config.RecvPeer, stream); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.api.GroupEnd(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
