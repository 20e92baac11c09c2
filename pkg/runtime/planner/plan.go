// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package planner builds the GroupThunks of each rank from a Plan, a YAML description of the collective operations
// of a distributed program over a DeviceMesh.
//
// Every rank builds its own groups independently, but from the same Plan and in a deterministic way: the
// groups and their children come out in the same order on every rank, which is what the collective library
// requires to not deadlock.
package planner

import (
	"bytes"
	"io"
	"os"

	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/runtime/collectives"
	"github.com/gomlx/cliques/pkg/runtime/thunks"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Plan of the collective operations of a distributed program.
type Plan struct {
	// Name of the plan, used as the mesh name.
	Name string `yaml:"name"`

	Mesh MeshSpec `yaml:"mesh"`

	// Limits on the resources requested by each rank. Zero values mean no limit.
	Limits LimitsSpec `yaml:"limits,omitempty"`

	// Groups are executed in order. Each one is dispatched as one GroupThunk.
	Groups []GroupSpec `yaml:"groups"`
}

// MeshSpec describes the DeviceMesh of a plan.
type MeshSpec struct {
	Axes []AxisSpec `yaml:"axes"`

	// Devices in mesh order. If empty, devices 0 to N-1 are used.
	Devices []int64 `yaml:"devices,omitempty"`
}

// AxisSpec is one axis of the mesh.
type AxisSpec struct {
	Name string `yaml:"name"`
	Size int    `yaml:"size"`
}

// LimitsSpec configures thunks.ResourceLimits.
type LimitsSpec struct {
	MaxCliques     int   `yaml:"max_cliques,omitempty"`
	MaxBufferBytes int64 `yaml:"max_buffer_bytes,omitempty"`
}

// GroupSpec is a group of operations fused into one dispatch.
type GroupSpec struct {
	Name string   `yaml:"name"`
	Ops  []OpSpec `yaml:"ops"`
}

// OpSpec is one collective operation.
type OpSpec struct {
	Name string `yaml:"name"`

	// Kind of the operation: AllReduce, AllGather, Broadcast, CollectivePermute, Send or Recv.
	Kind thunks.Kind `yaml:"kind"`

	// Axes of the mesh the operation runs along. Empty means all axes.
	Axes []string `yaml:"axes,omitempty"`

	// Async runs the operation on the asynchronous stream of kind Stream. Otherwise, it runs on the compute
	// stream.
	Async  bool                        `yaml:"async,omitempty"`
	Stream distributed.AsyncStreamKind `yaml:"stream,omitempty"`

	// DType of the buffers, e.g. "Float32".
	DType string `yaml:"dtype"`

	// Elements in the (per rank) input buffer.
	Elements int `yaml:"elements"`

	// Reduce operation of an AllReduce: sum (default), product, min or max.
	Reduce collectives.ReduceOp `yaml:"reduce,omitempty"`

	// Root rank of a Broadcast.
	Root int `yaml:"root,omitempty"`

	// Shift of the peers of CollectivePermute, Send and Recv: rank r sends to r+Shift and receives from r-Shift,
	// modulo the number of ranks. Defaults to 1.
	Shift int `yaml:"shift,omitempty"`
}

// Parse a Plan from YAML. Unknown fields are rejected.
func Parse(r io.Reader) (*Plan, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var plan Plan
	if err := decoder.Decode(&plan); err != nil {
		return nil, errors.Wrap(err, "failed to parse plan")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Load a Plan from a YAML file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plan file %q", path)
	}
	plan, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithMessagef(err, "plan file %q", path)
	}
	return plan, nil
}

// Mesh returns the DeviceMesh of the plan.
func (p *Plan) Mesh() (*distributed.DeviceMesh, error) {
	sizes := make([]int, len(p.Mesh.Axes))
	names := make([]string, len(p.Mesh.Axes))
	for i, axis := range p.Mesh.Axes {
		sizes[i] = axis.Size
		names[i] = axis.Name
	}
	mesh, err := distributed.NewDeviceMesh(sizes, names, distributed.DeviceIDs(p.Mesh.Devices...)...)
	if err != nil {
		return nil, errors.WithMessagef(err, "plan %q", p.Name)
	}
	if p.Name != "" {
		mesh.SetName(p.Name)
	}
	return mesh, nil
}

// ResourceLimits returns the limits of the plan.
func (p *Plan) ResourceLimits() thunks.ResourceLimits {
	return thunks.ResourceLimits{MaxCliques: p.Limits.MaxCliques, MaxBufferBytes: p.Limits.MaxBufferBytes}
}

// Validate the plan: the mesh, the names of groups and operations, and the configuration of each operation.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return errors.New("plan name is required")
	}
	mesh, err := p.Mesh()
	if err != nil {
		return err
	}
	if len(p.Groups) == 0 {
		return errors.Errorf("plan %q has no groups", p.Name)
	}
	if p.Limits.MaxCliques < 0 || p.Limits.MaxBufferBytes < 0 {
		return errors.Errorf("plan %q: limits can't be negative", p.Name)
	}
	names := make(map[string]bool)
	for i, group := range p.Groups {
		if group.Name == "" {
			return errors.Errorf("plan %q: groups[%d] has no name", p.Name, i)
		}
		if names[group.Name] {
			return errors.Errorf("plan %q: name %q is duplicated", p.Name, group.Name)
		}
		names[group.Name] = true
		if len(group.Ops) == 0 {
			return errors.Errorf("plan %q: group %q has no ops", p.Name, group.Name)
		}
		for j := range group.Ops {
			op := &group.Ops[j]
			if op.Name == "" {
				return errors.Errorf("plan %q: group %q ops[%d] has no name", p.Name, group.Name, j)
			}
			qualified := group.Name + "." + op.Name
			if names[qualified] {
				return errors.Errorf("plan %q: op name %q is duplicated", p.Name, qualified)
			}
			names[qualified] = true
			if err := op.validate(mesh); err != nil {
				return errors.WithMessagef(err, "plan %q: op %q", p.Name, qualified)
			}
		}
	}
	return nil
}

func (op *OpSpec) validate(mesh *distributed.DeviceMesh) error {
	if op.Kind == thunks.KindGroup || !op.Kind.IsAKind() {
		return errors.Errorf("invalid kind %s, it must be one of AllReduce, AllGather, Broadcast, "+
			"CollectivePermute, Send or Recv", op.Kind)
	}
	if _, err := mesh.ComputeReplicaGroups(op.Axes); err != nil {
		return err
	}
	if !op.Stream.IsAAsyncStreamKind() {
		return errors.Errorf("invalid stream kind %s", op.Stream)
	}
	if _, err := op.dtype(); err != nil {
		return err
	}
	if op.Elements <= 0 {
		return errors.Errorf("elements must be positive, got %d", op.Elements)
	}
	if !op.Reduce.IsAReduceOp() {
		return errors.Errorf("invalid reduce operation %s", op.Reduce)
	}
	return nil
}

func (op *OpSpec) dtype() (dtypes.DType, error) {
	dtype, err := dtypes.DTypeString(op.DType)
	if err != nil || dtype == dtypes.InvalidDType {
		return dtypes.InvalidDType, errors.Errorf("invalid dtype %q", op.DType)
	}
	return dtype, nil
}

func (op *OpSpec) shift() int {
	if op.Shift == 0 {
		return 1
	}
	return op.Shift
}
