// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package link turns a function graph into an executable program.
//
// A linker schedules the nodes of a graph, allocates a cell for every
// variable and binds a thunk to the cells of every node. The resulting
// program is run by a Runner, which reads the values of the inputs from
// their cells and writes the values of the outputs in their cells.
package link

import (
	"fmt"

	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/graph/sched"
	"github.com/pkg/errors"
)

type (
	// Linker builds a program from a graph.
	Linker interface {
		MakeAll(g *fgraph.Graph) (*Program, error)
	}

	// Runner executes a program.
	Runner interface {
		// Run the program. A nil output subset computes all the outputs.
		// Otherwise, only the outputs at the given indices are computed.
		Run(outputSubset []int) error
	}

	// Program is a graph bound to storage.
	Program struct {
		Graph   *fgraph.Graph
		Order   []*ir.Apply
		Thunks  []*Thunk
		Inputs  []*Container
		Outputs []*Container
		Storage StorageMap
		Compute ComputeMap
		Runner  Runner
	}

	// NodeError is an error returned when executing a node.
	NodeError struct {
		Node *ir.Apply
		// Position of the node in the schedule.
		Position int
		Err      error
	}
)

func (err *NodeError) Error() string {
	return fmt.Sprintf("node %d %s: %v", err.Position, err.Node, err.Err)
}

func (err *NodeError) Unwrap() error {
	return err.Err
}

// Schedule a graph with a scheduler. The default scheduler is used if s is nil.
func Schedule(g *fgraph.Graph, s sched.Scheduler) ([]*ir.Apply, error) {
	if s == nil {
		s = sched.Default
	}
	order, err := s(g.Nodes())
	if err != nil {
		return nil, err
	}
	if len(order) != g.NumNodes() {
		return nil, errors.Errorf("scheduler returned %d nodes for a graph of %d nodes", len(order), g.NumNodes())
	}
	if err := sched.Validate(order); err != nil {
		return nil, err
	}
	return order, nil
}

// NewProgram allocates the storage of a graph and binds a thunk to every
// node. The runner of the program is left to the caller.
func NewProgram(g *fgraph.Graph, order []*ir.Apply, reuse StorageMap) (*Program, error) {
	p := &Program{
		Graph:   g,
		Order:   order,
		Storage: NewStorage(g, reuse),
		Compute: make(ComputeMap),
	}
	p.Thunks = make([]*Thunk, len(order))
	for i, node := range order {
		var err error
		p.Thunks[i], err = NewThunk(node, p.Storage)
		if err != nil {
			return nil, err
		}
	}
	p.Inputs = make([]*Container, len(g.Inputs()))
	for i, in := range g.Inputs() {
		p.Inputs[i] = NewContainer(in, p.Storage[in], false, false)
	}
	p.Outputs = make([]*Container, len(g.Outputs()))
	for i, out := range g.Outputs() {
		p.Outputs[i] = NewContainer(out, p.Storage[out], out.IsConstant(), false)
	}
	p.ResetCompute()
	return p, nil
}

// ResetCompute marks all the variables as not computed, except the
// inputs and the constants.
func (p *Program) ResetCompute() {
	for v := range p.Storage {
		p.Compute[v] = v.IsConstant() || p.Graph.IsInput(v)
	}
}

// Container returns a container for a variable of the program.
// Containers of constants are readonly.
func (p *Program) Container(v *ir.Variable) (*Container, bool) {
	cell, ok := p.Storage[v]
	if !ok {
		return nil, false
	}
	return NewContainer(v, cell, v.IsConstant(), false), true
}

// IsKept returns true if the value of a variable needs to be kept after
// a call: inputs, outputs and constants.
func (p *Program) IsKept(v *ir.Variable) bool {
	if v.IsConstant() || p.Graph.IsInput(v) {
		return true
	}
	for _, c := range p.Graph.Clients(v) {
		if c.Node == nil {
			return true
		}
	}
	return false
}

// DeadAfter returns, for every position of the schedule, the variables
// not needed anymore once the node at that position has been executed.
// Inputs, outputs and constants are never dead.
func (p *Program) DeadAfter() [][]*ir.Variable {
	last := make(map[*ir.Variable]int)
	for i, node := range p.Order {
		for _, in := range node.Inputs() {
			last[in] = i
		}
		for _, out := range node.Outputs() {
			if _, used := last[out]; !used {
				last[out] = i
			}
		}
	}
	dead := make([][]*ir.Variable, len(p.Order))
	for _, v := range p.Graph.Variables() {
		i, ok := last[v]
		if !ok || p.IsKept(v) {
			continue
		}
		dead[i] = append(dead[i], v)
	}
	return dead
}

// SetInputs writes values into the input containers of a program.
func (p *Program) SetInputs(args []any) error {
	if len(args) != len(p.Inputs) {
		return errors.Errorf("got %d arguments but want %d", len(args), len(p.Inputs))
	}
	for i, arg := range args {
		if err := p.Inputs[i].Set(arg); err != nil {
			return errors.Wrapf(err, "argument %d", i)
		}
	}
	return nil
}

// OutputValues returns the values held by the output containers.
func (p *Program) OutputValues() []any {
	values := make([]any, len(p.Outputs))
	for i, out := range p.Outputs {
		values[i] = out.Value()
	}
	return values
}

// MakeThunk links a graph and returns a function running the program
// together with the input and output containers.
func MakeThunk(l Linker, g *fgraph.Graph) (func() error, []*Container, []*Container, error) {
	p, err := l.MakeAll(g)
	if err != nil {
		return nil, nil, nil, err
	}
	run := func() error {
		return p.Runner.Run(nil)
	}
	return run, p.Inputs, p.Outputs, nil
}

// MakeFunction links a graph and returns a function taking the values of
// the inputs and returning the values of the outputs.
func MakeFunction(l Linker, g *fgraph.Graph) (func(args ...any) ([]any, error), error) {
	p, err := l.MakeAll(g)
	if err != nil {
		return nil, err
	}
	return func(args ...any) ([]any, error) {
		if err := p.SetInputs(args); err != nil {
			return nil, err
		}
		if err := p.Runner.Run(nil); err != nil {
			return nil, err
		}
		return p.OutputValues(), nil
	}, nil
}
