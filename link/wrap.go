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

package link

import (
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
)

// Wrapper is called for every node of a program in place of its thunk.
// The wrapper is responsible for calling the thunk.
type Wrapper func(i int, node *ir.Apply, thunk *Thunk, storage StorageMap, compute ComputeMap) error

// WrapLinker links a graph with another linker and executes the
// nodes of the resulting program through a wrapper.
type WrapLinker struct {
	Linker  Linker
	Wrapper Wrapper
	// AllowGC clears the cell of a variable once all its consumers have been executed.
	AllowGC bool
}

var _ Linker = (*WrapLinker)(nil)

// MakeAll builds the program with the wrapped linker and replaces its runner.
// Only programs run in schedule order can be wrapped: a linker with its own
// runner, such as the virtual machine, exposes a callback instead.
func (l *WrapLinker) MakeAll(g *fgraph.Graph) (*Program, error) {
	if l.Linker == nil || l.Wrapper == nil {
		return nil, errors.Errorf("wrap linker requires a linker and a wrapper")
	}
	p, err := l.Linker.MakeAll(g)
	if err != nil {
		return nil, err
	}
	if _, ok := p.Runner.(*streamline); !ok {
		return nil, errors.Errorf("wrap linker: cannot replace the %T runner, use its callback instead", p.Runner)
	}
	r := &wrapped{program: p, wrapper: l.Wrapper}
	if l.AllowGC {
		r.dead = p.DeadAfter()
	}
	p.Runner = r
	return p, nil
}

type wrapped struct {
	program *Program
	wrapper Wrapper
	dead    [][]*ir.Variable
}

func (r *wrapped) Run(outputSubset []int) error {
	if outputSubset != nil {
		return errors.Errorf("partial evaluation is not supported by the wrap linker")
	}
	p := r.program
	p.ResetCompute()
	for i, thunk := range p.Thunks {
		node := thunk.Node()
		clearOutputs(thunk)
		if err := r.wrapper(i, node, thunk, p.Storage, p.Compute); err != nil {
			return &NodeError{Node: node, Position: i, Err: err}
		}
		for _, out := range node.Outputs() {
			p.Compute[out] = !p.Storage[out].Empty()
		}
		if r.dead == nil {
			continue
		}
		for _, v := range r.dead[i] {
			p.Storage[v].Clear()
			p.Compute[v] = false
		}
	}
	return nil
}
