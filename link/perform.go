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
	"github.com/gx-org/gxflow/graph/sched"
	"github.com/pkg/errors"
)

// PerformLinker executes the nodes one after the other in schedule order.
type PerformLinker struct {
	// AllowGC clears the cell of a variable once all its consumers have been executed.
	AllowGC bool
	// Schedule orders the nodes. The default scheduler is used if nil.
	Schedule sched.Scheduler
	// Storage holds cells to reuse for the variables of the graph.
	Storage StorageMap
}

var _ Linker = (*PerformLinker)(nil)

// MakeAll builds a program from a graph.
func (l *PerformLinker) MakeAll(g *fgraph.Graph) (*Program, error) {
	order, err := Schedule(g, l.Schedule)
	if err != nil {
		return nil, err
	}
	p, err := NewProgram(g, order, l.Storage)
	if err != nil {
		return nil, err
	}
	s := &streamline{program: p}
	if l.AllowGC {
		s.dead = p.DeadAfter()
	}
	p.Runner = s
	return p, nil
}

// streamline runs all the thunks of a program in order.
type streamline struct {
	program *Program
	dead    [][]*ir.Variable
}

func (s *streamline) Run(outputSubset []int) error {
	if outputSubset != nil {
		return errors.Errorf("partial evaluation is not supported by this linker")
	}
	p := s.program
	p.ResetCompute()
	for i, thunk := range p.Thunks {
		if err := thunk.Call(); err != nil {
			return &NodeError{Node: thunk.Node(), Position: i, Err: err}
		}
		for _, out := range thunk.Node().Outputs() {
			p.Compute[out] = true
		}
		if s.dead == nil {
			continue
		}
		for _, v := range s.dead[i] {
			p.Storage[v].Clear()
			p.Compute[v] = false
		}
	}
	return nil
}
