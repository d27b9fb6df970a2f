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

// Package vm implements a virtual machine executing the thunks of a program.
//
// The virtual machine supports lazy operators, evaluating only the inputs
// they request, partial evaluation of the outputs of a graph, updates of
// the inputs once a call has completed and garbage collection of the
// intermediate values.
package vm

import (
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/graph/sched"
	"github.com/gx-org/gxflow/link"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type (
	// LazyMode selects how lazy operators are evaluated.
	LazyMode int

	// Callback is called once a node has been executed.
	Callback func(node *ir.Apply, thunk *link.Thunk, storage link.StorageMap, compute link.ComputeMap)

	// Update writes the value of an output of the graph into an input
	// of the graph once a call has completed.
	Update struct {
		// Output is the index of the output computing the new value.
		Output int
		// Input is the index of the input to update.
		Input int
	}

	// Linker builds programs executed by a virtual machine.
	Linker struct {
		// AllowGC clears the cell of a variable once all its consumers have been executed.
		AllowGC bool
		// Lazy selects how lazy operators are evaluated.
		Lazy LazyMode
		// AllowPartialEval accepts calls computing a subset of the outputs.
		AllowPartialEval bool
		// Reallocate lets the output of a node reuse the cell of a variable
		// not needed anymore. It is ignored when the program is evaluated lazily.
		Reallocate bool
		// Callback is called after every node execution.
		Callback Callback
		// Schedule orders the nodes. The default scheduler is used if nil.
		Schedule sched.Scheduler
		// Updates to apply after every call.
		Updates []Update
		// Storage holds cells to reuse for the variables of the graph.
		Storage link.StorageMap
		// Logger traces the linking of the graph.
		Logger *zap.Logger
	}
)

const (
	// LazyAuto evaluates lazily only if the graph has lazy nodes.
	LazyAuto LazyMode = iota
	// LazyOn always evaluates lazily.
	LazyOn
	// LazyOff evaluates all the inputs of lazy nodes.
	LazyOff
)

func (m LazyMode) String() string {
	switch m {
	case LazyAuto:
		return "auto"
	case LazyOn:
		return "on"
	case LazyOff:
		return "off"
	}
	return "unknown"
}

var _ link.Linker = (*Linker)(nil)

// MakeAll builds a program executed by a virtual machine.
func (l *Linker) MakeAll(g *fgraph.Graph) (*link.Program, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := checkUpdates(g, l.Updates); err != nil {
		return nil, err
	}
	order, err := link.Schedule(g, l.Schedule)
	if err != nil {
		return nil, err
	}
	hasLazy := false
	for _, node := range order {
		if ir.IsLazy(node) {
			hasLazy = true
			break
		}
	}
	lazy := l.Lazy == LazyOn || (l.Lazy == LazyAuto && hasLazy)
	p, err := link.NewProgram(g, order, l.Storage)
	if err != nil {
		return nil, err
	}
	reallocated := 0
	if l.Reallocate && !lazy {
		reallocated = reallocate(p)
		// Thunks and containers are bound again to the new cells.
		if p, err = link.NewProgram(g, order, p.Storage); err != nil {
			return nil, err
		}
	}
	vm := newVM(p, l, lazy)
	p.Runner = vm
	logger.Debug("linked graph",
		zap.Int("nodes", len(order)),
		zap.Bool("lazy", lazy),
		zap.Bool("allow_gc", l.AllowGC),
		zap.Int("reallocated", reallocated),
	)
	return p, nil
}

func checkUpdates(g *fgraph.Graph, updates []Update) error {
	updated := make(map[int]bool)
	for _, u := range updates {
		if u.Output < 0 || u.Output >= len(g.Outputs()) {
			return errors.Errorf("update output %d out of range [0, %d)", u.Output, len(g.Outputs()))
		}
		if u.Input < 0 || u.Input >= len(g.Inputs()) {
			return errors.Errorf("update input %d out of range [0, %d)", u.Input, len(g.Inputs()))
		}
		in, out := g.Inputs()[u.Input], g.Outputs()[u.Output]
		if !in.Type().Equal(out.Type()) {
			return errors.Errorf("cannot update %s of type %s with %s of type %s", in, in.Type(), out, out.Type())
		}
		if updated[u.Input] {
			return errors.Errorf("input %d (%s) is updated more than once", u.Input, in)
		}
		updated[u.Input] = true
	}
	return nil
}

type freeCell struct {
	typ  ir.Type
	cell *ir.Cell
}

// reallocate assigns to the outputs of the nodes the cells of variables
// not needed anymore. It returns the number of reused cells.
func reallocate(p *link.Program) int {
	dead := p.DeadAfter()
	var free []freeCell
	reused := 0
	for i, node := range p.Order {
		for _, out := range node.Outputs() {
			if p.IsKept(out) {
				continue
			}
			for k, fc := range free {
				if !fc.typ.Equal(out.Type()) {
					continue
				}
				p.Storage[out] = fc.cell
				free = append(free[:k], free[k+1:]...)
				reused++
				break
			}
		}
		for _, v := range dead[i] {
			free = append(free, freeCell{typ: v.Type(), cell: p.Storage[v]})
		}
	}
	return reused
}
