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

package features

import (
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// DestroyChecker rejects graphs in which operators overwrite variables
// that must be preserved.
type DestroyChecker struct {
	mutable map[*ir.Variable]bool
}

var (
	_ fgraph.Feature   = (*DestroyChecker)(nil)
	_ fgraph.Validator = (*DestroyChecker)(nil)
)

// NewDestroyChecker returns a checker. The graph inputs listed in mutable
// can be overwritten.
func NewDestroyChecker(mutable ...*ir.Variable) *DestroyChecker {
	dc := &DestroyChecker{mutable: make(map[*ir.Variable]bool)}
	for _, v := range mutable {
		dc.mutable[v] = true
	}
	return dc
}

// OnAttach validates the graph.
func (dc *DestroyChecker) OnAttach(g *fgraph.Graph) error {
	return dc.Validate(g)
}

// OnDetach does nothing.
func (dc *DestroyChecker) OnDetach(g *fgraph.Graph) {}

// CanDestroy returns true if the variable of the graph can be overwritten
// by one of its client without being destroyed by another node.
// Views are never overwritten.
func (dc *DestroyChecker) CanDestroy(g *fgraph.Graph, v *ir.Variable) bool {
	if v.IsConstant() || ir.IsView(v) {
		return false
	}
	if g.IsInput(v) && !dc.mutable[v] {
		return false
	}
	for _, c := range g.Clients(v) {
		if c.Node == nil {
			return false
		}
	}
	return len(g.Clients(v)) == 1
}

// Validate returns an error if a constant, a non-mutable input or a graph
// output is destroyed, or if a variable is destroyed by more than one node.
// Overwriting a view overwrites the variables it may be.
func (dc *DestroyChecker) Validate(g *fgraph.Graph) error {
	var err error
	destroyer := make(map[*ir.Variable]*ir.Apply)
	for _, node := range g.Nodes() {
		for _, i := range ir.DestroyedInputs(node) {
			for _, v := range destroyedBy(node.Input(i)) {
				err = multierr.Append(err, dc.check(g, node, v))
				if other, ok := destroyer[v]; ok && other != node {
					err = multierr.Append(err, errors.Errorf("%s is destroyed by %s and %s", v, other, node))
				}
				destroyer[v] = node
			}
		}
	}
	return err
}

// destroyedBy returns the variables overwritten when v is overwritten:
// v and, if v is a view, the variables it may be.
func destroyedBy(v *ir.Variable) []*ir.Variable {
	if !ir.IsView(v) {
		return []*ir.Variable{v}
	}
	return append([]*ir.Variable{v}, ir.ViewRoots(v)...)
}

func (dc *DestroyChecker) check(g *fgraph.Graph, node *ir.Apply, v *ir.Variable) error {
	var err error
	switch {
	case v.IsConstant():
		err = multierr.Append(err, errors.Errorf("%s destroys constant %s", node, v))
	case g.IsInput(v) && !dc.mutable[v]:
		err = multierr.Append(err, errors.Errorf("%s destroys input %s not declared as mutable", node, v))
	}
	for _, c := range g.Clients(v) {
		if c.Node == nil {
			err = multierr.Append(err, errors.Errorf("%s destroys graph output %d", node, c.Index))
		}
	}
	return err
}
