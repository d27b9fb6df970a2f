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

package rewrite

import (
	"slices"
	"strings"

	"github.com/gx-org/gxflow/graph/features"
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultMaxPasses is the maximum number of passes of an equilibrium
// driver when none is specified.
const DefaultMaxPasses = 100

// Order in which a walking driver visits the nodes.
type Order int

const (
	// InToOut visits the nodes from the inputs to the outputs.
	InToOut Order = iota
	// OutToIn visits the nodes from the outputs to the inputs.
	OutToIn
)

func (o Order) String() string {
	if o == OutToIn {
		return "out_to_in"
	}
	return "in_to_out"
}

func (o Order) nodes(g *fgraph.Graph) []*ir.Apply {
	nodes := g.Toposort()
	if o == OutToIn {
		slices.Reverse(nodes)
	}
	return nodes
}

// Walking applies a local rule once to every node of a graph.
type Walking struct {
	Local Local
	Order Order
	Stats *Stats
}

var _ Rewriter = (*Walking)(nil)

// Name of the rewriter.
func (w *Walking) Name() string {
	return w.Local.Name()
}

// Rewrite applies the local rule to every node of the graph.
// Nodes replaced during the walk are skipped.
func (w *Walking) Rewrite(g *fgraph.Graph) error {
	for _, node := range w.Order.nodes(g) {
		if _, err := ApplyLocal(g, w.Local, node, w.Stats); err != nil {
			return err
		}
	}
	return nil
}

// LocalGroup is a local rule trying a list of rules in order.
// The first rule returning a replacement wins.
type LocalGroup struct {
	name   string
	locals []Local
}

var (
	_ Local   = (*LocalGroup)(nil)
	_ Tracker = (*LocalGroup)(nil)
)

// NewLocalGroup returns a group of local rules.
func NewLocalGroup(name string, locals ...Local) *LocalGroup {
	return &LocalGroup{name: name, locals: locals}
}

// Name of the group.
func (lg *LocalGroup) Name() string {
	return lg.name
}

// Locals returns the rules of the group.
func (lg *LocalGroup) Locals() []Local {
	return lg.locals
}

// Tracks returns true if one of the rule of the group tracks the operator.
func (lg *LocalGroup) Tracks(op ir.Op) bool {
	for _, local := range lg.locals {
		if tracks(local, op) {
			return true
		}
	}
	return false
}

// Transform returns the replacements of the first rule applying to the node.
func (lg *LocalGroup) Transform(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	for _, local := range lg.locals {
		if !tracks(local, node.Op()) {
			continue
		}
		repl, err := local.Transform(g, node)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %s", local.Name())
		}
		if repl != nil {
			return repl, nil
		}
	}
	return nil, nil
}

// Sequence runs rewriters one after the other.
type Sequence struct {
	Label     string
	Rewriters []Rewriter
}

var _ Rewriter = (*Sequence)(nil)

// Name of the sequence.
func (s *Sequence) Name() string {
	if s.Label != "" {
		return s.Label
	}
	names := make([]string, len(s.Rewriters))
	for i, r := range s.Rewriters {
		names[i] = r.Name()
	}
	return "seq(" + strings.Join(names, ",") + ")"
}

// Rewrite runs all the rewriters in order.
func (s *Sequence) Rewrite(g *fgraph.Graph) error {
	for _, r := range s.Rewriters {
		if err := r.Rewrite(g); err != nil {
			return errors.Wrapf(err, "%s", r.Name())
		}
	}
	return nil
}

// Equilibrium applies rewrites until none of them changes the graph.
//
// Every pass runs the global rewriters, then visits the nodes of the graph
// from the inputs to the outputs. The local rules are tried on every node
// in order until one of them replaces the node. The structural validity of
// the graph is checked at the end of every pass.
//
// A NonTerminationError is returned if the graph still changes after
// MaxPasses passes.
type Equilibrium struct {
	Label     string
	Globals   []Rewriter
	Locals    []Local
	MaxPasses int
	Stats     *Stats
}

var _ Rewriter = (*Equilibrium)(nil)

// Name of the driver.
func (e *Equilibrium) Name() string {
	if e.Label != "" {
		return e.Label
	}
	return "equilibrium"
}

func (e *Equilibrium) maxPasses() int {
	if e.MaxPasses <= 0 {
		return DefaultMaxPasses
	}
	return e.MaxPasses
}

// Rewrite the graph until a fixed point is reached.
func (e *Equilibrium) Rewrite(g *fgraph.Graph) error {
	ct, ok := fgraph.FeatureOf[*features.ChangeTracker](g)
	if !ok {
		ct = &features.ChangeTracker{}
		if err := g.Attach(ct); err != nil {
			return err
		}
		defer g.Detach(ct)
	}
	maxPasses := e.maxPasses()
	var applied map[string]int
	for pass := 1; pass <= maxPasses; pass++ {
		var err error
		applied, err = e.runPass(g, ct)
		if err != nil {
			return errors.Wrapf(err, "%s pass %d", e.Name(), pass)
		}
		e.Stats.pass()
		if err := g.Validate(); err != nil {
			return errors.Wrapf(err, "%s pass %d: invalid graph", e.Name(), pass)
		}
		if err := g.CheckIntegrity(); err != nil {
			return errors.Wrapf(err, "%s pass %d: corrupted graph", e.Name(), pass)
		}
		g.Logger().Debug("equilibrium pass",
			zap.String("driver", e.Name()),
			zap.Int("pass", pass),
			zap.Int("nodes", g.NumNodes()),
			zap.Any("applied", applied))
		if len(applied) == 0 {
			return nil
		}
	}
	return &NonTerminationError{Driver: e.Name(), Passes: maxPasses, Applied: applied}
}

func (e *Equilibrium) runPass(g *fgraph.Graph, ct *features.ChangeTracker) (map[string]int, error) {
	applied := make(map[string]int)
	for _, global := range e.Globals {
		before := ct.Changes()
		if err := global.Rewrite(g); err != nil {
			return nil, errors.Wrapf(err, "%s", global.Name())
		}
		if ct.Changes() != before {
			applied[global.Name()]++
			e.Stats.apply(global.Name())
		}
	}
	for _, node := range g.Toposort() {
		for _, local := range e.Locals {
			if !g.HasNode(node) {
				break
			}
			done, err := ApplyLocal(g, local, node, e.Stats)
			if err != nil {
				return nil, err
			}
			if done {
				applied[local.Name()]++
				break
			}
		}
	}
	return applied, nil
}
