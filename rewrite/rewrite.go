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

// Package rewrite implements graph rewrite rules and the drivers
// applying them to a function graph.
//
// A local rule examines a single node and returns replacements for its
// outputs. A global rule (Rewriter) receives the whole graph and can
// restructure it arbitrarily. Drivers apply local rules to the nodes of a
// graph either in a single pass (Walking) or until a fixed point is
// reached (Equilibrium).
package rewrite

import (
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type (
	// Rewriter rewrites a whole graph in place.
	Rewriter interface {
		// Name of the rewriter.
		Name() string
		// Rewrite the graph.
		Rewrite(g *fgraph.Graph) error
	}

	// Local is a rewrite rule examining a single node.
	Local interface {
		// Name of the rule.
		Name() string
		// Transform returns replacements for the outputs of the node or
		// nil if the rule does not apply.
		Transform(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error)
	}

	// Tracker is implemented by local rules applying only to some operators.
	// Drivers skip the nodes of the operators not tracked by a rule.
	Tracker interface {
		Tracks(op ir.Op) bool
	}
)

type localFunc struct {
	name   string
	tracks func(ir.Op) bool
	fn     func(*fgraph.Graph, *ir.Apply) ([]*ir.Variable, error)
}

var (
	_ Local   = (*localFunc)(nil)
	_ Tracker = (*localFunc)(nil)
)

// LocalFunc returns a local rule from a function.
// A nil tracks function tracks all operators.
func LocalFunc(name string, tracks func(ir.Op) bool, fn func(*fgraph.Graph, *ir.Apply) ([]*ir.Variable, error)) Local {
	return &localFunc{name: name, tracks: tracks, fn: fn}
}

func (l *localFunc) Name() string {
	return l.name
}

func (l *localFunc) Tracks(op ir.Op) bool {
	return l.tracks == nil || l.tracks(op)
}

func (l *localFunc) Transform(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	return l.fn(g, node)
}

// TracksOp returns a function tracking a given operator.
func TracksOp(ops ...ir.Op) func(ir.Op) bool {
	return func(op ir.Op) bool {
		for _, tracked := range ops {
			if op == tracked {
				return true
			}
		}
		return false
	}
}

type rewriterFunc struct {
	name string
	fn   func(*fgraph.Graph) error
}

// RewriterFunc returns a global rewriter from a function.
func RewriterFunc(name string, fn func(*fgraph.Graph) error) Rewriter {
	return &rewriterFunc{name: name, fn: fn}
}

func (r *rewriterFunc) Name() string {
	return r.name
}

func (r *rewriterFunc) Rewrite(g *fgraph.Graph) error {
	return r.fn(g)
}

func tracks(local Local, op ir.Op) bool {
	tr, ok := local.(Tracker)
	return !ok || tr.Tracks(op)
}

// isRewriteBug returns true if an error returned by the graph when
// replacing variables is caused by an invalid replacement, as opposed to
// a replacement rejected by a validator.
func isRewriteBug(err error) bool {
	var (
		typeErr    *fgraph.TypeMismatchError
		cycleErr   *fgraph.CycleError
		missingErr *fgraph.MissingInputError
	)
	return errors.As(err, &typeErr) || errors.As(err, &cycleErr) || errors.As(err, &missingErr)
}

// ApplyLocal applies a local rule to a node of a graph.
// It returns true if the rule has replaced the outputs of the node.
//
// Replacements with a wrong number of outputs, wrong types or creating
// cycles are returned as errors. Replacements rejected by the validators
// of the graph are reverted: ApplyLocal then returns false and no error.
func ApplyLocal(g *fgraph.Graph, local Local, node *ir.Apply, stats *Stats) (bool, error) {
	if !g.HasNode(node) || !tracks(local, node.Op()) {
		return false, nil
	}
	repl, err := local.Transform(g, node)
	if err != nil {
		return false, errors.Wrapf(err, "rule %s failed on %s", local.Name(), node)
	}
	if repl == nil {
		return false, nil
	}
	outs := node.Outputs()
	if len(repl) != len(outs) {
		return false, &InvalidReplacementError{Rule: local.Name(), Node: node, Err: errors.Errorf("got %d replacements for %d outputs", len(repl), len(outs))}
	}
	var reps []fgraph.Replacement
	for i, out := range outs {
		if repl[i] == nil || repl[i] == out {
			continue
		}
		if !out.Type().Equal(repl[i].Type()) {
			return false, &InvalidReplacementError{Rule: local.Name(), Node: node, Err: errors.Errorf("output %d of type %s replaced by %s of type %s", i, out.Type(), repl[i], repl[i].Type())}
		}
		reps = append(reps, fgraph.Replacement{Old: out, New: repl[i]})
	}
	if len(reps) == 0 {
		return false, nil
	}
	nodeLabel := node.String()
	if err := g.ReplaceAllValidate(reps, local.Name()); err != nil {
		if isRewriteBug(err) {
			return false, &InvalidReplacementError{Rule: local.Name(), Node: node, Err: err}
		}
		g.Logger().Debug("rewrite rejected",
			zap.String("rule", local.Name()),
			zap.String("node", nodeLabel),
			zap.Error(err))
		stats.reject(local.Name())
		return false, nil
	}
	g.Logger().Debug("rewrite applied",
		zap.String("rule", local.Name()),
		zap.String("node", nodeLabel))
	stats.apply(local.Name())
	return true, nil
}
