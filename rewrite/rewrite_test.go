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

package rewrite_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/gxflow/graph/features"
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/internal/testops"
	"github.com/gx-org/gxflow/rewrite"
)

var negNeg = rewrite.LocalFunc("neg_neg", rewrite.TracksOp(testops.Neg), func(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	in := node.Input(0).Owner()
	if in == nil || in.Op() != testops.Neg {
		return nil, nil
	}
	return []*ir.Variable{in.Input(0)}, nil
})

// swapAdd always applies: it never reaches a fixed point.
var swapAdd = rewrite.LocalFunc("swap_add", rewrite.TracksOp(testops.Add), func(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	return []*ir.Variable{testops.Apply(testops.Add, node.Input(1), node.Input(0))}, nil
})

type noNeg struct{}

func (noNeg) OnAttach(*fgraph.Graph) error { return nil }

func (noNeg) OnDetach(*fgraph.Graph) {}

func (noNeg) Validate(g *fgraph.Graph) error {
	for _, node := range g.Nodes() {
		if node.Op() == testops.Neg {
			return fmt.Errorf("graph contains %s", node)
		}
	}
	return nil
}

func negs(x *ir.Variable, n int) *ir.Variable {
	for range n {
		x = testops.Apply(testops.Neg, x)
	}
	return x
}

func newGraph(t *testing.T, inputs []*ir.Variable, outputs ...*ir.Variable) *fgraph.Graph {
	t.Helper()
	g, err := fgraph.New(inputs, outputs)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestWalking(t *testing.T) {
	tests := []struct {
		n     int
		order rewrite.Order
		want  string
	}{
		{n: 4, order: rewrite.InToOut, want: ""},
		{n: 4, order: rewrite.OutToIn, want: ""},
		{n: 3, order: rewrite.InToOut, want: "Neg(x)"},
		{n: 3, order: rewrite.OutToIn, want: "Neg(x)"},
		{n: 1, order: rewrite.InToOut, want: "Neg(x)"},
	}
	for i, test := range tests {
		x := testops.Var("x")
		g := newGraph(t, []*ir.Variable{x}, negs(x, test.n))
		stats := rewrite.NewStats()
		w := &rewrite.Walking{Local: negNeg, Order: test.order, Stats: stats}
		if err := w.Rewrite(g); err != nil {
			t.Errorf("test %d: %v", i, err)
			continue
		}
		if got := testops.Labels(g.Toposort()); got != test.want {
			t.Errorf("test %d %s: got %q but want %q", i, test.order, got, test.want)
		}
		if err := g.CheckIntegrity(); err != nil {
			t.Errorf("test %d: %v", i, err)
		}
		if got, want := stats.Applied["neg_neg"], test.n/2; got != want {
			t.Errorf("test %d %s: rule applied %d times but want %d", i, test.order, got, want)
		}
	}
}

func TestApplyLocalErrors(t *testing.T) {
	tests := []rewrite.Local{
		rewrite.LocalFunc("arity", nil, func(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
			return []*ir.Variable{node.Input(0), node.Input(0)}, nil
		}),
		rewrite.LocalFunc("type", nil, func(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
			return []*ir.Variable{ir.NewVariable(ir.DisconnectedType{}, "d")}, nil
		}),
		rewrite.LocalFunc("cycle", rewrite.TracksOp(testops.Neg), func(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
			for _, c := range g.Clients(node.Out()) {
				if c.Node != nil {
					return []*ir.Variable{c.Node.Out()}, nil
				}
			}
			return nil, nil
		}),
		rewrite.LocalFunc("missing", nil, func(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
			return []*ir.Variable{testops.Var("y")}, nil
		}),
	}
	for i, local := range tests {
		x := testops.Var("x")
		g := newGraph(t, []*ir.Variable{x}, negs(x, 2))
		w := &rewrite.Walking{Local: local}
		err := w.Rewrite(g)
		if replErr := (*rewrite.InvalidReplacementError)(nil); !errors.As(err, &replErr) {
			t.Errorf("test %d: got error %v but want %T", i, err, replErr)
		}
		if got, want := testops.Labels(g.Toposort()), "Neg(x); Neg(Neg.out)"; got != want {
			t.Errorf("test %d: graph has been modified: got %q but want %q", i, got, want)
		}
	}
}

func TestRejectedByValidator(t *testing.T) {
	x, y := testops.Var("x"), testops.Var("y")
	g, err := fgraph.New([]*ir.Variable{x, y}, []*ir.Variable{testops.Apply(testops.Sub, x, y)}, fgraph.WithFeatures(noNeg{}))
	if err != nil {
		t.Fatal(err)
	}
	subToNeg := rewrite.LocalFunc("sub_to_neg", rewrite.TracksOp(testops.Sub), func(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
		return []*ir.Variable{testops.Apply(testops.Add, node.Input(0), testops.Apply(testops.Neg, node.Input(1)))}, nil
	})
	stats := rewrite.NewStats()
	if err := (&rewrite.Walking{Local: subToNeg, Stats: stats}).Rewrite(g); err != nil {
		t.Fatal(err)
	}
	if got, want := testops.Labels(g.Toposort()), "Sub(x, y)"; got != want {
		t.Errorf("got %q but want %q", got, want)
	}
	if stats.Rejected["sub_to_neg"] != 1 || stats.Total() != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestEquilibrium(t *testing.T) {
	x := testops.Var("x")
	out := testops.Apply(testops.Add, negs(x, 6), testops.Apply(testops.Mul, testops.Const(2), testops.Const(3)))
	g := newGraph(t, []*ir.Variable{x}, out)
	stats := rewrite.NewStats()
	eq := &rewrite.Equilibrium{
		Locals: []rewrite.Local{negNeg, rewrite.ConstantFolding{}},
		Stats:  stats,
	}
	if err := eq.Rewrite(g); err != nil {
		t.Fatal(err)
	}
	if got, want := testops.Labels(g.Toposort()), "Add(x, 6)"; got != want {
		t.Errorf("got %q but want %q", got, want)
	}
	if stats.Applied["neg_neg"] != 3 || stats.Applied["constant_folding"] != 1 {
		t.Errorf("unexpected stats: %+v", stats.Applied)
	}
	// A pipeline at its fixed point does not change the graph.
	before := testops.Labels(g.Toposort())
	again := rewrite.NewStats()
	eq.Stats = again
	if err := eq.Rewrite(g); err != nil {
		t.Fatal(err)
	}
	if after := testops.Labels(g.Toposort()); after != before {
		t.Errorf("second run changed the graph: got %q but want %q", after, before)
	}
	if again.Total() != 0 || again.Passes != 1 {
		t.Errorf("second run: got %d rewrites in %d passes but want 0 rewrites in 1 pass", again.Total(), again.Passes)
	}
}

func TestEquilibriumNonTermination(t *testing.T) {
	for _, maxPasses := range []int{1, 5, 17} {
		x, y := testops.Var("x"), testops.Var("y")
		g := newGraph(t, []*ir.Variable{x, y}, testops.Apply(testops.Add, x, y))
		stats := rewrite.NewStats()
		eq := &rewrite.Equilibrium{Label: "cycling", Locals: []rewrite.Local{swapAdd}, MaxPasses: maxPasses, Stats: stats}
		err := eq.Rewrite(g)
		ntErr := (*rewrite.NonTerminationError)(nil)
		if !errors.As(err, &ntErr) {
			t.Errorf("max passes %d: got error %v but want %T", maxPasses, err, ntErr)
			continue
		}
		if ntErr.Passes != maxPasses || stats.Passes != maxPasses {
			t.Errorf("max passes %d: error after %d passes (stats: %d)", maxPasses, ntErr.Passes, stats.Passes)
		}
		if diff := cmp.Diff(map[string]int{"swap_add": 1}, ntErr.Applied); diff != "" {
			t.Errorf("unexpected rules in error (-want +got):\n%s", diff)
		}
	}
}

func TestEquilibriumRejectedMerge(t *testing.T) {
	x := testops.Var("x")
	addInplace := testops.Inplace{Op: testops.Add}
	one, two := testops.Const(1), testops.Const(2)
	a1 := testops.Apply(testops.Add, x, one)
	a2 := testops.Apply(testops.Add, x, one)
	z1 := testops.Apply(addInplace, a1, two)
	z2 := testops.Apply(addInplace, a2, two)
	g, err := fgraph.New([]*ir.Variable{x}, []*ir.Variable{z1, z2}, fgraph.WithFeatures(features.NewDestroyChecker()))
	if err != nil {
		t.Fatal(err)
	}
	stats := rewrite.NewStats()
	eq := &rewrite.Equilibrium{Globals: []rewrite.Rewriter{&rewrite.Merge{Stats: stats}}, MaxPasses: 3, Stats: stats}
	if err := eq.Rewrite(g); err != nil {
		t.Fatal(err)
	}
	if stats.Passes != 1 {
		t.Errorf("got %d passes but want 1: a rejected merge does not change the graph", stats.Passes)
	}
	if stats.Rejected["merge"] == 0 {
		t.Errorf("merging two destroyed variables has not been rejected: %+v", stats)
	}
	if got := len(g.Nodes()); got != 4 {
		t.Errorf("got %d nodes but want 4", got)
	}
}

func TestEquilibriumDefaultMaxPasses(t *testing.T) {
	x, y := testops.Var("x"), testops.Var("y")
	g := newGraph(t, []*ir.Variable{x, y}, testops.Apply(testops.Add, x, y))
	err := (&rewrite.Equilibrium{Locals: []rewrite.Local{swapAdd}}).Rewrite(g)
	ntErr := (*rewrite.NonTerminationError)(nil)
	if !errors.As(err, &ntErr) || ntErr.Passes != rewrite.DefaultMaxPasses {
		t.Errorf("got error %v but want a non-termination error after %d passes", err, rewrite.DefaultMaxPasses)
	}
}

func TestLocalGroup(t *testing.T) {
	toX := rewrite.LocalFunc("to_x", rewrite.TracksOp(testops.Mul), func(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
		return []*ir.Variable{node.Input(0)}, nil
	})
	toY := rewrite.LocalFunc("to_y", rewrite.TracksOp(testops.Mul, testops.Add), func(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
		return []*ir.Variable{node.Input(1)}, nil
	})
	group := rewrite.NewLocalGroup("group", toX, toY)
	if !group.Tracks(testops.Add) || group.Tracks(testops.Sub) {
		t.Errorf("unexpected tracked operators")
	}
	x, y := testops.Var("x"), testops.Var("y")
	g := newGraph(t, []*ir.Variable{x, y}, testops.Apply(testops.Mul, x, y), testops.Apply(testops.Add, x, y))
	if err := (&rewrite.Walking{Local: group}).Rewrite(g); err != nil {
		t.Fatal(err)
	}
	if outs := g.Outputs(); outs[0] != x || outs[1] != y {
		t.Errorf("got outputs %v but want [x y]", outs)
	}
}

func TestMerge(t *testing.T) {
	x, y := testops.Var("x"), testops.Var("y")
	a1 := testops.Apply(testops.Add, x, testops.Const(2))
	a2 := testops.Apply(testops.Add, x, testops.Const(2))
	m1 := testops.Apply(testops.Mul, a1, y)
	m2 := testops.Apply(testops.Mul, a2, y)
	c1 := testops.Apply(testops.NewCounter("c"), x)
	c2 := testops.Apply(testops.NewCounter("c"), x)
	g := newGraph(t, []*ir.Variable{x, y}, testops.Apply(testops.Sub, m1, m2), c1, c2)
	stats := rewrite.NewStats()
	if err := (&rewrite.Merge{Stats: stats}).Rewrite(g); err != nil {
		t.Fatal(err)
	}
	if err := g.CheckIntegrity(); err != nil {
		t.Fatal(err)
	}
	want := []string{"Add", "Mul", "Counter[c]", "Counter[c]", "Sub"}
	got := testops.OpNames(g.Toposort())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected nodes after merge (-want +got):\n%s", diff)
	}
	sub := g.Outputs()[0].Owner()
	if sub.Input(0) != sub.Input(1) {
		t.Errorf("inputs of %s have not been merged", sub)
	}
	// Merging is idempotent.
	again := rewrite.NewStats()
	if err := (&rewrite.Merge{Stats: again}).Rewrite(g); err != nil {
		t.Fatal(err)
	}
	if again.Total() != 0 {
		t.Errorf("second merge applied %d rewrites", again.Total())
	}
}

func TestConstantFolding(t *testing.T) {
	x := testops.Var("x")
	folded := testops.Apply(testops.Mul, testops.Const(2), testops.Const(3))
	raising := testops.Apply(testops.RaiseErr, testops.Const(1))
	counted := testops.Apply(testops.NewCounter("c"), testops.Const(1))
	g := newGraph(t, []*ir.Variable{x}, testops.Apply(testops.Add, x, folded), raising, counted)
	if err := (&rewrite.Walking{Local: rewrite.ConstantFolding{}}).Rewrite(g); err != nil {
		t.Fatal(err)
	}
	if got, want := testops.Labels(g.Toposort()), "RaiseErr(1); Counter[c](1); Add(x, 6)"; got != want {
		t.Errorf("got %q but want %q", got, want)
	}
}

func TestSequence(t *testing.T) {
	x := testops.Var("x")
	g := newGraph(t, []*ir.Variable{x}, testops.Apply(testops.Add, negs(x, 2), testops.Apply(testops.Neg, testops.Const(1))))
	seq := &rewrite.Sequence{Rewriters: []rewrite.Rewriter{
		&rewrite.Walking{Local: negNeg},
		&rewrite.Walking{Local: rewrite.ConstantFolding{}},
	}}
	if got, want := seq.Name(), "seq(neg_neg,constant_folding)"; got != want {
		t.Errorf("got name %q but want %q", got, want)
	}
	if err := seq.Rewrite(g); err != nil {
		t.Fatal(err)
	}
	if got, want := testops.Labels(g.Toposort()), "Add(x, -1)"; got != want {
		t.Errorf("got %q but want %q", got, want)
	}
}
