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

package link_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/graph/sched"
	"github.com/gx-org/gxflow/internal/testops"
	"github.com/gx-org/gxflow/link"
	"github.com/pkg/errors"
)

// graph returns the graph (x + y) * (x / y).
func graph(t *testing.T) *fgraph.Graph {
	t.Helper()
	x, y := testops.Var("x"), testops.Var("y")
	e := testops.Apply(testops.Mul,
		testops.Apply(testops.Add, x, y),
		testops.Apply(testops.Div, x, y),
	)
	g, err := fgraph.New([]*ir.Variable{x, y}, []*ir.Variable{e})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func call(t *testing.T, l link.Linker, g *fgraph.Graph, args ...any) []any {
	t.Helper()
	fn, err := link.MakeFunction(l, g)
	if err != nil {
		t.Fatalf("cannot link %v: %+v", g, err)
	}
	got, err := fn(args...)
	if err != nil {
		t.Fatalf("cannot call %v: %+v", g, err)
	}
	return got
}

func TestMakeThunk(t *testing.T) {
	g := graph(t)
	run, inputs, outputs, err := link.MakeThunk(&link.PerformLinker{}, g)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range []float64{1, 2} {
		if err := inputs[i].Set(v); err != nil {
			t.Fatal(err)
		}
	}
	if err := run(); err != nil {
		t.Fatal(err)
	}
	if got, want := outputs[0].Value(), 1.5; got != want {
		t.Errorf("got %v but want %v", got, want)
	}
}

func TestMakeFunction(t *testing.T) {
	x, y := testops.Var("x"), testops.Var("y")
	tests := []struct {
		desc    string
		inputs  []*ir.Variable
		outputs func() []*ir.Variable
		opts    []fgraph.Option
		args    []any
		want    []any
	}{
		{
			desc:   "function",
			inputs: []*ir.Variable{x, y},
			outputs: func() []*ir.Variable {
				return []*ir.Variable{testops.Apply(testops.Mul,
					testops.Apply(testops.Add, x, y),
					testops.Apply(testops.Div, x, y),
				)}
			},
			args: []any{1.0, 2.0},
			want: []any{1.5},
		},
		{
			desc:   "constant",
			inputs: []*ir.Variable{x},
			outputs: func() []*ir.Variable {
				two := testops.Const(2)
				return []*ir.Variable{testops.Apply(testops.Mul,
					testops.Apply(testops.Add, x, two),
					testops.Apply(testops.Div, x, two),
				)}
			},
			args: []any{1.0},
			want: []any{1.5},
		},
		{
			desc:   "input is output",
			inputs: []*ir.Variable{x},
			outputs: func() []*ir.Variable {
				return []*ir.Variable{x}
			},
			args: []any{1.0},
			want: []any{1.0},
		},
		{
			desc:   "integer arguments",
			inputs: []*ir.Variable{x, y},
			outputs: func() []*ir.Variable {
				return []*ir.Variable{testops.Apply(testops.Sub, x, y)}
			},
			args: []any{1, 2},
			want: []any{-1.0},
		},
		{
			desc:   "multiple outputs",
			inputs: []*ir.Variable{x, y},
			outputs: func() []*ir.Variable {
				return []*ir.Variable{
					testops.Apply(testops.Add, x, y),
					testops.Apply(testops.Neg, x),
				}
			},
			args: []any{3.0, 4.0},
			want: []any{7.0, -3.0},
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			g, err := fgraph.New(test.inputs, test.outputs(), test.opts...)
			if err != nil {
				t.Fatal(err)
			}
			got := call(t, &link.PerformLinker{}, g, test.args...)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("unexpected outputs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInputDependency(t *testing.T) {
	x, y, a := testops.Var("x"), testops.Var("y"), testops.Var("a")
	e := testops.Apply(testops.Mul,
		testops.Apply(testops.Add, x, y),
		testops.Apply(testops.Div, x, y),
	)
	inputs, outputs, _, err := ir.Clone([]*ir.Variable{x, y, a}, []*ir.Variable{e}, true)
	if err != nil {
		t.Fatal(err)
	}
	g, err := fgraph.New(inputs, outputs)
	if err != nil {
		t.Fatal(err)
	}
	got := call(t, &link.PerformLinker{}, g, 1.0, 2.0, 9.0)
	if diff := cmp.Diff([]any{1.5}, got); diff != "" {
		t.Errorf("unexpected outputs (-want +got):\n%s", diff)
	}
}

func TestSkipHole(t *testing.T) {
	x, y := testops.Var("x"), testops.Var("y")
	a := testops.Apply(testops.Add, x, y)
	r := testops.Apply(testops.RaiseErr, a)
	e := testops.Apply(testops.Add, r, a)
	// r is computed by a node but declared as an input: the node
	// computing r must not be executed.
	g, err := fgraph.New([]*ir.Variable{x, y, r}, []*ir.Variable{e}, fgraph.WithClone())
	if err != nil {
		t.Fatal(err)
	}
	if got := testops.OpNames(g.Toposort()); !cmp.Equal(got, []string{"Add", "Add"}) {
		t.Errorf("got nodes %v but want [Add Add]", got)
	}
	got := call(t, &link.PerformLinker{}, g, 1.0, 2.0, 4.5)
	if diff := cmp.Diff([]any{7.5}, got); diff != "" {
		t.Errorf("unexpected outputs (-want +got):\n%s", diff)
	}
}

func TestNodeError(t *testing.T) {
	x := testops.Var("x")
	e := testops.Apply(testops.Neg, testops.Apply(testops.RaiseErr, x))
	g, err := fgraph.New([]*ir.Variable{x}, []*ir.Variable{e})
	if err != nil {
		t.Fatal(err)
	}
	fn, err := link.MakeFunction(&link.PerformLinker{}, g)
	if err != nil {
		t.Fatal(err)
	}
	_, err = fn(1.0)
	var nodeErr *link.NodeError
	if !errors.As(err, &nodeErr) {
		t.Fatalf("got error %v of type %T but want a *link.NodeError", err, err)
	}
	if got, want := nodeErr.Node.Op(), ir.Op(testops.RaiseErr); got != want {
		t.Errorf("got failing node %s but want an operator %s", got, want)
	}
	if nodeErr.Position != 0 {
		t.Errorf("got position %d but want 0", nodeErr.Position)
	}
}

func TestArguments(t *testing.T) {
	g := graph(t)
	fn, err := link.MakeFunction(&link.PerformLinker{}, g)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fn(1.0); err == nil {
		t.Error("expected an error when calling a function with a missing argument")
	}
	if _, err := fn(1.0, "2"); err == nil {
		t.Error("expected an error when calling a function with an argument of the wrong type")
	}
}

func TestPartialEvalUnsupported(t *testing.T) {
	p, err := (&link.PerformLinker{}).MakeAll(graph(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Runner.Run([]int{0}); err == nil {
		t.Error("expected an error when requesting a subset of the outputs")
	}
}

func TestSchedule(t *testing.T) {
	x, y := testops.Var("x"), testops.Var("y")
	sub := testops.Apply(testops.Sub, x, y)
	add := testops.Apply(testops.Add, x, y)
	g, err := fgraph.New([]*ir.Variable{x, y}, []*ir.Variable{sub, add})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		desc  string
		sched sched.Scheduler
		want  []string
	}{
		{
			desc: "default",
			want: []string{"Sub", "Add"},
		},
		{
			desc:  "by string",
			sched: sched.SortScheduleFn(sched.ByString),
			want:  []string{"Add", "Sub"},
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			p, err := (&link.PerformLinker{Schedule: test.sched}).MakeAll(g)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.want, testops.OpNames(p.Order)); diff != "" {
				t.Errorf("unexpected order (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInvalidSchedule(t *testing.T) {
	g := graph(t)
	reversed := func(nodes []*ir.Apply) ([]*ir.Apply, error) {
		order, err := sched.Default(nodes)
		if err != nil {
			return nil, err
		}
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
		return order, nil
	}
	if _, err := (&link.PerformLinker{Schedule: reversed}).MakeAll(g); err == nil {
		t.Error("expected an error for an invalid schedule")
	}
	truncated := func(nodes []*ir.Apply) ([]*ir.Apply, error) {
		return nil, nil
	}
	if _, err := (&link.PerformLinker{Schedule: truncated}).MakeAll(g); err == nil {
		t.Error("expected an error for a schedule missing nodes")
	}
}

func TestGC(t *testing.T) {
	for _, allowGC := range []bool{false, true} {
		g := graph(t)
		p, err := (&link.PerformLinker{AllowGC: allowGC}).MakeAll(g)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.SetInputs([]any{1.0, 2.0}); err != nil {
			t.Fatal(err)
		}
		if err := p.Runner.Run(nil); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]any{1.5}, p.OutputValues()); diff != "" {
			t.Errorf("allowGC=%t: unexpected outputs (-want +got):\n%s", allowGC, diff)
		}
		for _, node := range p.Order[:2] {
			out := node.Out()
			if got, want := p.Storage[out].Empty(), allowGC; got != want {
				t.Errorf("allowGC=%t: cell of %s empty=%t but want %t", allowGC, out, got, want)
			}
			if got, want := p.Compute[out], !allowGC; got != want {
				t.Errorf("allowGC=%t: %s computed=%t but want %t", allowGC, out, got, want)
			}
		}
		for _, in := range g.Inputs() {
			if p.Storage[in].Empty() {
				t.Errorf("allowGC=%t: input %s has been collected", allowGC, in)
			}
		}
	}
}

func TestDeadAfter(t *testing.T) {
	g := graph(t)
	p, err := (&link.PerformLinker{}).MakeAll(g)
	if err != nil {
		t.Fatal(err)
	}
	dead := p.DeadAfter()
	got := make([]int, len(dead))
	for i, vars := range dead {
		got[i] = len(vars)
	}
	// Add and Div outputs are dead once Mul has been executed.
	if diff := cmp.Diff([]int{0, 0, 2}, got); diff != "" {
		t.Errorf("unexpected number of dead variables (-want +got):\n%s", diff)
	}
}

func TestStorageReuse(t *testing.T) {
	g := graph(t)
	first, err := (&link.PerformLinker{}).MakeAll(g)
	if err != nil {
		t.Fatal(err)
	}
	second, err := (&link.PerformLinker{Storage: first.Storage}).MakeAll(g)
	if err != nil {
		t.Fatal(err)
	}
	for v, cell := range first.Storage {
		if second.Storage[v] != cell {
			t.Errorf("cell of %s has not been reused", v)
		}
	}
	if err := first.SetInputs([]any{1.0, 2.0}); err != nil {
		t.Fatal(err)
	}
	if err := second.Runner.Run(nil); err != nil {
		t.Fatal(err)
	}
	if got, want := first.Outputs[0].Value(), 1.5; got != want {
		t.Errorf("got %v but want %v", got, want)
	}
}

func TestWrapLinker(t *testing.T) {
	tests := []struct {
		desc      string
		callThunk bool
		want      any
	}{
		{desc: "thunks not called", callThunk: false, want: nil},
		{desc: "thunks called", callThunk: true, want: 1.5},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			var nodes []string
			wrapper := func(i int, node *ir.Apply, thunk *link.Thunk, storage link.StorageMap, compute link.ComputeMap) error {
				nodes = append(nodes, node.Op().String())
				if !test.callThunk {
					return nil
				}
				return thunk.Call()
			}
			l := &link.WrapLinker{Linker: &link.PerformLinker{}, Wrapper: wrapper}
			got := call(t, l, graph(t), 1.0, 2.0)
			if diff := cmp.Diff([]any{test.want}, got); diff != "" {
				t.Errorf("unexpected outputs (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]string{"Add", "Div", "Mul"}, nodes); diff != "" {
				t.Errorf("unexpected wrapped nodes (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWrapLinkerSkipAfterFirstCall(t *testing.T) {
	calls := 0
	wrapper := func(i int, node *ir.Apply, thunk *link.Thunk, storage link.StorageMap, compute link.ComputeMap) error {
		if calls > 0 {
			return nil
		}
		return thunk.Call()
	}
	l := &link.WrapLinker{Linker: &link.PerformLinker{}, Wrapper: wrapper}
	p, err := l.MakeAll(graph(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetInputs([]any{1.0, 2.0}); err != nil {
		t.Fatal(err)
	}
	if err := p.Runner.Run(nil); err != nil {
		t.Fatal(err)
	}
	out := p.Graph.Outputs()[0]
	if got, want := p.Storage[out].Value, 1.5; got != want {
		t.Errorf("first call: got %v but want %v", got, want)
	}
	calls++
	if err := p.Runner.Run(nil); err != nil {
		t.Fatal(err)
	}
	if p.Compute[out] {
		t.Errorf("output of a skipped thunk marked as computed with value %v", p.Storage[out].Value)
	}
	if !p.Storage[out].Empty() {
		t.Errorf("got stale value %v for the output of a skipped thunk", p.Storage[out].Value)
	}
}

func TestWrapLinkerErrors(t *testing.T) {
	if _, err := (&link.WrapLinker{Linker: &link.PerformLinker{}}).MakeAll(graph(t)); err == nil {
		t.Error("expected an error for a wrap linker without a wrapper")
	}
	fail := func(i int, node *ir.Apply, thunk *link.Thunk, storage link.StorageMap, compute link.ComputeMap) error {
		return errors.Errorf("failure")
	}
	fn, err := link.MakeFunction(&link.WrapLinker{Linker: &link.PerformLinker{}, Wrapper: fail}, graph(t))
	if err != nil {
		t.Fatal(err)
	}
	_, err = fn(1.0, 2.0)
	var nodeErr *link.NodeError
	if !errors.As(err, &nodeErr) {
		t.Fatalf("got error %v but want a *link.NodeError", err)
	}
}

func TestContainer(t *testing.T) {
	x := testops.Var("x")
	tests := []struct {
		desc     string
		readonly bool
		strict   bool
		value    any
		want     any
		wantErr  bool
	}{
		{desc: "float64", value: 2.0, want: 2.0},
		{desc: "conversion", value: 2, want: 2.0},
		{desc: "strict", strict: true, value: 2.0, want: 2.0},
		{desc: "strict conversion", strict: true, value: 2, wantErr: true},
		{desc: "readonly", readonly: true, value: 2.0, wantErr: true},
		{desc: "wrong type", value: "2", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			c := link.NewContainer(x, &ir.Cell{}, test.readonly, test.strict)
			err := c.Set(test.value)
			if test.wantErr {
				if err == nil {
					t.Errorf("expected an error when setting %v", test.value)
				}
				if !c.Cell().Empty() {
					t.Errorf("got value %v after a failed write", c.Value())
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := c.Value(); got != test.want {
				t.Errorf("got %v of type %T but want %v", got, got, test.want)
			}
		})
	}
}

func TestContainerReadonlyError(t *testing.T) {
	c := link.NewContainer(testops.Var("x"), &ir.Cell{}, true, false)
	if err := c.Set(1.0); !errors.Is(err, link.ErrReadonly) {
		t.Errorf("got error %v but want %v", err, link.ErrReadonly)
	}
}

func TestContainerDeepCopy(t *testing.T) {
	c := link.NewContainer(testops.Var("x"), &ir.Cell{Value: []float64{1, 2}}, false, false)
	cp, err := c.DeepCopy()
	if err != nil {
		t.Fatal(err)
	}
	if cp.Cell() == c.Cell() {
		t.Fatal("copy shares the cell of the container")
	}
	c.Value().([]float64)[0] = 10
	if diff := cmp.Diff([]float64{1, 2}, cp.Value()); diff != "" {
		t.Errorf("copy changed with the container (-want +got):\n%s", diff)
	}
	if cp.Name() != c.Name() || !cp.Type().Equal(c.Type()) {
		t.Errorf("copy %s of type %s does not match %s of type %s", cp, cp.Type(), c, c.Type())
	}
}

func TestConstantContainer(t *testing.T) {
	x, two := testops.Var("x"), testops.Const(2)
	g, err := fgraph.New([]*ir.Variable{x}, []*ir.Variable{two})
	if err != nil {
		t.Fatal(err)
	}
	p, err := (&link.PerformLinker{}).MakeAll(g)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Outputs[0].Readonly() {
		t.Error("container of a constant output is not readonly")
	}
	if got, want := p.Outputs[0].Value(), 2.0; got != want {
		t.Errorf("got %v but want %v", got, want)
	}
	c, ok := p.Container(x)
	if !ok {
		t.Fatalf("no container for %s", x)
	}
	if c.Readonly() {
		t.Errorf("container of input %s is readonly", x)
	}
	if _, ok := p.Container(testops.Var("y")); ok {
		t.Error("got a container for a variable not in the graph")
	}
}

// square is a native operator squaring its input.
type square struct {
	calls *int
}

func (op square) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	if err := ir.CheckInputTypes(op, inputs, testops.Double); err != nil {
		return nil, err
	}
	return ir.NewApply(op, inputs, testops.Double), nil
}

func (op square) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	return errors.Errorf("Perform should not be called")
}

func (op square) MakeThunk(node *ir.Apply, inputs, outputs []*ir.Cell) (func() error, error) {
	return func() error {
		*op.calls++
		x := inputs[0].Value.(float64)
		outputs[0].Value = x * x
		return nil
	}, nil
}

func (op square) String() string {
	return "Square"
}

func TestNativeThunk(t *testing.T) {
	op := square{calls: new(int)}
	x := testops.Var("x")
	e := testops.Apply(testops.Neg, testops.Apply(op, x))
	g, err := fgraph.New([]*ir.Variable{x}, []*ir.Variable{e})
	if err != nil {
		t.Fatal(err)
	}
	p, err := (&link.PerformLinker{}).MakeAll(g)
	if err != nil {
		t.Fatal(err)
	}
	if got := []bool{p.Thunks[0].Native(), p.Thunks[1].Native()}; !cmp.Equal(got, []bool{true, false}) {
		t.Errorf("got native thunks %v but want [true false]", got)
	}
	got := call(t, &link.PerformLinker{}, g, 3.0)
	if diff := cmp.Diff([]any{-9.0}, got); diff != "" {
		t.Errorf("unexpected outputs (-want +got):\n%s", diff)
	}
	if *op.calls != 1 {
		t.Errorf("native thunk called %d times but want 1", *op.calls)
	}
}

// noOutput is an operator forgetting to write its output.
type noOutput struct{}

func (op noOutput) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	return ir.NewApply(op, inputs, testops.Double), nil
}

func (noOutput) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	return nil
}

func (noOutput) String() string {
	return "NoOutput"
}

// outputOnce is an operator writing its output on its first call only.
type outputOnce struct {
	calls *int
}

func (op outputOnce) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	return ir.NewApply(op, inputs, testops.Double), nil
}

func (op outputOnce) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	*op.calls++
	if *op.calls == 1 {
		outputs[0].Value = inputs[0]
	}
	return nil
}

func (outputOnce) String() string {
	return "OutputOnce"
}

func TestMissingOutputOnSecondCall(t *testing.T) {
	x := testops.Var("x")
	e := testops.Apply(outputOnce{calls: new(int)}, x)
	g, err := fgraph.New([]*ir.Variable{x}, []*ir.Variable{e})
	if err != nil {
		t.Fatal(err)
	}
	fn, err := link.MakeFunction(&link.PerformLinker{}, g)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fn(1.0); err != nil {
		t.Fatal(err)
	}
	if _, err := fn(2.0); err == nil {
		t.Error("expected an error when an operator stops computing its output")
	}
}

func TestMissingOutput(t *testing.T) {
	x := testops.Var("x")
	e := testops.Apply(noOutput{}, x)
	g, err := fgraph.New([]*ir.Variable{x}, []*ir.Variable{e})
	if err != nil {
		t.Fatal(err)
	}
	fn, err := link.MakeFunction(&link.PerformLinker{}, g)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fn(1.0); err == nil {
		t.Error("expected an error when an operator does not compute its output")
	}
}
