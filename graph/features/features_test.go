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

package features_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/gxflow/graph/features"
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/internal/testops"
	"github.com/pkg/errors"
)

// matrixType is the type of [][]float64 values.
type matrixType struct{}

func (matrixType) Filter(v any) (any, error) {
	m, ok := v.([][]float64)
	if !ok {
		return nil, errors.Errorf("cannot convert %T to a matrix", v)
	}
	return m, nil
}

func (matrixType) Equal(other ir.Type) bool {
	_, ok := other.(matrixType)
	return ok
}

func (matrixType) NDim() int { return 2 }

func (matrixType) ValueShape(v any) (ir.Shape, bool) {
	m, ok := v.([][]float64)
	if !ok || len(m) == 0 {
		return nil, false
	}
	return ir.Shape{ir.Dim(len(m)), ir.Dim(len(m[0]))}, true
}

func (matrixType) String() string { return "matrix" }

// rowSum sums the rows of a matrix: the output has one row.
type rowSum struct{}

func (rowSum) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	if err := ir.CheckInputTypes(rowSum{}, inputs, matrixType{}); err != nil {
		return nil, err
	}
	return ir.NewApply(rowSum{}, inputs, matrixType{}), nil
}

func (rowSum) Perform(*ir.Apply, []any, []*ir.Cell) error {
	return errors.Errorf("not implemented")
}

func (rowSum) InferShape(node *ir.Apply, in []ir.Shape) ([]ir.Shape, error) {
	return []ir.Shape{{1, in[0][1]}}, nil
}

func (rowSum) String() string { return "RowSum" }

// opaque has no shape inference.
type opaque struct{}

func (opaque) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	return ir.NewApply(opaque{}, inputs, matrixType{}), nil
}

func (opaque) Perform(*ir.Apply, []any, []*ir.Cell) error {
	return errors.Errorf("not implemented")
}

func (opaque) String() string { return "Opaque" }

func apply(t *testing.T, op ir.Op, inputs ...*ir.Variable) *ir.Variable {
	t.Helper()
	node, err := op.MakeNode(inputs...)
	if err != nil {
		t.Fatal(err)
	}
	return node.Out()
}

func TestShapeFeature(t *testing.T) {
	x := ir.NewVariable(matrixType{}, "x")
	c, err := ir.NewConstant(matrixType{}, [][]float64{{1, 2, 3}, {4, 5, 6}})
	if err != nil {
		t.Fatal(err)
	}
	sumX := apply(t, rowSum{}, x)
	sumC := apply(t, rowSum{}, c)
	op := apply(t, opaque{}, sumX)
	shapes := features.NewShapeFeature()
	_, err = fgraph.New([]*ir.Variable{x}, []*ir.Variable{op, sumC}, fgraph.WithFeatures(shapes))
	if err != nil {
		t.Fatal(err)
	}
	xShape, ok := shapes.Shape(x)
	if !ok || len(xShape) != 2 || xShape[0].Known() || xShape[1].Known() {
		t.Fatalf("got shape %v for x but want two symbolic dimensions", xShape)
	}
	tests := []struct {
		v    *ir.Variable
		want ir.Shape
	}{
		{v: c, want: ir.Shape{2, 3}},
		{v: sumC, want: ir.Shape{1, 3}},
		{v: sumX, want: ir.Shape{1, xShape[1]}},
	}
	for i, test := range tests {
		got, ok := shapes.Shape(test.v)
		if !ok {
			t.Errorf("test %d: no shape for %s", i, test.v)
			continue
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("test %d: unexpected shape for %s (-want +got):\n%s", i, test.v, diff)
		}
	}
	opShape, _ := shapes.Shape(op)
	if len(opShape) != 2 || opShape[0].Known() || opShape.Equal(xShape) {
		t.Errorf("got shape %v for an opaque operator but want fresh symbolic dimensions", opShape)
	}
	if !shapes.SameShape(x, x) || shapes.SameShape(x, sumX) {
		t.Errorf("unexpected shape equalities")
	}
}

func TestShapeFeaturePropagation(t *testing.T) {
	x := ir.NewVariable(matrixType{}, "x")
	c, err := ir.NewConstant(matrixType{}, [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}})
	if err != nil {
		t.Fatal(err)
	}
	op := apply(t, opaque{}, x)
	sum := apply(t, rowSum{}, op)
	sumSum := apply(t, rowSum{}, sum)
	shapes := features.NewShapeFeature()
	g, err := fgraph.New([]*ir.Variable{x}, []*ir.Variable{sumSum}, fgraph.WithFeatures(shapes))
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := shapes.Shape(sumSum); got[1].Known() {
		t.Fatalf("got shape %v before the replacement but want a symbolic last dimension", got)
	}
	if err := g.Replace(op, c, "test"); err != nil {
		t.Fatal(err)
	}
	for _, v := range []*ir.Variable{sum, sumSum} {
		got, _ := shapes.Shape(v)
		if diff := cmp.Diff(ir.Shape{1, 4}, got); diff != "" {
			t.Errorf("unexpected shape for %s after the replacement (-want +got):\n%s", v, diff)
		}
	}
}

func TestShapeFeatureReplace(t *testing.T) {
	x := ir.NewVariable(matrixType{}, "x")
	c, err := ir.NewConstant(matrixType{}, [][]float64{{1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	op := apply(t, opaque{}, x)
	out := apply(t, rowSum{}, op)
	shapes := features.NewShapeFeature()
	g, err := fgraph.New([]*ir.Variable{x}, []*ir.Variable{out}, fgraph.WithFeatures(shapes))
	if err != nil {
		t.Fatal(err)
	}
	other := apply(t, opaque{}, x)
	if err := g.Replace(op, other, "test"); err != nil {
		t.Fatal(err)
	}
	if shapes.SameShape(other, c) {
		t.Errorf("shapes should not be known to be equal")
	}
	if _, ok := shapes.Shape(op); ok {
		t.Errorf("shape of a pruned variable should be forgotten")
	}
	if err := g.Replace(other, c, "test"); err != nil {
		t.Fatal(err)
	}
	if got, want := g.Outputs()[0].Owner().Input(0), c; got != want {
		t.Errorf("got input %s but want %s", got, want)
	}
}

func TestDestroyChecker(t *testing.T) {
	addInplace := testops.Inplace{Op: testops.Add}
	x, y := testops.Var("x"), testops.Var("y")
	tests := []struct {
		build   func() []*ir.Variable
		mutable []*ir.Variable
		ok      bool
	}{
		{
			// Destroying an intermediate with a single client.
			build: func() []*ir.Variable {
				return []*ir.Variable{testops.Apply(addInplace, testops.Apply(testops.Mul, x, y), y)}
			},
			ok: true,
		},
		{
			build: func() []*ir.Variable {
				return []*ir.Variable{testops.Apply(addInplace, x, y)}
			},
		},
		{
			build: func() []*ir.Variable {
				return []*ir.Variable{testops.Apply(addInplace, x, y)}
			},
			mutable: []*ir.Variable{x},
			ok:      true,
		},
		{
			build: func() []*ir.Variable {
				return []*ir.Variable{testops.Apply(addInplace, testops.Const(1), y)}
			},
		},
		{
			build: func() []*ir.Variable {
				m := testops.Apply(testops.Mul, x, y)
				return []*ir.Variable{testops.Apply(addInplace, m, y), testops.Apply(addInplace, m, x)}
			},
		},
		{
			build: func() []*ir.Variable {
				m := testops.Apply(testops.Mul, x, y)
				return []*ir.Variable{testops.Apply(addInplace, m, y), m}
			},
		},
		{
			// Destroying a view of a constant destroys the constant.
			build: func() []*ir.Variable {
				return []*ir.Variable{testops.Apply(addInplace, testops.Apply(testops.View{}, testops.Const(1)), y)}
			},
		},
		{
			build: func() []*ir.Variable {
				return []*ir.Variable{testops.Apply(addInplace, testops.Apply(testops.View{}, x), y)}
			},
		},
		{
			build: func() []*ir.Variable {
				m := testops.Apply(testops.Mul, x, y)
				return []*ir.Variable{testops.Apply(addInplace, testops.Apply(testops.View{}, m), y), testops.Apply(addInplace, m, x)}
			},
		},
		{
			build: func() []*ir.Variable {
				m := testops.Apply(testops.Mul, x, y)
				return []*ir.Variable{testops.Apply(addInplace, testops.Apply(testops.View{}, m), y)}
			},
			ok: true,
		},
	}
	for i, test := range tests {
		_, err := fgraph.New([]*ir.Variable{x, y}, test.build(), fgraph.WithFeatures(features.NewDestroyChecker(test.mutable...)))
		if test.ok && err != nil {
			t.Errorf("test %d: unexpected error: %v", i, err)
		}
		if !test.ok && err == nil {
			t.Errorf("test %d: expected an error but got nil", i)
		}
	}
}

func TestCanDestroy(t *testing.T) {
	x, y := testops.Var("x"), testops.Var("y")
	m := testops.Apply(testops.Mul, x, y)
	out := testops.Apply(testops.Add, m, y)
	dc := features.NewDestroyChecker()
	g, err := fgraph.New([]*ir.Variable{x, y}, []*ir.Variable{out}, fgraph.WithFeatures(dc))
	if err != nil {
		t.Fatal(err)
	}
	if !dc.CanDestroy(g, m) {
		t.Errorf("%s has a single client and can be destroyed", m)
	}
	if dc.CanDestroy(g, y) || dc.CanDestroy(g, out) {
		t.Errorf("inputs and outputs cannot be destroyed")
	}
	view := testops.Apply(testops.View{}, testops.Apply(testops.Mul, x, y))
	g, err = fgraph.New([]*ir.Variable{x, y}, []*ir.Variable{testops.Apply(testops.Add, view, y)}, fgraph.WithFeatures(dc))
	if err != nil {
		t.Fatal(err)
	}
	if dc.CanDestroy(g, view) {
		t.Errorf("views cannot be destroyed")
	}
}

func TestChangeTracker(t *testing.T) {
	x, y := testops.Var("x"), testops.Var("y")
	a := testops.Apply(testops.Add, x, y)
	out := testops.Apply(testops.Mul, a, a)
	ct := &features.ChangeTracker{}
	g, err := fgraph.New([]*ir.Variable{x, y}, []*ir.Variable{out}, fgraph.WithFeatures(ct))
	if err != nil {
		t.Fatal(err)
	}
	if ct.Changes() != 0 {
		t.Errorf("got %d changes after attach but want 0", ct.Changes())
	}
	if err := g.Replace(a, testops.Apply(testops.Sub, x, y), "test"); err != nil {
		t.Fatal(err)
	}
	// Both inputs of the Mul node.
	if got, want := ct.Changes(), 2; got != want {
		t.Errorf("got %d changes but want %d", got, want)
	}
	ct.Reset()
	if ct.Changes() != 0 {
		t.Errorf("counter not reset")
	}
}

func TestChangeTrackerRevert(t *testing.T) {
	x := testops.Var("x")
	a := testops.Apply(testops.Add, x, x)
	out := testops.Apply(testops.Mul, a, a)
	ct := &features.ChangeTracker{}
	g, err := fgraph.New([]*ir.Variable{x}, []*ir.Variable{out}, fgraph.WithFeatures(ct))
	if err != nil {
		t.Fatal(err)
	}
	cp := g.History().Checkpoint()
	if err := g.Replace(a, testops.Apply(testops.Sub, x, x), "test"); err != nil {
		t.Fatal(err)
	}
	if ct.Changes() != 2 {
		t.Fatalf("got %d changes but want 2", ct.Changes())
	}
	if err := g.History().Revert(g, cp); err != nil {
		t.Fatal(err)
	}
	if ct.Changes() != 0 {
		t.Errorf("got %d changes after a revert but want 0", ct.Changes())
	}
	if got, want := testops.Labels(g.Toposort()), "Add(x, x); Mul(Add.out, Add.out)"; got != want {
		t.Errorf("got %q but want %q", got, want)
	}
}
