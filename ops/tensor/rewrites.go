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

package tensor

import (
	"github.com/gx-org/gxflow/compile"
	"github.com/gx-org/gxflow/graph/features"
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/rewrite"
)

// Rewrite rules on tensor operators.
var (
	// AddZero removes the addition or subtraction of zeros.
	AddZero = rewrite.LocalFunc("local_add_zero", rewrite.TracksOp(Add, Sub), addZero)
	// MulOne removes the multiplication or division by ones.
	MulOne = rewrite.LocalFunc("local_mul_one", rewrite.TracksOp(Mul, Div), mulOne)
	// NegNeg removes double negations.
	NegNeg = rewrite.LocalFunc("local_neg_neg", rewrite.TracksOp(Neg), negNeg)
	// UselessAssert removes the conditions of assertions known to hold.
	UselessAssert = rewrite.LocalFunc("local_remove_useless_assert", isAssert, uselessAssert)
	// AllAssert removes all assertions.
	AllAssert = rewrite.LocalFunc("local_remove_all_assert", isAssert, allAssert)
	// InplaceElemwise replaces elementwise operators by their in place
	// variants when their first input can be overwritten.
	InplaceElemwise = rewrite.LocalFunc("inplace_elemwise", isNotInplace, inplaceElemwise)
)

func init() {
	compile.Canonicalize.MustRegister(AddZero.Name(), AddZero, 1, compile.TagFastRun, compile.TagFastCompile)
	compile.Canonicalize.MustRegister(MulOne.Name(), MulOne, 1, compile.TagFastRun, compile.TagFastCompile)
	compile.Canonicalize.MustRegister(NegNeg.Name(), NegNeg, 1, compile.TagFastRun, compile.TagFastCompile)
	compile.Canonicalize.MustRegister(UselessAssert.Name(), UselessAssert, 1, compile.TagFastRun, compile.TagFastCompile)
	compile.Stabilize.MustRegister(NegNeg.Name(), NegNeg, 1, compile.TagFastRun)
	compile.Specialize.MustRegister(AllAssert.Name(), AllAssert, 1, compile.TagUnsafe)
	compile.Inplace.MustRegister(InplaceElemwise.Name(), InplaceElemwise, 0, compile.TagFastRun, compile.TagInplace)
}

// isFilled returns true if v is a constant array whose values are all x.
func isFilled(v *ir.Variable, x float64) bool {
	if !v.IsConstant() {
		return false
	}
	a, ok := v.Data().(*Array)
	if !ok {
		return false
	}
	for _, val := range a.values {
		if val != x {
			return false
		}
	}
	return true
}

// keepsShape returns true if replacing the output of a node by x keeps
// the shape of the output, given that the constant c has been broadcast
// against x.
func keepsShape(g *fgraph.Graph, out, x, c *ir.Variable) bool {
	if !x.Type().Equal(out.Type()) {
		return false
	}
	if c.Type().(TensorType).Rank == 0 {
		return true
	}
	sf, ok := fgraph.FeatureOf[*features.ShapeFeature](g)
	return ok && sf.SameShape(x, out)
}

// removeNeutral returns the input of a binary node to use instead of its
// output if the other input, at one of the given positions, is filled
// with the neutral element.
func removeNeutral(g *fgraph.Graph, node *ir.Apply, neutral float64, positions ...int) []*ir.Variable {
	for _, k := range positions {
		c, x := node.Input(k), node.Input(1-k)
		if isFilled(c, neutral) && keepsShape(g, node.Out(), x, c) {
			return []*ir.Variable{x}
		}
	}
	return nil
}

func addZero(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	if node.Op() == Sub {
		return removeNeutral(g, node, 0, 1), nil
	}
	return removeNeutral(g, node, 0, 1, 0), nil
}

func mulOne(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	if node.Op() == Div {
		return removeNeutral(g, node, 1, 1), nil
	}
	return removeNeutral(g, node, 1, 1, 0), nil
}

func negNeg(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	in := node.Input(0)
	if in.Owner() == nil {
		return nil, nil
	}
	if op, ok := in.Owner().Op().(*Elemwise); !ok || op.NotInplace() != Neg {
		return nil, nil
	}
	return []*ir.Variable{in.Owner().Input(0)}, nil
}

func isAssert(op ir.Op) bool {
	_, ok := op.(Assert)
	return ok
}

func uselessAssert(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	var conds []*ir.Variable
	for _, cond := range node.Inputs()[1:] {
		if cond.IsConstant() && !isFilled(cond, 0) {
			continue
		}
		conds = append(conds, cond)
	}
	if len(conds) == len(node.Inputs())-1 {
		return nil, nil
	}
	x := node.Input(0)
	if len(conds) == 0 {
		return []*ir.Variable{x}, nil
	}
	repl, err := node.Op().MakeNode(append([]*ir.Variable{x}, conds...)...)
	if err != nil {
		return nil, err
	}
	return repl.Outputs(), nil
}

func allAssert(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	return []*ir.Variable{node.Input(0)}, nil
}

func isNotInplace(op ir.Op) bool {
	ew, ok := op.(*Elemwise)
	return ok && !ew.IsInplace()
}

// inplaceElemwise only overwrites the results of other elementwise
// operators: these are never aliased by other variables.
func inplaceElemwise(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	dc, ok := fgraph.FeatureOf[*features.DestroyChecker](g)
	if !ok {
		return nil, nil
	}
	x := node.Input(0)
	if x.Owner() == nil || !x.Type().Equal(node.Out().Type()) {
		return nil, nil
	}
	if _, ok := x.Owner().Op().(*Elemwise); !ok {
		return nil, nil
	}
	if !dc.CanDestroy(g, x) {
		return nil, nil
	}
	op := node.Op().(*Elemwise)
	repl, err := op.Inplace().MakeNode(node.Inputs()...)
	if err != nil {
		return nil, err
	}
	return repl.Outputs(), nil
}
