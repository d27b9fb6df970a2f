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

// Package testops provides scalar operators on float64 to test graphs,
// rewrites and execution engines without depending on a numerical library.
package testops

import (
	"fmt"
	"strings"

	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
)

type doubleType struct{}

// Double is the type of float64 scalars.
var Double ir.Type = doubleType{}

func (doubleType) Filter(v any) (any, error) {
	switch vT := v.(type) {
	case float64:
		return vT, nil
	case float32:
		return float64(vT), nil
	case int:
		return float64(vT), nil
	case int64:
		return float64(vT), nil
	default:
		return nil, errors.Errorf("cannot convert %T to double", v)
	}
}

func (doubleType) Equal(other ir.Type) bool {
	_, ok := other.(doubleType)
	return ok
}

func (doubleType) ValuesEqual(a, b any) bool {
	return a == b
}

func (doubleType) NDim() int {
	return 0
}

func (doubleType) String() string {
	return "double"
}

// Var returns a new double variable.
func Var(name string) *ir.Variable {
	return ir.NewVariable(Double, name)
}

// Vars returns a new double variable for each name.
func Vars(names ...string) []*ir.Variable {
	vars := make([]*ir.Variable, len(names))
	for i, name := range names {
		vars[i] = Var(name)
	}
	return vars
}

// Const returns a new double constant.
func Const(f float64) *ir.Variable {
	c, err := ir.NewConstant(Double, f)
	if err != nil {
		panic(err)
	}
	return c
}

// Apply applies an operator and returns its first output.
// It panics if the node cannot be built.
func Apply(op ir.Op, inputs ...*ir.Variable) *ir.Variable {
	node, err := op.MakeNode(inputs...)
	if err != nil {
		panic(err)
	}
	return node.Output(0)
}

// Op is a n-ary operator on doubles.
type Op struct {
	Name string
	NIn  int
	Impl func(...float64) (float64, error)
}

var (
	_ ir.Op           = (*Op)(nil)
	_ ir.ShapeInferer = (*Op)(nil)
)

// MakeNode checks the inputs and returns a new node.
func (op *Op) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	want := make([]ir.Type, op.NIn)
	for i := range want {
		want[i] = Double
	}
	if err := ir.CheckInputTypes(op, inputs, want...); err != nil {
		return nil, err
	}
	return ir.NewApply(op, inputs, Double), nil
}

// Perform the operation.
func (op *Op) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	xs := make([]float64, len(inputs))
	for i, in := range inputs {
		x, ok := in.(float64)
		if !ok {
			return errors.Errorf("input %d: got %T but want float64", i, in)
		}
		xs[i] = x
	}
	r, err := op.Impl(xs...)
	if err != nil {
		return err
	}
	outputs[0].Value = r
	return nil
}

// InferShape returns the scalar shape.
func (op *Op) InferShape(node *ir.Apply, inputShapes []ir.Shape) ([]ir.Shape, error) {
	return []ir.Shape{{}}, nil
}

func (op *Op) String() string {
	return op.Name
}

func binary(name string, f func(x, y float64) float64) *Op {
	return &Op{Name: name, NIn: 2, Impl: func(xs ...float64) (float64, error) {
		return f(xs[0], xs[1]), nil
	}}
}

// Operators on doubles.
var (
	Add = binary("Add", func(x, y float64) float64 { return x + y })
	Sub = binary("Sub", func(x, y float64) float64 { return x - y })
	Mul = binary("Mul", func(x, y float64) float64 { return x * y })
	Div = binary("Div", func(x, y float64) float64 { return x / y })
	Neg = &Op{Name: "Neg", NIn: 1, Impl: func(xs ...float64) (float64, error) {
		return -xs[0], nil
	}}
	RaiseErr = &Op{Name: "RaiseErr", NIn: 1, Impl: func(xs ...float64) (float64, error) {
		return 0, errors.Errorf("not implemented")
	}}
)

// Counter counts how many times it has been performed.
// The output is the input.
type Counter struct {
	Name  string
	Count *int
}

var _ ir.Op = Counter{}

// NewCounter returns a new counter operator.
func NewCounter(name string) Counter {
	return Counter{Name: name, Count: new(int)}
}

// MakeNode returns a new node.
func (c Counter) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	if err := ir.CheckInputTypes(c, inputs, Double); err != nil {
		return nil, err
	}
	return ir.NewApply(c, inputs, Double), nil
}

// Perform increments the counter.
func (c Counter) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	*c.Count++
	outputs[0].Value = inputs[0]
	return nil
}

// HasSideEffects returns true: a counter must never be folded.
func (c Counter) HasSideEffects() bool {
	return true
}

// View returns its input without copying it.
type View struct{}

var _ ir.Viewer = View{}

// MakeNode returns a new node.
func (View) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	if err := ir.CheckInputTypes(View{}, inputs, Double); err != nil {
		return nil, err
	}
	return ir.NewApply(View{}, inputs, Double), nil
}

// Perform forwards the input.
func (View) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	outputs[0].Value = inputs[0]
	return nil
}

// ViewMap returns that the output is the input.
func (View) ViewMap() map[int][]int {
	return map[int][]int{0: {0}}
}

func (View) String() string {
	return "View"
}

func (c Counter) String() string {
	return "Counter[" + c.Name + "]"
}

// IfElse returns its second input if the first input is non-zero
// and its third input otherwise. It only evaluates the selected branch.
type IfElse struct{}

var _ ir.LazyOp = IfElse{}

// MakeNode returns a new node.
func (IfElse) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	if err := ir.CheckInputTypes(IfElse{}, inputs, Double, Double, Double); err != nil {
		return nil, err
	}
	return ir.NewApply(IfElse{}, inputs, Double), nil
}

// NeededInputs requests the condition first, then the selected branch.
func (IfElse) NeededInputs(node *ir.Apply, st ir.LazyState) ([]int, error) {
	if !st.Computed[0] {
		return []int{0}, nil
	}
	cond, ok := st.Inputs[0].(float64)
	if !ok {
		return nil, errors.Errorf("condition: got %T but want float64", st.Inputs[0])
	}
	if cond != 0 {
		return []int{0, 1}, nil
	}
	return []int{0, 2}, nil
}

// Perform copies the selected branch.
func (IfElse) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	branch := 2
	if inputs[0].(float64) != 0 {
		branch = 1
	}
	if inputs[branch] == nil {
		return errors.Errorf("branch %d has not been computed", branch)
	}
	outputs[0].Value = inputs[branch]
	return nil
}

// ConnectionPattern returns that the output does not depend on the condition.
func (IfElse) ConnectionPattern(node *ir.Apply) [][]bool {
	return [][]bool{{false}, {true}, {true}}
}

func (IfElse) String() string {
	return "IfElse"
}

// Labels returns the string of each node.
func Labels(nodes []*ir.Apply) string {
	ss := make([]string, len(nodes))
	for i, node := range nodes {
		ss[i] = node.String()
	}
	return strings.Join(ss, "; ")
}

// OpNames returns the name of the operator of each node.
func OpNames(nodes []*ir.Apply) []string {
	ss := make([]string, len(nodes))
	for i, node := range nodes {
		ss[i] = fmt.Sprint(node.Op())
	}
	return ss
}

// Inplace is an operator overwriting its first input with its output.
type Inplace struct {
	*Op
}

var _ ir.Destroyer = Inplace{}

// MakeNode returns a new node.
func (op Inplace) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	node, err := op.Op.MakeNode(inputs...)
	if err != nil {
		return nil, err
	}
	return ir.NewApply(op, node.Inputs(), Double), nil
}

// DestroyMap returns that the output overwrites the first input.
func (op Inplace) DestroyMap() map[int][]int {
	return map[int][]int{0: {0}}
}

func (op Inplace) String() string {
	return op.Op.Name + "{inplace}"
}
