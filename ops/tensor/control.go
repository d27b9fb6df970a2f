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
	"fmt"

	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
)

// IfElse returns its second input if its first input is not zero and its
// third input otherwise. Only the selected branch is computed.
type IfElse struct{}

var (
	_ ir.LazyOp       = IfElse{}
	_ ir.ShapeInferer = IfElse{}
	_ ir.Viewer       = IfElse{}
)

// MakeNode checks that the condition is a scalar and that both branches
// have the same type.
func (op IfElse) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	if err := ir.CheckArity(op, inputs, 3); err != nil {
		return nil, err
	}
	if inputs[1] == nil {
		return nil, errors.Errorf("%s: input 1 is nil", op)
	}
	thenType := inputs[1].Type()
	if err := ir.CheckInputTypes(op, inputs, ScalarType, thenType, thenType); err != nil {
		return nil, err
	}
	return ir.NewApply(op, inputs, thenType), nil
}

func condition(v any) (bool, error) {
	a, ok := v.(*Array)
	if !ok {
		return false, errors.Errorf("condition: got %T but want *tensor.Array", v)
	}
	c, err := a.Item()
	if err != nil {
		return false, err
	}
	return c != 0, nil
}

// NeededInputs returns the condition first, then the selected branch.
func (op IfElse) NeededInputs(node *ir.Apply, st ir.LazyState) ([]int, error) {
	if !st.Computed[0] {
		return []int{0}, nil
	}
	cond, err := condition(st.Inputs[0])
	if err != nil {
		return nil, err
	}
	if cond {
		return []int{1}, nil
	}
	return []int{2}, nil
}

// Perform forwards the selected branch.
func (op IfElse) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	cond, err := condition(inputs[0])
	if err != nil {
		return err
	}
	branch := 2
	if cond {
		branch = 1
	}
	if inputs[branch] == nil {
		return errors.Errorf("branch %d has not been computed", branch)
	}
	outputs[0].Value = inputs[branch]
	return nil
}

// ViewMap returns that the output is one of the branches.
func (op IfElse) ViewMap() map[int][]int {
	return map[int][]int{0: {1, 2}}
}

// InferShape returns the shape of the branches if they are the same.
func (op IfElse) InferShape(node *ir.Apply, inputShapes []ir.Shape) ([]ir.Shape, error) {
	if !inputShapes[1].Equal(inputShapes[2]) {
		return []ir.Shape{nil}, nil
	}
	return []ir.Shape{inputShapes[1]}, nil
}

func (op IfElse) String() string {
	return "IfElse"
}

// Assert returns its first input after checking that all its other
// inputs, scalar conditions, are not zero.
type Assert struct {
	Msg string
}

var (
	_ ir.Op           = Assert{}
	_ ir.ShapeInferer = Assert{}
	_ ir.Viewer       = Assert{}
)

// MakeNode checks that the conditions are scalars.
func (op Assert) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	if len(inputs) == 0 {
		return nil, &ir.ArityError{Op: op, Got: 0, Want: 1}
	}
	if inputs[0] == nil {
		return nil, errors.Errorf("%s: input 0 is nil", op)
	}
	want := make([]ir.Type, len(inputs))
	want[0] = inputs[0].Type()
	for i := 1; i < len(want); i++ {
		want[i] = ScalarType
	}
	if err := ir.CheckInputTypes(op, inputs, want...); err != nil {
		return nil, err
	}
	return ir.NewApply(op, inputs, inputs[0].Type()), nil
}

// Perform checks the conditions.
func (op Assert) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	for i, in := range inputs[1:] {
		cond, err := condition(in)
		if err != nil {
			return err
		}
		if !cond {
			return errors.Errorf("assertion %s failed: %s", node.Input(i+1), op.Msg)
		}
	}
	outputs[0].Value = inputs[0]
	return nil
}

// ViewMap returns that the output is the first input.
func (op Assert) ViewMap() map[int][]int {
	return map[int][]int{0: {0}}
}

// InferShape returns the shape of the first input.
func (op Assert) InferShape(node *ir.Apply, inputShapes []ir.Shape) ([]ir.Shape, error) {
	return inputShapes[:1], nil
}

func (op Assert) String() string {
	if op.Msg == "" {
		return "Assert"
	}
	return fmt.Sprintf("Assert{%q}", op.Msg)
}
