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

package compile

import (
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"
)

// DeepCopyOp returns a deep copy of its input.
//
// It guards the outputs of compiled functions that would otherwise
// alias an input, a constant or another output.
type DeepCopyOp struct{}

var (
	_ ir.Op           = DeepCopyOp{}
	_ ir.ShapeInferer = DeepCopyOp{}
)

// MakeNode returns a node copying a variable.
func (op DeepCopyOp) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	if err := ir.CheckArity(op, inputs, 1); err != nil {
		return nil, err
	}
	if inputs[0] == nil {
		return nil, errors.Errorf("%s: input 0 is nil", op)
	}
	return ir.NewApply(op, inputs, inputs[0].Type()), nil
}

// Perform copies the input value.
func (op DeepCopyOp) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	value, err := copystructure.Copy(inputs[0])
	if err != nil {
		return errors.Wrapf(err, "cannot copy %T", inputs[0])
	}
	outputs[0].Value = value
	return nil
}

// InferShape returns the shape of the input.
func (op DeepCopyOp) InferShape(node *ir.Apply, inputShapes []ir.Shape) ([]ir.Shape, error) {
	return inputShapes, nil
}

func (op DeepCopyOp) String() string {
	return "DeepCopyOp"
}
