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

package link

import (
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
)

// Thunk computes the outputs of a node from the cells of its inputs into
// the cells of its outputs.
type Thunk struct {
	node    *ir.Apply
	inputs  []*ir.Cell
	outputs []*ir.Cell
	native  func() error
}

// NewThunk binds a node to the cells of its inputs and outputs.
// If the operator of the node implements ir.ThunkMaker, its specialized
// implementation is used instead of Perform.
func NewThunk(node *ir.Apply, storage StorageMap) (*Thunk, error) {
	t := &Thunk{
		node:    node,
		inputs:  make([]*ir.Cell, len(node.Inputs())),
		outputs: make([]*ir.Cell, len(node.Outputs())),
	}
	for i, in := range node.Inputs() {
		cell, ok := storage[in]
		if !ok {
			return nil, errors.Errorf("no storage for input %d (%s) of %s", i, in, node)
		}
		t.inputs[i] = cell
	}
	for i, out := range node.Outputs() {
		cell, ok := storage[out]
		if !ok {
			return nil, errors.Errorf("no storage for output %d (%s) of %s", i, out, node)
		}
		t.outputs[i] = cell
	}
	if maker, ok := ir.Capability[ir.ThunkMaker](node.Op()); ok {
		native, err := maker.MakeThunk(node, t.inputs, t.outputs)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot build the thunk of %s", node)
		}
		t.native = native
	}
	return t, nil
}

// Node computed by the thunk.
func (t *Thunk) Node() *ir.Apply {
	return t.node
}

// Inputs returns the cells read by the thunk.
func (t *Thunk) Inputs() []*ir.Cell {
	return t.inputs
}

// Outputs returns the cells written by the thunk.
func (t *Thunk) Outputs() []*ir.Cell {
	return t.outputs
}

// Native returns true if the thunk uses an implementation provided by the operator.
func (t *Thunk) Native() bool {
	return t.native != nil
}

// Call computes the outputs.
func (t *Thunk) Call() error {
	if t.native != nil {
		clearOutputs(t)
		if err := t.native(); err != nil {
			return err
		}
		return t.checkOutputs()
	}
	values := make([]any, len(t.inputs))
	for i, cell := range t.inputs {
		values[i] = cell.Value
	}
	return t.Perform(values)
}

// Perform computes the outputs from given input values using the
// Perform method of the operator.
// The output cells are cleared first so that an operator not writing
// one of its outputs is detected.
func (t *Thunk) Perform(inputs []any) error {
	clearOutputs(t)
	if err := t.node.Op().Perform(t.node, inputs, t.outputs); err != nil {
		return err
	}
	return t.checkOutputs()
}

func (t *Thunk) checkOutputs() error {
	for i, cell := range t.outputs {
		if cell.Empty() {
			return errors.Errorf("output %d has not been computed", i)
		}
	}
	return nil
}

// clearOutputs empties the output cells of a thunk. A node never shares
// a cell between one of its inputs and one of its outputs.
func clearOutputs(t *Thunk) {
	for _, cell := range t.outputs {
		cell.Clear()
	}
}
