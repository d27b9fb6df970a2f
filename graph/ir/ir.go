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

// Package ir defines the intermediate representation of a dataflow graph.
//
// A graph is made of typed variables (the edges) and Apply nodes. An Apply
// node applies an operator to an ordered list of input variables and owns
// the ordered list of its output variables. Variables without an owner are
// either graph inputs or constants.
//
// Every node and variable carries a stable integer identifier allocated at
// construction. Identifiers are used to break ties deterministically when
// ordering nodes.
package ir

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ID is a stable identifier of a node or a variable.
type ID uint64

var lastID atomic.Uint64

func nextID() ID {
	return ID(lastID.Add(1))
}

type (
	// Type describes the domain of a runtime value.
	Type interface {
		// Filter validates a value and coerces it into the canonical
		// representation of the type. An error is returned if the value
		// is incompatible with the type.
		Filter(v any) (any, error)

		// Equal returns true if both types describe the same domain.
		Equal(Type) bool

		// String representation of the type.
		String() string
	}

	// ValueEqualer is implemented by types able to compare two values.
	ValueEqualer interface {
		ValuesEqual(a, b any) bool
	}

	// Shaped is implemented by types with a static number of axes.
	Shaped interface {
		NDim() int
	}

	// Op is a computation descriptor.
	Op interface {
		// MakeNode checks the inputs and returns a new node applying
		// the operator to them.
		MakeNode(inputs ...*Variable) (*Apply, error)

		// Perform computes the output values given input values.
		// Output cells may hold a value from a previous call that the
		// operator is free to reuse.
		Perform(node *Apply, inputs []any, outputs []*Cell) error

		// String identifies the operator and its parameters.
		// Two operators with the same string are considered equal.
		String() string
	}
)

// Variable is a typed edge of the graph.
type Variable struct {
	id    ID
	typ   Type
	name  string
	owner *Apply
	index int

	constant bool
	data     any
}

// NewVariable returns a new variable without owner.
func NewVariable(typ Type, name string) *Variable {
	return &Variable{id: nextID(), typ: typ, name: name}
}

// NewConstant returns a constant variable given a value.
// The value is filtered by the type.
func NewConstant(typ Type, value any) (*Variable, error) {
	data, err := typ.Filter(value)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot build a constant of type %s", typ)
	}
	return &Variable{id: nextID(), typ: typ, constant: true, data: data}, nil
}

// ID of the variable.
func (v *Variable) ID() ID {
	return v.id
}

// Type of the variable.
func (v *Variable) Type() Type {
	return v.typ
}

// Name of the variable. Can be empty.
func (v *Variable) Name() string {
	return v.name
}

// SetName sets the name of the variable.
func (v *Variable) SetName(name string) {
	v.name = name
}

// Owner returns the node computing the variable or nil.
func (v *Variable) Owner() *Apply {
	return v.owner
}

// Index returns the index of the variable in the outputs of its owner.
func (v *Variable) Index() int {
	return v.index
}

// IsConstant returns true if the variable is a constant.
func (v *Variable) IsConstant() bool {
	return v.constant
}

// Data returns the value of a constant. Returns nil for non-constant variables.
func (v *Variable) Data() any {
	return v.data
}

// Clone returns a new variable of the same type, name and, for constants,
// value. The clone has no owner.
func (v *Variable) Clone() *Variable {
	return &Variable{
		id:       nextID(),
		typ:      v.typ,
		name:     v.name,
		constant: v.constant,
		data:     v.data,
	}
}

func (v *Variable) String() string {
	if v.name != "" {
		return v.name
	}
	if v.constant {
		return fmt.Sprintf("%v", v.data)
	}
	if v.owner != nil {
		if len(v.owner.outputs) == 1 {
			return v.owner.op.String() + ".out"
		}
		return fmt.Sprintf("%s.out%d", v.owner.op, v.index)
	}
	return fmt.Sprintf("<%s>", v.typ)
}

// Apply is a node applying an operator to input variables.
type Apply struct {
	id      ID
	op      Op
	inputs  []*Variable
	outputs []*Variable
}

// NewApply returns a new node applying op to inputs.
// One output variable is created for each output type.
func NewApply(op Op, inputs []*Variable, outputTypes ...Type) *Apply {
	node := &Apply{
		id:     nextID(),
		op:     op,
		inputs: append([]*Variable{}, inputs...),
	}
	node.outputs = make([]*Variable, len(outputTypes))
	for i, typ := range outputTypes {
		node.outputs[i] = &Variable{
			id:    nextID(),
			typ:   typ,
			owner: node,
			index: i,
		}
	}
	return node
}

// ID of the node.
func (n *Apply) ID() ID {
	return n.id
}

// Op applied by the node.
func (n *Apply) Op() Op {
	return n.op
}

// Inputs of the node. The slice must not be modified.
func (n *Apply) Inputs() []*Variable {
	return n.inputs
}

// Input returns the ith input.
func (n *Apply) Input(i int) *Variable {
	return n.inputs[i]
}

// SetInput replaces the ith input of the node.
// Use a function graph to keep its client index consistent.
func (n *Apply) SetInput(i int, v *Variable) {
	n.inputs[i] = v
}

// Outputs of the node. The slice must not be modified.
func (n *Apply) Outputs() []*Variable {
	return n.outputs
}

// Output returns the ith output.
func (n *Apply) Output(i int) *Variable {
	return n.outputs[i]
}

// Out returns the output of a node with a single output.
func (n *Apply) Out() *Variable {
	if len(n.outputs) != 1 {
		panic(fmt.Sprintf("%s has %d outputs", n.op, len(n.outputs)))
	}
	return n.outputs[0]
}

// OutputTypes returns the type of each output.
func (n *Apply) OutputTypes() []Type {
	types := make([]Type, len(n.outputs))
	for i, out := range n.outputs {
		types[i] = out.typ
	}
	return types
}

// CloneWithNewInputs returns a copy of the node applied to new inputs.
// If the input types are unchanged, the operator and output types are
// reused. Otherwise, the operator builds the node again.
func (n *Apply) CloneWithNewInputs(inputs []*Variable) (*Apply, error) {
	if len(inputs) != len(n.inputs) {
		return nil, errors.Errorf("cannot clone %s: got %d inputs but want %d", n, len(inputs), len(n.inputs))
	}
	sameTypes := true
	for i, in := range inputs {
		if !in.typ.Equal(n.inputs[i].typ) {
			sameTypes = false
			break
		}
	}
	if !sameTypes {
		return n.op.MakeNode(inputs...)
	}
	clone := NewApply(n.op, inputs, n.OutputTypes()...)
	for i, out := range n.outputs {
		clone.outputs[i].name = out.name
	}
	return clone, nil
}

func (n *Apply) String() string {
	ins := make([]string, len(n.inputs))
	for i, in := range n.inputs {
		ins[i] = in.String()
	}
	return fmt.Sprintf("%s(%s)", n.op, strings.Join(ins, ", "))
}

// Cell is a storage slot holding the runtime value of a variable.
type Cell struct {
	Value any
}

// Empty returns true if the cell holds no value.
func (c *Cell) Empty() bool {
	return c.Value == nil
}

// Clear the content of the cell.
func (c *Cell) Clear() {
	c.Value = nil
}
