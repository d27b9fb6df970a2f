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

package ir

type (
	// Dim is the length of an axis. A negative value denotes a symbolic
	// length: two symbolic dimensions with the same value are equal.
	Dim int64

	// Shape is the list of axis lengths of a value.
	Shape []Dim

	// ValueShaper is implemented by types able to return the shape of
	// one of their values. It is used to get the shape of constants.
	ValueShaper interface {
		ValueShape(v any) (Shape, bool)
	}

	// ShapeInferer computes the shapes of the outputs of a node given
	// the shapes of its inputs.
	ShapeInferer interface {
		InferShape(node *Apply, inputShapes []Shape) ([]Shape, error)
	}

	// Gradient builds the symbolic gradient of a node with respect to
	// its inputs given the gradients of its outputs.
	// An input gradient can be a variable built by Disconnected or NullGrad.
	Gradient interface {
		Grad(node *Apply, outputGrads []*Variable) ([]*Variable, error)
	}

	// ROperator builds the directional derivative of the outputs of a
	// node given evaluation points for its inputs.
	ROperator interface {
		ROp(node *Apply, evalPoints []*Variable) ([]*Variable, error)
	}

	// ConnectionPatterner overrides the default assumption that every
	// output of a node depends on every input.
	// ConnectionPattern returns a matrix [input][output].
	ConnectionPatterner interface {
		ConnectionPattern(node *Apply) [][]bool
	}

	// LazyState is the state of a lazy node as seen by the execution engine.
	LazyState struct {
		// Inputs holds the value of every input already computed.
		Inputs []any
		// Computed is true for every input already computed.
		Computed []bool
		// Requested is true for every output required downstream.
		Requested []bool
	}

	// LazyOp is an operator able to skip the evaluation of some of its inputs.
	LazyOp interface {
		Op

		// NeededInputs returns the indices of the inputs required before
		// the node can be performed. Inputs not returned, and not yet
		// computed, are passed as nil to Perform.
		// The engine calls NeededInputs again once the returned inputs
		// have been computed: the node is performed when all the needed
		// inputs are computed.
		NeededInputs(node *Apply, st LazyState) ([]int, error)
	}

	// Destroyer is implemented by operators overwriting some of their
	// inputs in place.
	// DestroyMap maps an output index to the input indices it overwrites.
	Destroyer interface {
		DestroyMap() map[int][]int
	}

	// Viewer is implemented by operators returning some of their inputs
	// without copying them.
	// ViewMap maps an output index to the input indices it may alias.
	Viewer interface {
		ViewMap() map[int][]int
	}

	// SideEffecter is implemented by operators with effects other than
	// computing their outputs. Such operators are never folded away.
	SideEffecter interface {
		HasSideEffects() bool
	}

	// ThunkMaker is implemented by operators providing a specialized
	// implementation (e.g. natively compiled) instead of Perform.
	// MakeThunk returns a nil function to fall back to Perform.
	ThunkMaker interface {
		MakeThunk(node *Apply, inputs, outputs []*Cell) (func() error, error)
	}
)

// Known returns true if the length of the axis is known.
func (d Dim) Known() bool {
	return d >= 0
}

// Equal returns true if both shapes have the same axis lengths.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i, d := range s {
		if d != other[i] {
			return false
		}
	}
	return true
}

// Capability returns the operator as a T if the operator implements T.
func Capability[T any](op Op) (T, bool) {
	t, ok := op.(T)
	return t, ok
}

// IsLazy returns true if the node can skip evaluating some of its inputs.
func IsLazy(node *Apply) bool {
	_, ok := Capability[LazyOp](node.op)
	return ok
}

// HasSideEffects returns true if the operator of the node declares side effects.
func HasSideEffects(node *Apply) bool {
	se, ok := Capability[SideEffecter](node.op)
	return ok && se.HasSideEffects()
}

// DestroyedInputs returns the indices of the inputs overwritten by the node.
func DestroyedInputs(node *Apply) []int {
	d, ok := Capability[Destroyer](node.op)
	if !ok {
		return nil
	}
	var destroyed []int
	for _, ins := range d.DestroyMap() {
		destroyed = append(destroyed, ins...)
	}
	return destroyed
}

// ViewedInputs returns the indices of the inputs the output of a node at
// index out may return without a copy.
func ViewedInputs(node *Apply, out int) []int {
	v, ok := Capability[Viewer](node.op)
	if !ok {
		return nil
	}
	return v.ViewMap()[out]
}

// AliasedInputs returns the indices of the inputs the output of a node at
// index out may share its value with, either because the operator returns
// the input as is or because it overwrites the input.
func AliasedInputs(node *Apply, out int) []int {
	aliased := append([]int{}, ViewedInputs(node, out)...)
	if d, ok := Capability[Destroyer](node.op); ok {
		aliased = append(aliased, d.DestroyMap()[out]...)
	}
	return aliased
}

// IsView returns true if v may be one of the inputs of its owner.
func IsView(v *Variable) bool {
	return v.owner != nil && len(ViewedInputs(v.owner, v.index)) > 0
}

// ViewRoots returns the variables v may be: v itself if v is not a view,
// else the roots of the inputs v views.
func ViewRoots(v *Variable) []*Variable {
	return roots(v, ViewedInputs)
}

// AliasRoots returns the variables owning the value v may share, following
// both the views and the destroyed inputs of the owners.
func AliasRoots(v *Variable) []*Variable {
	return roots(v, AliasedInputs)
}

func roots(v *Variable, follow func(*Apply, int) []int) []*Variable {
	var found []*Variable
	seen := make(map[*Variable]bool)
	stack := []*Variable{v}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[v] {
			continue
		}
		seen[v] = true
		var ins []int
		if v.owner != nil {
			ins = follow(v.owner, v.index)
		}
		if len(ins) == 0 {
			found = append(found, v)
			continue
		}
		for _, i := range ins {
			stack = append(stack, v.owner.inputs[i])
		}
	}
	return found
}

// ConnectionPattern returns the connection pattern of a node.
// By default, all outputs are connected to all inputs.
func ConnectionPattern(node *Apply) [][]bool {
	if cp, ok := Capability[ConnectionPatterner](node.op); ok {
		return cp.ConnectionPattern(node)
	}
	pattern := make([][]bool, len(node.inputs))
	for i := range pattern {
		pattern[i] = make([]bool, len(node.outputs))
		for j := range pattern[i] {
			pattern[i][j] = true
		}
	}
	return pattern
}
