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

import (
	"github.com/pkg/errors"
)

// CycleError is returned when a walk finds a cycle in a graph.
type CycleError struct {
	Node *Apply
}

func (err *CycleError) Error() string {
	return "graph contains a cycle through " + err.Node.String()
}

func blockerSet(vars []*Variable) map[*Variable]bool {
	set := make(map[*Variable]bool, len(vars))
	for _, v := range vars {
		set[v] = true
	}
	return set
}

// Ancestors returns all the variables on which the outputs depend,
// including the outputs themselves. The walk stops at blockers.
// Variables are returned in depth-first order.
func Ancestors(outputs []*Variable, blockers ...*Variable) []*Variable {
	stop := blockerSet(blockers)
	seen := make(map[*Variable]bool)
	var all []*Variable
	stack := append([]*Variable{}, outputs...)
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[v] {
			continue
		}
		seen[v] = true
		all = append(all, v)
		if v.owner == nil || stop[v] {
			continue
		}
		ins := v.owner.inputs
		for i := len(ins) - 1; i >= 0; i-- {
			stack = append(stack, ins[i])
		}
	}
	return all
}

// GraphInputs returns the variables without owner on which the outputs
// depend, constants included.
func GraphInputs(outputs []*Variable, blockers ...*Variable) []*Variable {
	stop := blockerSet(blockers)
	var inputs []*Variable
	for _, v := range Ancestors(outputs, blockers...) {
		if v.owner == nil || stop[v] {
			inputs = append(inputs, v)
		}
	}
	return inputs
}

// IOToposort returns the nodes between inputs and outputs such that
// every node comes after the nodes computing its inputs.
// The order only depends on the order of the outputs and of the node inputs.
func IOToposort(inputs, outputs []*Variable) ([]*Apply, error) {
	const (
		visiting = 1
		done     = 2
	)
	stop := blockerSet(inputs)
	state := make(map[*Apply]int)
	var order []*Apply
	type frame struct {
		node *Apply
		next int
	}
	for _, out := range outputs {
		if out.owner == nil || stop[out] || state[out.owner] == done {
			continue
		}
		stack := []frame{{node: out.owner}}
		state[out.owner] = visiting
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next == len(top.node.inputs) {
				state[top.node] = done
				order = append(order, top.node)
				stack = stack[:len(stack)-1]
				continue
			}
			in := top.node.inputs[top.next]
			top.next++
			if in.owner == nil || stop[in] {
				continue
			}
			switch state[in.owner] {
			case done:
				continue
			case visiting:
				return nil, &CycleError{Node: in.owner}
			}
			state[in.owner] = visiting
			stack = append(stack, frame{node: in.owner})
		}
	}
	return order, nil
}

// Clone copies the graph between inputs and outputs.
// If copyInputs is false, the inputs of the new graph are the same
// variables as the original graph. Constants are always shared.
// The returned map maps every variable of the original graph to its copy.
func Clone(inputs, outputs []*Variable, copyInputs bool) (newInputs, newOutputs []*Variable, memo map[*Variable]*Variable, err error) {
	memo = make(map[*Variable]*Variable)
	newInputs = make([]*Variable, len(inputs))
	for i, in := range inputs {
		cl := in
		if copyInputs {
			cl = in.Clone()
		}
		memo[in] = cl
		newInputs[i] = cl
	}
	if err = cloneInto(memo, inputs, outputs); err != nil {
		return
	}
	newOutputs = make([]*Variable, len(outputs))
	for i, out := range outputs {
		newOutputs[i] = memo[out]
	}
	return
}

// CloneReplace copies the graph computing outputs, substituting the
// variables in replace. Nodes not depending on a replaced variable are
// shared with the original graph.
func CloneReplace(outputs []*Variable, replace map[*Variable]*Variable) ([]*Variable, error) {
	blockers := make([]*Variable, 0, len(replace))
	for old, new := range replace {
		if !old.typ.Equal(new.typ) {
			return nil, errors.Errorf("cannot replace %s of type %s with %s of type %s", old, old.typ, new, new.typ)
		}
		blockers = append(blockers, old)
	}
	order, err := IOToposort(blockers, outputs)
	if err != nil {
		return nil, err
	}
	memo := make(map[*Variable]*Variable, len(replace))
	for old, new := range replace {
		memo[old] = new
	}
	lookup := func(v *Variable) *Variable {
		if cl, ok := memo[v]; ok {
			return cl
		}
		return v
	}
	for _, node := range order {
		changed := false
		ins := make([]*Variable, len(node.inputs))
		for i, in := range node.inputs {
			ins[i] = lookup(in)
			changed = changed || ins[i] != in
		}
		if !changed {
			continue
		}
		clone, err := node.CloneWithNewInputs(ins)
		if err != nil {
			return nil, err
		}
		for i, out := range node.outputs {
			memo[out] = clone.outputs[i]
		}
	}
	newOutputs := make([]*Variable, len(outputs))
	for i, out := range outputs {
		newOutputs[i] = lookup(out)
	}
	return newOutputs, nil
}

func cloneInto(memo map[*Variable]*Variable, inputs, outputs []*Variable) error {
	order, err := IOToposort(inputs, outputs)
	if err != nil {
		return err
	}
	lookup := func(v *Variable) *Variable {
		if cl, ok := memo[v]; ok {
			return cl
		}
		// Orphans and constants are shared with the original graph.
		memo[v] = v
		return v
	}
	for _, node := range order {
		ins := make([]*Variable, len(node.inputs))
		for i, in := range node.inputs {
			ins[i] = lookup(in)
		}
		clone, err := node.CloneWithNewInputs(ins)
		if err != nil {
			return err
		}
		for i, out := range node.outputs {
			memo[out] = clone.outputs[i]
		}
	}
	for _, out := range outputs {
		lookup(out)
	}
	return nil
}
