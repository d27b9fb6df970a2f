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

package vm

import (
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/link"
	"github.com/pkg/errors"
)

// state of a node during a lazy call.
type state int

const (
	pending state = iota
	inputsRequested
	ready
	done
)

// VM executes the thunks of a program.
// A VM is not safe for concurrent calls.
type VM struct {
	program  *link.Program
	position map[*ir.Apply]int
	lazy     bool
	partial  bool
	allowGC  bool
	callback Callback
	updates  []Update
	calls    []int

	// Variables kept after a call: inputs, outputs and constants.
	kept map[*ir.Variable]bool
	// Variables released after the node at a given position in the strict loop.
	release [][]*ir.Variable
	// Nodes consuming a variable.
	consumers map[*ir.Variable][]*ir.Apply
	// Variables cleared at the end of a call when garbage collection is enabled.
	intermediates []*ir.Variable
}

var _ link.Runner = (*VM)(nil)

func newVM(p *link.Program, l *Linker, lazy bool) *VM {
	vm := &VM{
		program:   p,
		position:  make(map[*ir.Apply]int, len(p.Order)),
		lazy:      lazy,
		partial:   l.AllowPartialEval,
		allowGC:   l.AllowGC,
		callback:  l.Callback,
		updates:   append([]Update{}, l.Updates...),
		calls:     make([]int, len(p.Order)),
		kept:      make(map[*ir.Variable]bool),
		consumers: make(map[*ir.Variable][]*ir.Apply),
	}
	for i, node := range p.Order {
		vm.position[node] = i
	}
	for _, v := range p.Graph.Variables() {
		if p.IsKept(v) {
			vm.kept[v] = true
		} else {
			vm.intermediates = append(vm.intermediates, v)
		}
		for _, c := range p.Graph.Clients(v) {
			if c.Node != nil {
				vm.consumers[v] = append(vm.consumers[v], c.Node)
			}
		}
	}
	vm.release = releaseCells(p)
	return vm
}

// releaseCells returns, for every position of the schedule, the variables
// to clear once the node at that position has been executed. Variables
// sharing a cell are released together after the last use of the cell.
func releaseCells(p *link.Program) [][]*ir.Variable {
	dead := p.DeadAfter()
	last := make(map[*ir.Cell]int)
	for i, vars := range dead {
		for _, v := range vars {
			last[p.Storage[v]] = i
		}
	}
	release := make([][]*ir.Variable, len(dead))
	for _, vars := range dead {
		for _, v := range vars {
			i := last[p.Storage[v]]
			release[i] = append(release[i], v)
		}
	}
	return release
}

// AllowGC returns true if intermediate values are cleared during a call.
func (vm *VM) AllowGC() bool {
	return vm.allowGC
}

// SetAllowGC enables or disables the garbage collection of intermediate values.
func (vm *VM) SetAllowGC(allow bool) {
	vm.allowGC = allow
}

// Lazy returns true if the virtual machine evaluates lazy nodes lazily.
func (vm *VM) Lazy() bool {
	return vm.lazy
}

// Storage returns the cells of all the variables.
func (vm *VM) Storage() link.StorageMap {
	return vm.program.Storage
}

// Thunks returns the thunks in execution order.
func (vm *VM) Thunks() []*link.Thunk {
	return vm.program.Thunks
}

// Nodes returns the nodes in execution order.
func (vm *VM) Nodes() []*ir.Apply {
	return vm.program.Order
}

// Calls returns the number of times every thunk has been called.
func (vm *VM) Calls() []int {
	return append([]int{}, vm.calls...)
}

// Run computes the outputs of the program.
// A nil output subset computes all the outputs.
// Outputs updating inputs are always computed.
func (vm *VM) Run(outputSubset []int) error {
	requested, err := vm.requested(outputSubset)
	if err != nil {
		return err
	}
	vm.program.ResetCompute()
	if vm.lazy {
		err = vm.runStack(requested)
	} else {
		err = vm.runLoop(requested, outputSubset == nil)
	}
	if err != nil {
		return err
	}
	vm.applyUpdates()
	if vm.allowGC {
		vm.sweep()
	}
	return nil
}

func (vm *VM) requested(outputSubset []int) ([]*ir.Variable, error) {
	outputs := vm.program.Graph.Outputs()
	if outputSubset == nil {
		return outputs, nil
	}
	if !vm.partial {
		return nil, errors.Errorf("partial evaluation is disabled")
	}
	requested := make([]*ir.Variable, 0, len(outputSubset)+len(vm.updates))
	for _, i := range outputSubset {
		if i < 0 || i >= len(outputs) {
			return nil, errors.Errorf("output %d out of range [0, %d)", i, len(outputs))
		}
		requested = append(requested, outputs[i])
	}
	for _, u := range vm.updates {
		requested = append(requested, outputs[u.Output])
	}
	return requested, nil
}

// closure returns the nodes required to compute a set of variables.
func (vm *VM) closure(vars []*ir.Variable) map[*ir.Apply]bool {
	nodes := make(map[*ir.Apply]bool)
	stack := append([]*ir.Variable{}, vars...)
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		owner := v.Owner()
		if _, ok := vm.position[owner]; !ok || nodes[owner] {
			continue
		}
		nodes[owner] = true
		stack = append(stack, owner.Inputs()...)
	}
	return nodes
}

// call executes the thunk at position i. If inputs is nil, the thunk
// reads its inputs from storage.
func (vm *VM) call(i int, inputs []any) error {
	p := vm.program
	thunk := p.Thunks[i]
	var err error
	if inputs == nil {
		err = thunk.Call()
	} else {
		err = thunk.Perform(inputs)
	}
	node := thunk.Node()
	if err != nil {
		return &link.NodeError{Node: node, Position: i, Err: err}
	}
	vm.calls[i]++
	for _, out := range node.Outputs() {
		p.Compute[out] = true
	}
	if vm.callback != nil {
		vm.callback(node, thunk, p.Storage, p.Compute)
	}
	return nil
}

func (vm *VM) clear(v *ir.Variable) {
	vm.program.Storage[v].Clear()
	vm.program.Compute[v] = false
}

// runLoop executes the thunks in schedule order.
func (vm *VM) runLoop(requested []*ir.Variable, all bool) error {
	var closure map[*ir.Apply]bool
	if !all {
		closure = vm.closure(requested)
	}
	for i, node := range vm.program.Order {
		if closure != nil && !closure[node] {
			continue
		}
		if err := vm.call(i, nil); err != nil {
			return err
		}
		if !vm.allowGC {
			continue
		}
		for _, v := range vm.release[i] {
			vm.clear(v)
		}
	}
	return nil
}

// runStack executes the nodes required to compute the requested
// variables, asking lazy nodes which inputs they need.
func (vm *VM) runStack(requested []*ir.Variable) error {
	p := vm.program
	states := make([]state, len(p.Order))
	wanted := make(map[*ir.Variable]bool, len(requested))
	var stack []int
	push := func(v *ir.Variable) error {
		if p.Compute[v] {
			return nil
		}
		i, ok := vm.position[v.Owner()]
		if !ok {
			return errors.Errorf("%s has not been computed and no node computes it", v)
		}
		if states[i] == done {
			return errors.Errorf("%s has been released before all its consumers have been executed", v)
		}
		stack = append(stack, i)
		return nil
	}
	for k := len(requested) - 1; k >= 0; k-- {
		wanted[requested[k]] = true
		if err := push(requested[k]); err != nil {
			return err
		}
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		if states[i] == done {
			stack = stack[:len(stack)-1]
			continue
		}
		node := p.Order[i]
		needed, err := vm.neededInputs(i, states, wanted)
		if err != nil {
			return &link.NodeError{Node: node, Position: i, Err: err}
		}
		var missing []*ir.Variable
		for _, k := range needed {
			if in := node.Input(k); !p.Compute[in] {
				missing = append(missing, in)
			}
		}
		if len(missing) > 0 {
			states[i] = inputsRequested
			for k := len(missing) - 1; k >= 0; k-- {
				if err := push(missing[k]); err != nil {
					return &link.NodeError{Node: node, Position: i, Err: err}
				}
			}
			continue
		}
		stack = stack[:len(stack)-1]
		states[i] = ready
		if err := vm.call(i, vm.lazyInputs(node)); err != nil {
			return err
		}
		states[i] = done
		if vm.allowGC {
			vm.collect(node, states)
		}
	}
	return nil
}

// neededInputs returns the indices of the inputs required by the node
// at position i before it can be executed.
func (vm *VM) neededInputs(i int, states []state, wanted map[*ir.Variable]bool) ([]int, error) {
	node := vm.program.Order[i]
	lazyOp, ok := node.Op().(ir.LazyOp)
	if !ok {
		all := make([]int, len(node.Inputs()))
		for k := range all {
			all[k] = k
		}
		return all, nil
	}
	p := vm.program
	st := ir.LazyState{
		Inputs:    make([]any, len(node.Inputs())),
		Computed:  make([]bool, len(node.Inputs())),
		Requested: make([]bool, len(node.Outputs())),
	}
	for k, in := range node.Inputs() {
		if p.Compute[in] {
			st.Computed[k] = true
			st.Inputs[k] = p.Storage[in].Value
		}
	}
	for k, out := range node.Outputs() {
		st.Requested[k] = wanted[out] || vm.isRequested(out, states)
	}
	needed, err := lazyOp.NeededInputs(node, st)
	if err != nil {
		return nil, err
	}
	for _, k := range needed {
		if k < 0 || k >= len(node.Inputs()) {
			return nil, errors.Errorf("needed input %d out of range [0, %d)", k, len(node.Inputs()))
		}
	}
	return needed, nil
}

// isRequested returns true if a node waiting for its inputs consumes v.
func (vm *VM) isRequested(v *ir.Variable, states []state) bool {
	for _, c := range vm.consumers[v] {
		if s := states[vm.position[c]]; s == inputsRequested || s == ready {
			return true
		}
	}
	return false
}

// lazyInputs returns the input values of a lazy node, nil for inputs not
// computed during this call. It returns nil for strict nodes.
func (vm *VM) lazyInputs(node *ir.Apply) []any {
	if !ir.IsLazy(node) {
		return nil
	}
	p := vm.program
	inputs := make([]any, len(node.Inputs()))
	for k, in := range node.Inputs() {
		if p.Compute[in] {
			inputs[k] = p.Storage[in].Value
		}
	}
	return inputs
}

// collect clears the inputs of a node once all their consumers have been executed.
func (vm *VM) collect(node *ir.Apply, states []state) {
	for _, v := range node.Inputs() {
		if vm.kept[v] || !vm.program.Compute[v] {
			continue
		}
		alive := false
		for _, c := range vm.consumers[v] {
			if states[vm.position[c]] != done {
				alive = true
				break
			}
		}
		if !alive {
			vm.clear(v)
		}
	}
}

func (vm *VM) applyUpdates() {
	if len(vm.updates) == 0 {
		return
	}
	p := vm.program
	g := p.Graph
	values := make([]any, len(vm.updates))
	for i, u := range vm.updates {
		values[i] = p.Storage[g.Outputs()[u.Output]].Value
	}
	for i, u := range vm.updates {
		p.Storage[g.Inputs()[u.Input]].Value = values[i]
	}
}

// sweep clears all the intermediate values at the end of a call.
func (vm *VM) sweep() {
	for _, v := range vm.intermediates {
		vm.clear(v)
	}
}
