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

// Package builders provides operators defined by a graph.
package builders

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gx-org/gxflow/compile"
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/rewrite"
	"github.com/pkg/errors"
)

var lastID atomic.Uint64

type (
	// OpFromGraph is an operator computing the outputs of a graph given
	// its inputs. The graph is compiled when the operator is created.
	OpFromGraph struct {
		id      uint64
		name    string
		inline  bool
		inputs  []*ir.Variable
		outputs []*ir.Variable

		mut sync.Mutex
		fn  *compile.Function
	}

	options struct {
		name    string
		inline  bool
		compile []compile.Option
	}

	// Option configures an operator built from a graph.
	Option func(*options)
)

var (
	_ ir.Op                  = (*OpFromGraph)(nil)
	_ ir.ConnectionPatterner = (*OpFromGraph)(nil)
)

// WithName sets the name of the operator.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithInline replaces the nodes of the operator by a copy of its graph
// when compiling a function using the operator.
func WithInline() Option {
	return func(o *options) {
		o.inline = true
	}
}

// WithCompileOptions sets the options used to compile the graph of the operator.
func WithCompileOptions(opts ...compile.Option) Option {
	return func(o *options) {
		o.compile = append(o.compile, opts...)
	}
}

// New returns an operator computing outputs given inputs.
// All the free variables of the outputs must be inputs.
func New(ctx context.Context, inputs, outputs []*ir.Variable, opts ...Option) (*OpFromGraph, error) {
	o := options{name: "OpFromGraph"}
	for _, opt := range opts {
		opt(&o)
	}
	if len(outputs) == 0 {
		return nil, errors.Errorf("%s: no outputs", o.name)
	}
	ins, outs, _, err := ir.Clone(inputs, outputs, true)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", o.name)
	}
	cins := make([]compile.In, len(ins))
	for i, in := range ins {
		cins[i] = compile.In{Variable: in}
	}
	fn, err := compile.Compile(ctx, cins, outs, o.compile...)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", o.name)
	}
	return &OpFromGraph{
		id:      lastID.Add(1),
		name:    o.name,
		inline:  o.inline,
		inputs:  ins,
		outputs: outs,
		fn:      fn,
	}, nil
}

// Inputs returns the inputs of the graph of the operator.
func (op *OpFromGraph) Inputs() []*ir.Variable {
	return op.inputs
}

// Outputs returns the outputs of the graph of the operator.
func (op *OpFromGraph) Outputs() []*ir.Variable {
	return op.outputs
}

// Inline returns true if the operator is replaced by its graph when compiled.
func (op *OpFromGraph) Inline() bool {
	return op.inline
}

// MakeNode returns a node applying the operator.
func (op *OpFromGraph) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	want := make([]ir.Type, len(op.inputs))
	for i, in := range op.inputs {
		want[i] = in.Type()
	}
	if err := ir.CheckInputTypes(op, inputs, want...); err != nil {
		return nil, err
	}
	types := make([]ir.Type, len(op.outputs))
	for i, out := range op.outputs {
		types[i] = out.Type()
	}
	return ir.NewApply(op, inputs, types...), nil
}

// Perform calls the compiled graph of the operator.
func (op *OpFromGraph) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	op.mut.Lock()
	defer op.mut.Unlock()
	results, err := op.fn.Call(inputs...)
	if err != nil {
		return errors.Wrapf(err, "%s", op)
	}
	for i, res := range results {
		outputs[i].Value = res
	}
	return nil
}

// ConnectionPattern returns which outputs of the graph depend on which inputs.
func (op *OpFromGraph) ConnectionPattern(node *ir.Apply) [][]bool {
	pattern := make([][]bool, len(op.inputs))
	for i := range pattern {
		pattern[i] = make([]bool, len(op.outputs))
	}
	index := make(map[*ir.Variable]int, len(op.inputs))
	for i, in := range op.inputs {
		index[in] = i
	}
	for j, out := range op.outputs {
		for _, v := range ir.GraphInputs([]*ir.Variable{out}, op.inputs...) {
			if i, ok := index[v]; ok {
				pattern[i][j] = true
			}
		}
	}
	return pattern
}

// expand returns a copy of the graph of the operator applied to inputs.
func (op *OpFromGraph) expand(inputs []*ir.Variable) ([]*ir.Variable, error) {
	ins, outs, _, err := ir.Clone(op.inputs, op.outputs, true)
	if err != nil {
		return nil, err
	}
	replace := make(map[*ir.Variable]*ir.Variable, len(ins))
	for i, in := range ins {
		replace[in] = inputs[i]
	}
	return ir.CloneReplace(outs, replace)
}

func (op *OpFromGraph) String() string {
	return fmt.Sprintf("%s#%d", op.name, op.id)
}

func isInline(op ir.Op) bool {
	ofg, ok := op.(*OpFromGraph)
	return ok && ofg.inline
}

// InlineOpFromGraph replaces the nodes of inline operators by their graph.
var InlineOpFromGraph = rewrite.LocalFunc("inline_op_from_graph", isInline, func(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	return node.Op().(*OpFromGraph).expand(node.Inputs())
})

func init() {
	compile.Canonicalize.MustRegister(InlineOpFromGraph.Name(), InlineOpFromGraph, 0, compile.TagFastRun, compile.TagFastCompile)
}
