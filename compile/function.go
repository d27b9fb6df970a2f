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
	"context"
	"fmt"
	"time"

	"github.com/gx-org/gxflow/compile/compilelock"
	"github.com/gx-org/gxflow/graph/features"
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/graph/printing"
	"github.com/gx-org/gxflow/link"
	"github.com/gx-org/gxflow/link/vm"
	"github.com/gx-org/gxflow/rewrite"
	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	// In describes an input of a compiled function.
	In struct {
		// Variable of the graph bound to the input.
		Variable *ir.Variable
		// Name of the input. The name of the variable is used if empty.
		Name string
		// Value is the default value of an explicit input or the initial
		// value of an input with an update.
		Value any
		// Mutable lets the function overwrite the value passed as argument.
		Mutable bool
		// Update, if not nil, computes the value of the input for the next
		// call. An input with an update is not passed as argument: its value
		// is kept by the function between calls.
		Update *ir.Variable
	}

	// Update computes the value of a shared variable for the next call.
	Update struct {
		Shared *Shared
		Expr   *ir.Variable
	}

	// Function is a compiled graph.
	// A function is not safe for concurrent calls.
	Function struct {
		graph   *fgraph.Graph
		program *link.Program
		vm      *vm.VM
		logger  *zap.Logger

		// Explicit inputs, in argument order, followed by stateful inputs.
		ins      []In
		explicit int
		// Number of outputs returned to the caller.
		outputs int
		stats   *rewrite.Stats
	}
)

func (in In) name() string {
	if in.Name != "" {
		return in.Name
	}
	return in.Variable.String()
}

func (in In) stateful() bool {
	return in.Update != nil
}

func checkInputs(ins []In) ([]In, error) {
	checked := make([]In, len(ins))
	seen := make(map[*ir.Variable]bool, len(ins))
	names := make(map[string]bool, len(ins))
	for i, in := range ins {
		if in.Variable == nil {
			return nil, errors.Errorf("input %d has no variable", i)
		}
		if in.Variable.IsConstant() || in.Variable.Owner() != nil {
			return nil, errors.Errorf("input %d (%s) is not a free variable", i, in.Variable)
		}
		if seen[in.Variable] {
			return nil, errors.Errorf("input %d (%s) is declared more than once", i, in.Variable)
		}
		seen[in.Variable] = true
		name := in.name()
		if names[name] {
			return nil, errors.Errorf("input %d: name %q is already used", i, name)
		}
		names[name] = true
		if in.stateful() {
			if in.Value == nil {
				return nil, errors.Errorf("input %s has an update but no initial value", in.name())
			}
			if !in.Update.Type().Equal(in.Variable.Type()) {
				return nil, errors.Errorf("cannot update input %s of type %s with %s of type %s", in.name(), in.Variable.Type(), in.Update, in.Update.Type())
			}
		}
		if in.Value != nil {
			value, err := in.Variable.Type().Filter(in.Value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid value of input %s", in.name())
			}
			in.Value = value
		}
		checked[i] = in
	}
	return checked, nil
}

// sharedVars returns the shared variables declared with options or updated
// by the function, in declaration order.
func (o *options) sharedVars() ([]*Shared, error) {
	var all []*Shared
	seen := make(map[*Shared]bool)
	add := func(s *Shared) {
		if !seen[s] {
			seen[s] = true
			all = append(all, s)
		}
	}
	for i, s := range o.shared {
		if s == nil {
			return nil, errors.Errorf("shared variable %d is nil", i)
		}
		add(s)
	}
	updated := make(map[*Shared]bool)
	for i, u := range o.updates {
		if u.Shared == nil || u.Expr == nil {
			return nil, errors.Errorf("update %d has no shared variable or no expression", i)
		}
		if updated[u.Shared] {
			return nil, errors.Errorf("shared variable %s is updated more than once", u.Shared)
		}
		updated[u.Shared] = true
		if !u.Expr.Type().Equal(u.Shared.variable.Type()) {
			return nil, errors.Errorf("cannot update shared variable %s of type %s with %s of type %s", u.Shared, u.Shared.variable.Type(), u.Expr, u.Expr.Type())
		}
		add(u.Shared)
	}
	return all, nil
}

// layout of the graph of a function: explicit inputs, stateful inputs and
// shared variables as inputs; user outputs followed by the expressions
// updating the stateful inputs and the shared variables as outputs.
type layout struct {
	ins     []In
	shared  []*Shared
	inputs  []*ir.Variable
	outputs []*ir.Variable
	updates []vm.Update
	// Cells of the stateful inputs and of the shared variables.
	cells []*ir.Cell
}

func newLayout(ins []In, outputs []*ir.Variable, o *options) (*layout, error) {
	for i, out := range outputs {
		if out == nil {
			return nil, errors.Errorf("output %d is nil", i)
		}
	}
	checked, err := checkInputs(ins)
	if err != nil {
		return nil, err
	}
	shared, err := o.sharedVars()
	if err != nil {
		return nil, err
	}
	l := &layout{outputs: append([]*ir.Variable{}, outputs...)}
	for _, in := range checked {
		if !in.stateful() {
			l.ins = append(l.ins, in)
			l.inputs = append(l.inputs, in.Variable)
		}
	}
	for _, in := range checked {
		if !in.stateful() {
			continue
		}
		l.updates = append(l.updates, vm.Update{Output: len(l.outputs), Input: len(l.inputs)})
		l.ins = append(l.ins, in)
		l.inputs = append(l.inputs, in.Variable)
		l.outputs = append(l.outputs, in.Update)
		l.cells = append(l.cells, &ir.Cell{Value: in.Value})
	}
	inputIndex := make(map[*ir.Variable]int)
	for _, s := range shared {
		if containsVar(l.inputs, s.variable) {
			return nil, errors.Errorf("shared variable %s is also declared as an input", s)
		}
		inputIndex[s.variable] = len(l.inputs)
		l.shared = append(l.shared, s)
		l.inputs = append(l.inputs, s.variable)
		l.cells = append(l.cells, s.cell)
	}
	for _, u := range o.updates {
		l.updates = append(l.updates, vm.Update{Output: len(l.outputs), Input: inputIndex[u.Shared.variable]})
		l.outputs = append(l.outputs, u.Expr)
	}
	for _, v := range ir.GraphInputs(l.outputs, l.inputs...) {
		if !v.IsConstant() && !containsVar(l.inputs, v) {
			return nil, &fgraph.MissingInputError{Variable: v}
		}
	}
	return l, nil
}

func containsVar(vars []*ir.Variable, v *ir.Variable) bool {
	for _, w := range vars {
		if w == v {
			return true
		}
	}
	return false
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Compile a function computing outputs given its inputs.
//
// The graph between the inputs and the outputs is copied and rewritten
// with the rewrites of OptDB selected by the mode of the compilation.
// The rewritten graph is then linked into a program executed by a
// virtual machine.
func Compile(ctx context.Context, ins []In, outputs []*ir.Variable, opts ...Option) (_ *Function, err error) {
	o := newOptions(opts)
	tracer := o.tracer()
	ctx, span := tracer.Start(ctx, "compile", trace.WithAttributes(
		attribute.String("mode", o.mode.Name),
		attribute.Int("inputs", len(ins)),
		attribute.Int("outputs", len(outputs)),
	))
	defer func() { endSpan(span, err) }()

	l, err := newLayout(ins, outputs, o)
	if err != nil {
		return nil, err
	}
	g, err := newGraph(l, o)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := rewriteGraph(ctx, tracer, g, o); err != nil {
		return nil, err
	}
	if err := guardOutputs(g); err != nil {
		return nil, err
	}
	rewriteTime := time.Since(start)
	if ce := o.logger.Check(zap.DebugLevel, "rewritten graph"); ce != nil {
		ce.Write(zap.String("graph", printing.Graph(g)))
	}

	start = time.Now()
	var p *link.Program
	linkGraph := func(ctx context.Context) error {
		_, span := tracer.Start(ctx, "link")
		var err error
		p, err = newLinker(l, g, o).MakeAll(g)
		endSpan(span, err)
		return err
	}
	if o.lockDir != "" {
		err = compilelock.Do(ctx, o.lockDir, linkGraph, append([]compilelock.Option{compilelock.WithLogger(o.logger)}, o.lockOpts...)...)
	} else {
		err = linkGraph(ctx)
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("nodes", g.NumNodes()), attribute.Int("rewrites", o.stats.Total()))
	o.logger.Debug("compiled function",
		zap.String("mode", o.mode.Name),
		zap.Int("nodes", g.NumNodes()),
		zap.Duration("rewrite", rewriteTime),
		zap.Duration("link", time.Since(start)),
		zap.Object("stats", o.stats),
	)
	return &Function{
		graph:    g,
		program:  p,
		vm:       p.Runner.(*vm.VM),
		logger:   o.logger,
		ins:      l.ins,
		explicit: len(l.ins) - countStateful(l.ins),
		outputs:  len(outputs),
		stats:    o.stats,
	}, nil
}

func countStateful(ins []In) int {
	n := 0
	for _, in := range ins {
		if in.stateful() {
			n++
		}
	}
	return n
}

// newGraph copies the graph of the layout into a function graph.
// Only the explicit inputs declared as mutable can be destroyed.
func newGraph(l *layout, o *options) (*fgraph.Graph, error) {
	inputs, outputs, _, err := ir.Clone(l.inputs, l.outputs, true)
	if err != nil {
		return nil, err
	}
	var mutable []*ir.Variable
	for i, in := range l.ins {
		if in.Mutable && !in.stateful() {
			mutable = append(mutable, inputs[i])
		}
	}
	return fgraph.New(inputs, outputs,
		fgraph.WithFeatures(features.NewShapeFeature(), features.NewDestroyChecker(mutable...)),
		fgraph.WithLogger(o.logger),
	)
}

func rewriteGraph(ctx context.Context, tracer trace.Tracer, g *fgraph.Graph, o *options) (err error) {
	_, span := tracer.Start(ctx, "rewrite")
	defer func() { endSpan(span, err) }()
	q := o.mode.Query
	q.MaxPasses = o.maxPasses
	q.Stats = o.stats
	rw, err := OptDB.Build(q)
	if err != nil {
		return err
	}
	if err := rw.Rewrite(g); err != nil {
		return errors.Wrapf(err, "rewriting graph in mode %s", o.mode.Name)
	}
	span.SetAttributes(attribute.Int("applied", o.stats.Total()), attribute.Int("passes", o.stats.Passes))
	return nil
}

// guardOutputs copies the outputs which may share their value with an
// input, a constant or a previous output, following the views and the
// destroyed inputs of their owners, so that every output has its own value.
func guardOutputs(g *fgraph.Graph) error {
	seen := make(map[*ir.Variable]bool)
	for i, out := range g.Outputs() {
		guard := false
		roots := ir.AliasRoots(out)
		for _, root := range roots {
			if g.IsInput(root) || root.IsConstant() || seen[root] {
				guard = true
			}
		}
		if !guard {
			for _, root := range roots {
				seen[root] = true
			}
			continue
		}
		node, err := DeepCopyOp{}.MakeNode(out)
		if err != nil {
			return err
		}
		if err := g.ReplaceOutput(i, node.Out(), "output_guard"); err != nil {
			return err
		}
	}
	return nil
}

func newLinker(l *layout, g *fgraph.Graph, o *options) *vm.Linker {
	storage := make(link.StorageMap, len(l.cells))
	first := len(g.Inputs()) - len(l.cells)
	for k, cell := range l.cells {
		storage[g.Inputs()[first+k]] = cell
	}
	return &vm.Linker{
		AllowGC:          o.gc(),
		Lazy:             o.lazyMode(),
		AllowPartialEval: true,
		Reallocate:       o.reallocate,
		Callback:         o.callback,
		Schedule:         o.schedule,
		Updates:          l.updates,
		Storage:          storage,
		Logger:           o.logger,
	}
}

// Call the function with the values of its explicit inputs.
// Missing trailing arguments take the default value of their input.
func (f *Function) Call(args ...any) ([]any, error) {
	return f.CallSubset(nil, args...)
}

// CallSubset calls the function, only computing the outputs at the given
// indices. Updates are always computed. A nil subset computes all the
// outputs.
func (f *Function) CallSubset(subset []int, args ...any) ([]any, error) {
	if len(args) > f.explicit {
		return nil, errors.Errorf("got %d arguments but the function has %d inputs", len(args), f.explicit)
	}
	for i := 0; i < f.explicit; i++ {
		arg, err := f.argument(i, args)
		if err != nil {
			return nil, err
		}
		if err := f.program.Inputs[i].Set(arg); err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
	}
	for _, k := range subset {
		if k < 0 || k >= f.outputs {
			return nil, errors.Errorf("output %d out of range [0, %d)", k, f.outputs)
		}
	}
	if err := f.vm.Run(subset); err != nil {
		return nil, err
	}
	indices := subset
	if indices == nil {
		indices = make([]int, f.outputs)
		for k := range indices {
			indices[k] = k
		}
	}
	results := make([]any, len(indices))
	for k, i := range indices {
		results[k] = f.program.Outputs[i].Value()
	}
	if f.vm.AllowGC() {
		for _, out := range f.program.Outputs {
			out.Cell().Clear()
		}
	}
	return results, nil
}

func (f *Function) argument(i int, args []any) (any, error) {
	in := f.ins[i]
	if i < len(args) {
		if args[i] == nil {
			return nil, errors.Errorf("argument %d (%s) is nil", i, in.name())
		}
		return args[i], nil
	}
	if in.Value == nil {
		return nil, errors.Errorf("missing argument %d (%s)", i, in.name())
	}
	if !in.Mutable {
		return in.Value, nil
	}
	// The function may overwrite mutable inputs.
	value, err := copystructure.Copy(in.Value)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot copy the default value of %s", in.name())
	}
	return value, nil
}

// AllowGC returns true if intermediate values are cleared during a call.
func (f *Function) AllowGC() bool {
	return f.vm.AllowGC()
}

// SetAllowGC enables or disables the garbage collection of intermediate values.
func (f *Function) SetAllowGC(allow bool) {
	f.vm.SetAllowGC(allow)
}

// Storage returns the cells of all the variables of the compiled graph.
func (f *Function) Storage() link.StorageMap {
	return f.vm.Storage()
}

// Thunks returns the thunks of the function in execution order.
func (f *Function) Thunks() []*link.Thunk {
	return f.vm.Thunks()
}

// Graph returns the rewritten graph of the function.
func (f *Function) Graph() *fgraph.Graph {
	return f.graph
}

// VM returns the virtual machine executing the function.
func (f *Function) VM() *vm.VM {
	return f.vm
}

// RewriteStats returns the rewrites applied when compiling the function.
func (f *Function) RewriteStats() *rewrite.Stats {
	return f.stats
}

// Container returns the container of an input given its name.
// The container of an input with an update holds its current value.
func (f *Function) Container(name string) (*link.Container, bool) {
	for i, in := range f.ins {
		if in.name() == name {
			return f.program.Inputs[i], true
		}
	}
	return nil, false
}

func (f *Function) String() string {
	return fmt.Sprintf("Function(%d inputs, %d outputs, %d nodes)", f.explicit, f.outputs, f.graph.NumNodes())
}
