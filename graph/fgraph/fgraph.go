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

// Package fgraph implements a function graph: a mutable container of the
// subgraph between a list of inputs and a list of outputs.
//
// The graph maintains a client index mapping every variable to the nodes
// (and graph outputs) consuming it. Changes to the graph are notified to
// the attached features, which can maintain incremental analyses.
package fgraph

import (
	"github.com/gx-org/gxflow/base/ordered"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/graph/sched"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type (
	// Client is a consumer of a variable.
	Client struct {
		// Node consuming the variable or nil if the variable is an output of the graph.
		Node *ir.Apply
		// Index of the input of the node or index of the output of the graph.
		Index int
	}

	// Replacement of a variable by another.
	Replacement struct {
		Old, New *ir.Variable
	}

	// Graph is a mutable graph between inputs and outputs.
	Graph struct {
		inputs   []*ir.Variable
		inputSet map[*ir.Variable]bool
		outputs  []*ir.Variable

		nodes     *ordered.Map[*ir.Apply, struct{}]
		variables *ordered.Map[*ir.Variable, struct{}]
		clients   map[*ir.Variable][]Client

		features []Feature
		history  *History
		logger   *zap.Logger
	}

	options struct {
		clone    bool
		features []Feature
		logger   *zap.Logger
	}

	// Option configures the creation of a graph.
	Option func(*options)
)

// WithClone copies the graph between the inputs and the outputs
// before building the function graph.
func WithClone() Option {
	return func(o *options) {
		o.clone = true
	}
}

// WithFeatures attaches features to the graph once it has been built.
func WithFeatures(fs ...Feature) Option {
	return func(o *options) {
		o.features = append(o.features, fs...)
	}
}

// WithLogger sets the logger used to trace graph changes.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New returns a new graph given its inputs and outputs.
func New(inputs, outputs []*ir.Variable, opts ...Option) (*Graph, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clone {
		var err error
		inputs, outputs, _, err = ir.Clone(inputs, outputs, true)
		if err != nil {
			return nil, err
		}
	}
	g := &Graph{
		inputs:    append([]*ir.Variable{}, inputs...),
		inputSet:  make(map[*ir.Variable]bool, len(inputs)),
		outputs:   append([]*ir.Variable{}, outputs...),
		nodes:     ordered.NewMap[*ir.Apply, struct{}](),
		variables: ordered.NewMap[*ir.Variable, struct{}](),
		clients:   make(map[*ir.Variable][]Client),
		history:   &History{},
		logger:    o.logger,
	}
	for i, in := range inputs {
		if in.Owner() != nil {
			return nil, errors.Errorf("input %d (%s) is computed by %s: inputs cannot have an owner", i, in, in.Owner())
		}
		if g.inputSet[in] {
			return nil, errors.Errorf("input %d (%s) is declared more than once", i, in)
		}
		g.inputSet[in] = true
		g.addVariable(in)
	}
	for i, out := range outputs {
		if err := g.importVariable(out, "init"); err != nil {
			return nil, err
		}
		g.clients[out] = append(g.clients[out], Client{Index: i})
	}
	if err := g.Attach(g.history); err != nil {
		return nil, err
	}
	for _, f := range o.features {
		if err := g.Attach(f); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Inputs of the graph.
func (g *Graph) Inputs() []*ir.Variable {
	return g.inputs
}

// IsInput returns true if the variable is an input of the graph.
func (g *Graph) IsInput(v *ir.Variable) bool {
	return g.inputSet[v]
}

// Outputs of the graph.
func (g *Graph) Outputs() []*ir.Variable {
	return g.outputs
}

// Nodes returns the nodes of the graph in the order they have been imported.
func (g *Graph) Nodes() []*ir.Apply {
	return g.nodes.KeySlice()
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int {
	return g.nodes.Size()
}

// Variables returns the variables of the graph in the order they have been imported.
func (g *Graph) Variables() []*ir.Variable {
	return g.variables.KeySlice()
}

// HasNode returns true if the node is in the graph.
func (g *Graph) HasNode(node *ir.Apply) bool {
	return g.nodes.Has(node)
}

// HasVariable returns true if the variable is in the graph.
func (g *Graph) HasVariable(v *ir.Variable) bool {
	return g.variables.Has(v)
}

// Clients returns the consumers of a variable.
func (g *Graph) Clients(v *ir.Variable) []Client {
	return append([]Client{}, g.clients[v]...)
}

// History returns the change history of the graph.
func (g *Graph) History() *History {
	return g.history
}

// Logger returns the logger of the graph.
func (g *Graph) Logger() *zap.Logger {
	return g.logger
}

// Toposort returns the nodes of the graph in a deterministic order
// such that every node comes after the nodes computing its inputs.
// Ties are broken by node IDs.
func (g *Graph) Toposort() []*ir.Apply {
	order, err := sched.Schedule(g.Nodes(), sched.ByID)
	if err != nil {
		// The graph is kept acyclic by Replace.
		panic(err)
	}
	return order
}

// Clone returns a copy of the graph, without its features, and a map from
// the variables of this graph to the variables of the copy.
func (g *Graph) Clone() (*Graph, map[*ir.Variable]*ir.Variable, error) {
	ins, outs, memo, err := ir.Clone(g.inputs, g.outputs, true)
	if err != nil {
		return nil, nil, err
	}
	cl, err := New(ins, outs, WithLogger(g.logger))
	if err != nil {
		return nil, nil, err
	}
	return cl, memo, nil
}

func (g *Graph) addVariable(v *ir.Variable) {
	if g.variables.Has(v) {
		return
	}
	g.variables.Store(v, struct{}{})
	if _, ok := g.clients[v]; !ok {
		g.clients[v] = nil
	}
}

// checkImportable returns an error if importing v requires a variable
// that is not an input of the graph.
func (g *Graph) checkImportable(v *ir.Variable) error {
	seen := make(map[*ir.Variable]bool)
	stack := []*ir.Variable{v}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] || g.variables.Has(cur) {
			continue
		}
		seen[cur] = true
		if cur.Owner() == nil {
			if !cur.IsConstant() {
				return &MissingInputError{Variable: cur}
			}
			continue
		}
		stack = append(stack, cur.Owner().Inputs()...)
	}
	return nil
}

func (g *Graph) importVariable(v *ir.Variable, reason string) error {
	if g.variables.Has(v) {
		return nil
	}
	if err := g.checkImportable(v); err != nil {
		return err
	}
	if v.Owner() == nil {
		g.addVariable(v)
		return nil
	}
	order, err := ir.IOToposort(g.inputs, []*ir.Variable{v})
	if err != nil {
		return err
	}
	for _, node := range order {
		if g.nodes.Has(node) {
			continue
		}
		g.importNode(node, reason)
	}
	return nil
}

func (g *Graph) importNode(node *ir.Apply, reason string) {
	for i, in := range node.Inputs() {
		g.addVariable(in)
		g.clients[in] = append(g.clients[in], Client{Node: node, Index: i})
	}
	for _, out := range node.Outputs() {
		g.addVariable(out)
	}
	g.nodes.Store(node, struct{}{})
	g.notifyImport(node, reason)
}

func removeClient(clients []Client, c Client) []Client {
	for i, cl := range clients {
		if cl == c {
			return append(clients[:i], clients[i+1:]...)
		}
	}
	return clients
}

func (g *Graph) pruneVariable(v *ir.Variable, reason string) {
	if len(g.clients[v]) > 0 || g.inputSet[v] || !g.variables.Has(v) {
		return
	}
	node := v.Owner()
	if node == nil {
		g.variables.Delete(v)
		delete(g.clients, v)
		return
	}
	for _, out := range node.Outputs() {
		if len(g.clients[out]) > 0 {
			return
		}
	}
	g.pruneNode(node, reason)
}

func (g *Graph) pruneNode(node *ir.Apply, reason string) {
	if !g.nodes.Has(node) {
		return
	}
	g.nodes.Delete(node)
	for _, out := range node.Outputs() {
		g.variables.Delete(out)
		delete(g.clients, out)
	}
	g.notifyPrune(node, reason)
	for i, in := range node.Inputs() {
		g.clients[in] = removeClient(g.clients[in], Client{Node: node, Index: i})
		g.pruneVariable(in, reason)
	}
}

// changeInput sets the ith input of a node (or the ith output of the
// graph if node is nil) to new.
func (g *Graph) changeInput(node *ir.Apply, i int, new *ir.Variable, reason string) error {
	var old *ir.Variable
	if node == nil {
		old = g.outputs[i]
	} else {
		old = node.Input(i)
	}
	if old == new {
		return nil
	}
	if !old.Type().Equal(new.Type()) {
		return &TypeMismatchError{Old: old, New: new, Reason: reason}
	}
	if node != nil && !g.nodes.Has(node) {
		// The node has been pruned by a later change: import it again.
		if err := g.importVariable(node.Output(0), reason); err != nil {
			return err
		}
	}
	if err := g.importVariable(new, reason); err != nil {
		return err
	}
	if node == nil {
		g.outputs[i] = new
	} else {
		node.SetInput(i, new)
	}
	c := Client{Node: node, Index: i}
	g.clients[old] = removeClient(g.clients[old], c)
	g.clients[new] = append(g.clients[new], c)
	g.notifyChangeInput(node, i, old, new, reason)
	g.pruneVariable(old, reason)
	return nil
}

// Replace every use of old by new.
// The replacement fails without modifying the graph if the types of
// the variables differ or if the replacement would create a cycle.
func (g *Graph) Replace(old, new *ir.Variable, reason string) error {
	if !g.variables.Has(old) {
		return errors.Errorf("cannot replace %s: variable not in the graph", old)
	}
	if old == new {
		return nil
	}
	if !old.Type().Equal(new.Type()) {
		return &TypeMismatchError{Old: old, New: new, Reason: reason}
	}
	if err := g.checkImportable(new); err != nil {
		return err
	}
	for _, anc := range ir.Ancestors([]*ir.Variable{new}, g.inputs...) {
		if anc == old {
			return &CycleError{Old: old, New: new}
		}
	}
	g.logger.Debug("replace",
		zap.Stringer("old", old),
		zap.Stringer("new", new),
		zap.String("reason", reason))
	for _, c := range g.Clients(old) {
		if err := g.changeInput(c.Node, c.Index, new, reason); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceOutput sets the ith output of the graph to new. Other uses of
// the previous output are left unchanged.
func (g *Graph) ReplaceOutput(i int, new *ir.Variable, reason string) error {
	if i < 0 || i >= len(g.outputs) {
		return errors.Errorf("output %d out of range [0, %d)", i, len(g.outputs))
	}
	if err := g.checkImportable(new); err != nil {
		return err
	}
	return g.changeInput(nil, i, new, reason)
}

// ReplaceAll applies a list of replacements in order.
func (g *Graph) ReplaceAll(reps []Replacement, reason string) error {
	for _, rep := range reps {
		if !g.variables.Has(rep.Old) {
			// A previous replacement has already pruned the variable.
			continue
		}
		if err := g.Replace(rep.Old, rep.New, reason); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceAllValidate applies a list of replacements and validates the
// resulting graph. If a replacement or the validation fails, all the
// replacements are reverted.
func (g *Graph) ReplaceAllValidate(reps []Replacement, reason string) error {
	cp := g.history.Checkpoint()
	err := g.ReplaceAll(reps, reason)
	if err == nil {
		err = g.Validate()
	}
	if err == nil {
		return nil
	}
	if revErr := g.history.Revert(g, cp); revErr != nil {
		return multierr.Append(err, revErr)
	}
	return err
}

// Validate the graph with all the validators attached to the graph.
func (g *Graph) Validate() error {
	var err error
	if _, cycleErr := ir.IOToposort(g.inputs, g.outputs); cycleErr != nil {
		err = multierr.Append(err, cycleErr)
	}
	for _, f := range g.features {
		if v, ok := f.(Validator); ok {
			err = multierr.Append(err, v.Validate(g))
		}
	}
	return err
}

// CheckIntegrity checks that the client index is consistent with the
// edges of the graph.
func (g *Graph) CheckIntegrity() error {
	var err error
	reachable, topoErr := ir.IOToposort(g.inputs, g.outputs)
	if topoErr != nil {
		return topoErr
	}
	if len(reachable) != g.nodes.Size() {
		err = multierr.Append(err, errors.Errorf("graph has %d nodes but %d are reachable from the outputs", g.nodes.Size(), len(reachable)))
	}
	for _, node := range reachable {
		if !g.nodes.Has(node) {
			err = multierr.Append(err, errors.Errorf("node %s is reachable but not in the graph", node))
		}
	}
	for node := range g.nodes.Keys() {
		for i, in := range node.Inputs() {
			if !g.variables.Has(in) {
				err = multierr.Append(err, errors.Errorf("input %d of %s is not in the graph", i, node))
			}
			found := false
			for _, c := range g.clients[in] {
				found = found || c == Client{Node: node, Index: i}
			}
			if !found {
				err = multierr.Append(err, errors.Errorf("%s is missing client %s[%d]", in, node, i))
			}
		}
		for i, out := range node.Outputs() {
			if out.Owner() != node || out.Index() != i {
				err = multierr.Append(err, errors.Errorf("output %d of %s has a wrong owner", i, node))
			}
			if !g.variables.Has(out) {
				err = multierr.Append(err, errors.Errorf("output %d of %s is not in the graph", i, node))
			}
		}
	}
	for v := range g.variables.Keys() {
		if v.Owner() == nil && !v.IsConstant() && !g.inputSet[v] {
			err = multierr.Append(err, &MissingInputError{Variable: v})
		}
		for _, c := range g.clients[v] {
			switch {
			case c.Node == nil:
				if c.Index >= len(g.outputs) || g.outputs[c.Index] != v {
					err = multierr.Append(err, errors.Errorf("%s is not output %d", v, c.Index))
				}
			case !g.nodes.Has(c.Node):
				err = multierr.Append(err, errors.Errorf("client %s of %s is not in the graph", c.Node, v))
			case c.Node.Input(c.Index) != v:
				err = multierr.Append(err, errors.Errorf("client %s[%d] does not consume %s", c.Node, c.Index, v))
			}
		}
	}
	return err
}
