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

// Package features provides incremental analyses attachable to a function graph.
package features

import (
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"go.uber.org/zap"
)

// ShapeFeature maintains a symbolic shape for the variables of a graph.
//
// A variable without known shape is given fresh symbolic dimensions.
// The shapes of the outputs of a node are computed from the shapes of its
// inputs when the operator implements ir.ShapeInferer. Shapes are updated
// when nodes are imported or when their inputs change, in which case the
// change is propagated to the consumers: they are never recomputed for
// the whole graph.
type ShapeFeature struct {
	shapes  map[*ir.Variable]ir.Shape
	lastSym ir.Dim
}

var (
	_ fgraph.Feature      = (*ShapeFeature)(nil)
	_ fgraph.Importer     = (*ShapeFeature)(nil)
	_ fgraph.Pruner       = (*ShapeFeature)(nil)
	_ fgraph.InputChanger = (*ShapeFeature)(nil)
)

// NewShapeFeature returns a new shape feature.
func NewShapeFeature() *ShapeFeature {
	return &ShapeFeature{}
}

// OnAttach computes the shapes of all the variables of the graph.
func (f *ShapeFeature) OnAttach(g *fgraph.Graph) error {
	f.shapes = make(map[*ir.Variable]ir.Shape)
	for _, in := range g.Inputs() {
		f.shapeOf(in)
	}
	for _, node := range g.Toposort() {
		f.OnImport(g, node, "attach")
	}
	return nil
}

// OnDetach discards all the shapes.
func (f *ShapeFeature) OnDetach(g *fgraph.Graph) {
	f.shapes = nil
}

func (f *ShapeFeature) symbolic(ndim int) ir.Shape {
	shape := make(ir.Shape, ndim)
	for i := range shape {
		f.lastSym--
		shape[i] = f.lastSym
	}
	return shape
}

func (f *ShapeFeature) initialShape(v *ir.Variable) ir.Shape {
	if v.IsConstant() {
		if vs, ok := v.Type().(ir.ValueShaper); ok {
			if shape, ok := vs.ValueShape(v.Data()); ok {
				return shape
			}
		}
	}
	shaped, ok := v.Type().(ir.Shaped)
	if !ok {
		return nil
	}
	return f.symbolic(shaped.NDim())
}

func (f *ShapeFeature) shapeOf(v *ir.Variable) ir.Shape {
	if shape, ok := f.shapes[v]; ok {
		return shape
	}
	shape := f.initialShape(v)
	f.shapes[v] = shape
	return shape
}

// OnImport computes the shapes of the outputs of the node.
func (f *ShapeFeature) OnImport(g *fgraph.Graph, node *ir.Apply, reason string) {
	inShapes := make([]ir.Shape, len(node.Inputs()))
	for i, in := range node.Inputs() {
		inShapes[i] = f.shapeOf(in)
	}
	var outShapes []ir.Shape
	if inferer, ok := ir.Capability[ir.ShapeInferer](node.Op()); ok {
		var err error
		outShapes, err = inferer.InferShape(node, inShapes)
		if err != nil || len(outShapes) != len(node.Outputs()) {
			g.Logger().Debug("shape inference failed",
				zap.Stringer("node", node),
				zap.Error(err))
			outShapes = nil
		}
	}
	for i, out := range node.Outputs() {
		if outShapes != nil && outShapes[i] != nil {
			f.shapes[out] = outShapes[i]
			continue
		}
		f.shapes[out] = f.initialShape(out)
	}
}

// OnPrune forgets the shapes of the outputs of the node.
func (f *ShapeFeature) OnPrune(g *fgraph.Graph, node *ir.Apply, reason string) {
	for _, out := range node.Outputs() {
		delete(f.shapes, out)
	}
}

// OnChangeInput merges the knowledge about the shape of the replaced
// variable into the shape of the new variable: a replacement is required
// to preserve the shape. The shapes of the consumers are then inferred
// again, following the consumers of every refined output.
func (f *ShapeFeature) OnChangeInput(g *fgraph.Graph, node *ir.Apply, i int, old, new *ir.Variable, reason string) {
	var queue []*ir.Apply
	if node != nil {
		queue = append(queue, node)
	}
	if oldShape, ok := f.shapes[old]; ok {
		newShape := f.shapeOf(new)
		if merged := mergeShapes(newShape, oldShape); !merged.Equal(newShape) {
			f.shapes[new] = merged
			queue = append(queue, clientNodes(g, new)...)
		}
	}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, out := range f.refine(g, next) {
			queue = append(queue, clientNodes(g, out)...)
		}
	}
}

// refine infers the shapes of the outputs of a node from the current
// shapes of its inputs. It returns the outputs whose shape changed.
func (f *ShapeFeature) refine(g *fgraph.Graph, node *ir.Apply) []*ir.Variable {
	inferer, ok := ir.Capability[ir.ShapeInferer](node.Op())
	if !ok {
		return nil
	}
	inShapes := make([]ir.Shape, len(node.Inputs()))
	for i, in := range node.Inputs() {
		inShapes[i] = f.shapeOf(in)
	}
	outShapes, err := inferer.InferShape(node, inShapes)
	if err != nil || len(outShapes) != len(node.Outputs()) {
		return nil
	}
	var changed []*ir.Variable
	for i, out := range node.Outputs() {
		if outShapes[i] == nil {
			continue
		}
		current := f.shapeOf(out)
		merged := mergeShapes(outShapes[i], current)
		if merged.Equal(current) {
			continue
		}
		f.shapes[out] = merged
		changed = append(changed, out)
	}
	return changed
}

// mergeShapes returns shape with its unknown dimensions taken from
// fallback when fallback knows them.
func mergeShapes(shape, fallback ir.Shape) ir.Shape {
	if len(shape) != len(fallback) {
		return shape
	}
	merged := make(ir.Shape, len(shape))
	for d, dim := range shape {
		merged[d] = dim
		if !dim.Known() && fallback[d].Known() {
			merged[d] = fallback[d]
		}
	}
	return merged
}

func clientNodes(g *fgraph.Graph, v *ir.Variable) []*ir.Apply {
	var nodes []*ir.Apply
	for _, c := range g.Clients(v) {
		if c.Node != nil {
			nodes = append(nodes, c.Node)
		}
	}
	return nodes
}

// Shape returns the shape of a variable. It returns false if the
// variable is not in the graph or has no shape.
func (f *ShapeFeature) Shape(v *ir.Variable) (ir.Shape, bool) {
	shape, ok := f.shapes[v]
	return shape, ok && shape != nil
}

// SameShape returns true if both variables are known to have the same shape.
// A false value means the shapes are different or cannot be proven equal.
func (f *ShapeFeature) SameShape(a, b *ir.Variable) bool {
	sa, okA := f.Shape(a)
	sb, okB := f.Shape(b)
	return okA && okB && sa.Equal(sb)
}
