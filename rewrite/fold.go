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

package rewrite

import (
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"go.uber.org/zap"
)

// ConstantFolding replaces nodes computing from constants only by the
// constants they compute. Lazy nodes and nodes with side effects are
// never folded. A node failing to compute is left in the graph such
// that the error is reported when the graph is executed.
type ConstantFolding struct{}

var _ Local = ConstantFolding{}

// Name of the rule.
func (ConstantFolding) Name() string {
	return "constant_folding"
}

// Transform evaluates the node if all its inputs are constants.
func (ConstantFolding) Transform(g *fgraph.Graph, node *ir.Apply) ([]*ir.Variable, error) {
	if ir.IsLazy(node) || ir.HasSideEffects(node) || len(ir.DestroyedInputs(node)) > 0 {
		return nil, nil
	}
	inputs := make([]any, len(node.Inputs()))
	for i, in := range node.Inputs() {
		if !in.IsConstant() {
			return nil, nil
		}
		inputs[i] = in.Data()
	}
	cells := make([]*ir.Cell, len(node.Outputs()))
	for i := range cells {
		cells[i] = &ir.Cell{}
	}
	if err := node.Op().Perform(node, inputs, cells); err != nil {
		g.Logger().Debug("constant folding skipped",
			zap.Stringer("node", node),
			zap.Error(err))
		return nil, nil
	}
	repl := make([]*ir.Variable, len(cells))
	for i, cell := range cells {
		c, err := ir.NewConstant(node.Output(i).Type(), cell.Value)
		if err != nil {
			g.Logger().Debug("constant folding skipped",
				zap.Stringer("node", node),
				zap.Error(err))
			return nil, nil
		}
		repl[i] = c
	}
	return repl, nil
}
