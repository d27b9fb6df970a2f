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
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"go.uber.org/zap"
)

// Merge is a global rewriter merging equal constants and nodes applying
// the same operator to the same inputs.
type Merge struct {
	Stats *Stats
}

var _ Rewriter = (*Merge)(nil)

// Name of the rewriter.
func (*Merge) Name() string {
	return "merge"
}

func constantSignature(c *ir.Variable) uint64 {
	d := xxhash.New()
	d.WriteString(c.Type().String())
	d.WriteString("|")
	d.WriteString(fmt.Sprint(c.Data()))
	return d.Sum64()
}

func constantsEqual(a, b *ir.Variable) bool {
	if !a.Type().Equal(b.Type()) {
		return false
	}
	if eq, ok := a.Type().(ir.ValueEqualer); ok {
		return eq.ValuesEqual(a.Data(), b.Data())
	}
	return fmt.Sprint(a.Data()) == fmt.Sprint(b.Data())
}

func nodeSignature(node *ir.Apply) uint64 {
	d := xxhash.New()
	d.WriteString(node.Op().String())
	for _, in := range node.Inputs() {
		d.WriteString("|")
		d.WriteString(strconv.FormatUint(uint64(in.ID()), 10))
	}
	return d.Sum64()
}

func nodesEqual(a, b *ir.Apply) bool {
	if a.Op().String() != b.Op().String() || len(a.Inputs()) != len(b.Inputs()) || len(a.Outputs()) != len(b.Outputs()) {
		return false
	}
	for i, in := range a.Inputs() {
		if b.Input(i) != in {
			return false
		}
	}
	for i, out := range a.Outputs() {
		if !b.Output(i).Type().Equal(out.Type()) {
			return false
		}
	}
	return true
}

// Rewrite merges the constants first, then the nodes from the inputs to
// the outputs such that the nodes consuming merged variables can be
// merged in the same pass.
func (m *Merge) Rewrite(g *fgraph.Graph) error {
	if err := m.mergeConstants(g); err != nil {
		return err
	}
	return m.mergeNodes(g)
}

func (m *Merge) replace(g *fgraph.Graph, reps []fgraph.Replacement, what string) error {
	if err := g.ReplaceAllValidate(reps, m.Name()); err != nil {
		if isRewriteBug(err) {
			return err
		}
		g.Logger().Debug("merge rejected", zap.String("what", what), zap.Error(err))
		m.Stats.reject(m.Name())
		return nil
	}
	m.Stats.apply(m.Name())
	return nil
}

func (m *Merge) mergeConstants(g *fgraph.Graph) error {
	seen := make(map[uint64][]*ir.Variable)
	for _, v := range g.Variables() {
		if !v.IsConstant() || !g.HasVariable(v) {
			continue
		}
		sig := constantSignature(v)
		var same *ir.Variable
		for _, other := range seen[sig] {
			if constantsEqual(other, v) {
				same = other
				break
			}
		}
		if same == nil {
			seen[sig] = append(seen[sig], v)
			continue
		}
		if err := m.replace(g, []fgraph.Replacement{{Old: v, New: same}}, v.String()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Merge) mergeNodes(g *fgraph.Graph) error {
	seen := make(map[uint64][]*ir.Apply)
	for _, node := range g.Toposort() {
		if !g.HasNode(node) || ir.HasSideEffects(node) {
			continue
		}
		sig := nodeSignature(node)
		var same *ir.Apply
		for _, other := range seen[sig] {
			if g.HasNode(other) && nodesEqual(other, node) {
				same = other
				break
			}
		}
		if same == nil {
			seen[sig] = append(seen[sig], node)
			continue
		}
		reps := make([]fgraph.Replacement, len(node.Outputs()))
		for i, out := range node.Outputs() {
			reps[i] = fgraph.Replacement{Old: out, New: same.Output(i)}
		}
		if err := m.replace(g, reps, node.String()); err != nil {
			return err
		}
	}
	return nil
}
