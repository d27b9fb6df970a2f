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

package features

import (
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
)

// ChangeTracker counts the net number of input changes made to a graph.
// Imports and prunes follow from input changes and are not counted.
// A change reverted by the history of the graph cancels the change it
// reverts, so rewrites rolled back after a failed validation leave the
// counter unchanged.
type ChangeTracker struct {
	changes int
}

var _ fgraph.InputChanger = (*ChangeTracker)(nil)

// OnAttach resets the counter.
func (ct *ChangeTracker) OnAttach(g *fgraph.Graph) error {
	ct.changes = 0
	return nil
}

// OnDetach does nothing.
func (ct *ChangeTracker) OnDetach(g *fgraph.Graph) {}

// OnChangeInput counts a change, or cancels one if the change is a revert.
func (ct *ChangeTracker) OnChangeInput(g *fgraph.Graph, node *ir.Apply, i int, old, new *ir.Variable, reason string) {
	if reason == fgraph.ReasonRevert {
		ct.changes--
		return
	}
	ct.changes++
}

// Changes returns the number of changes since the tracker was attached or reset.
func (ct *ChangeTracker) Changes() int {
	return ct.changes
}

// Reset the counter.
func (ct *ChangeTracker) Reset() {
	ct.changes = 0
}
