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

package fgraph

import (
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
)

type (
	// Feature is attached to a graph and notified of its changes.
	// A feature implements the optional interfaces Importer, Pruner,
	// InputChanger and Validator for the notifications it needs.
	Feature interface {
		// OnAttach is called when the feature is attached to a graph.
		// An error prevents the feature from being attached.
		OnAttach(g *Graph) error

		// OnDetach is called when the feature is removed from a graph.
		OnDetach(g *Graph)
	}

	// Importer is notified when a node is added to the graph.
	Importer interface {
		OnImport(g *Graph, node *ir.Apply, reason string)
	}

	// Pruner is notified when a node is removed from the graph.
	Pruner interface {
		OnPrune(g *Graph, node *ir.Apply, reason string)
	}

	// InputChanger is notified when the input of a node changes.
	// The node is nil when an output of the graph changes: the index is
	// then the index of the output.
	InputChanger interface {
		OnChangeInput(g *Graph, node *ir.Apply, i int, old, new *ir.Variable, reason string)
	}

	// Validator checks the graph.
	Validator interface {
		Validate(g *Graph) error
	}
)

// Attach a feature to the graph.
func (g *Graph) Attach(f Feature) error {
	for _, attached := range g.features {
		if attached == f {
			return errors.Errorf("feature %T already attached", f)
		}
	}
	if err := f.OnAttach(g); err != nil {
		return err
	}
	g.features = append(g.features, f)
	return nil
}

// Detach a feature from the graph.
func (g *Graph) Detach(f Feature) {
	for i, attached := range g.features {
		if attached != f {
			continue
		}
		g.features = append(g.features[:i], g.features[i+1:]...)
		f.OnDetach(g)
		return
	}
}

// Features returns the features attached to the graph.
func (g *Graph) Features() []Feature {
	return append([]Feature{}, g.features...)
}

// FeatureOf returns the first feature attached to the graph of type T.
func FeatureOf[T Feature](g *Graph) (T, bool) {
	for _, f := range g.features {
		if t, ok := f.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

func (g *Graph) notifyImport(node *ir.Apply, reason string) {
	for _, f := range g.features {
		if imp, ok := f.(Importer); ok {
			imp.OnImport(g, node, reason)
		}
	}
}

func (g *Graph) notifyPrune(node *ir.Apply, reason string) {
	for _, f := range g.features {
		if pr, ok := f.(Pruner); ok {
			pr.OnPrune(g, node, reason)
		}
	}
}

func (g *Graph) notifyChangeInput(node *ir.Apply, i int, old, new *ir.Variable, reason string) {
	for _, f := range g.features {
		if ch, ok := f.(InputChanger); ok {
			ch.OnChangeInput(g, node, i, old, new, reason)
		}
	}
}

type change struct {
	node     *ir.Apply
	index    int
	old, new *ir.Variable
}

// ReasonRevert is the reason given to the features for the input changes
// made when the history reverts the graph to a checkpoint.
const ReasonRevert = "revert"

// History records the changes of a graph so that they can be reverted.
type History struct {
	changes   []change
	reverting bool
}

var _ InputChanger = (*History)(nil)

// OnAttach resets the history.
func (h *History) OnAttach(g *Graph) error {
	h.changes = nil
	return nil
}

// OnDetach discards the history.
func (h *History) OnDetach(g *Graph) {
	h.changes = nil
}

// OnChangeInput records a change.
func (h *History) OnChangeInput(g *Graph, node *ir.Apply, i int, old, new *ir.Variable, reason string) {
	if h.reverting {
		return
	}
	h.changes = append(h.changes, change{node: node, index: i, old: old, new: new})
}

// Checkpoint returns a marker of the current state of the graph.
func (h *History) Checkpoint() int {
	return len(h.changes)
}

// Revert all the changes since a checkpoint.
func (h *History) Revert(g *Graph, checkpoint int) error {
	h.reverting = true
	defer func() { h.reverting = false }()
	for i := len(h.changes) - 1; i >= checkpoint; i-- {
		ch := h.changes[i]
		if err := g.changeInput(ch.node, ch.index, ch.old, ReasonRevert); err != nil {
			return errors.Wrapf(err, "cannot revert graph change")
		}
	}
	h.changes = h.changes[:checkpoint]
	return nil
}
