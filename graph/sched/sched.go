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

// Package sched orders the nodes of a graph for execution.
package sched

import (
	"cmp"
	"strings"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
)

type (
	// Comparator breaks ties between nodes ready to be executed.
	// The node with the lowest value is executed first.
	Comparator func(a, b *ir.Apply) int

	// Scheduler orders a set of nodes.
	Scheduler func(nodes []*ir.Apply) ([]*ir.Apply, error)
)

// ByID executes the oldest node first.
func ByID(a, b *ir.Apply) int {
	return cmp.Compare(a.ID(), b.ID())
}

// ByString executes nodes in the lexicographic order of their labels.
// Nodes with the same label are executed in creation order.
func ByString(a, b *ir.Apply) int {
	if c := strings.Compare(a.String(), b.String()); c != 0 {
		return c
	}
	return ByID(a, b)
}

// SortScheduleFn returns a scheduler using a comparator.
func SortScheduleFn(compare Comparator) Scheduler {
	return func(nodes []*ir.Apply) ([]*ir.Apply, error) {
		return Schedule(nodes, compare)
	}
}

// Default scheduler, executing nodes in creation order when possible.
var Default = SortScheduleFn(ByID)

// Schedule returns the nodes such that every node comes after all the
// nodes of the set computing its inputs. Among the nodes ready to be
// executed, the comparator selects the next one.
func Schedule(nodes []*ir.Apply, compare Comparator) ([]*ir.Apply, error) {
	if compare == nil {
		compare = ByID
	}
	inSet := make(map[*ir.Apply]bool, len(nodes))
	for _, node := range nodes {
		inSet[node] = true
	}
	pending := make(map[*ir.Apply]int, len(nodes))
	consumers := make(map[*ir.Apply][]*ir.Apply)
	for _, node := range nodes {
		producers := make(map[*ir.Apply]bool)
		for _, in := range node.Inputs() {
			owner := in.Owner()
			if owner == nil || !inSet[owner] || producers[owner] {
				continue
			}
			producers[owner] = true
			consumers[owner] = append(consumers[owner], node)
		}
		pending[node] = len(producers)
	}
	ready := priorityqueue.NewWith(func(a, b any) int {
		return compare(a.(*ir.Apply), b.(*ir.Apply))
	})
	for _, node := range nodes {
		if pending[node] == 0 {
			ready.Enqueue(node)
		}
	}
	order := make([]*ir.Apply, 0, len(nodes))
	for !ready.Empty() {
		next, _ := ready.Dequeue()
		node := next.(*ir.Apply)
		order = append(order, node)
		for _, consumer := range consumers[node] {
			pending[consumer]--
			if pending[consumer] == 0 {
				ready.Enqueue(consumer)
			}
		}
	}
	if len(order) != len(nodes) {
		for _, node := range nodes {
			if pending[node] > 0 {
				return nil, &ir.CycleError{Node: node}
			}
		}
	}
	return order, nil
}

// Validate returns an error if a node comes before a node computing one
// of its inputs.
func Validate(order []*ir.Apply) error {
	position := make(map[*ir.Apply]int, len(order))
	for i, node := range order {
		position[node] = i
	}
	for i, node := range order {
		for j, in := range node.Inputs() {
			owner := in.Owner()
			if owner == nil {
				continue
			}
			pos, ok := position[owner]
			if !ok {
				continue
			}
			if pos >= i {
				return errors.Errorf("node %d %s is scheduled before node %d %s computing its input %d", i, node, pos, owner, j)
			}
		}
	}
	return nil
}

// Depends answers dependency queries between nodes.
// Results are memoized: the graph must not change between queries.
type Depends struct {
	ancestors map[*ir.Apply]*hashset.Set
}

// NewDepends returns a new dependency oracle.
func NewDepends() *Depends {
	return &Depends{ancestors: make(map[*ir.Apply]*hashset.Set)}
}

func (d *Depends) ancestorsOf(node *ir.Apply) *hashset.Set {
	if set, ok := d.ancestors[node]; ok {
		return set
	}
	set := hashset.New()
	for _, in := range node.Inputs() {
		owner := in.Owner()
		if owner == nil || set.Contains(owner) {
			continue
		}
		set.Add(owner)
		set.Add(d.ancestorsOf(owner).Values()...)
	}
	d.ancestors[node] = set
	return set
}

// Depends returns true if a requires the outputs of b, directly or transitively.
func (d *Depends) Depends(a, b *ir.Apply) bool {
	return d.ancestorsOf(a).Contains(b)
}
