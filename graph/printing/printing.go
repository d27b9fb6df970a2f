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

// Package printing prints graphs and rewrite databases as trees.
package printing

import (
	"fmt"
	"io"
	"strings"

	"github.com/gx-org/gxflow/base/uname"
	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/rewrite/rewritedb"
	"github.com/xlab/treeprint"
)

// printer assigns a label to every variable in printing order.
// A variable printed more than once only has its subtree printed the first time.
type printer struct {
	ids     map[*ir.Variable]string
	destroy map[*ir.Variable]bool
}

func newPrinter() *printer {
	return &printer{
		ids:     make(map[*ir.Variable]string),
		destroy: make(map[*ir.Variable]bool),
	}
}

// label returns A, B, ..., Z, AA, AB, ...
func label(n int) string {
	var b []byte
	for n++; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}

func (p *printer) id(v *ir.Variable) (string, bool) {
	if id, ok := p.ids[v]; ok {
		return id, false
	}
	id := label(len(p.ids))
	p.ids[v] = id
	return id, true
}

func (p *printer) text(v *ir.Variable, id string, first bool) string {
	var b strings.Builder
	switch {
	case v.Owner() != nil:
		node := v.Owner()
		b.WriteString(node.Op().String())
		if len(node.Outputs()) > 1 {
			fmt.Fprintf(&b, ".%d", v.Index())
		}
		if v.Name() != "" {
			fmt.Fprintf(&b, " '%s'", v.Name())
		}
	default:
		b.WriteString(v.String())
	}
	fmt.Fprintf(&b, " [id %s]", id)
	if !first {
		return b.String()
	}
	fmt.Fprintf(&b, " %s", v.Type())
	if p.destroy[v] {
		b.WriteString(" (destroyed)")
	}
	return b.String()
}

func (p *printer) add(tree treeprint.Tree, v *ir.Variable) {
	id, first := p.id(v)
	text := p.text(v, id, first)
	if !first || v.Owner() == nil {
		tree.AddNode(text)
		return
	}
	branch := tree.AddBranch(text)
	for _, in := range v.Owner().Inputs() {
		p.add(branch, in)
	}
}

func (p *printer) markDestroyed(outputs []*ir.Variable) {
	for _, v := range ir.Ancestors(outputs) {
		if v.Owner() == nil {
			continue
		}
		for _, i := range ir.DestroyedInputs(v.Owner()) {
			p.destroy[v.Owner().Input(i)] = true
		}
	}
}

// Variables returns a tree of the computation of the given variables.
func Variables(outputs ...*ir.Variable) string {
	p := newPrinter()
	p.markDestroyed(outputs)
	tree := treeprint.New()
	for _, out := range outputs {
		p.add(tree, out)
	}
	return tree.String()
}

// Graph returns a tree of the computation of the outputs of a graph.
// Inputs sharing a name are listed with an index suffix in the header.
func Graph(g *fgraph.Graph) string {
	names := make([]string, len(g.Inputs()))
	for i, in := range g.Inputs() {
		names[i] = in.String()
	}
	p := newPrinter()
	p.markDestroyed(g.Outputs())
	names = uname.New().Names(names...)
	tree := treeprint.NewWithRoot(fmt.Sprintf("Graph(%s) %d nodes", strings.Join(names, ", "), g.NumNodes()))
	for _, out := range g.Outputs() {
		p.add(tree, out)
	}
	return tree.String()
}

// Fprint writes the tree of a graph to w.
func Fprint(w io.Writer, g *fgraph.Graph) error {
	_, err := io.WriteString(w, Graph(g))
	return err
}

func addEntries(tree treeprint.Tree, db *rewritedb.DB, q *rewritedb.Query) {
	entries := db.Entries()
	if q != nil {
		entries = db.Query(*q)
	}
	for _, e := range entries {
		text := fmt.Sprintf("%g %s %v", e.Position, e.Name, e.Tags[1:])
		sub, ok := e.Builder.(*rewritedb.DB)
		if !ok {
			tree.AddNode(text)
			continue
		}
		branch := tree.AddBranch(fmt.Sprintf("%s (%s)", text, sub.Kind()))
		addEntries(branch, sub, q)
	}
}

// Rewrites returns a tree of the entries of a database selected by a
// query, nested databases included. All the entries are printed if the
// query is nil.
func Rewrites(db *rewritedb.DB, q *rewritedb.Query) string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("%s (%s)", db.Name(), db.Kind()))
	addEntries(tree, db, q)
	return tree.String()
}
