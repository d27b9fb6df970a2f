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

// Package rewritedb is a database of named and tagged rewrites.
//
// Rewrites are registered at a position. A query selects rewrites given
// their tags and builds a pipeline ordered by position. Rewrites
// registered at the same position are ordered by registration.
//
// Registration is expected to happen during initialization. Queries can
// then be run concurrently.
package rewritedb

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/gx-org/gxflow/rewrite"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Kind of pipeline built from a database.
type Kind int

const (
	// Sequence builds the selected rewrites into a sequence.
	// Local rules are applied in a single pass.
	Sequence Kind = iota
	// Equilibrium builds the selected rewrites into a single equilibrium driver.
	Equilibrium
)

func (k Kind) String() string {
	switch k {
	case Sequence:
		return "sequence"
	case Equilibrium:
		return "equilibrium"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type (
	// Builder is a registrable rewrite: a rewrite.Rewriter, a rewrite.Local
	// or a nested *DB.
	Builder interface {
		Name() string
	}

	// Entry of the database.
	Entry struct {
		Name     string
		Builder  Builder
		Position float64
		Tags     []string

		order int
	}

	// DB is a database of rewrites.
	DB struct {
		name string
		kind Kind

		mut     sync.RWMutex
		entries []*Entry
		byName  map[string]*Entry
	}
)

// New returns a new empty database.
func New(name string, kind Kind) *DB {
	return &DB{
		name:   name,
		kind:   kind,
		byName: make(map[string]*Entry),
	}
}

// Name of the database.
func (db *DB) Name() string {
	return db.name
}

// Kind of pipeline built by the database.
func (db *DB) Kind() Kind {
	return db.kind
}

// Register a rewrite in the database. The name of the rewrite is also one
// of its tags.
func (db *DB) Register(name string, b Builder, position float64, tags ...string) error {
	if name == "" {
		return errors.Errorf("cannot register a rewrite without a name in %s", db.name)
	}
	switch bT := b.(type) {
	case nil:
		return errors.Errorf("cannot register %s in %s: no rewrite", name, db.name)
	case rewrite.Rewriter, rewrite.Local:
	case *DB:
		if bT == db {
			return errors.Errorf("cannot register %s in itself", db.name)
		}
	default:
		return errors.Errorf("cannot register %s in %s: %T is not a rewrite", name, db.name, b)
	}
	db.mut.Lock()
	defer db.mut.Unlock()
	if _, exists := db.byName[name]; exists {
		return errors.Errorf("%s already registered in %s", name, db.name)
	}
	e := &Entry{
		Name:     name,
		Builder:  b,
		Position: position,
		Tags:     append([]string{name}, tags...),
		order:    len(db.entries),
	}
	db.entries = append(db.entries, e)
	db.byName[name] = e
	return nil
}

// MustRegister registers a rewrite and panics if an error occurs.
// It is meant to be called from init functions.
func (db *DB) MustRegister(name string, b Builder, position float64, tags ...string) {
	if err := db.Register(name, b, position, tags...); err != nil {
		panic(err)
	}
}

// Lookup returns an entry given its name.
func (db *DB) Lookup(name string) (*Entry, bool) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	e, ok := db.byName[name]
	return e, ok
}

func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Position != entries[j].Position {
			return entries[i].Position < entries[j].Position
		}
		return entries[i].order < entries[j].order
	})
}

// Entries returns all the entries of the database ordered by position.
func (db *DB) Entries() []*Entry {
	db.mut.RLock()
	entries := slices.Clone(db.entries)
	db.mut.RUnlock()
	sortEntries(entries)
	return entries
}

// Tags returns all the tags used in the database, including the tags of
// nested databases.
func (db *DB) Tags() []string {
	tags := make(map[string]bool)
	for _, e := range db.Entries() {
		for _, tag := range e.Tags {
			tags[tag] = true
		}
		if sub, ok := e.Builder.(*DB); ok {
			for _, tag := range sub.Tags() {
				tags[tag] = true
			}
		}
	}
	keys := maps.Keys(tags)
	slices.Sort(keys)
	return keys
}

// Query returns the entries selected by a query ordered by position.
func (db *DB) Query(q Query) []*Entry {
	var selected []*Entry
	for _, e := range db.Entries() {
		if q.matches(e.Tags) {
			selected = append(selected, e)
		}
	}
	return selected
}

// Build the pipeline of the rewrites selected by a query.
// Nested databases are built with the same query.
func (db *DB) Build(q Query) (rewrite.Rewriter, error) {
	var (
		globals []rewrite.Rewriter
		locals  []rewrite.Local
	)
	for _, e := range db.Query(q) {
		switch bT := e.Builder.(type) {
		case *DB:
			sub, err := bT.Build(q)
			if err != nil {
				return nil, errors.Wrapf(err, "%s", db.name)
			}
			globals = append(globals, sub)
		case rewrite.Rewriter:
			globals = append(globals, bT)
		case rewrite.Local:
			if db.kind == Sequence {
				globals = append(globals, &rewrite.Walking{Local: bT, Stats: q.Stats})
				continue
			}
			locals = append(locals, bT)
		default:
			return nil, errors.Errorf("%s: cannot build %s of type %T", db.name, e.Name, e.Builder)
		}
	}
	if db.kind == Equilibrium {
		return &rewrite.Equilibrium{
			Label:     db.name,
			Globals:   globals,
			Locals:    locals,
			MaxPasses: q.MaxPasses,
			Stats:     q.Stats,
		}, nil
	}
	return &rewrite.Sequence{Label: db.name, Rewriters: globals}, nil
}

// String lists the entries of the database.
func (db *DB) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s):\n", db.name, db.kind)
	for _, e := range db.Entries() {
		fmt.Fprintf(&b, "  %g %s %v\n", e.Position, e.Name, e.Tags[1:])
	}
	return b.String()
}
