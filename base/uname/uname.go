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

// Package uname disambiguates names that must be unique in a printing.
package uname

import "strconv"

// Unique returns unique names given base names.
type Unique struct {
	next map[string]int
	used map[string]bool
}

// New returns a name generator with no name in use.
func New() *Unique {
	return &Unique{next: make(map[string]int), used: make(map[string]bool)}
}

// Name returns root if it is not in use yet, else root followed by
// an underscore and the first free index.
func (n *Unique) Name(root string) string {
	name := root
	for n.used[name] {
		n.next[root]++
		name = root + "_" + strconv.Itoa(n.next[root])
	}
	n.used[name] = true
	return name
}

// Names returns a unique name for every root, in order.
func (n *Unique) Names(roots ...string) []string {
	names := make([]string, len(roots))
	for i, root := range roots {
		names[i] = n.Name(root)
	}
	return names
}
