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

package rewritedb

import (
	"fmt"
	"slices"

	"github.com/gx-org/gxflow/rewrite"
)

// Query selects rewrites given their tags.
//
// A rewrite is selected if it has at least one of the Include tags, all
// the Require tags and none of the Exclude tags.
type Query struct {
	Include []string
	Require []string
	Exclude []string

	// MaxPasses of the equilibrium drivers. Zero means rewrite.DefaultMaxPasses.
	MaxPasses int

	// Stats, if not nil, records what the drivers built from the query do.
	Stats *rewrite.Stats
}

func hasAny(tags, want []string) bool {
	for _, tag := range want {
		if slices.Contains(tags, tag) {
			return true
		}
	}
	return false
}

func (q Query) matches(tags []string) bool {
	if !hasAny(tags, q.Include) {
		return false
	}
	for _, tag := range q.Require {
		if !slices.Contains(tags, tag) {
			return false
		}
	}
	return !hasAny(tags, q.Exclude)
}

// Including returns a new query including more tags.
func (q Query) Including(tags ...string) Query {
	q.Include = append(slices.Clone(q.Include), tags...)
	return q
}

// Requiring returns a new query requiring more tags.
func (q Query) Requiring(tags ...string) Query {
	q.Require = append(slices.Clone(q.Require), tags...)
	return q
}

// Excluding returns a new query excluding more tags.
func (q Query) Excluding(tags ...string) Query {
	q.Exclude = append(slices.Clone(q.Exclude), tags...)
	return q
}

func (q Query) String() string {
	return fmt.Sprintf("Query{include:%v require:%v exclude:%v}", q.Include, q.Require, q.Exclude)
}
