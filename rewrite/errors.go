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
	"sort"
	"strings"

	"github.com/gx-org/gxflow/graph/ir"
)

type (
	// InvalidReplacementError is returned when a rule proposes a
	// replacement that cannot be committed to the graph.
	InvalidReplacementError struct {
		Rule string
		Node *ir.Apply
		Err  error
	}

	// NonTerminationError is returned when an equilibrium driver has not
	// reached a fixed point after its maximum number of passes.
	NonTerminationError struct {
		Driver string
		Passes int
		// Applied counts the applications of every rule during the last pass.
		Applied map[string]int
	}
)

func (err *InvalidReplacementError) Error() string {
	return fmt.Sprintf("rule %s: invalid replacement of %s: %v", err.Rule, err.Node, err.Err)
}

func (err *InvalidReplacementError) Unwrap() error {
	return err.Err
}

func (err *NonTerminationError) Error() string {
	rules := make([]string, 0, len(err.Applied))
	for rule, n := range err.Applied {
		rules = append(rules, fmt.Sprintf("%s:%d", rule, n))
	}
	sort.Strings(rules)
	return fmt.Sprintf("%s has not reached a fixed point after %d passes (rules still applying: %s)", err.Driver, err.Passes, strings.Join(rules, ", "))
}
