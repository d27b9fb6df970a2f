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

package compile

import (
	"strings"

	"github.com/gx-org/gxflow/link/vm"
	"github.com/gx-org/gxflow/rewrite/rewritedb"
	"github.com/pkg/errors"
)

// Mode selects the rewrites applied to a graph and how the graph is executed.
type Mode struct {
	Name string
	// Query selecting the rewrites of OptDB.
	Query rewritedb.Query
	// Lazy selects how lazy operators are evaluated.
	Lazy vm.LazyMode
	// AllowGC clears intermediate values during a call.
	AllowGC bool
}

// Predefined modes.
var (
	// FastRun applies all the safe rewrites.
	FastRun = Mode{
		Name:    "FAST_RUN",
		Query:   rewritedb.Query{Include: []string{TagFastRun}},
		AllowGC: true,
	}
	// FastCompile only applies the rewrites cheap to run.
	FastCompile = Mode{
		Name:    "FAST_COMPILE",
		Query:   rewritedb.Query{Include: []string{TagFastCompile}},
		AllowGC: true,
	}
	// NoRewrite executes graphs as they have been built.
	NoRewrite = Mode{
		Name:    "NONE",
		AllowGC: true,
	}
)

// Modes lists the predefined modes.
func Modes() []Mode {
	return []Mode{FastRun, FastCompile, NoRewrite}
}

// ModeByName returns a predefined mode given its name. Names are case insensitive.
func ModeByName(name string) (Mode, error) {
	var names []string
	for _, m := range Modes() {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
		names = append(names, m.Name)
	}
	return Mode{}, errors.Errorf("unknown mode %q: want one of %s", name, strings.Join(names, ", "))
}

// Including returns a copy of the mode also applying the rewrites with the given tags.
func (m Mode) Including(tags ...string) Mode {
	m.Query = m.Query.Including(tags...)
	return m
}

// Excluding returns a copy of the mode not applying the rewrites with the given tags.
func (m Mode) Excluding(tags ...string) Mode {
	m.Query = m.Query.Excluding(tags...)
	return m
}

// Requiring returns a copy of the mode only applying the rewrites with all the given tags.
func (m Mode) Requiring(tags ...string) Mode {
	m.Query = m.Query.Requiring(tags...)
	return m
}

func (m Mode) String() string {
	return m.Name + " " + m.Query.String()
}
