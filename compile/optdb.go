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
	"github.com/gx-org/gxflow/rewrite"
	"github.com/gx-org/gxflow/rewrite/rewritedb"
)

// Tags selecting the rewrites of the compilation modes.
const (
	TagFastRun     = "fast_run"
	TagFastCompile = "fast_compile"
	// TagUnsafe marks rewrites changing the behavior of a graph,
	// for example by removing assertions.
	TagUnsafe  = "unsafe"
	TagInplace = "inplace"
	TagMerge   = "merge"
)

// Positions of the stages in OptDB.
const (
	PositionMerge1       = 0
	PositionCanonicalize = 1
	PositionStabilize    = 1.5
	PositionSpecialize   = 2
	PositionMerge2       = 49
	PositionInplace      = 75
)

// Databases of the rewrites applied when compiling a function.
//
// OptDB runs its stages in sequence. Packages defining operators register
// their rules in one of the stages from their init functions.
var (
	OptDB = rewritedb.New("optdb", rewritedb.Sequence)

	// Canonicalize rewrites graphs into a canonical form, simplifying
	// expressions and folding constants.
	Canonicalize = rewritedb.New("canonicalize", rewritedb.Equilibrium)

	// Stabilize rewrites expressions into numerically stable equivalents.
	Stabilize = rewritedb.New("stabilize", rewritedb.Equilibrium)

	// Specialize replaces generic operators by faster special cases.
	Specialize = rewritedb.New("specialize", rewritedb.Equilibrium)

	// Inplace replaces operators by variants overwriting their inputs.
	Inplace = rewritedb.New("inplace", rewritedb.Sequence)
)

func init() {
	OptDB.MustRegister("merge1", &rewrite.Merge{}, PositionMerge1, TagFastRun, TagFastCompile, TagMerge)
	OptDB.MustRegister("canonicalize", Canonicalize, PositionCanonicalize, TagFastRun, TagFastCompile)
	OptDB.MustRegister("stabilize", Stabilize, PositionStabilize, TagFastRun)
	OptDB.MustRegister("specialize", Specialize, PositionSpecialize, TagFastRun)
	OptDB.MustRegister("merge2", &rewrite.Merge{}, PositionMerge2, TagFastRun, TagMerge)
	OptDB.MustRegister("inplace", Inplace, PositionInplace, TagFastRun, TagInplace)

	Canonicalize.MustRegister("merge", &rewrite.Merge{}, 0, TagFastRun, TagFastCompile, TagMerge)
	Canonicalize.MustRegister("constant_folding", rewrite.ConstantFolding{}, 0, TagFastRun, TagFastCompile)
	Specialize.MustRegister("constant_folding", rewrite.ConstantFolding{}, 0, TagFastRun)
}
