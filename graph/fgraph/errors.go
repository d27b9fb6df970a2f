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
	"fmt"

	"github.com/gx-org/gxflow/graph/ir"
)

type (
	// MissingInputError is returned when a variable without owner is
	// required by the graph but is neither an input nor a constant.
	MissingInputError struct {
		Variable *ir.Variable
	}

	// TypeMismatchError is returned when replacing a variable by another
	// variable of a different type.
	TypeMismatchError struct {
		Old, New *ir.Variable
		Reason   string
	}

	// CycleError is returned when a replacement would make the graph cyclic.
	CycleError struct {
		Old, New *ir.Variable
	}
)

func (err *MissingInputError) Error() string {
	return fmt.Sprintf("%s is required by the graph but is not an input", err.Variable)
}

func (err *TypeMismatchError) Error() string {
	return fmt.Sprintf("cannot replace %s of type %s by %s of type %s (%s)", err.Old, err.Old.Type(), err.New, err.New.Type(), err.Reason)
}

func (err *CycleError) Error() string {
	return fmt.Sprintf("replacing %s by %s creates a cycle", err.Old, err.New)
}
