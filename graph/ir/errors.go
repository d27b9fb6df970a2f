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

package ir

import "fmt"

type (
	// ArityError is returned when an operator is applied to the wrong
	// number of inputs.
	ArityError struct {
		Op   Op
		Want int
		Got  int
	}

	// InputTypeError is returned when an operator is applied to an input
	// of the wrong type.
	InputTypeError struct {
		Op    Op
		Index int
		Want  Type
		Got   Type
	}
)

func (err *ArityError) Error() string {
	return fmt.Sprintf("%s: got %d inputs but want %d", err.Op, err.Got, err.Want)
}

func (err *InputTypeError) Error() string {
	return fmt.Sprintf("%s: input %d has type %s but want %s", err.Op, err.Index, err.Got, err.Want)
}

// CheckArity returns an error if the number of inputs is not n.
func CheckArity(op Op, inputs []*Variable, n int) error {
	if len(inputs) != n {
		return &ArityError{Op: op, Want: n, Got: len(inputs)}
	}
	return nil
}

// CheckInputTypes returns an error if an input type does not match
// the type at the same position in want.
func CheckInputTypes(op Op, inputs []*Variable, want ...Type) error {
	if err := CheckArity(op, inputs, len(want)); err != nil {
		return err
	}
	for i, in := range inputs {
		if in == nil {
			return fmt.Errorf("%s: input %d is nil", op, i)
		}
		if !in.Type().Equal(want[i]) {
			return &InputTypeError{Op: op, Index: i, Want: want[i], Got: in.Type()}
		}
	}
	return nil
}
