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
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
)

// Shared is a variable whose value persists across calls and is shared
// by all the functions using it.
//
// Functions read the value of a shared variable when they are called and
// write it when they update it. Shared variables are not safe for
// concurrent use.
type Shared struct {
	variable *ir.Variable
	cell     *ir.Cell
}

// NewShared returns a new shared variable holding a value of the given type.
func NewShared(typ ir.Type, name string, value any) (*Shared, error) {
	s := &Shared{
		variable: ir.NewVariable(typ, name),
		cell:     &ir.Cell{},
	}
	if err := s.Set(value); err != nil {
		return nil, err
	}
	return s, nil
}

// Variable returns the variable to use in graphs to refer to the shared value.
func (s *Shared) Variable() *ir.Variable {
	return s.variable
}

// Get returns the current value.
func (s *Shared) Get() any {
	return s.cell.Value
}

// Set filters a value with the type of the variable and stores it.
func (s *Shared) Set(value any) error {
	if value == nil {
		return errors.Errorf("shared variable %s cannot be nil", s.variable)
	}
	filtered, err := s.variable.Type().Filter(value)
	if err != nil {
		return errors.Wrapf(err, "cannot set shared variable %s", s.variable)
	}
	s.cell.Value = filtered
	return nil
}

func (s *Shared) String() string {
	return s.variable.String()
}
