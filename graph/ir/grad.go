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

import (
	"fmt"

	"github.com/pkg/errors"
)

type (
	// DisconnectedType is the type of a gradient with respect to an
	// input that does not influence the output.
	DisconnectedType struct{}

	// NullType is the type of a gradient that is not defined.
	NullType struct {
		// Why the gradient is not defined.
		Why string
	}
)

var (
	_ Type = DisconnectedType{}
	_ Type = NullType{}
)

// Filter always fails: a disconnected gradient has no runtime value.
func (DisconnectedType) Filter(v any) (any, error) {
	return nil, errors.Errorf("a disconnected gradient cannot hold a value")
}

// Equal returns true if other is also a DisconnectedType.
func (DisconnectedType) Equal(other Type) bool {
	_, ok := other.(DisconnectedType)
	return ok
}

func (DisconnectedType) String() string {
	return "disconnected"
}

// Filter always fails: an undefined gradient has no runtime value.
func (t NullType) Filter(v any) (any, error) {
	return nil, errors.Errorf("an undefined gradient cannot hold a value: %s", t.Why)
}

// Equal returns true if other is also a NullType.
func (NullType) Equal(other Type) bool {
	_, ok := other.(NullType)
	return ok
}

func (t NullType) String() string {
	return fmt.Sprintf("null(%s)", t.Why)
}

// Disconnected returns a gradient marking that the output does not
// depend on the input v.
func Disconnected(v *Variable) *Variable {
	return NewVariable(DisconnectedType{}, "disconnected:"+v.String())
}

// NullGrad returns a gradient marking that the gradient is not defined.
func NullGrad(why string) *Variable {
	return NewVariable(NullType{Why: why}, "")
}

// IsDisconnected returns true if v is a disconnected gradient.
func IsDisconnected(v *Variable) bool {
	_, ok := v.typ.(DisconnectedType)
	return ok
}

// IsNullGrad returns true if v is an undefined gradient.
func IsNullGrad(v *Variable) bool {
	_, ok := v.typ.(NullType)
	return ok
}
