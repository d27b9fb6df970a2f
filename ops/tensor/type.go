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

// Package tensor provides float64 arrays and a small set of operators on
// them: elementwise arithmetic, a lazy conditional and assertions.
// It registers its rewrite rules in the compilation databases.
package tensor

import (
	"strings"

	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
)

// TensorType is the type of arrays with a given number of axes.
type TensorType struct {
	DType dtype.DataType
	Rank  int
}

var (
	_ ir.Type         = TensorType{}
	_ ir.Shaped       = TensorType{}
	_ ir.ValueShaper  = TensorType{}
	_ ir.ValueEqualer = TensorType{}
)

// Tensor returns the type of float64 arrays with rank axes.
func Tensor(rank int) TensorType {
	return TensorType{DType: dtype.Float64, Rank: rank}
}

// Common tensor types.
var (
	ScalarType = Tensor(0)
	VectorType = Tensor(1)
	MatrixType = Tensor(2)
)

// Filter converts a value into an array of the type.
func (t TensorType) Filter(v any) (any, error) {
	if t.DType != dtype.Float64 {
		return nil, errors.Errorf("data type %s not supported", t.DType)
	}
	a, err := ToArray(v)
	if err != nil {
		return nil, err
	}
	if a.Rank() != t.Rank {
		return nil, errors.Errorf("cannot use an array of rank %d as %s", a.Rank(), t)
	}
	return a, nil
}

// Equal returns true if other is a tensor type with the same data type and rank.
func (t TensorType) Equal(other ir.Type) bool {
	o, ok := other.(TensorType)
	return ok && o.DType == t.DType && o.Rank == t.Rank
}

// NDim returns the number of axes.
func (t TensorType) NDim() int {
	return t.Rank
}

// ValueShape returns the shape of an array.
func (t TensorType) ValueShape(v any) (ir.Shape, bool) {
	a, ok := v.(*Array)
	if !ok {
		return nil, false
	}
	shape := make(ir.Shape, a.Rank())
	for i, d := range a.Dims() {
		shape[i] = ir.Dim(d)
	}
	return shape, true
}

// ValuesEqual returns true if two arrays are equal.
func (t TensorType) ValuesEqual(a, b any) bool {
	aA, okA := a.(*Array)
	bA, okB := b.(*Array)
	return okA && okB && aA.Equal(bA)
}

func (t TensorType) String() string {
	return strings.Repeat("[]", t.Rank) + t.DType.String()
}

// Var returns a new float64 variable with rank axes.
func Var(name string, rank int) *ir.Variable {
	return ir.NewVariable(Tensor(rank), name)
}

// Const returns a new constant from a Go value (see ToArray).
func Const(v any) (*ir.Variable, error) {
	a, err := ToArray(v)
	if err != nil {
		return nil, err
	}
	return ir.NewConstant(Tensor(a.Rank()), a)
}

// MustConst returns a new constant. It panics if the value cannot be converted.
func MustConst(v any) *ir.Variable {
	c, err := Const(v)
	if err != nil {
		panic(err)
	}
	return c
}

func tensorType(v *ir.Variable) (TensorType, error) {
	t, ok := v.Type().(TensorType)
	if !ok {
		return TensorType{}, errors.Errorf("%s: got type %s but want a tensor", v, v.Type())
	}
	return t, nil
}

func toArrays(inputs []any) ([]*Array, error) {
	arrays := make([]*Array, len(inputs))
	for i, in := range inputs {
		a, ok := in.(*Array)
		if !ok {
			return nil, errors.Errorf("input %d: got %T but want *tensor.Array", i, in)
		}
		arrays[i] = a
	}
	return arrays, nil
}
