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

package tensor

import (
	"reflect"

	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/backend/shape"
	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Array is a multi-dimensional array of float64 stored in row-major order.
type Array struct {
	shape  shape.Shape
	values []float64
}

func init() {
	// Arrays hold their values in unexported fields: deep copies
	// made with copystructure go through Clone.
	copystructure.Copiers[reflect.TypeOf(Array{})] = func(v any) (any, error) {
		a := v.(Array)
		return *a.Clone(), nil
	}
}

func newShape(dims []int) shape.Shape {
	return shape.Shape{
		DType:       dtype.Float64,
		AxisLengths: append([]int{}, dims...),
	}
}

// NewArray returns an array given its values and the length of its axes.
// An array without axes is a scalar.
func NewArray(values []float64, dims ...int) (*Array, error) {
	sh := newShape(dims)
	if sh.Size() != len(values) {
		return nil, errors.Errorf("cannot build an array of shape %v from %d values", dims, len(values))
	}
	return &Array{shape: sh, values: values}, nil
}

// Scalar returns an array with a single value and no axes.
func Scalar(x float64) *Array {
	return &Array{shape: newShape(nil), values: []float64{x}}
}

// Zeros returns an array of zeros.
func Zeros(dims ...int) *Array {
	sh := newShape(dims)
	return &Array{shape: sh, values: make([]float64, sh.Size())}
}

// Matrix returns an array from rows of equal lengths.
func Matrix(rows [][]float64) (*Array, error) {
	if len(rows) == 0 {
		return Zeros(0, 0), nil
	}
	cols := len(rows[0])
	values := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, errors.Errorf("row %d has %d values but row 0 has %d", i, len(row), cols)
		}
		values = append(values, row...)
	}
	return NewArray(values, len(rows), cols)
}

// ToArray converts a Go value into an array.
// Accepted values are arrays, float and integer scalars, []float64 and [][]float64.
func ToArray(v any) (*Array, error) {
	switch vT := v.(type) {
	case *Array:
		if vT == nil {
			return nil, errors.Errorf("nil array")
		}
		return vT, nil
	case float64:
		return Scalar(vT), nil
	case float32:
		return Scalar(float64(vT)), nil
	case int:
		return Scalar(float64(vT)), nil
	case int64:
		return Scalar(float64(vT)), nil
	case []float64:
		return NewArray(append([]float64{}, vT...), len(vT))
	case [][]float64:
		return Matrix(vT)
	}
	return nil, errors.Errorf("cannot convert %T to an array", v)
}

// Shape of the array.
func (a *Array) Shape() *shape.Shape {
	return &a.shape
}

// Dims returns the length of every axis.
func (a *Array) Dims() []int {
	return a.shape.AxisLengths
}

// Rank returns the number of axes.
func (a *Array) Rank() int {
	return len(a.shape.AxisLengths)
}

// Size returns the number of values.
func (a *Array) Size() int {
	return len(a.values)
}

// Flat returns the values of the array in row-major order.
func (a *Array) Flat() []float64 {
	return a.values
}

// IsAtomic returns true if the array holds a single value.
func (a *Array) IsAtomic() bool {
	return a.shape.IsAtomic()
}

// Item returns the value of a scalar array.
func (a *Array) Item() (float64, error) {
	if len(a.values) != 1 {
		return 0, errors.Errorf("%s not atomic", a.shape.String())
	}
	return a.values[0], nil
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i, d := range a {
		if d != b[i] {
			return false
		}
	}
	return true
}

// Equal returns true if both arrays have the same shape and the same values.
func (a *Array) Equal(b *Array) bool {
	return sameDims(a.Dims(), b.Dims()) && floats.Equal(a.values, b.values)
}

// Clone returns a deep copy of the array.
func (a *Array) Clone() *Array {
	return &Array{
		shape:  newShape(a.shape.AxisLengths),
		values: append([]float64{}, a.values...),
	}
}

// String representation of the array.
func (a *Array) String() string {
	return sprint(a.values, a.shape.AxisLengths)
}
