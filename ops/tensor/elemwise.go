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
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

type kernel func(dst []float64, xs [][]float64)

// Elemwise applies a scalar function to every value of its inputs.
//
// Inputs are either arrays of the same shape or scalars (arrays without
// axes): scalars are broadcast to the shape of the other inputs.
type Elemwise struct {
	name    string
	nIn     int
	kernel  kernel
	inplace bool
	// Variant writing into its first input if op is not in place,
	// or not writing in place if op is.
	other *Elemwise
}

var (
	_ ir.Op           = (*Elemwise)(nil)
	_ ir.ShapeInferer = (*Elemwise)(nil)
	_ ir.Destroyer    = (*Elemwise)(nil)
)

func newElemwise(name string, nIn int, k kernel) (*Elemwise, *Elemwise) {
	op := &Elemwise{name: name, nIn: nIn, kernel: k}
	inplace := &Elemwise{name: name, nIn: nIn, kernel: k, inplace: true, other: op}
	op.other = inplace
	return op, inplace
}

// Elementwise operators and their in place variants.
var (
	Add, AddInplace = newElemwise("Add", 2, func(dst []float64, xs [][]float64) {
		floats.AddTo(dst, xs[0], xs[1])
	})
	Sub, SubInplace = newElemwise("Sub", 2, func(dst []float64, xs [][]float64) {
		floats.SubTo(dst, xs[0], xs[1])
	})
	Mul, MulInplace = newElemwise("Mul", 2, func(dst []float64, xs [][]float64) {
		floats.MulTo(dst, xs[0], xs[1])
	})
	Div, DivInplace = newElemwise("Div", 2, func(dst []float64, xs [][]float64) {
		floats.DivTo(dst, xs[0], xs[1])
	})
	Neg, NegInplace = newElemwise("Neg", 1, func(dst []float64, xs [][]float64) {
		floats.ScaleTo(dst, -1, xs[0])
	})
)

// IsInplace returns true if the operator writes its result into its first input.
func (op *Elemwise) IsInplace() bool {
	return op.inplace
}

// Inplace returns the variant of the operator writing into its first input.
func (op *Elemwise) Inplace() *Elemwise {
	if op.inplace {
		return op
	}
	return op.other
}

// NotInplace returns the variant of the operator allocating its result.
func (op *Elemwise) NotInplace() *Elemwise {
	if !op.inplace {
		return op
	}
	return op.other
}

// MakeNode checks that inputs can be broadcast together.
func (op *Elemwise) MakeNode(inputs ...*ir.Variable) (*ir.Apply, error) {
	if err := ir.CheckArity(op, inputs, op.nIn); err != nil {
		return nil, err
	}
	rank := 0
	for _, in := range inputs {
		t, err := tensorType(in)
		if err != nil {
			return nil, err
		}
		if t.Rank == 0 {
			continue
		}
		if rank != 0 && rank != t.Rank {
			return nil, errors.Errorf("%s: cannot broadcast inputs of rank %d and %d", op, rank, t.Rank)
		}
		rank = t.Rank
	}
	return ir.NewApply(op, inputs, Tensor(rank)), nil
}

func broadcastDims(xs []*Array) ([]int, error) {
	var dims []int
	for _, x := range xs {
		if x.Rank() == 0 {
			continue
		}
		if dims == nil {
			dims = x.Dims()
			continue
		}
		if !sameDims(dims, x.Dims()) {
			return nil, errors.Errorf("shape mismatch: %v and %v", dims, x.Dims())
		}
	}
	return dims, nil
}

// Perform applies the kernel.
func (op *Elemwise) Perform(node *ir.Apply, inputs []any, outputs []*ir.Cell) error {
	xs, err := toArrays(inputs)
	if err != nil {
		return err
	}
	dims, err := broadcastDims(xs)
	if err != nil {
		return err
	}
	var out *Array
	if op.inplace && sameDims(xs[0].Dims(), dims) {
		out = xs[0]
	} else {
		out = Zeros(dims...)
	}
	args := make([][]float64, len(xs))
	for i, x := range xs {
		if x.Size() == out.Size() {
			args[i] = x.values
			continue
		}
		fill := make([]float64, out.Size())
		for k := range fill {
			fill[k] = x.values[0]
		}
		args[i] = fill
	}
	op.kernel(out.values, args)
	outputs[0].Value = out
	return nil
}

// InferShape returns the broadcast shape of the inputs.
func (op *Elemwise) InferShape(node *ir.Apply, inputShapes []ir.Shape) ([]ir.Shape, error) {
	var out ir.Shape
	for _, shape := range inputShapes {
		if len(shape) == 0 {
			continue
		}
		if out == nil {
			out = append(ir.Shape{}, shape...)
			continue
		}
		if len(shape) != len(out) {
			return nil, errors.Errorf("cannot broadcast shapes of rank %d and %d", len(out), len(shape))
		}
		for i, d := range shape {
			if !out[i].Known() && d.Known() {
				out[i] = d
			}
		}
	}
	if out == nil {
		out = ir.Shape{}
	}
	return []ir.Shape{out}, nil
}

// DestroyMap returns the inputs overwritten by an in place operator.
func (op *Elemwise) DestroyMap() map[int][]int {
	if !op.inplace {
		return nil
	}
	return map[int][]int{0: {0}}
}

func (op *Elemwise) String() string {
	if op.inplace {
		return op.name + "{inplace}"
	}
	return op.name
}
