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

package tensor_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/ops/tensor"
	"github.com/mitchellh/copystructure"
)

func mustArray(t *testing.T, values []float64, dims ...int) *tensor.Array {
	t.Helper()
	a, err := tensor.NewArray(values, dims...)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestArrayString(t *testing.T) {
	tests := []struct {
		values []float64
		dims   []int
		want   string
	}{
		{
			values: []float64{42},
			want:   "float64(42)",
		},
		{
			values: []float64{1, 2.5, -3},
			dims:   []int{3},
			want:   "[3]float64{1, 2.5, -3}",
		},
		{
			values: []float64{0, 1, 2, 3, 4, 5},
			dims:   []int{2, 3},
			want: `
[2][3]float64{
	{0, 1, 2},
	{3, 4, 5},
}
`,
		},
		{
			values: []float64{0, 1, 2, 3, 4, 5, 6, 7},
			dims:   []int{2, 2, 2},
			want: `
[2][2][2]float64{
	{
		{0, 1},
		{2, 3},
	},
	{
		{4, 5},
		{6, 7},
	},
}
`,
		},
		{
			values: []float64{},
			dims:   []int{0},
			want:   "[0]float64{}",
		},
	}
	for i, test := range tests {
		a := mustArray(t, test.values, test.dims...)
		want := strings.TrimSpace(test.want)
		if got := a.String(); got != want {
			t.Errorf("test %d: incorrect string:\ngot:\n%s\nwant:\n%s", i, got, want)
		}
	}
}

func TestNewArrayError(t *testing.T) {
	if _, err := tensor.NewArray([]float64{1, 2, 3}, 2, 2); err == nil {
		t.Errorf("expected an error")
	}
}

func TestToArray(t *testing.T) {
	tests := []struct {
		value any
		dims  []int
		flat  []float64
		err   bool
	}{
		{value: 2.5, dims: []int{}, flat: []float64{2.5}},
		{value: 3, dims: []int{}, flat: []float64{3}},
		{value: float32(1.5), dims: []int{}, flat: []float64{1.5}},
		{value: []float64{1, 2}, dims: []int{2}, flat: []float64{1, 2}},
		{value: [][]float64{{1, 2}, {3, 4}, {5, 6}}, dims: []int{3, 2}, flat: []float64{1, 2, 3, 4, 5, 6}},
		{value: [][]float64{{1, 2}, {3}}, err: true},
		{value: "1", err: true},
		{value: (*tensor.Array)(nil), err: true},
	}
	for i, test := range tests {
		a, err := tensor.ToArray(test.value)
		if test.err {
			if err == nil {
				t.Errorf("test %d: expected an error for %v", i, test.value)
			}
			continue
		}
		if err != nil {
			t.Errorf("test %d: %v", i, err)
			continue
		}
		if diff := cmp.Diff(test.dims, a.Dims()); diff != "" {
			t.Errorf("test %d: unexpected dims (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff(test.flat, a.Flat()); diff != "" {
			t.Errorf("test %d: unexpected values (-want +got):\n%s", i, diff)
		}
	}
}

func TestArrayClone(t *testing.T) {
	a := mustArray(t, []float64{1, 2, 3, 4}, 2, 2)
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatalf("clone %s differs from %s", b, a)
	}
	b.Flat()[0] = 10
	if a.Flat()[0] != 1 {
		t.Errorf("modifying the clone has modified the original array")
	}
	if a.Equal(b) {
		t.Errorf("arrays with different values are equal")
	}
	if a.Equal(mustArray(t, []float64{1, 2, 3, 4}, 4)) {
		t.Errorf("arrays with different shapes are equal")
	}
}

func TestArrayDeepCopy(t *testing.T) {
	a := mustArray(t, []float64{1, 2, 3}, 3)
	cp, err := copystructure.Copy(a)
	if err != nil {
		t.Fatal(err)
	}
	b := cp.(*tensor.Array)
	if !a.Equal(b) {
		t.Fatalf("copy %s differs from %s", b, a)
	}
	b.Flat()[0] = 10
	if a.Flat()[0] != 1 {
		t.Errorf("modifying the copy has modified the original array")
	}
}

func TestArrayItem(t *testing.T) {
	x, err := tensor.Scalar(4).Item()
	if err != nil {
		t.Fatal(err)
	}
	if x != 4 {
		t.Errorf("got %v but want 4", x)
	}
	if _, err := tensor.Zeros(2).Item(); err == nil {
		t.Errorf("expected an error for an array of 2 values")
	}
}

func TestTensorType(t *testing.T) {
	m := tensor.MatrixType
	if got, want := m.String(), "[][]float64"; got != want {
		t.Errorf("got %q but want %q", got, want)
	}
	if !m.Equal(tensor.Tensor(2)) {
		t.Errorf("%s != %s", m, tensor.Tensor(2))
	}
	if m.Equal(tensor.VectorType) {
		t.Errorf("%s == %s", m, tensor.VectorType)
	}
	if _, err := m.Filter([]float64{1, 2}); err == nil {
		t.Errorf("expected an error when filtering a vector with %s", m)
	}
	v, err := m.Filter([][]float64{{1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	shape, ok := m.ValueShape(v)
	if !ok {
		t.Fatalf("no shape for %v", v)
	}
	if diff := cmp.Diff(ir.Shape{1, 2}, shape); diff != "" {
		t.Errorf("unexpected shape (-want +got):\n%s", diff)
	}
	if !m.ValuesEqual(v, mustArray(t, []float64{1, 2}, 1, 2)) {
		t.Errorf("equal values are reported different")
	}
}
