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
	"fmt"
	"strconv"
	"strings"

	"github.com/gx-org/backend/dtype"
)

const tab = "\t"

// printer writes the values of an array in row-major order.
type printer struct {
	w       strings.Builder
	values  []float64
	axes    []int
	strides []int
}

func strides(axes []int) []int {
	st := make([]int, len(axes))
	for i := range st {
		st[i] = 1
		for _, d := range axes[i+1:] {
			st[i] *= d
		}
	}
	return st
}

func formatValue(x float64) string {
	s := strconv.FormatFloat(x, 'f', 10, 64)
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

func (p *printer) vector(offset int) {
	n := p.axes[len(p.axes)-1]
	vals := make([]string, n)
	for i := range vals {
		vals[i] = formatValue(p.values[offset+i])
	}
	p.w.WriteString("{" + strings.Join(vals, ", ") + "}")
}

func (p *printer) rec(indent string, axis, offset int) {
	if axis == len(p.axes)-1 {
		p.vector(offset)
		return
	}
	p.w.WriteString("{\n")
	for i := 0; i < p.axes[axis]; i++ {
		p.w.WriteString(indent + tab)
		p.rec(indent+tab, axis+1, offset+i*p.strides[axis])
		p.w.WriteString(",\n")
	}
	p.w.WriteString(indent + "}")
}

func typeLabel(axes []int) string {
	var b strings.Builder
	for _, d := range axes {
		fmt.Fprintf(&b, "[%d]", d)
	}
	b.WriteString(dtype.Float64.String())
	return b.String()
}

// sprint returns a string representation of float64 values given the
// lengths of the axes, for example [2][2]float64{{1, 2}, {3, 4}}
// printed over several lines.
func sprint(values []float64, axes []int) string {
	size := 1
	for _, d := range axes {
		size *= d
	}
	if size != len(values) {
		return fmt.Sprintf("len(values)=%d does not match axes %v=%d", len(values), axes, size)
	}
	p := &printer{values: values, axes: axes, strides: strides(axes)}
	p.w.WriteString(typeLabel(axes))
	switch {
	case len(axes) == 0:
		p.w.WriteString("(" + formatValue(values[0]) + ")")
	case size == 0:
		p.w.WriteString("{}")
	default:
		p.rec("", 0, 0)
	}
	return p.w.String()
}
