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

package sched_test

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/graph/sched"
	"github.com/gx-org/gxflow/internal/testops"
	"github.com/pkg/errors"
)

func TestSchedule(t *testing.T) {
	x, y := testops.Var("x"), testops.Var("y")
	add := testops.Apply(testops.Add, x, y).Owner()
	div := testops.Apply(testops.Div, x, y).Owner()
	mul := testops.Apply(testops.Mul, add.Out(), div.Out()).Owner()
	neg := testops.Apply(testops.Neg, x).Owner()
	nodes := []*ir.Apply{mul, neg, div, add}
	tests := []struct {
		desc    string
		compare sched.Comparator
		want    string
	}{
		{
			desc: "by id",
			want: "Add(x, y); Div(x, y); Mul(Add.out, Div.out); Neg(x)",
		},
		{
			desc:    "by string",
			compare: sched.ByString,
			want:    "Add(x, y); Div(x, y); Mul(Add.out, Div.out); Neg(x)",
		},
		{
			desc: "reversed",
			compare: func(a, b *ir.Apply) int {
				return sched.ByID(b, a)
			},
			want: "Neg(x); Div(x, y); Add(x, y); Mul(Add.out, Div.out)",
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			order, err := sched.Schedule(nodes, test.compare)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.want, testops.Labels(order)); diff != "" {
				t.Errorf("unexpected order (-want +got):\n%s", diff)
			}
			if err := sched.Validate(order); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestScheduleSubset(t *testing.T) {
	x := testops.Var("x")
	neg := testops.Apply(testops.Neg, x).Owner()
	double := testops.Apply(testops.Add, neg.Out(), neg.Out()).Owner()
	// Nodes outside of the set are ignored.
	order, err := sched.Schedule([]*ir.Apply{double}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := testops.Labels(order), "Add(Neg.out, Neg.out)"; got != want {
		t.Errorf("got %q but want %q", got, want)
	}
}

func TestScheduleRandomGraphs(t *testing.T) {
	rnd := rand.New(rand.NewSource(0))
	ops := []*testops.Op{testops.Add, testops.Sub, testops.Mul, testops.Div}
	for trial := 0; trial < 20; trial++ {
		vars := testops.Vars("a", "b", "c")
		var nodes []*ir.Apply
		for i := 0; i < 30; i++ {
			x := vars[rnd.Intn(len(vars))]
			y := vars[rnd.Intn(len(vars))]
			out := testops.Apply(ops[rnd.Intn(len(ops))], x, y)
			vars = append(vars, out)
			nodes = append(nodes, out.Owner())
		}
		rnd.Shuffle(len(nodes), func(i, j int) {
			nodes[i], nodes[j] = nodes[j], nodes[i]
		})
		for _, compare := range []sched.Comparator{sched.ByID, sched.ByString} {
			order, err := sched.Schedule(nodes, compare)
			if err != nil {
				t.Fatalf("trial %d: %v", trial, err)
			}
			if len(order) != len(nodes) {
				t.Fatalf("trial %d: got %d nodes but want %d", trial, len(order), len(nodes))
			}
			if err := sched.Validate(order); err != nil {
				t.Errorf("trial %d: %v", trial, err)
			}
		}
	}
}

func TestScheduleCycle(t *testing.T) {
	x := testops.Var("x")
	a := testops.Apply(testops.Neg, x).Owner()
	b := testops.Apply(testops.Neg, a.Out()).Owner()
	a.SetInput(0, b.Out())
	_, err := sched.Schedule([]*ir.Apply{a, b}, nil)
	var cycle *ir.CycleError
	if !errors.As(err, &cycle) {
		t.Errorf("got error %v but want a *ir.CycleError", err)
	}
}

func TestValidate(t *testing.T) {
	x := testops.Var("x")
	a := testops.Apply(testops.Neg, x).Owner()
	b := testops.Apply(testops.Neg, a.Out()).Owner()
	if err := sched.Validate([]*ir.Apply{a, b}); err != nil {
		t.Error(err)
	}
	if err := sched.Validate([]*ir.Apply{b, a}); err == nil {
		t.Error("expected an error for a node scheduled before its input")
	}
	if err := sched.Validate([]*ir.Apply{b}); err != nil {
		t.Errorf("nodes outside of the order should be ignored: %v", err)
	}
}

func TestDefault(t *testing.T) {
	x := testops.Var("x")
	a := testops.Apply(testops.Neg, x).Owner()
	b := testops.Apply(testops.Neg, a.Out()).Owner()
	order, err := sched.Default([]*ir.Apply{b, a})
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != a || order[1] != b {
		t.Errorf("got order %s but want %s; %s", testops.Labels(order), a, b)
	}
}

func TestDepends(t *testing.T) {
	x, y := testops.Var("x"), testops.Var("y")
	add := testops.Apply(testops.Add, x, y).Owner()
	neg := testops.Apply(testops.Neg, add.Out()).Owner()
	mul := testops.Apply(testops.Mul, neg.Out(), y).Owner()
	div := testops.Apply(testops.Div, x, y).Owner()
	d := sched.NewDepends()
	tests := []struct {
		a, b *ir.Apply
		want bool
	}{
		{a: mul, b: add, want: true},
		{a: mul, b: neg, want: true},
		{a: neg, b: add, want: true},
		{a: add, b: mul, want: false},
		{a: mul, b: div, want: false},
		{a: add, b: add, want: false},
	}
	for _, test := range tests {
		if got := d.Depends(test.a, test.b); got != test.want {
			t.Errorf("Depends(%s, %s) = %t but want %t", test.a, test.b, got, test.want)
		}
	}
}
