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

package rewrite

import "go.uber.org/zap/zapcore"

// Stats counts what drivers have done.
// A nil *Stats is valid and records nothing.
type Stats struct {
	// Passes is the number of passes run by equilibrium drivers.
	Passes int
	// Applied counts the rewrites applied per rule.
	Applied map[string]int
	// Rejected counts the rewrites rejected by the graph validators per rule.
	Rejected map[string]int
}

var _ zapcore.ObjectMarshaler = (*Stats)(nil)

// NewStats returns new empty statistics.
func NewStats() *Stats {
	return &Stats{
		Applied:  make(map[string]int),
		Rejected: make(map[string]int),
	}
}

func (s *Stats) apply(rule string) {
	if s == nil {
		return
	}
	s.Applied[rule]++
}

func (s *Stats) reject(rule string) {
	if s == nil {
		return
	}
	s.Rejected[rule]++
}

func (s *Stats) pass() {
	if s == nil {
		return
	}
	s.Passes++
}

// Total returns the total number of applied rewrites.
func (s *Stats) Total() int {
	if s == nil {
		return 0
	}
	total := 0
	for _, n := range s.Applied {
		total += n
	}
	return total
}

// MarshalLogObject logs the statistics with zap.
func (s *Stats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if s == nil {
		return nil
	}
	enc.AddInt("passes", s.Passes)
	enc.AddInt("applied", s.Total())
	for rule, n := range s.Rejected {
		enc.AddInt("rejected."+rule, n)
	}
	return nil
}
