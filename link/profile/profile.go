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

// Package profile records per operator metrics of executed programs.
package profile

import (
	"time"

	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/link"
	"github.com/gx-org/gxflow/link/vm"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "gxflow"
	subsystem = "thunk"
)

// Profiler counts the executions of the nodes of a program by operator.
// It is used either as a virtual machine callback, counting executions,
// or as a wrap linker wrapper, also measuring execution times.
type Profiler struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var (
	_ vm.Callback  = (*Profiler)(nil).Callback
	_ link.Wrapper = (*Profiler)(nil).Wrapper
)

// New returns a new profiler. Its metrics need to be registered.
func New() *Profiler {
	return &Profiler{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "executions_total",
				Help:      "Number of node executions by operator.",
			},
			[]string{"op"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "duration_seconds",
				Help:      "Execution time of the thunks by operator in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 12),
			},
			[]string{"op", "result"},
		),
	}
}

// MustRegister registers the metrics with the given Prometheus registry.
func (p *Profiler) MustRegister(registry prometheus.Registerer) {
	registry.MustRegister(p.executions, p.duration)
}

func opLabel(node *ir.Apply) string {
	return node.Op().String()
}

// Callback counts the execution of a node.
func (p *Profiler) Callback(node *ir.Apply, thunk *link.Thunk, storage link.StorageMap, compute link.ComputeMap) {
	p.executions.WithLabelValues(opLabel(node)).Inc()
}

// Wrapper calls the thunk of a node and records its execution time.
func (p *Profiler) Wrapper(i int, node *ir.Apply, thunk *link.Thunk, storage link.StorageMap, compute link.ComputeMap) error {
	start := time.Now()
	err := thunk.Call()
	result := "success"
	if err != nil {
		result = "error"
	}
	p.duration.WithLabelValues(opLabel(node), result).Observe(time.Since(start).Seconds())
	if err == nil {
		p.executions.WithLabelValues(opLabel(node)).Inc()
	}
	return err
}
