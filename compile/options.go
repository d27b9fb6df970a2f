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
	"github.com/gx-org/gxflow/compile/compilelock"
	"github.com/gx-org/gxflow/graph/sched"
	"github.com/gx-org/gxflow/link/vm"
	"github.com/gx-org/gxflow/rewrite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	options struct {
		mode           Mode
		logger         *zap.Logger
		tracerProvider trace.TracerProvider
		allowGC        *bool
		lazy           *vm.LazyMode
		reallocate     bool
		callback       vm.Callback
		schedule       sched.Scheduler
		maxPasses      int
		stats          *rewrite.Stats
		updates        []Update
		shared         []*Shared
		lockDir        string
		lockOpts       []compilelock.Option
	}

	// Option configures the compilation of a function.
	Option func(*options)
)

func newOptions(opts []Option) *options {
	o := &options{
		mode:           FastRun,
		logger:         zap.NewNop(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.stats == nil {
		o.stats = rewrite.NewStats()
	}
	return o
}

func (o *options) tracer() trace.Tracer {
	return o.tracerProvider.Tracer("gxflow/compile")
}

func (o *options) gc() bool {
	if o.allowGC != nil {
		return *o.allowGC
	}
	return o.mode.AllowGC
}

func (o *options) lazyMode() vm.LazyMode {
	if o.lazy != nil {
		return *o.lazy
	}
	return o.mode.Lazy
}

// WithMode sets the compilation mode. The default mode is FastRun.
func WithMode(mode Mode) Option {
	return func(o *options) {
		o.mode = mode
	}
}

// WithLogger sets the logger used to trace the compilation.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracerProvider sets the provider of the tracer recording the
// compilation phases. The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithAllowGC overrides the garbage collection setting of the mode.
func WithAllowGC(allow bool) Option {
	return func(o *options) {
		o.allowGC = &allow
	}
}

// WithLazy overrides the lazy evaluation setting of the mode.
func WithLazy(mode vm.LazyMode) Option {
	return func(o *options) {
		o.lazy = &mode
	}
}

// WithReallocation lets intermediate values reuse the cells of values
// not needed anymore.
func WithReallocation() Option {
	return func(o *options) {
		o.reallocate = true
	}
}

// WithCallback sets a function called after every node execution.
func WithCallback(cb vm.Callback) Option {
	return func(o *options) {
		o.callback = cb
	}
}

// WithSchedule sets the scheduler ordering the nodes.
func WithSchedule(s sched.Scheduler) Option {
	return func(o *options) {
		o.schedule = s
	}
}

// WithMaxPasses sets the maximum number of passes of the equilibrium rewriters.
func WithMaxPasses(n int) Option {
	return func(o *options) {
		o.maxPasses = n
	}
}

// WithStats records the rewrites applied to the graph.
func WithStats(stats *rewrite.Stats) Option {
	return func(o *options) {
		o.stats = stats
	}
}

// WithUpdates sets new values of shared variables computed by every call.
func WithUpdates(updates ...Update) Option {
	return func(o *options) {
		o.updates = append(o.updates, updates...)
	}
}

// WithShared declares shared variables used by the outputs.
// Shared variables with an update do not need to be declared.
func WithShared(shared ...*Shared) Option {
	return func(o *options) {
		o.shared = append(o.shared, shared...)
	}
}

// WithLock links the graph while holding the lock of a directory.
func WithLock(dir string, opts ...compilelock.Option) Option {
	return func(o *options) {
		o.lockDir = dir
		o.lockOpts = opts
	}
}
