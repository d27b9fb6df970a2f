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

package link

import (
	"reflect"

	"github.com/gx-org/gxflow/graph/fgraph"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"
)

type (
	// StorageMap maps the variables of a graph to the cells holding
	// their values. It is reused across calls of a compiled function.
	StorageMap map[*ir.Variable]*ir.Cell

	// ComputeMap records which variables have been computed during a call.
	ComputeMap map[*ir.Variable]bool
)

// NewStorage returns a storage map with a cell for every variable of the
// graph. Cells found in reuse are kept. Cells of constants hold the
// value of the constant.
func NewStorage(g *fgraph.Graph, reuse StorageMap) StorageMap {
	storage := make(StorageMap, len(g.Variables()))
	for _, v := range g.Variables() {
		cell, ok := reuse[v]
		if !ok {
			cell = &ir.Cell{}
		}
		if v.IsConstant() {
			cell.Value = v.Data()
		}
		storage[v] = cell
	}
	return storage
}

// Container is a named cell holding the value of a variable.
type Container struct {
	name     string
	typ      ir.Type
	cell     *ir.Cell
	readonly bool
	strict   bool
}

// ErrReadonly is returned when writing to a readonly container.
var ErrReadonly = errors.New("container is readonly")

// NewContainer returns a container for a variable and its cell.
// Values written in a strict container must have the exact
// representation of the type.
func NewContainer(v *ir.Variable, cell *ir.Cell, readonly, strict bool) *Container {
	return &Container{
		name:     v.String(),
		typ:      v.Type(),
		cell:     cell,
		readonly: readonly,
		strict:   strict,
	}
}

// Name of the container.
func (c *Container) Name() string {
	return c.name
}

// Type of the values held by the container.
func (c *Container) Type() ir.Type {
	return c.typ
}

// Cell returns the cell of the container.
func (c *Container) Cell() *ir.Cell {
	return c.cell
}

// Readonly returns true if the container rejects writes.
func (c *Container) Readonly() bool {
	return c.readonly
}

// Value returns the value held by the container.
func (c *Container) Value() any {
	return c.cell.Value
}

// Set filters a value with the type of the container and stores it.
func (c *Container) Set(v any) error {
	if c.readonly {
		return errors.Wrapf(ErrReadonly, "cannot set %s", c.name)
	}
	if v == nil {
		c.cell.Clear()
		return nil
	}
	filtered, err := c.typ.Filter(v)
	if err != nil {
		return errors.Wrapf(err, "cannot set %s", c.name)
	}
	if c.strict && reflect.TypeOf(filtered) != reflect.TypeOf(v) {
		return errors.Errorf("cannot set %s: %T requires a conversion to %s", c.name, v, c.typ)
	}
	c.cell.Value = filtered
	return nil
}

// DeepCopy returns a container with its own cell holding a deep copy
// of the value of the container.
func (c *Container) DeepCopy() (*Container, error) {
	cp := *c
	cp.cell = &ir.Cell{}
	if c.cell.Empty() {
		return &cp, nil
	}
	value, err := copystructure.Copy(c.cell.Value)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot copy %s", c.name)
	}
	cp.cell.Value = value
	return &cp, nil
}

func (c *Container) String() string {
	return c.name
}
