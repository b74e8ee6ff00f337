// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Type of device.
type Type int

const (
	CPU Type = iota
	GPU
	Ascend
)

var typeNames = []string{"cpu", "gpu", "ascend"}

// String implements fmt.Stringer.
func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "unknown"
	}
	return typeNames[t]
}

// ParseType converts a device name (case-insensitive) to its Type.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, typeName := range typeNames {
		if name == typeName {
			return Type(ii), nil
		}
	}
	return 0, errors.Errorf("unknown device type %q, valid values are %q", name, typeNames)
}

// Context represents one device: the memory of tensors running on it is allocated from its Pool.
type Context struct {
	Type Type
	ID   int
	Pool *Pool
}

// NewContext creates a device context with a Pool limited to poolLimit bytes (0 for no limit).
func NewContext(deviceType Type, id int, poolLimit int) *Context {
	return &Context{
		Type: deviceType,
		ID:   id,
		Pool: NewPool(poolLimit),
	}
}

// String implements fmt.Stringer.
func (c *Context) String() string {
	return fmt.Sprintf("%s:%d", c.Type, c.ID)
}
