// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel defines the contract of the pluggable compute units executed by the actor runtime,
// and a registry of kernel constructors by name.
//
// The runtime calls the methods of a Mod in this order:
//
//   - Init once, when the owning actor is initialized.
//   - Resize on the first launch and whenever the shapes of the inputs change.
//   - Launch on every run, possibly many times in between Resize calls.
//
// Implementations are registered with Register, usually in an init() function, and created with New.
// See package kernel/host for reference host kernels.
package kernel

import (
	"slices"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/pkg/errors"
)

// Attr describes one combination of input and output dtypes supported by a kernel.
type Attr struct {
	InputTypes, OutputTypes []dtypes.DType
}

// Matches returns whether the dtypes of the given tensors match the attribute.
func (a Attr) Matches(inputs, outputs []*device.Tensor) bool {
	if len(a.InputTypes) != len(inputs) || len(a.OutputTypes) != len(outputs) {
		return false
	}
	for ii, t := range inputs {
		if t.Shape().DType != a.InputTypes[ii] {
			return false
		}
	}
	for ii, t := range outputs {
		if t.Shape().DType != a.OutputTypes[ii] {
			return false
		}
	}
	return true
}

// Mod is the plug-in contract of a compute kernel.
type Mod interface {
	// Init the kernel for the given inputs and outputs. It is called once.
	Init(inputs, outputs []*device.Tensor) error

	// Resize is called before the first Launch, and again whenever the shapes of the inputs change.
	Resize(inputs, outputs []*device.Tensor) error

	// WorkspaceSizes returns the sizes in bytes of the scratch buffers needed by Launch.
	// It is valid after Resize.
	WorkspaceSizes() []int

	// Launch executes the kernel on the given stream. The memory of inputs, workspace and outputs is bound.
	Launch(inputs, workspace, outputs []*device.Tensor, stream uint32) error

	// OpSupport returns the dtype combinations supported. An empty list means any dtype is accepted.
	OpSupport() []Attr
}

// CheckSupport returns an error if no Attr of the kernel matches the dtypes of inputs and outputs.
func CheckSupport(k Mod, inputs, outputs []*device.Tensor) error {
	support := k.OpSupport()
	if len(support) == 0 {
		return nil
	}
	for _, attr := range support {
		if attr.Matches(inputs, outputs) {
			return nil
		}
	}
	return errors.Errorf("kernel doesn't support the dtypes of its %d inputs and %d outputs", len(inputs), len(outputs))
}

// Attributes are the static parameters of a kernel, given at construction.
type Attributes map[string]any

// Float32 returns the attribute key as a float32, or defaultValue if it is not set.
func (a Attributes) Float32(key string, defaultValue float32) (float32, error) {
	v, found := a[key]
	if !found {
		return defaultValue, nil
	}
	switch value := v.(type) {
	case float32:
		return value, nil
	case float64:
		return float32(value), nil
	case int:
		return float32(value), nil
	}
	return 0, errors.Errorf("attribute %q must be a number, got %T", key, v)
}

// Constructor creates a new kernel with the given attributes.
type Constructor func(attrs Attributes) (Mod, error)

var (
	muRegistry sync.Mutex
	registry   = make(map[string]Constructor)
)

// Register a kernel constructor under name. Registering a name twice replaces the constructor.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[name] = constructor
}

// New creates a kernel registered under name.
func New(name string, attrs Attributes) (Mod, error) {
	muRegistry.Lock()
	constructor, found := registry[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("kernel %q not registered, registered kernels: %v", name, List())
	}
	k, err := constructor(attrs)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating kernel %q", name)
	}
	return k, nil
}

// List returns the sorted names of the registered kernels.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
