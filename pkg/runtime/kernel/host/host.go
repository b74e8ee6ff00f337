// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package host implements reference kernels that run on the host CPU, on the memory bound to the
// device tensors. They register themselves in the kernel registry when the package is imported:
//
//	import _ "github.com/gomlx/graphrt/pkg/runtime/kernel/host"
//
// Registered kernels:
//
//   - "Identity": copies its single input to its single output, any dtype.
//   - "Add": element-wise sum of two float32 inputs.
//   - "Scale": multiplies its float32 input by the attribute "factor" (default 1).
//   - "CastToFloat16": converts a float32 input to float16.
package host

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/gomlx/graphrt/pkg/runtime/kernel"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func init() {
	kernel.Register("Identity", NewIdentity)
	kernel.Register("Add", NewAdd)
	kernel.Register("Scale", NewScale)
	kernel.Register("CastToFloat16", NewCastToFloat16)
}

// base implements the arity and element count checks shared by the host kernels.
type base struct {
	name                  string
	numInputs, numOutputs int
	numElements           int
}

func (b *base) checkArity(inputs, outputs []*device.Tensor) error {
	if len(inputs) != b.numInputs || len(outputs) != b.numOutputs {
		return errors.Errorf("%s: expected %d inputs and %d outputs, got %d and %d",
			b.name, b.numInputs, b.numOutputs, len(inputs), len(outputs))
	}
	return nil
}

// Init implements kernel.Mod.
func (b *base) Init(inputs, outputs []*device.Tensor) error {
	return b.checkArity(inputs, outputs)
}

// Resize implements kernel.Mod: all inputs and outputs must have the same number of elements.
func (b *base) Resize(inputs, outputs []*device.Tensor) error {
	if err := b.checkArity(inputs, outputs); err != nil {
		return err
	}
	b.numElements = inputs[0].Shape().Size()
	for _, group := range [][]*device.Tensor{inputs, outputs} {
		for _, t := range group {
			if t.Shape().Size() != b.numElements {
				return errors.Errorf("%s: %s has shape %s, expected %d elements", b.name, t.Name(), t.Shape(), b.numElements)
			}
		}
	}
	return nil
}

// WorkspaceSizes implements kernel.Mod: host kernels need no workspace.
func (b *base) WorkspaceSizes() []int { return nil }

func float32Attrs(numInputs int, outputType dtypes.DType) []kernel.Attr {
	attr := kernel.Attr{OutputTypes: []dtypes.DType{outputType}}
	for range numInputs {
		attr.InputTypes = append(attr.InputTypes, dtypes.Float32)
	}
	return []kernel.Attr{attr}
}

// Identity copies its input to its output.
type Identity struct{ base }

// NewIdentity implements kernel.Constructor.
func NewIdentity(kernel.Attributes) (kernel.Mod, error) {
	return &Identity{base{name: "Identity", numInputs: 1, numOutputs: 1}}, nil
}

// Resize implements kernel.Mod: input and output must have the same byte size.
func (k *Identity) Resize(inputs, outputs []*device.Tensor) error {
	if err := k.checkArity(inputs, outputs); err != nil {
		return err
	}
	if inputs[0].Size() != outputs[0].Size() {
		return errors.Errorf("Identity: input has %d bytes, output has %d bytes", inputs[0].Size(), outputs[0].Size())
	}
	return nil
}

// Launch implements kernel.Mod.
func (k *Identity) Launch(inputs, _, outputs []*device.Tensor, _ uint32) error {
	copy(outputs[0].Ptr(), inputs[0].Ptr())
	return nil
}

// OpSupport implements kernel.Mod.
func (k *Identity) OpSupport() []kernel.Attr { return nil }

// Add sums its two inputs.
type Add struct{ base }

// NewAdd implements kernel.Constructor.
func NewAdd(kernel.Attributes) (kernel.Mod, error) {
	return &Add{base{name: "Add", numInputs: 2, numOutputs: 1}}, nil
}

// Launch implements kernel.Mod.
func (k *Add) Launch(inputs, _, outputs []*device.Tensor, _ uint32) error {
	lhs, rhs := kernel.Flat[float32](inputs[0]), kernel.Flat[float32](inputs[1])
	out := kernel.Flat[float32](outputs[0])
	for ii := range out {
		out[ii] = lhs[ii] + rhs[ii]
	}
	return nil
}

// OpSupport implements kernel.Mod.
func (k *Add) OpSupport() []kernel.Attr { return float32Attrs(2, dtypes.Float32) }

// Scale multiplies its input by a constant factor.
type Scale struct {
	base
	factor float32
}

// NewScale implements kernel.Constructor. It takes the attribute "factor".
func NewScale(attrs kernel.Attributes) (kernel.Mod, error) {
	factor, err := attrs.Float32("factor", 1)
	if err != nil {
		return nil, err
	}
	return &Scale{base: base{name: "Scale", numInputs: 1, numOutputs: 1}, factor: factor}, nil
}

// Launch implements kernel.Mod.
func (k *Scale) Launch(inputs, _, outputs []*device.Tensor, _ uint32) error {
	in, out := kernel.Flat[float32](inputs[0]), kernel.Flat[float32](outputs[0])
	for ii := range out {
		out[ii] = in[ii] * k.factor
	}
	return nil
}

// OpSupport implements kernel.Mod.
func (k *Scale) OpSupport() []kernel.Attr { return float32Attrs(1, dtypes.Float32) }

// CastToFloat16 converts float32 values to float16.
type CastToFloat16 struct{ base }

// NewCastToFloat16 implements kernel.Constructor.
func NewCastToFloat16(kernel.Attributes) (kernel.Mod, error) {
	return &CastToFloat16{base{name: "CastToFloat16", numInputs: 1, numOutputs: 1}}, nil
}

// Launch implements kernel.Mod.
func (k *CastToFloat16) Launch(inputs, _, outputs []*device.Tensor, _ uint32) error {
	in, out := kernel.Flat[float32](inputs[0]), kernel.Flat[float16.Float16](outputs[0])
	for ii := range out {
		out[ii] = float16.Fromfloat32(in[ii])
	}
	return nil
}

// OpSupport implements kernel.Mod.
func (k *CastToFloat16) OpSupport() []kernel.Attr { return float32Attrs(1, dtypes.Float16) }
