// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/pkg/core/shapes"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/gomlx/graphrt/pkg/runtime/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func float32Tensor(values ...float32) *device.Tensor {
	t := device.NewTensor("x", shapes.Make(dtypes.Float32, len(values)), device.CPU)
	t.SetPtr(make([]byte, t.Size()))
	copy(kernel.Flat[float32](t), values)
	return t
}

func emptyTensor(dtype dtypes.DType, dims ...int) *device.Tensor {
	t := device.NewTensor("out", shapes.Make(dtype, dims...), device.CPU)
	t.SetPtr(make([]byte, t.Size()))
	return t
}

// launch runs the kernel through its full lifecycle.
func launch(t *testing.T, name string, attrs kernel.Attributes, inputs, outputs []*device.Tensor) {
	k, err := kernel.New(name, attrs)
	require.NoError(t, err)
	require.NoError(t, kernel.CheckSupport(k, inputs, outputs))
	require.NoError(t, k.Init(inputs, outputs))
	require.NoError(t, k.Resize(inputs, outputs))
	assert.Empty(t, k.WorkspaceSizes())
	require.NoError(t, k.Launch(inputs, nil, outputs, 0))
}

func TestHostKernels(t *testing.T) {
	x, bias := float32Tensor(1, 2, 3), float32Tensor(10, 20, 30)

	out := emptyTensor(dtypes.Float32, 3)
	launch(t, "Add", nil, []*device.Tensor{x, bias}, []*device.Tensor{out})
	assert.Equal(t, []float32{11, 22, 33}, kernel.Flat[float32](out))

	launch(t, "Scale", kernel.Attributes{"factor": 0.5}, []*device.Tensor{x}, []*device.Tensor{out})
	assert.Equal(t, []float32{0.5, 1, 1.5}, kernel.Flat[float32](out))

	launch(t, "Scale", nil, []*device.Tensor{x}, []*device.Tensor{out})
	assert.Equal(t, []float32{1, 2, 3}, kernel.Flat[float32](out))

	out16 := emptyTensor(dtypes.Float16, 3)
	launch(t, "CastToFloat16", nil, []*device.Tensor{x}, []*device.Tensor{out16})
	assert.Equal(t, []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(2), float16.Fromfloat32(3)},
		kernel.Flat[float16.Float16](out16))

	// Identity accepts any dtype.
	in32 := emptyTensor(dtypes.Int32, 2)
	copy(kernel.Flat[int32](in32), []int32{7, -7})
	out32 := emptyTensor(dtypes.Int32, 2)
	launch(t, "Identity", nil, []*device.Tensor{in32}, []*device.Tensor{out32})
	assert.Equal(t, []int32{7, -7}, kernel.Flat[int32](out32))
}

func TestHostKernels_Errors(t *testing.T) {
	x := float32Tensor(1, 2, 3)

	_, err := kernel.New("Scale", kernel.Attributes{"factor": "half"})
	require.Error(t, err)

	add, err := kernel.New("Add", nil)
	require.NoError(t, err)
	err = add.Init([]*device.Tensor{x}, []*device.Tensor{emptyTensor(dtypes.Float32, 3)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 inputs and 1 outputs, got 1 and 1")
	err = add.Resize([]*device.Tensor{x, float32Tensor(1, 2)}, []*device.Tensor{emptyTensor(dtypes.Float32, 3)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 3 elements")

	require.Error(t, kernel.CheckSupport(add,
		[]*device.Tensor{emptyTensor(dtypes.Int32, 3), x}, []*device.Tensor{emptyTensor(dtypes.Float32, 3)}))

	identity, err := kernel.New("Identity", nil)
	require.NoError(t, err)
	err = identity.Resize([]*device.Tensor{x}, []*device.Tensor{emptyTensor(dtypes.Float32, 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input has 12 bytes, output has 8 bytes")
}
