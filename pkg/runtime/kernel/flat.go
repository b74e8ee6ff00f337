// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/pkg/runtime/device"
)

// Flat returns the memory of the tensor viewed as a slice of T. It returns nil if the tensor has no
// memory bound.
//
// T must match the tensor's dtype: no check is done.
func Flat[T dtypes.Supported](t *device.Tensor) []T {
	ptr := t.Ptr()
	if len(ptr) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(ptr))), len(ptr)/int(unsafe.Sizeof(zero)))
}
