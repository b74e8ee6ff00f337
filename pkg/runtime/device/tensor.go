// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device models device-resident buffers (Tensor), the devices that own them (Context),
// their memory pools and the store of persistent tensors (constants and parameters).
//
// Device memory is represented by a []byte: a nil slice means the tensor currently has no memory
// bound to it. Tensors are shared between the actor that produces them and every actor that
// consumes them, so the reference counts are atomic and the pointer binding is guarded.
package device

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gomlx/graphrt/pkg/core/shapes"
)

// MaxRefCount is the reference count of tensors that are never released by the runtime:
// persisted tensors, and outputs whose memory is managed elsewhere.
const MaxRefCount = math.MaxInt64

// Flag is a bit set of properties of a Tensor.
type Flag uint32

const (
	// FlagNotUsed marks a tensor whose value is never read: it may be sent without valid memory.
	FlagNotUsed Flag = 1 << iota

	// FlagPersisted marks a tensor whose memory can't be replaced nor freed, e.g. tensors in the Store.
	FlagPersisted
)

// Tensor is a handle to a device-resident buffer with its ownership and reference count metadata.
type Tensor struct {
	name       string
	shape      shapes.Shape
	size       int
	deviceType Type
	streamID   atomic.Uint32
	flags      atomic.Uint32

	// mu protects ptr.
	mu  sync.Mutex
	ptr []byte

	// fromMemPool indicates the memory was allocated by a device Pool, and should be returned to it.
	fromMemPool atomic.Bool

	// originalRefCount is the number of consumers of the tensor, set when the graph is built.
	// refCount is the number of consumers that haven't released it yet in the current invocation.
	originalRefCount atomic.Int64
	refCount         atomic.Int64
}

// NewTensor creates a tensor without memory bound to it. Its size in bytes is derived from the shape.
//
// The reference counts start at 1.
func NewTensor(name string, shape shapes.Shape, deviceType Type) *Tensor {
	t := &Tensor{
		name:       name,
		shape:      shape,
		size:       shape.Memory(),
		deviceType: deviceType,
	}
	t.originalRefCount.Store(1)
	t.refCount.Store(1)
	return t
}

// Name used for debugging.
func (t *Tensor) Name() string { return t.name }

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Size in bytes of the tensor memory.
func (t *Tensor) Size() int { return t.size }

// DeviceType where the memory lives.
func (t *Tensor) DeviceType() Type { return t.deviceType }

// StreamID of the stream that produces the tensor.
func (t *Tensor) StreamID() uint32 { return t.streamID.Load() }

// SetStreamID of the stream that produces the tensor.
func (t *Tensor) SetStreamID(id uint32) { t.streamID.Store(id) }

// Ptr returns the memory bound to the tensor, or nil.
func (t *Tensor) Ptr() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ptr
}

// SetPtr binds the tensor to the given memory. Use nil to unbind it.
func (t *Tensor) SetPtr(ptr []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ptr = ptr
}

// IsPtrValid returns whether there is memory bound to the tensor.
func (t *Tensor) IsPtrValid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ptr != nil
}

// swapPtr atomically replaces the bound memory, returning the previous one.
func (t *Tensor) swapPtr(ptr []byte) (old []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, t.ptr = t.ptr, ptr
	return
}

// FromMemPool returns whether the memory was allocated by a device Pool.
func (t *Tensor) FromMemPool() bool { return t.fromMemPool.Load() }

// SetFromMemPool sets whether the memory was allocated by a device Pool.
func (t *Tensor) SetFromMemPool(fromMemPool bool) { t.fromMemPool.Store(fromMemPool) }

// HasFlag returns whether all the bits of flag are set.
func (t *Tensor) HasFlag(flag Flag) bool { return Flag(t.flags.Load())&flag == flag }

// SetFlag sets the bits of flag.
func (t *Tensor) SetFlag(flag Flag) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old|uint32(flag)) {
			return
		}
	}
}

// OriginalRefCount is the number of consumers registered for the tensor.
func (t *Tensor) OriginalRefCount() int64 { return t.originalRefCount.Load() }

// RefCount is the number of consumers that haven't released the tensor in the current invocation.
func (t *Tensor) RefCount() int64 { return t.refCount.Load() }

// SetOriginalRefCount sets the number of consumers and resets the current count to it.
func (t *Tensor) SetOriginalRefCount(count int64) {
	t.originalRefCount.Store(count)
	t.refCount.Store(count)
}

// IncreaseOriginalRefCount registers one more consumer, unless the tensor has MaxRefCount.
func (t *Tensor) IncreaseOriginalRefCount() {
	if t.originalRefCount.Load() == MaxRefCount {
		return
	}
	t.refCount.Store(t.originalRefCount.Add(1))
}

// ResetRefCount restores the current count to the original count.
func (t *Tensor) ResetRefCount() {
	t.refCount.Store(t.originalRefCount.Load())
}

// IncreaseRefCount adds n holds to the current invocation only: ResetRefCount discards them.
// It is used by actors that forward a tensor to consumers not known when the graph was built.
// It is a no-op for tensors with MaxRefCount.
func (t *Tensor) IncreaseRefCount(n int64) {
	if t.originalRefCount.Load() == MaxRefCount {
		return
	}
	t.refCount.Add(n)
}

// DecreaseRefCount releases one hold of the tensor and returns the remaining count.
//
// It is safe to call concurrently from sibling consumers: exactly one caller sees 0.
// Tensors with MaxRefCount are never decreased, and it returns MaxRefCount.
// It returns a negative value if the tensor was released more times than it has consumers.
func (t *Tensor) DecreaseRefCount() int64 {
	if t.originalRefCount.Load() == MaxRefCount {
		return MaxRefCount
	}
	return t.refCount.Add(-1)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%q, shape=%s, device=%s, valid=%v, ref=%d/%d, from_mem_pool=%v)",
		t.name, t.shape, t.deviceType, t.IsPtrValid(), t.RefCount(), t.OriginalRefCount(), t.FromMemPool())
}
