// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// allocFinisher is implemented by actors that request memory from the MemoryManagerActor.
type allocFinisher interface {
	Actor
	OnMemoryAllocFinish(ctx *OpContext)
}

// MemoryManagerActor allocates and frees, asynchronously, the device memory not covered by the static
// memory scheduler. Requests are handled one at a time, in the order they are received.
type MemoryManagerActor struct {
	AbstractActor
}

// NewMemoryManagerActor creates the memory manager of the device context.
func NewMemoryManagerActor(aid AID, deviceContext *device.Context) *MemoryManagerActor {
	m := &MemoryManagerActor{}
	m.AbstractActor = newAbstractActor(aid, "MemoryManagerActor", m)
	m.deviceContext = deviceContext
	return m
}

// Init implements Actor.
func (m *MemoryManagerActor) Init() error {
	if m.deviceContext == nil || m.deviceContext.Pool == nil {
		return errors.Errorf("%s has no device memory pool", m.aid)
	}
	return nil
}

func (m *MemoryManagerActor) checkRunningCondition(*OpContext) bool { return false }

func (m *MemoryManagerActor) run(*OpContext) {}

// AllocateMemory binds memory of the pool to the tensors that don't have memory yet, and then notifies
// from with OnMemoryAllocFinish. If the allocation fails, the memory allocated by the request is
// returned and the context fails.
func (m *MemoryManagerActor) AllocateMemory(tensors []*device.Tensor, from AID, ctx *OpContext) {
	if ctx.IsFailed() {
		return
	}
	pool := m.deviceContext.Pool
	var allocated []*device.Tensor
	var numBytes int
	for _, t := range tensors {
		if t.IsPtrValid() {
			continue
		}
		if t.DeviceType() != m.deviceContext.Type {
			m.rollback(allocated)
			m.fail(ctx, errors.Errorf("%s can't allocate %s for %s: device is %s", m.aid, t.Name(), from, m.deviceContext))
			return
		}
		if err := pool.AllocateTensor(t); err != nil {
			m.rollback(allocated)
			m.fail(ctx, errors.WithMessagef(err, "%s: allocating memory for actor %s", m.aid, from))
			return
		}
		allocated = append(allocated, t)
		numBytes += t.Size()
	}
	if numBytes > 0 {
		if m.metrics != nil {
			m.metrics.BytesAllocated.WithLabelValues(m.graph).Add(float64(numBytes))
		}
		klog.V(2).Infof("%s: allocated %s in %d tensors for %s, invocation %d",
			m.aid, humanize.Bytes(uint64(numBytes)), len(allocated), from, ctx.SequentialNum)
	}
	m.rt.Send(ctx, from, func(receiver Actor) {
		receiver.(allocFinisher).OnMemoryAllocFinish(ctx)
	})
}

func (m *MemoryManagerActor) rollback(allocated []*device.Tensor) {
	for _, t := range allocated {
		m.deviceContext.Pool.FreeTensor(t)
	}
}

// FreeMemory releases one hold of each tensor: tensors reaching a reference count of 0 have their memory
// returned to the pool, and their count reset for the next invocation.
func (m *MemoryManagerActor) FreeMemory(tensors []*device.Tensor, ctx *OpContext) {
	if ctx.IsFailed() {
		return
	}
	var numBytes int
	for _, t := range tensors {
		count := t.DecreaseRefCount()
		if count > 0 {
			continue
		}
		if count < 0 {
			m.fail(ctx, errors.Errorf("%s: tensor %s released more times than it has consumers", m.aid, t))
			return
		}
		if t.IsPtrValid() && t.FromMemPool() && !t.HasFlag(device.FlagPersisted) {
			numBytes += t.Size()
		}
		m.deviceContext.Pool.FreeTensor(t)
		t.ResetRefCount()
	}
	if numBytes > 0 {
		if m.metrics != nil {
			m.metrics.BytesFreed.WithLabelValues(m.graph).Add(float64(numBytes))
		}
		klog.V(2).Infof("%s: freed %s, invocation %d", m.aid, humanize.Bytes(uint64(numBytes)), ctx.SequentialNum)
	}
}
