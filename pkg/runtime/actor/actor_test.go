// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/pkg/core/shapes"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/gomlx/graphrt/pkg/runtime/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// newFloat32 creates a tensor bound to host memory, not allocated from a pool.
func newFloat32(name string, values ...float32) *device.Tensor {
	t := device.NewTensor(name, shapes.Make(dtypes.Float32, len(values)), device.CPU)
	t.SetPtr(make([]byte, t.Size()))
	copy(kernel.Flat[float32](t), values)
	return t
}

// newScalar creates a scalar tensor bound to host memory.
func newScalar[T dtypes.Supported](name string, value T) *device.Tensor {
	t := device.NewTensor(name, shapes.Scalar(dtypes.FromGenericsType[T]()), device.CPU)
	t.SetPtr(make([]byte, t.Size()))
	kernel.Flat[T](t)[0] = value
	return t
}

// probeActor records every message it receives, and fires on every message.
type probeActor struct {
	AbstractActor
	received    [][]*OpData
	numControls int
	allocs      int
}

func newProbe(aid AID) *probeActor {
	p := &probeActor{}
	p.AbstractActor = newAbstractActor(aid, "Probe", p)
	return p
}

func (p *probeActor) Init() error { return nil }

func (p *probeActor) checkRunningCondition(*OpContext) bool { return true }

func (p *probeActor) run(ctx *OpContext) {
	if datas := p.inputOpDatas[ctx.SequentialNum]; len(datas) > 0 {
		p.received = append(p.received, datas)
	}
	p.numControls += len(p.inputOpControls[ctx.SequentialNum])
	p.EraseInput(ctx)
}

func (p *probeActor) OnMemoryAllocFinish(*OpContext) { p.allocs++ }

// wire sets up the actors on a runtime that runs every message inline.
func wire(t *testing.T, dc *device.Context, actors ...Actor) (*Runtime, *MemoryManagerActor) {
	rt := NewRuntime("test", 0)
	mm := NewMemoryManagerActor("test/MemoryManagerActor", dc)
	for _, a := range append(actors, mm) {
		base := a.abstract()
		base.graph = "test"
		base.deviceContext = dc
		base.memoryManager = mm.AID()
		require.NoError(t, rt.Spawn(a))
	}
	require.NoError(t, mm.Init())
	return rt, mm
}

func TestAbstractActor_CheckCounts(t *testing.T) {
	dc := device.NewContext(device.CPU, 0, 0)
	p := newProbe("test/probe")
	wire(t, dc, p)
	p.inputDatasNum = 2
	ctx := NewOpContext(1, Step, nil)
	data := &OpData{To: p.AID(), Data: newFloat32("x", 1), Index: 0}

	p.inputOpDatas[1] = []*OpData{data}
	assert.False(t, p.CheckRunningCondition(ctx))
	assert.False(t, ctx.IsFailed())

	p.inputOpDatas[1] = append(p.inputOpDatas[1], data)
	assert.True(t, p.CheckRunningCondition(ctx))

	// Surplus messages fail the invocation.
	p.inputOpDatas[1] = append(p.inputOpDatas[1], data)
	assert.False(t, p.CheckRunningCondition(ctx))
	require.Error(t, ctx.Err())
	assert.Contains(t, ctx.Err().Error(), "invalid input data num: 3, need: 2")

	// Controls.
	p.inputOpControls[2] = []AID{"a", "b"}
	ctx2 := NewOpContext(2, Step, nil)
	assert.False(t, p.checkCounts(ctx2, 0, 1))
	assert.Contains(t, ctx2.Err().Error(), "invalid input control num: 2, need: 1")
}

func TestAbstractActor_ValidateOpData(t *testing.T) {
	dc := device.NewContext(device.CPU, 0, 0)
	p := newProbe("test/probe")
	wire(t, dc, p)

	ctx := NewOpContext(1, Step, nil)
	noMemory := device.NewTensor("empty", shapes.Make(dtypes.Float32, 2), device.CPU)
	p.RunOpData(&OpData{To: p.AID(), Data: noMemory, Index: 3}, ctx)
	require.Error(t, ctx.Err())
	assert.Contains(t, ctx.Err().Error(), "does not have a valid ptr")
	assert.Empty(t, p.received)

	// Tensors never read can be sent without memory.
	ctx = NewOpContext(2, Step, nil)
	noMemory.SetFlag(device.FlagNotUsed)
	p.RunOpData(&OpData{To: p.AID(), Data: noMemory, Index: 3}, ctx)
	require.NoError(t, ctx.Err())
	require.Len(t, p.received, 1)

	// Failed invocations are ignored.
	ctx.SetFailed(nil)
	p.RunOpControl("test/other", ctx)
	assert.Equal(t, 0, p.numControls)
}

func TestAbstractActor_SendOutput(t *testing.T) {
	dc := device.NewContext(device.CPU, 0, 0)
	producer, consumer, other := newProbe("test/producer"), newProbe("test/consumer"), newProbe("test/other")
	wire(t, dc, producer, consumer, other)
	producer.outputDataArrows = []DataArrow{
		{FromOutputIndex: 0, ToOpID: consumer.AID(), ToInputIndex: 1},
		{FromOutputIndex: 1, ToOpID: consumer.AID(), ToInputIndex: 0},
		{FromOutputIndex: 1, ToOpID: other.AID(), ToInputIndex: 0},
	}
	producer.outputControlArrows = []AID{other.AID()}
	outputs := []*device.Tensor{newFloat32("a", 1), newFloat32("b", 2)}

	ctx := NewOpContext(1, Step, nil)
	producer.SendOutput(ctx, outputs)
	require.NoError(t, ctx.Err())
	// Data for the same consumer arrives in one batch.
	require.Len(t, consumer.received, 1)
	require.Len(t, consumer.received[0], 2)
	for _, data := range consumer.received[0] {
		assert.Same(t, outputs[1-data.Index], data.Data)
	}
	require.Len(t, other.received, 1)
	assert.Same(t, outputs[1], other.received[0][0].Data)
	assert.Equal(t, 1, other.numControls)

	// Missing output.
	ctx = NewOpContext(2, Step, nil)
	producer.SendOutput(ctx, outputs[:1])
	require.Error(t, ctx.Err())
	assert.Contains(t, ctx.Err().Error(), "has no output for data arrow")
}

func TestMemoryManagerActor(t *testing.T) {
	dc := device.NewContext(device.CPU, 0, 16)
	requester := newProbe("test/requester")
	_, mm := wire(t, dc, requester)
	shape := shapes.Make(dtypes.Float32, 2)

	// Successful allocation notifies the requester.
	a, b := device.NewTensor("a", shape, device.CPU), device.NewTensor("b", shape, device.CPU)
	ctx := NewOpContext(1, Step, nil)
	mm.AllocateMemory([]*device.Tensor{a, b}, requester.AID(), ctx)
	require.NoError(t, ctx.Err())
	assert.Equal(t, 1, requester.allocs)
	assert.True(t, a.IsPtrValid())
	assert.True(t, b.FromMemPool())
	assert.Equal(t, int64(16), dc.Pool.Stats().InUse)

	// Releasing the last hold returns the memory and resets the count.
	b.SetOriginalRefCount(2)
	mm.FreeMemory([]*device.Tensor{a, b}, ctx)
	require.NoError(t, ctx.Err())
	assert.False(t, a.IsPtrValid())
	assert.Equal(t, int64(1), a.RefCount())
	assert.True(t, b.IsPtrValid())
	assert.Equal(t, int64(1), b.RefCount())
	mm.FreeMemory([]*device.Tensor{b}, ctx)
	assert.Equal(t, int64(0), dc.Pool.Stats().InUse)
	assert.Equal(t, int64(2), b.RefCount())

	// Allocation failure rolls back the memory of the request.
	big := device.NewTensor("big", shapes.Make(dtypes.Float32, 3), device.CPU)
	ctx = NewOpContext(2, Step, nil)
	mm.AllocateMemory([]*device.Tensor{a, big}, requester.AID(), ctx)
	require.Error(t, ctx.Err())
	assert.ErrorIs(t, ctx.Err(), device.ErrOutOfMemory)
	assert.Equal(t, 1, requester.allocs)
	assert.False(t, a.IsPtrValid())
	assert.Equal(t, int64(0), dc.Pool.Stats().InUse)

	// Releasing more than the number of consumers.
	ctx = NewOpContext(3, Step, nil)
	a.DecreaseRefCount()
	mm.FreeMemory([]*device.Tensor{a}, ctx)
	require.Error(t, ctx.Err())
	assert.Contains(t, ctx.Err().Error(), "released more times than it has consumers")
}
