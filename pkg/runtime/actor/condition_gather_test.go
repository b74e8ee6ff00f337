// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/pkg/core/shapes"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newGather creates a gather of width outputs, each connected to the same input index of a probe.
func newGather(t *testing.T, table *BranchTable, width int) (*ConditionGatherActor, *probeActor) {
	outputs := make([]*device.Tensor, width)
	for ii := range outputs {
		outputs[ii] = device.NewTensor(fmt.Sprintf("gather:%d", ii), shapes.Make(dtypes.Float32, 1), device.CPU)
	}
	gather := NewConditionGatherActor("test/gather", "test/gather-op(ConditionGather)", table, width, outputs)
	sink := newProbe("test/sink")
	for ii := range width {
		gather.outputDataArrows = append(gather.outputDataArrows, DataArrow{FromOutputIndex: ii, ToOpID: sink.AID(), ToInputIndex: ii})
	}
	wire(t, device.NewContext(device.CPU, 0, 0), gather, sink)
	require.NoError(t, gather.Init())
	return gather, sink
}

func TestBranchTable(t *testing.T) {
	table := NewBranchTable([]string{"then", "else"}, map[string]int{"then": 2}, map[string]int{"else": 1})
	assert.Equal(t, 0, table.ID("then"))
	assert.Equal(t, 1, table.ID("else"))
	assert.Equal(t, -1, table.ID("maybe"))
	datasNum, controlsNum := table.Counts(0)
	assert.Equal(t, []int{2, 0}, []int{datasNum, controlsNum})
	datasNum, controlsNum = table.Counts(1)
	assert.Equal(t, []int{0, 1}, []int{datasNum, controlsNum})
	datasNum, controlsNum = table.Counts(7)
	assert.Equal(t, []int{0, 0}, []int{datasNum, controlsNum})
}

func TestConditionGatherActor_ForwardSelectedBranch(t *testing.T) {
	table := NewBranchTable([]string{"true", "false"}, map[string]int{"true": 3, "false": 3}, nil)
	gather, sink := newGather(t, table, 3)
	gather.OutputDeviceTensors()[1].SetFromMemPool(true)

	ctx := NewOpContext(1, Step, nil)
	gather.RunBranchName("false", ctx)
	inputs := []*device.Tensor{newFloat32("x0", 0), newFloat32("x1", 1), newFloat32("x2", 2)}
	for ii, input := range inputs {
		// Inputs of branch "false" come after the 3 inputs of branch "true".
		gather.RunOpData(&OpData{To: gather.AID(), Data: input, Index: 3 + ii}, ctx)
		if ii < len(inputs)-1 {
			assert.Empty(t, sink.received, "gather fired before all inputs of the branch arrived")
		}
	}
	require.NoError(t, ctx.Err())

	require.Len(t, sink.received, 1)
	batch := sink.received[0]
	require.Len(t, batch, 3)
	for _, data := range batch {
		assert.Same(t, inputs[data.Index], data.Data)
	}
	assert.False(t, inputs[0].FromMemPool())
	assert.True(t, inputs[1].FromMemPool())
	assert.False(t, inputs[2].FromMemPool())

	// The hold of the gather was released, and the one of the consumer added.
	for _, input := range inputs {
		assert.Equal(t, int64(1), input.RefCount())
	}
	for _, output := range gather.OutputDeviceTensors() {
		assert.False(t, output.IsPtrValid())
	}
	assert.Empty(t, gather.selected)
	assert.Empty(t, gather.inputOpDatas)
}

func TestConditionGatherActor_InvalidInputIndex(t *testing.T) {
	table := NewBranchTable([]string{"true", "false"}, map[string]int{"true": 3, "false": 3}, nil)
	gather, _ := newGather(t, table, 3)

	ctx := NewOpContext(1, Step, nil)
	gather.RunBranchName("true", ctx)
	gather.inputOpDatas[1] = []*OpData{{To: gather.AID(), Data: newFloat32("x", 1), Index: 5}}
	err := gather.FetchInput(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input index: 5 start: 0 total: 3")

	// Index of the other branch.
	ctx = NewOpContext(2, Step, nil)
	gather.RunBranchName("false", ctx)
	gather.inputOpDatas[2] = []*OpData{{To: gather.AID(), Data: newFloat32("x", 1), Index: 2}}
	err = gather.FetchInput(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input index: 2 start: 3 total: 3")
}

func TestConditionGatherActor_UnknownBranch(t *testing.T) {
	table := NewBranchTable([]string{"true", "false", "empty"}, map[string]int{"true": 1, "false": 1}, nil)
	gather, _ := newGather(t, table, 1)
	ctx := NewOpContext(1, Step, nil)
	assert.Panics(t, func() { gather.RunBranchName("maybe", ctx) })
	assert.Panics(t, func() { gather.RunBranchName("empty", ctx) })
	assert.NotPanics(t, func() { gather.RunBranchName("true", ctx) })
}

func TestConditionGatherActor_Init(t *testing.T) {
	table := NewBranchTable([]string{"true", "false"}, map[string]int{"true": 3, "false": 3}, nil)
	gather, _ := newGather(t, table, 3)
	require.NoError(t, gather.Init())
	assert.Len(t, gather.InputDeviceTensors(), len(gather.OutputDeviceTensors()))
	assert.Len(t, gather.InputDeviceTensors(), gather.BranchOutputNum())

	outputs := []*device.Tensor{newFloat32("a", 0), newFloat32("b", 0)}
	mismatched := NewConditionGatherActor("test/mismatched", "mismatched", table, 3, outputs)
	mismatched.deviceContext = device.NewContext(device.CPU, 0, 0)
	err := mismatched.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input tensor size 3 and output size 2")

	noDevice := NewConditionGatherActor("test/no-device", "no-device", table, 3, outputs)
	require.Error(t, noDevice.Init())
}

func TestConditionGatherActor_MissingInput(t *testing.T) {
	// Branch "a" only provides 1 of the 2 values consumed downstream.
	table := NewBranchTable([]string{"a", "b"}, map[string]int{"a": 1, "b": 2}, nil)
	gather, sink := newGather(t, table, 2)
	ctx := NewOpContext(1, Step, nil)
	gather.RunBranchName("a", ctx)
	gather.RunOpData(&OpData{To: gather.AID(), Data: newFloat32("x", 1), Index: 0}, ctx)
	require.Error(t, ctx.Err())
	assert.Contains(t, ctx.Err().Error(), "get input device tensor index: 1 failed")
	assert.Empty(t, sink.received)
}

func TestConditionGatherActor_UnexpectedMessages(t *testing.T) {
	table := NewBranchTable([]string{"a", "b"}, map[string]int{"a": 1, "b": 1}, nil)
	gather, sink := newGather(t, table, 1)

	// Data before the selection.
	ctx := NewOpContext(1, Step, nil)
	gather.RunOpData(&OpData{To: gather.AID(), Data: newFloat32("x", 1), Index: 0}, ctx)
	require.Error(t, ctx.Err())
	assert.Contains(t, ctx.Err().Error(), "without a selected branch")

	// More data than the branch provides.
	ctx = NewOpContext(2, Step, nil)
	gather.RunBranchName("b", ctx)
	gather.RunBatchOpData([]*OpData{
		{To: gather.AID(), Data: newFloat32("x", 1), Index: 1},
		{To: gather.AID(), Data: newFloat32("y", 1), Index: 1},
	}, ctx)
	require.Error(t, ctx.Err())
	assert.Contains(t, ctx.Err().Error(), "invalid input data num: 2, need: 1")
	assert.Empty(t, sink.received)

	// The state of failed invocations is dropped by cleanup.
	gather.cleanup(1)
	gather.cleanup(2)
	assert.Empty(t, gather.selected)
	assert.Empty(t, gather.inputOpDatas)
}

func TestConditionGatherActor_ControlOnlyBranch(t *testing.T) {
	store := device.NewStore()
	constant := newFloat32("constant", 7)
	require.NoError(t, store.Insert("constant", constant))
	table := NewBranchTable([]string{"compute", "constant"}, map[string]int{"compute": 1}, map[string]int{"constant": 1})
	gather, sink := newGather(t, table, 1)
	gather.store = store
	gather.storeKeys = []storeKey{{index: 1, node: "constant"}}

	ctx := NewOpContext(1, Step, nil)
	gather.RunBranchName("constant", ctx)
	assert.Empty(t, sink.received)
	gather.RunOpControl("test/switch", ctx)
	require.NoError(t, ctx.Err())
	require.Len(t, sink.received, 1)
	assert.Same(t, constant, sink.received[0][0].Data)
	assert.Equal(t, 0, sink.received[0][0].Index)
}
