// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/pkg/core/shapes"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/gomlx/graphrt/pkg/runtime/kernel"
	"github.com/gomlx/graphrt/pkg/runtime/somas"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelActor owns one kernel: it collects the kernel inputs, requests memory for its outputs,
// launches it and sends the outputs to the consumers.
type KernelActor struct {
	AbstractActor

	kernel     kernel.Mod
	scopedName string
	streamID   uint32

	// inputShapes given when the graph was built: used to create the tensors given to kernel.Init.
	inputShapes []shapes.Shape

	// Per invocation state: the actor handles one invocation at a time.
	inputDeviceTensors []*device.Tensor
	memoryFreeList     []*device.Tensor
	workspace          []*device.Tensor
	lastInputShapes    []shapes.Shape
	resized            bool

	outputDeviceTensors []*device.Tensor
	// unusedOutputs are the indices of outputs without consumers: they are released right after launch.
	unusedOutputs []int

	somasInfo               *somas.Info
	somasOutputs            []somas.OutputResult
	somasGraphOutputIndexes map[int]bool

	initialized bool
}

// NewKernelActor creates an actor for the kernel. Its outputs are the given tensors, created when
// the graph was built.
func NewKernelActor(aid AID, k kernel.Mod, scopedName string, inputShapes []shapes.Shape, outputs []*device.Tensor) *KernelActor {
	a := &KernelActor{
		kernel:              k,
		scopedName:          scopedName,
		inputShapes:         inputShapes,
		outputDeviceTensors: outputs,
	}
	a.AbstractActor = newAbstractActor(aid, "KernelActor", a)
	return a
}

// ScopedName is the name of the kernel used in error messages.
func (a *KernelActor) ScopedName() string { return a.scopedName }

// OutputDeviceTensors returns the output tensors of the kernel.
func (a *KernelActor) OutputDeviceTensors() []*device.Tensor { return a.outputDeviceTensors }

// Init implements Actor: it initializes the kernel and registers the outputs covered by the static
// memory scheduler.
func (a *KernelActor) Init() error {
	if a.deviceContext == nil {
		return errors.Errorf("the device contexts number is wrong for actor %s", a.aid)
	}
	a.inputDeviceTensors = make([]*device.Tensor, len(a.inputShapes))
	if !a.initialized {
		inputs := make([]*device.Tensor, len(a.inputShapes))
		for ii, shape := range a.inputShapes {
			inputs[ii] = device.NewTensor(fmt.Sprintf("%s:input#%d", a.aid, ii), shape, a.deviceContext.Type)
		}
		if err := kernel.CheckSupport(a.kernel, inputs, a.outputDeviceTensors); err != nil {
			return errors.WithMessagef(err, "actor %s, kernel %s", a.aid, a.scopedName)
		}
		if err := a.kernel.Init(inputs, a.outputDeviceTensors); err != nil {
			return errors.WithMessagef(err, "initializing kernel %s of actor %s", a.scopedName, a.aid)
		}
		a.initialized = true
	}
	if err := initSomasOutputs(a.aid, a.outputDeviceTensors, a.somasInfo, a.somasOutputs, a.somasGraphOutputIndexes); err != nil {
		return err
	}
	a.unusedOutputs = a.unusedOutputs[:0]
	for ii, output := range a.outputDeviceTensors {
		output.SetStreamID(a.streamID)
		if !somas.IsTensorEnableSomas(a.somasOutputs, ii) && !a.hasConsumer(ii) {
			a.unusedOutputs = append(a.unusedOutputs, ii)
		}
	}
	return nil
}

// initSomasOutputs registers the outputs covered by the static memory scheduler: graph outputs
// are kept alive when the block is freed, others are never released by reference counting.
func initSomasOutputs(aid AID, outputs []*device.Tensor, info *somas.Info, table []somas.OutputResult, graphOutputs map[int]bool) error {
	if len(table) > 0 && len(table) != len(outputs) {
		klog.V(1).Infof("actor %s: invalid output address size %d and somas output size %d", aid, len(outputs), len(table))
	}
	for ii, output := range outputs {
		if !somas.IsTensorEnableSomas(table, ii) {
			continue
		}
		if info == nil {
			return errors.Errorf("actor %s: output %d is assigned somas memory, but the graph has no somas block", aid, ii)
		}
		if table[ii].Size < output.Size() {
			klog.Warningf("actor %s check somas size warning, output index %d: somas aligned size %d is smaller than address size %d",
				aid, ii, table[ii].Size, output.Size())
		}
		if graphOutputs[ii] {
			if err := info.InsertGraphOutputInfo(output, table[ii].Offset, table[ii].Size); err != nil {
				return errors.WithMessagef(err, "actor %s", aid)
			}
			output.SetFromMemPool(true)
		}
		output.SetOriginalRefCount(device.MaxRefCount)
	}
	return nil
}

// setSomasMemory binds the outputs covered by the static memory scheduler to their range in the block.
func setSomasMemory(outputs []*device.Tensor, info *somas.Info, table []somas.OutputResult) error {
	for ii, output := range outputs {
		if !somas.IsTensorEnableSomas(table, ii) {
			continue
		}
		if err := info.Bind(output, table[ii]); err != nil {
			return err
		}
	}
	return nil
}

func (a *KernelActor) hasConsumer(outputIndex int) bool {
	return slices.ContainsFunc(a.outputDataArrows, func(arrow DataArrow) bool {
		return arrow.FromOutputIndex == outputIndex
	})
}

// FetchInput collects the input tensors of the invocation from the received OpData and from the
// device tensor store.
func (a *KernelActor) FetchInput(ctx *OpContext) error {
	clear(a.inputDeviceTensors)
	a.memoryFreeList = a.memoryFreeList[:0]
	for _, data := range a.inputOpDatas[ctx.SequentialNum] {
		if data.Index < 0 || data.Index >= len(a.inputDeviceTensors) {
			return errors.Errorf("invalid input index %d, total %d for actor %s", data.Index, len(a.inputDeviceTensors), a.aid)
		}
		a.inputDeviceTensors[data.Index] = data.Data
		a.memoryFreeList = append(a.memoryFreeList, data.Data)
	}
	for _, key := range a.storeKeys {
		t, err := a.fetchFromStore(key)
		if err != nil {
			return err
		}
		a.inputDeviceTensors[key.index] = t
	}
	for ii, t := range a.inputDeviceTensors {
		if t == nil {
			return errors.Errorf("actor %s: input %d of kernel %s is missing", a.aid, ii, a.scopedName)
		}
	}
	return nil
}

// resizeIfNeeded calls kernel.Resize on the first launch and whenever the input shapes change,
// and prepares the workspace. Panics of the kernel are converted to errors.
func (a *KernelActor) resizeIfNeeded() (err error) {
	changed := !a.resized || len(a.lastInputShapes) != len(a.inputDeviceTensors)
	if !changed {
		for ii, t := range a.inputDeviceTensors {
			if !t.Shape().Equal(a.lastInputShapes[ii]) {
				changed = true
				break
			}
		}
	}
	if !changed {
		return nil
	}
	// Recorded again only on success: a failed resize is retried by the next invocation.
	a.resized = false
	a.lastInputShapes = a.lastInputShapes[:0]
	a.workspace = a.workspace[:0]
	var sizes []int
	if exception := catchPanic(func() {
		err = a.kernel.Resize(a.inputDeviceTensors, a.outputDeviceTensors)
		if err == nil {
			sizes = a.kernel.WorkspaceSizes()
		}
	}); exception != nil {
		err = exception
	}
	if err != nil {
		return errors.WithMessagef(err, "resizing kernel %s", a.scopedName)
	}
	for ii, size := range sizes {
		if size <= 0 {
			a.workspace = a.workspace[:0]
			return errors.Errorf("kernel %s: invalid size %d for workspace #%d", a.scopedName, size, ii)
		}
		a.workspace = append(a.workspace, device.NewTensor(
			fmt.Sprintf("%s:workspace#%d", a.aid, ii), shapes.Make(dtypes.Uint8, size), a.deviceContext.Type))
	}
	for _, t := range a.inputDeviceTensors {
		a.lastInputShapes = append(a.lastInputShapes, t.Shape())
	}
	a.resized = true
	klog.V(1).Infof("actor %s: resized kernel %s, workspace sizes %v", a.aid, a.scopedName, sizes)
	return nil
}

func (a *KernelActor) run(ctx *OpContext) {
	if a.metrics != nil {
		a.metrics.ActorRuns.WithLabelValues(a.graph, a.kind).Inc()
	}
	if err := a.FetchInput(ctx); err != nil {
		a.fail(ctx, err)
		return
	}
	if err := a.resizeIfNeeded(); err != nil {
		a.fail(ctx, errors.WithMessagef(err, "Kernel error: run kernel[%s] failed", a.scopedName))
		return
	}
	if err := setSomasMemory(a.outputDeviceTensors, a.somasInfo, a.somasOutputs); err != nil {
		a.fail(ctx, errors.WithMessagef(err, "actor %s", a.aid))
		return
	}
	var toAllocate []*device.Tensor
	for ii, output := range a.outputDeviceTensors {
		if !somas.IsTensorEnableSomas(a.somasOutputs, ii) {
			toAllocate = append(toAllocate, output)
		}
	}
	toAllocate = append(toAllocate, a.workspace...)
	if len(toAllocate) == 0 {
		a.OnMemoryAllocFinish(ctx)
		return
	}
	allocate, from := toAllocate, a.aid
	a.rt.Send(ctx, a.memoryManager, func(receiver Actor) {
		receiver.(*MemoryManagerActor).AllocateMemory(allocate, from, ctx)
	})
}

// OnMemoryAllocFinish launches the kernel once its outputs and workspace have memory, and sends the
// outputs.
func (a *KernelActor) OnMemoryAllocFinish(ctx *OpContext) {
	if ctx.IsFailed() {
		return
	}
	scope := a.newFreeScope(ctx)
	defer scope.Release()
	scope.Add(a.memoryFreeList...)
	scope.Add(a.workspace...)

	err := a.launch()
	a.EraseInput(ctx)
	if err != nil {
		a.fail(ctx, errors.WithMessagef(err, "Kernel error: run kernel[%s] failed", a.scopedName))
		return
	}
	for _, ii := range a.unusedOutputs {
		scope.Add(a.outputDeviceTensors[ii])
	}
	a.SendOutput(ctx, a.outputDeviceTensors)
}

// launch the kernel, converting panics to errors.
func (a *KernelActor) launch() (err error) {
	klog.V(2).Infof("actor %s launch kernel %s", a.aid, a.scopedName)
	exception := catchPanic(func() {
		err = a.kernel.Launch(a.inputDeviceTensors, a.workspace, a.outputDeviceTensors, a.streamID)
	})
	if exception != nil {
		return exception
	}
	return err
}

// cleanup drops the state of a failed invocation, and returns the memory of the outputs to the pool.
func (a *KernelActor) cleanup(seq int64) {
	a.eraseSequence(seq)
	clear(a.inputDeviceTensors)
	a.memoryFreeList = a.memoryFreeList[:0]
	pool := a.deviceContext.Pool
	for ii, output := range a.outputDeviceTensors {
		if !somas.IsTensorEnableSomas(a.somasOutputs, ii) {
			pool.FreeTensor(output)
		}
		output.ResetRefCount()
	}
	for _, t := range a.workspace {
		pool.FreeTensor(t)
		t.ResetRefCount()
	}
}
