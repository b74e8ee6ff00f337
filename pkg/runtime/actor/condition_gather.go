// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/gomlx/graphrt/pkg/runtime/somas"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BranchTable is the frozen description of the branches merged by a ConditionGatherActor. Branches are
// identified by their ordinal (the interned branch id) in Names.
type BranchTable struct {
	// Names of the branches, in the order their inputs are laid out.
	Names []string

	// DatasNum and ControlsNum are the number of data and control messages expected from each branch.
	DatasNum, ControlsNum []int

	ids map[string]int
}

// NewBranchTable creates the table of the given branches. Counts missing for a branch are zero.
func NewBranchTable(names []string, datasNum, controlsNum map[string]int) *BranchTable {
	t := &BranchTable{
		Names:       slices.Clone(names),
		DatasNum:    make([]int, len(names)),
		ControlsNum: make([]int, len(names)),
		ids:         make(map[string]int, len(names)),
	}
	for id, name := range names {
		t.ids[name] = id
		t.DatasNum[id] = datasNum[name]
		t.ControlsNum[id] = controlsNum[name]
	}
	return t
}

// ID returns the ordinal of the branch, or -1 if the branch is unknown.
func (t *BranchTable) ID(name string) int {
	if id, found := t.ids[name]; found {
		return id
	}
	return -1
}

// Counts returns the number of data and control messages expected for branch id. Unknown branches
// expect none.
func (t *BranchTable) Counts(id int) (datasNum, controlsNum int) {
	if id < 0 || id >= len(t.Names) {
		return 0, 0
	}
	return t.DatasNum[id], t.ControlsNum[id]
}

// branchSelection is the branch selected for one invocation.
type branchSelection struct {
	id                    int
	datasNum, controlsNum int
}

// ConditionGatherActor merges the outputs of the mutually exclusive branches of a conditional.
//
// Each of the branches provides branchOutputNum values: the input of index i of branch b has the index
// b*branchOutputNum+i. Once the branch selected for the invocation (see RunBranchName) provided all
// its inputs, the actor forwards them as its outputs 0 to branchOutputNum-1, without copying.
type ConditionGatherActor struct {
	AbstractActor

	scopedName      string
	branches        *BranchTable
	branchOutputNum int

	// selected branch per invocation.
	selected map[int64]branchSelection

	inputDeviceTensors  []*device.Tensor
	memoryFreeList      []*device.Tensor
	outputDeviceTensors []*device.Tensor

	somasInfo               *somas.Info
	somasOutputs            []somas.OutputResult
	somasGraphOutputIndexes map[int]bool
}

// NewConditionGatherActor creates the gather actor of the given branches. outputs are the tensors
// describing the branchOutputNum outputs of the actor: they never hold memory of their own.
func NewConditionGatherActor(aid AID, scopedName string, branches *BranchTable, branchOutputNum int, outputs []*device.Tensor) *ConditionGatherActor {
	a := &ConditionGatherActor{
		scopedName:          scopedName,
		branches:            branches,
		branchOutputNum:     branchOutputNum,
		selected:            make(map[int64]branchSelection),
		outputDeviceTensors: outputs,
	}
	a.AbstractActor = newAbstractActor(aid, "ConditionGatherActor", a)
	return a
}

// Branches returns the branch table of the actor.
func (a *ConditionGatherActor) Branches() *BranchTable { return a.branches }

// BranchOutputNum is the number of values provided by each branch.
func (a *ConditionGatherActor) BranchOutputNum() int { return a.branchOutputNum }

// InputDeviceTensors returns the inputs of the selected branch, indexed by their position in the branch.
func (a *ConditionGatherActor) InputDeviceTensors() []*device.Tensor { return a.inputDeviceTensors }

// OutputDeviceTensors returns the tensors describing the outputs.
func (a *ConditionGatherActor) OutputDeviceTensors() []*device.Tensor { return a.outputDeviceTensors }

// RunBranchName records the branch selected for the invocation, and the number of messages expected from it.
//
// It panics if the branch expects neither data nor control messages: this means the graph is malformed.
func (a *ConditionGatherActor) RunBranchName(branchName string, ctx *OpContext) {
	klog.V(2).Infof("condition gather actor %s: branch name %q", a.aid, branchName)
	a.RunBranchID(a.branches.ID(branchName), ctx)
}

// RunBranchID is RunBranchName with the interned branch id. Unknown ids (-1) expect no message,
// and therefore panic.
func (a *ConditionGatherActor) RunBranchID(id int, ctx *OpContext) {
	datasNum, controlsNum := a.branches.Counts(id)
	if datasNum == 0 && controlsNum == 0 {
		name := "<unknown>"
		if id >= 0 && id < len(a.branches.Names) {
			name = a.branches.Names[id]
		}
		exceptions.Panicf("no input data and input control, branch id %d (%q) for actor %s", id, name, a.aid)
	}
	a.selected[ctx.SequentialNum] = branchSelection{id: id, datasNum: datasNum, controlsNum: controlsNum}
	if a.metrics != nil {
		a.metrics.BranchSelections.WithLabelValues(a.graph, string(a.aid), a.branches.Names[id]).Inc()
	}
	klog.V(2).Infof("condition gather actor %s: input data num %d, control num %d for invocation %d",
		a.aid, datasNum, controlsNum, ctx.SequentialNum)
	if ctx.IsFailed() {
		return
	}
	// Messages of the branch may only arrive after the selection, but check anyway.
	if a.checkRunningCondition(ctx) {
		a.run(ctx)
	}
}

// Init implements Actor. It can be called more than once.
func (a *ConditionGatherActor) Init() error {
	if a.deviceContext == nil {
		return errors.Errorf("the device contexts number is wrong for actor %s", a.aid)
	}
	if a.branchOutputNum <= 0 {
		return errors.Errorf("invalid branch output num %d for actor %s", a.branchOutputNum, a.aid)
	}
	a.inputDeviceTensors = make([]*device.Tensor, a.branchOutputNum)
	if err := initSomasOutputs(a.aid, a.outputDeviceTensors, a.somasInfo, a.somasOutputs, a.somasGraphOutputIndexes); err != nil {
		return err
	}
	if len(a.outputDeviceTensors) != len(a.inputDeviceTensors) {
		return errors.Errorf("invalid input tensor size %d and output size %d for actor %s",
			len(a.inputDeviceTensors), len(a.outputDeviceTensors), a.aid)
	}
	for _, arrow := range a.outputDataArrows {
		if arrow.FromOutputIndex < 0 || arrow.FromOutputIndex >= a.branchOutputNum {
			return errors.Errorf("invalid from index %d to actor %s to index %d for actor %s",
				arrow.FromOutputIndex, arrow.ToOpID, arrow.ToInputIndex, a.aid)
		}
	}
	return nil
}

func (a *ConditionGatherActor) checkRunningCondition(ctx *OpContext) bool {
	seq := ctx.SequentialNum
	selection, found := a.selected[seq]
	if !found {
		// The selection is always sent before the data of the branch: messages without a selection
		// come from a branch that was not selected, or arrived after the actor fired.
		if len(a.inputOpDatas[seq]) > 0 || len(a.inputOpControls[seq]) > 0 {
			a.fail(ctx, errors.Errorf("actor %s received %d input data and %d input control for invocation %d without a selected branch",
				a.aid, len(a.inputOpDatas[seq]), len(a.inputOpControls[seq]), seq))
		}
		return false
	}
	return a.checkCounts(ctx, selection.datasNum, selection.controlsNum)
}

// FetchInput binds the inputs of the selected branch to the slots 0 to branchOutputNum-1, and checks that
// every output with consumers has an input bound.
func (a *ConditionGatherActor) FetchInput(ctx *OpContext) error {
	selection, found := a.selected[ctx.SequentialNum]
	if !found {
		return errors.Errorf("no branch selected for invocation %d of actor %s, total branches %v",
			ctx.SequentialNum, a.aid, a.branches.Names)
	}
	startIndex := a.branchOutputNum * selection.id
	clear(a.inputDeviceTensors)
	a.memoryFreeList = a.memoryFreeList[:0]

	for _, data := range a.inputOpDatas[ctx.SequentialNum] {
		if data.Index < startIndex || data.Index-startIndex >= len(a.inputDeviceTensors) {
			return errors.Errorf("invalid input index: %d start: %d total: %d for actor: %s",
				data.Index, startIndex, len(a.inputDeviceTensors), a.aid)
		}
		a.inputDeviceTensors[data.Index-startIndex] = data.Data
		a.memoryFreeList = append(a.memoryFreeList, data.Data)
	}

	for _, key := range a.storeKeys {
		if key.index < startIndex || key.index-startIndex >= len(a.inputDeviceTensors) {
			continue
		}
		t, err := a.fetchFromStore(key)
		if err != nil {
			return err
		}
		a.inputDeviceTensors[key.index-startIndex] = t
	}

	for _, arrow := range a.outputDataArrows {
		from := arrow.FromOutputIndex
		if a.inputDeviceTensors[from] == nil {
			return errors.Errorf("%s get input device tensor index: %d failed", a.aid, from)
		}
		if a.outputDeviceTensors[from].FromMemPool() {
			a.inputDeviceTensors[from].SetFromMemPool(true)
		}
	}
	return nil
}

func (a *ConditionGatherActor) run(ctx *OpContext) {
	if a.metrics != nil {
		a.metrics.ActorRuns.WithLabelValues(a.graph, a.kind).Inc()
	}
	err := catchPanic(func() { a.runSelected(ctx) })
	if err != nil {
		a.fail(ctx, errors.WithMessagef(err, "Kernel error: run kernel[%s] failed", a.scopedName))
	}
}

func (a *ConditionGatherActor) runSelected(ctx *OpContext) {
	scope := a.newFreeScope(ctx)
	defer scope.Release()
	if err := a.FetchInput(ctx); err != nil {
		a.fail(ctx, err)
		return
	}
	scope.Add(a.memoryFreeList...)
	klog.V(2).Infof("condition gather actor %s forwarding branch %q for invocation %d",
		a.aid, a.branches.Names[a.selected[ctx.SequentialNum].id], ctx.SequentialNum)
	a.EraseInput(ctx)
	delete(a.selected, ctx.SequentialNum)

	// The outputs are the inputs forwarded: the output tensors never point to memory of their own.
	for _, output := range a.outputDeviceTensors {
		output.SetPtr(nil)
	}
	if err := setSomasMemory(a.outputDeviceTensors, a.somasInfo, a.somasOutputs); err != nil {
		a.fail(ctx, errors.WithMessagef(err, "actor %s", a.aid))
		return
	}
	// Each consumer downstream holds the forwarded tensor, the hold of this actor is released by scope.
	for _, arrow := range a.outputDataArrows {
		a.inputDeviceTensors[arrow.FromOutputIndex].IncreaseRefCount(1)
	}
	a.SendOutput(ctx, a.inputDeviceTensors)
}

// cleanup drops the state of a failed invocation.
func (a *ConditionGatherActor) cleanup(seq int64) {
	a.eraseSequence(seq)
	delete(a.selected, seq)
	clear(a.inputDeviceTensors)
	a.memoryFreeList = a.memoryFreeList[:0]
}
