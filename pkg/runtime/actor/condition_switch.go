// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/gomlx/graphrt/pkg/runtime/kernel"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConditionSwitchActor selects the branch of a conditional.
//
// Its input 0 is the condition: a Bool (true selects branch 0, false branch 1) or an Int32 with the
// ordinal of the branch. Its other inputs are forwarded, without copying, only along the arrows of the
// selected branch. The selection is sent to the paired ConditionGatherActor before any data of the branch.
type ConditionSwitchActor struct {
	AbstractActor

	branches *BranchTable
	gather   AID

	// branchDataArrows and branchControlArrows are indexed by branch id. FromOutputIndex refers to
	// the input forwarded.
	branchDataArrows    [][]DataArrow
	branchControlArrows [][]AID

	inputDeviceTensors []*device.Tensor
	numInputs          int
}

// NewConditionSwitchActor creates the switch for the branches merged by gather. numInputs includes
// the condition.
func NewConditionSwitchActor(aid AID, branches *BranchTable, gather AID, numInputs int) *ConditionSwitchActor {
	a := &ConditionSwitchActor{
		branches:            branches,
		gather:              gather,
		numInputs:           numInputs,
		branchDataArrows:    make([][]DataArrow, len(branches.Names)),
		branchControlArrows: make([][]AID, len(branches.Names)),
	}
	a.AbstractActor = newAbstractActor(aid, "ConditionSwitchActor", a)
	return a
}

// Init implements Actor.
func (a *ConditionSwitchActor) Init() error {
	if a.deviceContext == nil {
		return errors.Errorf("the device contexts number is wrong for actor %s", a.aid)
	}
	if a.numInputs < 1 {
		return errors.Errorf("actor %s has no condition input", a.aid)
	}
	a.inputDeviceTensors = make([]*device.Tensor, a.numInputs)
	for id, arrows := range a.branchDataArrows {
		for _, arrow := range arrows {
			if arrow.FromOutputIndex < 1 || arrow.FromOutputIndex >= a.numInputs {
				return errors.Errorf("actor %s: branch %q forwards invalid input %d", a.aid, a.branches.Names[id], arrow.FromOutputIndex)
			}
		}
	}
	return nil
}

func (a *ConditionSwitchActor) fetchInput(ctx *OpContext) error {
	clear(a.inputDeviceTensors)
	for _, data := range a.inputOpDatas[ctx.SequentialNum] {
		if data.Index < 0 || data.Index >= a.numInputs {
			return errors.Errorf("invalid input index %d, total %d for actor %s", data.Index, a.numInputs, a.aid)
		}
		a.inputDeviceTensors[data.Index] = data.Data
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
			return errors.Errorf("actor %s: input %d is missing", a.aid, ii)
		}
	}
	return nil
}

// selectBranch reads the condition.
func (a *ConditionSwitchActor) selectBranch(cond *device.Tensor) (int, error) {
	if cond.Shape().Size() != 1 {
		return 0, errors.Errorf("actor %s: condition must be a scalar, got %s", a.aid, cond.Shape())
	}
	var id int
	switch cond.Shape().DType {
	case dtypes.Bool:
		if kernel.Flat[bool](cond)[0] {
			id = 0
		} else {
			id = 1
		}
	case dtypes.Int32:
		id = int(kernel.Flat[int32](cond)[0])
	default:
		return 0, errors.Errorf("actor %s: condition must be Bool or Int32, got %s", a.aid, cond.Shape())
	}
	if id < 0 || id >= len(a.branches.Names) {
		return 0, errors.Errorf("actor %s: condition selects branch %d, but there are only %d branches %v",
			a.aid, id, len(a.branches.Names), a.branches.Names)
	}
	return id, nil
}

func (a *ConditionSwitchActor) run(ctx *OpContext) {
	if a.metrics != nil {
		a.metrics.ActorRuns.WithLabelValues(a.graph, a.kind).Inc()
	}
	scope := a.newFreeScope(ctx)
	defer scope.Release()
	if err := a.fetchInput(ctx); err != nil {
		a.fail(ctx, err)
		return
	}
	for _, data := range a.inputOpDatas[ctx.SequentialNum] {
		scope.Add(data.Data)
	}
	a.EraseInput(ctx)
	id, err := a.selectBranch(a.inputDeviceTensors[0])
	if err != nil {
		a.fail(ctx, err)
		return
	}
	klog.V(2).Infof("condition switch actor %s selected branch %q for invocation %d", a.aid, a.branches.Names[id], ctx.SequentialNum)

	gather := a.gather
	a.rt.Send(ctx, gather, func(receiver Actor) {
		receiver.(*ConditionGatherActor).RunBranchID(id, ctx)
	})

	batches := make(map[AID][]*OpData)
	var order []AID
	for _, arrow := range a.branchDataArrows[id] {
		t := a.inputDeviceTensors[arrow.FromOutputIndex]
		t.IncreaseRefCount(1)
		if _, found := batches[arrow.ToOpID]; !found {
			order = append(order, arrow.ToOpID)
		}
		batches[arrow.ToOpID] = append(batches[arrow.ToOpID], &OpData{To: arrow.ToOpID, Data: t, Index: arrow.ToInputIndex})
	}
	a.sendData(ctx, order, batches)
	a.sendControls(ctx, a.branchControlArrows[id])
	a.sendControls(ctx, a.outputControlArrows)
}

// cleanup drops the state of a failed invocation.
func (a *ConditionSwitchActor) cleanup(seq int64) {
	a.eraseSequence(seq)
	clear(a.inputDeviceTensors)
}
