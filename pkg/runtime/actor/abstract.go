// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// hooks are implemented by the concrete actors embedding AbstractActor.
type hooks interface {
	// checkRunningCondition returns whether all inputs of the invocation arrived.
	checkRunningCondition(ctx *OpContext) bool

	// run fires the actor for the invocation.
	run(ctx *OpContext)
}

// AbstractActor implements the bookkeeping common to all actors: it accumulates the messages of
// each invocation, checks the running condition and sends the outputs along the arrows.
type AbstractActor struct {
	aid   AID
	kind  string
	graph string
	rt    *Runtime
	self  hooks

	metrics       *Metrics
	deviceContext *device.Context
	memoryManager AID
	store         *device.Store
	storeKeys     []storeKey

	inputDatasNum, inputControlsNum int
	outputDataArrows                []DataArrow
	outputControlArrows             []AID

	inputOpDatas    map[int64][]*OpData
	inputOpControls map[int64][]AID
}

func newAbstractActor(aid AID, kind string, self hooks) AbstractActor {
	return AbstractActor{
		aid:             aid,
		kind:            kind,
		self:            self,
		inputOpDatas:    make(map[int64][]*OpData),
		inputOpControls: make(map[int64][]AID),
	}
}

func (a *AbstractActor) abstract() *AbstractActor { return a }

// AID implements Actor.
func (a *AbstractActor) AID() AID { return a.aid }

// Kind of the actor, e.g. "KernelActor".
func (a *AbstractActor) Kind() string { return a.kind }

// InputDatasNum is the number of OpData expected per invocation.
func (a *AbstractActor) InputDatasNum() int { return a.inputDatasNum }

// InputControlsNum is the number of control signals expected per invocation.
func (a *AbstractActor) InputControlsNum() int { return a.inputControlsNum }

// OutputDataArrows of the actor.
func (a *AbstractActor) OutputDataArrows() []DataArrow { return a.outputDataArrows }

// OutputControlArrows of the actor.
func (a *AbstractActor) OutputControlArrows() []AID { return a.outputControlArrows }

// fail records err in the context, unless it already failed.
func (a *AbstractActor) fail(ctx *OpContext, err error) {
	if ctx.SetFailed(err) {
		klog.Errorf("actor %s: invocation %d failed (%s strategy): %+v", a.aid, ctx.SequentialNum, ctx.Strategy, err)
		if a.metrics != nil {
			a.metrics.ContextFailures.WithLabelValues(a.graph, ctx.Strategy.String()).Inc()
		}
	}
}

// catchPanic runs fn and returns any panic it raises as an error. Plug-in code may panic with any
// value, not only errors.
func catchPanic(fn func()) error {
	exception := exceptions.Try(fn)
	if exception == nil {
		return nil
	}
	if err, ok := exception.(error); ok {
		return err
	}
	return errors.Errorf("panic: %v", exception)
}

// validateOpData checks that the data has memory bound, unless it is flagged as not used.
func (a *AbstractActor) validateOpData(data *OpData) error {
	if data == nil || data.Data == nil {
		return errors.Errorf("actor %s received an empty op data", a.aid)
	}
	if !data.Data.IsPtrValid() && !data.Data.HasFlag(device.FlagNotUsed) {
		return errors.Errorf("the input data does not have a valid ptr of actor %s with index %d: %s", a.aid, data.Index, data.Data)
	}
	return nil
}

// RunOpData implements Actor.
func (a *AbstractActor) RunOpData(data *OpData, ctx *OpContext) {
	if ctx.IsFailed() {
		return
	}
	if err := a.validateOpData(data); err != nil {
		a.fail(ctx, err)
		return
	}
	seq := ctx.SequentialNum
	a.inputOpDatas[seq] = append(a.inputOpDatas[seq], data)
	isRun := a.self.checkRunningCondition(ctx)
	if klog.V(2).Enabled() {
		klog.Infof("actor %s received op data index %d for invocation %d, running condition: %v, data: %s",
			a.aid, data.Index, seq, isRun, data.Data)
	}
	if isRun {
		a.self.run(ctx)
	}
}

// RunBatchOpData implements Actor. The running condition is checked once, after all the data is
// recorded.
func (a *AbstractActor) RunBatchOpData(batch []*OpData, ctx *OpContext) {
	if ctx.IsFailed() {
		return
	}
	seq := ctx.SequentialNum
	for _, data := range batch {
		if err := a.validateOpData(data); err != nil {
			a.fail(ctx, err)
			return
		}
		a.inputOpDatas[seq] = append(a.inputOpDatas[seq], data)
	}
	isRun := a.self.checkRunningCondition(ctx)
	klog.V(2).Infof("actor %s received %d op data for invocation %d, running condition: %v", a.aid, len(batch), seq, isRun)
	if isRun {
		a.self.run(ctx)
	}
}

// RunOpControl implements Actor.
func (a *AbstractActor) RunOpControl(from AID, ctx *OpContext) {
	if ctx.IsFailed() {
		return
	}
	seq := ctx.SequentialNum
	a.inputOpControls[seq] = append(a.inputOpControls[seq], from)
	isRun := a.self.checkRunningCondition(ctx)
	klog.V(2).Infof("actor %s received op control from %s for invocation %d, running condition: %v", a.aid, from, seq, isRun)
	if isRun {
		a.self.run(ctx)
	}
}

// checkCounts compares the number of messages received for the invocation with the expected ones.
// Fewer than expected means not ready yet, more than expected fails the context.
func (a *AbstractActor) checkCounts(ctx *OpContext, datasNum, controlsNum int) bool {
	seq := ctx.SequentialNum
	if datasNum != 0 {
		received := len(a.inputOpDatas[seq])
		if received < datasNum {
			return false
		}
		if received > datasNum {
			a.fail(ctx, errors.Errorf("invalid input data num: %d, need: %d for actor %s, sequential num: %d",
				received, datasNum, a.aid, seq))
			return false
		}
	}
	if controlsNum != 0 {
		received := len(a.inputOpControls[seq])
		if received < controlsNum {
			return false
		}
		if received > controlsNum {
			a.fail(ctx, errors.Errorf("invalid input control num: %d, need: %d for actor %s, sequential num: %d",
				received, controlsNum, a.aid, seq))
			return false
		}
	}
	return true
}

// CheckRunningCondition returns whether exactly the expected number of data and control messages
// arrived for the invocation. Surplus messages fail the context.
func (a *AbstractActor) CheckRunningCondition(ctx *OpContext) bool {
	return a.checkCounts(ctx, a.inputDatasNum, a.inputControlsNum)
}

func (a *AbstractActor) checkRunningCondition(ctx *OpContext) bool {
	return a.CheckRunningCondition(ctx)
}

// EraseInput drops the messages received for the invocation.
func (a *AbstractActor) EraseInput(ctx *OpContext) {
	a.eraseSequence(ctx.SequentialNum)
}

func (a *AbstractActor) eraseSequence(seq int64) {
	delete(a.inputOpDatas, seq)
	delete(a.inputOpControls, seq)
}

// fetchFromStore returns the tensor of the store bound to the input slot of key.
func (a *AbstractActor) fetchFromStore(key storeKey) (*device.Tensor, error) {
	if a.store == nil {
		return nil, errors.Errorf("%s has no device tensor store to fetch %q from", a.aid, key.node)
	}
	t := a.store.Fetch(key.node, a.deviceContext.Type)
	if t == nil {
		return nil, errors.Errorf("%s get device tensor store failed: %q, device type: %s", a.aid, key.node, a.deviceContext.Type)
	}
	return t, nil
}

// SendOutput sends outputs[arrow.FromOutputIndex] along each output data arrow, and then the
// control signals. Data for the same actor is sent in a single batch.
func (a *AbstractActor) SendOutput(ctx *OpContext, outputs []*device.Tensor) {
	batches := make(map[AID][]*OpData, len(a.outputDataArrows))
	var order []AID
	for _, arrow := range a.outputDataArrows {
		if arrow.FromOutputIndex < 0 || arrow.FromOutputIndex >= len(outputs) || outputs[arrow.FromOutputIndex] == nil {
			a.fail(ctx, errors.Errorf("actor %s has no output for data arrow %s", a.aid, arrow))
			return
		}
		if _, found := batches[arrow.ToOpID]; !found {
			order = append(order, arrow.ToOpID)
		}
		batches[arrow.ToOpID] = append(batches[arrow.ToOpID], &OpData{
			To:    arrow.ToOpID,
			Data:  outputs[arrow.FromOutputIndex],
			Index: arrow.ToInputIndex,
		})
	}
	a.sendData(ctx, order, batches)
	a.sendControls(ctx, a.outputControlArrows)
}

func (a *AbstractActor) sendData(ctx *OpContext, order []AID, batches map[AID][]*OpData) {
	for _, to := range order {
		batch := batches[to]
		if len(batch) == 1 {
			data := batch[0]
			a.rt.Send(ctx, to, func(receiver Actor) { receiver.RunOpData(data, ctx) })
		} else {
			a.rt.Send(ctx, to, func(receiver Actor) { receiver.RunBatchOpData(batch, ctx) })
		}
	}
}

func (a *AbstractActor) sendControls(ctx *OpContext, arrows []AID) {
	from := a.aid
	for _, to := range arrows {
		a.rt.Send(ctx, to, func(receiver Actor) { receiver.RunOpControl(from, ctx) })
	}
}

// freeScope collects the tensors whose hold is released by an actor in one run. Release sends a
// single free request to the memory manager.
//
// Use it as:
//
//	scope := a.newFreeScope(ctx)
//	defer scope.Release()
type freeScope struct {
	actor   *AbstractActor
	ctx     *OpContext
	tensors []*device.Tensor
}

func (a *AbstractActor) newFreeScope(ctx *OpContext) *freeScope {
	return &freeScope{actor: a, ctx: ctx}
}

// Add tensors to be released.
func (s *freeScope) Add(tensors ...*device.Tensor) {
	for _, t := range tensors {
		if t != nil {
			s.tensors = append(s.tensors, t)
		}
	}
}

// Release sends the free request, if there is anything to release.
func (s *freeScope) Release() {
	if len(s.tensors) == 0 {
		return
	}
	tensors, ctx := s.tensors, s.ctx
	s.tensors = nil
	s.actor.rt.Send(ctx, s.actor.memoryManager, func(receiver Actor) {
		receiver.(*MemoryManagerActor).FreeMemory(tensors, ctx)
	})
}
