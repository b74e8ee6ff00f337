// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"fmt"

	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OutputActor collects the outputs of the graph for an invocation. Once all arrived, it copies them
// to tensors owned by the caller, releases its hold of the device tensors and finishes the OpContext.
type OutputActor struct {
	AbstractActor
	numOutputs int
}

// NewOutputActor creates the actor collecting numOutputs graph outputs.
func NewOutputActor(aid AID, numOutputs int) *OutputActor {
	a := &OutputActor{numOutputs: numOutputs}
	a.AbstractActor = newAbstractActor(aid, "OutputActor", a)
	return a
}

// Init implements Actor.
func (a *OutputActor) Init() error {
	if a.deviceContext == nil {
		return errors.Errorf("the device contexts number is wrong for actor %s", a.aid)
	}
	return nil
}

func (a *OutputActor) run(ctx *OpContext) {
	if a.metrics != nil {
		a.metrics.ActorRuns.WithLabelValues(a.graph, a.kind).Inc()
	}
	scope := a.newFreeScope(ctx)
	defer scope.Release()

	deviceOutputs := make([]*device.Tensor, a.numOutputs)
	for _, data := range a.inputOpDatas[ctx.SequentialNum] {
		if data.Index < 0 || data.Index >= a.numOutputs {
			a.fail(ctx, errors.Errorf("invalid output index %d, total %d for actor %s", data.Index, a.numOutputs, a.aid))
			return
		}
		deviceOutputs[data.Index] = data.Data
		scope.Add(data.Data)
	}
	a.EraseInput(ctx)
	for _, key := range a.storeKeys {
		t, err := a.fetchFromStore(key)
		if err != nil {
			a.fail(ctx, err)
			return
		}
		deviceOutputs[key.index] = t
	}

	outputs := make([]*device.Tensor, a.numOutputs)
	for ii, t := range deviceOutputs {
		if t == nil {
			a.fail(ctx, errors.Errorf("actor %s: output %d was not produced", a.aid, ii))
			return
		}
		outputs[ii] = device.NewTensor(fmt.Sprintf("output#%d", ii), t.Shape(), t.DeviceType())
		if src := t.Ptr(); src != nil {
			dst := make([]byte, len(src))
			copy(dst, src)
			outputs[ii].SetPtr(dst)
		}
	}
	klog.V(2).Infof("output actor %s collected %d outputs for invocation %d", a.aid, a.numOutputs, ctx.SequentialNum)
	ctx.SetOutputs(outputs)
}

// cleanup drops the state of a failed invocation.
func (a *OutputActor) cleanup(seq int64) {
	a.eraseSequence(seq)
}
