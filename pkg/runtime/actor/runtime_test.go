// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/graphrt/internal/xsync"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntime(t *testing.T) {
	rt := NewRuntime("test", 4)
	a, b := newProbe("test/a"), newProbe("test/b")
	require.NoError(t, rt.Spawn(a))
	require.NoError(t, rt.Spawn(b))
	require.Error(t, rt.Spawn(newProbe("test/a")))
	assert.Same(t, b, rt.Actor("test/b"))
	assert.Nil(t, rt.Actor("test/c"))
	actors := rt.Actors()
	require.Len(t, actors, 2)
	assert.Equal(t, AID("test/a"), actors[0].AID())

	// Messages to one actor are handled one at a time.
	ctx := NewOpContext(1, Step, nil)
	ctx.addPending()
	const numMessages = 100
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for ii := range numMessages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.Send(ctx, "test/a", func(receiver Actor) {
				mu.Lock()
				order = append(order, ii)
				mu.Unlock()
				receiver.RunOpControl("test/b", ctx)
			})
		}()
	}
	wg.Wait()
	ctx.donePending()
	require.NoError(t, ctx.Wait(context.Background()))
	rt.WaitIdle()
	assert.Len(t, order, numMessages)
	assert.Equal(t, numMessages, a.numControls)

	// Unknown actors fail the invocation.
	ctx = NewOpContext(2, Step, nil)
	rt.Send(ctx, "test/unknown", func(Actor) {})
	require.Error(t, ctx.Err())
	assert.Contains(t, ctx.Err().Error(), "no actor")
}

func TestOpContext(t *testing.T) {
	// First error wins.
	ctx := NewOpContext(1, Step, nil)
	assert.False(t, ctx.IsFailed())
	assert.True(t, ctx.SetFailed(errors.New("first")))
	assert.False(t, ctx.SetFailed(errors.New("second")))
	assert.Equal(t, "first", ctx.Err().Error())

	// Pipeline failures abort the graph, step failures don't.
	graphErr := xsync.NewErrorLatch()
	ctx = NewOpContext(2, Step, graphErr)
	ctx.SetFailed(errors.New("step failure"))
	assert.NoError(t, graphErr.Err())

	ctx = NewOpContext(3, Pipeline, graphErr)
	ctx.SetFailed(errors.New("pipeline failure"))
	require.Error(t, graphErr.Err())
	other := NewOpContext(4, Pipeline, graphErr)
	require.True(t, other.IsFailed())
	assert.Contains(t, other.Err().Error(), "graph aborted")

	// Outputs.
	ctx = NewOpContext(5, Step, nil)
	assert.False(t, ctx.IsFinished())
	outputs := []*device.Tensor{newFloat32("y", 1)}
	ctx.SetOutputs(outputs)
	assert.True(t, ctx.IsFinished())
	assert.Equal(t, outputs, ctx.Outputs())
}

func TestOpContext_Wait(t *testing.T) {
	ctx := NewOpContext(1, Step, nil)
	ctx.addPending()
	ctx.addPending()
	go func() {
		ctx.donePending()
		time.Sleep(10 * time.Millisecond)
		ctx.donePending()
	}()
	require.NoError(t, ctx.Wait(context.Background()))

	// Interrupted: the invocation fails, but Wait still returns only after the messages are handled.
	ctx = NewOpContext(2, Step, nil)
	ctx.addPending()
	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(done)
		ctx.donePending()
	}()
	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ctx.Wait(cancelCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "invocation 2 interrupted")
	select {
	case <-done:
	default:
		t.Fatal("Wait returned before the pending messages were handled")
	}
}
