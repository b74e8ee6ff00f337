// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/graphrt/internal/xsync"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/gomlx/graphrt/pkg/runtime/somas"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"
)

// ErrClosed is returned by Graph.Run after Graph.Close.
var ErrClosed = errors.New("graph is closed")

// Graph is a built graph of actors, ready to be executed. Create it with a Builder.
//
// Invocations are admitted one at a time, in the order Run is called: within an invocation, the actors
// run concurrently. Run returns only once every message of the invocation was handled, so
// the memory of an invocation is never reused before it finishes.
type Graph struct {
	name    string
	id      uuid.UUID
	config  Config
	metrics *Metrics

	rt            *Runtime
	deviceContext *device.Context
	store         *device.Store
	somasInfo     *somas.Info

	// params are bound to the memory of the inputs during an invocation.
	params         []*device.Tensor
	paramArrows    [][]DataArrow
	sourceControls []AID
	output         *OutputActor

	admission *semaphore.Weighted
	nextSeq   atomic.Int64
	closed    atomic.Bool

	muAbort sync.Mutex
	aborted *xsync.ErrorLatch
}

func newGraph(name string, config Config, metrics *Metrics, store *device.Store) *Graph {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Graph{
		name:          name,
		id:            uuid.New(),
		config:        config,
		metrics:       metrics,
		rt:            NewRuntime(name, config.Parallelism),
		deviceContext: device.NewContext(config.DeviceType, 0, config.PoolLimit),
		store:         store,
		admission:     semaphore.NewWeighted(1),
		aborted:       xsync.NewErrorLatch(),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// ID is a unique identifier of this instance of the graph.
func (g *Graph) ID() uuid.UUID { return g.id }

// String implements fmt.Stringer.
func (g *Graph) String() string { return fmt.Sprintf("Graph(%q, id=%s)", g.name, g.id) }

// Config used by the graph.
func (g *Graph) Config() Config { return g.config }

// Runtime running the actors of the graph.
func (g *Graph) Runtime() *Runtime { return g.rt }

// DeviceContext owning the memory of the graph.
func (g *Graph) DeviceContext() *device.Context { return g.deviceContext }

// SomasInfo returns the static memory block, or nil if the graph was built without it.
func (g *Graph) SomasInfo() *somas.Info { return g.somasInfo }

// NumParameters returns the number of inputs expected by Run.
func (g *Graph) NumParameters() int { return len(g.params) }

func (g *Graph) abortLatch() *xsync.ErrorLatch {
	g.muAbort.Lock()
	defer g.muAbort.Unlock()
	return g.aborted
}

// Err returns the failure that aborted the graph, with the Pipeline strategy, or nil.
func (g *Graph) Err() error {
	return g.abortLatch().Err()
}

// Reset clears the failure that aborted the graph, with the Pipeline strategy, so it can run again.
func (g *Graph) Reset() {
	g.muAbort.Lock()
	defer g.muAbort.Unlock()
	g.aborted = xsync.NewErrorLatch()
	klog.V(1).Infof("%s reset", g)
}

// Run one invocation of the graph with the given inputs, one per parameter, and returns the outputs.
// The outputs are owned by the caller.
//
// If ctx is done before the invocation finishes, the invocation fails.
func (g *Graph) Run(ctx context.Context, inputs ...*device.Tensor) ([]*device.Tensor, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	if err := g.Err(); err != nil {
		return nil, errors.WithMessagef(err, "%s was aborted by a previous failure, it must be Reset", g)
	}
	if len(inputs) != len(g.params) {
		return nil, errors.Errorf("%s takes %d inputs, %d given", g, len(g.params), len(inputs))
	}
	for ii, input := range inputs {
		if input == nil || !input.IsPtrValid() {
			return nil, errors.Errorf("%s: input #%d has no memory", g, ii)
		}
		if !input.Shape().Equal(g.params[ii].Shape()) {
			return nil, errors.Errorf("%s: input #%d has shape %s, expected %s", g, ii, input.Shape(), g.params[ii].Shape())
		}
	}
	if err := g.admission.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrapf(err, "%s: waiting to run", g)
	}
	defer g.admission.Release(1)
	if g.closed.Load() {
		return nil, ErrClosed
	}

	var graphErr *xsync.ErrorLatch
	if g.config.Strategy == Pipeline {
		graphErr = g.abortLatch()
	}
	opCtx := NewOpContext(g.nextSeq.Add(1), g.config.Strategy, graphErr)
	klog.V(1).Infof("%s: starting invocation %d", g, opCtx.SequentialNum)

	for ii, param := range g.params {
		param.SetPtr(inputs[ii].Ptr())
	}
	defer func() {
		for _, param := range g.params {
			param.SetPtr(nil)
		}
	}()

	// The graph holds the invocation open until all inputs are sent.
	opCtx.addPending()
	source := AID(g.name + "/DataSourceActor")
	batches := make(map[AID][]*OpData)
	var order []AID
	for param, arrows := range g.paramArrows {
		for _, arrow := range arrows {
			if _, found := batches[arrow.ToOpID]; !found {
				order = append(order, arrow.ToOpID)
			}
			batches[arrow.ToOpID] = append(batches[arrow.ToOpID], &OpData{To: arrow.ToOpID, Data: g.params[param], Index: arrow.ToInputIndex})
		}
	}
	for _, to := range order {
		batch := batches[to]
		g.rt.Send(opCtx, to, func(receiver Actor) { receiver.RunBatchOpData(batch, opCtx) })
	}
	for _, to := range g.sourceControls {
		g.rt.Send(opCtx, to, func(receiver Actor) { receiver.RunOpControl(source, opCtx) })
	}
	opCtx.donePending()

	err := opCtx.Wait(ctx)
	if err == nil && !opCtx.IsFinished() {
		err = errors.Errorf("%s: invocation %d finished without producing the outputs", g, opCtx.SequentialNum)
		opCtx.SetFailed(err)
	}
	g.metrics.InvocationSeconds.WithLabelValues(g.name).Observe(opCtx.Elapsed().Seconds())
	if err != nil {
		g.metrics.Invocations.WithLabelValues(g.name, "failed").Inc()
		g.cleanup(opCtx.SequentialNum)
		return nil, errors.WithMessagef(err, "%s: invocation %d failed", g, opCtx.SequentialNum)
	}
	g.metrics.Invocations.WithLabelValues(g.name, "ok").Inc()
	klog.V(1).Infof("%s: finished invocation %d in %s", g, opCtx.SequentialNum, opCtx.Elapsed())
	return opCtx.Outputs(), nil
}

// cleaner is implemented by actors that keep state of a failed invocation.
type cleaner interface {
	cleanup(seq int64)
}

// cleanup drops the state left by a failed invocation and returns the memory it allocated to the pool.
// It must only be called once every message of the invocation was handled.
func (g *Graph) cleanup(seq int64) {
	for _, a := range g.rt.Actors() {
		if c, ok := a.(cleaner); ok {
			c.cleanup(seq)
		}
	}
	klog.V(1).Infof("%s: cleaned up invocation %d, %d bytes in use", g, seq, g.deviceContext.Pool.Stats().InUse)
}

// RunBatch runs one invocation for each of the inputs and returns their outputs in the same order.
// The invocations are submitted concurrently, but Run admits them one at a time. It returns the first error.
func (g *Graph) RunBatch(ctx context.Context, batch [][]*device.Tensor) ([][]*device.Tensor, error) {
	results := make([][]*device.Tensor, len(batch))
	eg, egCtx := errgroup.WithContext(ctx)
	for ii, inputs := range batch {
		eg.Go(func() error {
			outputs, err := g.Run(egCtx, inputs...)
			if err != nil {
				return errors.WithMessagef(err, "batch item #%d", ii)
			}
			results[ii] = outputs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Close waits for the running invocation, if any, and releases the static memory block. Graph outputs
// kept in the block are copied out first. Later calls to Run fail with ErrClosed.
func (g *Graph) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	if err := g.admission.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer g.admission.Release(1)
	g.rt.WaitIdle()
	if g.somasInfo != nil {
		if err := g.somasInfo.FreeBlock(g.deviceContext.Pool); err != nil {
			return errors.WithMessagef(err, "closing %s", g)
		}
	}
	klog.V(1).Infof("%s closed, pool stats %+v", g, g.deviceContext.Pool.Stats())
	return nil
}
