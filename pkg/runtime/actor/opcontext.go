// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/graphrt/internal/xsync"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/pkg/errors"
)

// OpContext correlates all messages of one invocation of a graph.
//
// Failing it with SetFailed is the only cancellation mechanism: actors check IsFailed and skip
// the work of failed invocations. With the Pipeline strategy the failure is also recorded in the
// graph latch shared by every invocation.
type OpContext struct {
	// SequentialNum identifies the invocation.
	SequentialNum int64

	// Strategy used when failing.
	Strategy Strategy

	err      *xsync.ErrorLatch
	graphErr *xsync.ErrorLatch

	// pending counts the messages of this invocation not handled yet.
	pending   atomic.Int64
	quiescent *xsync.Latch

	mu       sync.Mutex
	outputs  []*device.Tensor
	finished *xsync.Latch

	startTime time.Time
}

// NewOpContext creates the context of invocation sequentialNum. graphErr, if not nil, is the latch
// of the whole graph, failed along with the context with the Pipeline strategy.
func NewOpContext(sequentialNum int64, strategy Strategy, graphErr *xsync.ErrorLatch) *OpContext {
	return &OpContext{
		SequentialNum: sequentialNum,
		Strategy:      strategy,
		err:           xsync.NewErrorLatch(),
		graphErr:      graphErr,
		quiescent:     xsync.NewLatch(),
		finished:      xsync.NewLatch(),
		startTime:     time.Now(),
	}
}

// SetFailed records err as the failure of the invocation. Only the first error is kept.
// It returns true if err was recorded.
func (c *OpContext) SetFailed(err error) bool {
	if err == nil {
		err = errors.New("unknown failure")
	}
	recorded := c.err.Trigger(err)
	if recorded && c.Strategy == Pipeline && c.graphErr != nil {
		c.graphErr.Trigger(err)
	}
	return recorded
}

// Err returns the failure of the invocation, or of the graph with the Pipeline strategy, or nil.
func (c *OpContext) Err() error {
	if err := c.err.Err(); err != nil {
		return err
	}
	if c.Strategy == Pipeline && c.graphErr != nil {
		if err := c.graphErr.Err(); err != nil {
			return errors.WithMessage(err, "graph aborted")
		}
	}
	return nil
}

// IsFailed returns whether the invocation failed.
func (c *OpContext) IsFailed() bool { return c.Err() != nil }

// SetOutputs sets the results of the invocation and marks it as finished.
func (c *OpContext) SetOutputs(outputs []*device.Tensor) {
	c.mu.Lock()
	c.outputs = outputs
	c.mu.Unlock()
	c.finished.Trigger()
}

// Outputs returns the results of the invocation, or nil if they are not set.
func (c *OpContext) Outputs() []*device.Tensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs
}

// IsFinished returns whether the outputs were set.
func (c *OpContext) IsFinished() bool { return c.finished.Test() }

func (c *OpContext) addPending() { c.pending.Add(1) }

func (c *OpContext) donePending() {
	if c.pending.Add(-1) == 0 {
		c.quiescent.Trigger()
	}
}

// Wait until every message of the invocation was handled. If ctx is done first, the invocation
// is failed with ctx's error, and it still waits for the actors to drain the messages.
func (c *OpContext) Wait(ctx context.Context) error {
	select {
	case <-c.quiescent.WaitChan():
	case <-ctx.Done():
		c.SetFailed(errors.Wrapf(ctx.Err(), "invocation %d interrupted", c.SequentialNum))
		<-c.quiescent.WaitChan()
	}
	return c.Err()
}

// Elapsed time since the context was created.
func (c *OpContext) Elapsed() time.Duration { return time.Since(c.startTime) }
