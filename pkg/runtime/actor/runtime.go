// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package actor implements the actor runtime that executes dataflow graphs of kernels.
//
// Each node of a graph is an actor: an independently scheduled unit that receives messages
// (OpData carrying tensors, and control signals) tagged with an OpContext, the context of one
// invocation of the graph. An actor accumulates the messages of each invocation, and fires
// once it has received exactly the number it expects. Firing an actor runs its kernel (KernelActor),
// selects a branch (ConditionSwitchActor), merges the branches of a conditional
// (ConditionGatherActor) or collects the results (OutputActor). Device memory that is not covered
// by the static memory scheduler (package somas) is allocated and freed asynchronously by a
// MemoryManagerActor.
//
// Graphs are built with a Builder, and executed with Graph.Run.
package actor

import (
	"sync"

	"github.com/gomlx/graphrt/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Actor is an independently scheduled unit of computation of a graph.
//
// Methods that take an OpContext are only called from the actor's mailbox: one at a time.
type Actor interface {
	// AID of the actor.
	AID() AID

	// Init is called once the graph is wired, before any message is sent.
	Init() error

	// RunOpData receives one input tensor.
	RunOpData(data *OpData, ctx *OpContext)

	// RunBatchOpData receives several input tensors at once.
	RunBatchOpData(batch []*OpData, ctx *OpContext)

	// RunOpControl receives a control signal from another actor.
	RunOpControl(from AID, ctx *OpContext)

	abstract() *AbstractActor
}

// mailbox serializes the messages of one actor.
type mailbox struct {
	actor   Actor
	mu      sync.Mutex
	queue   []func()
	running bool
}

// drain runs the queued messages until the queue is empty.
func (m *mailbox) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		msg := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()
		msg()
	}
}

// Runtime dispatches messages to the actors of one graph.
//
// Mailboxes are drained by a bounded pool of goroutines: when no worker is available the mailbox
// is drained inline by the sender.
type Runtime struct {
	name string
	pool *workerspool.Pool

	mu        sync.RWMutex
	mailboxes map[AID]*mailbox
	order     []AID
}

// NewRuntime creates a runtime that uses at most parallelism goroutines to drain mailboxes.
// See Config.Parallelism.
func NewRuntime(name string, parallelism int) *Runtime {
	return &Runtime{
		name:      name,
		pool:      workerspool.NewWithParallelism(parallelism),
		mailboxes: make(map[AID]*mailbox),
	}
}

// Spawn registers the actor. It fails if another actor with the same AID is registered.
func (r *Runtime) Spawn(a Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	aid := a.AID()
	if _, found := r.mailboxes[aid]; found {
		return errors.Errorf("runtime %q: actor %q already spawned", r.name, aid)
	}
	r.mailboxes[aid] = &mailbox{actor: a}
	r.order = append(r.order, aid)
	a.abstract().rt = r
	klog.V(2).Infof("runtime %q: spawned actor %s", r.name, aid)
	return nil
}

// Actor returns the actor registered with aid, or nil.
func (r *Runtime) Actor(aid AID) Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m := r.mailboxes[aid]; m != nil {
		return m.actor
	}
	return nil
}

// Actors returns the actors in the order they were spawned.
func (r *Runtime) Actors() []Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actors := make([]Actor, 0, len(r.order))
	for _, aid := range r.order {
		actors = append(actors, r.mailboxes[aid].actor)
	}
	return actors
}

// Send queues msg in the mailbox of the actor to. The message is accounted in ctx until it
// is handled. If there is no such actor, ctx fails.
func (r *Runtime) Send(ctx *OpContext, to AID, msg func(a Actor)) {
	r.mu.RLock()
	m := r.mailboxes[to]
	r.mu.RUnlock()
	if m == nil {
		ctx.SetFailed(errors.Errorf("runtime %q: no actor %q to send message to", r.name, to))
		return
	}
	ctx.addPending()
	m.mu.Lock()
	m.queue = append(m.queue, func() {
		defer ctx.donePending()
		msg(m.actor)
	})
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	r.pool.Run(m.drain)
}

// WaitIdle blocks until no mailbox is being drained by a worker goroutine.
func (r *Runtime) WaitIdle() {
	r.pool.WaitIdle()
}
