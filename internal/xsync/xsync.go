// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization tools used by the actor runtime.
package xsync

import "sync"

// Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	once sync.Once
	wait chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger latch. Triggering an already triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.wait) })
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that one can use on a `select` to check when
// the latch triggers.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// ErrorLatch is a Latch that keeps the first error it was triggered with.
//
// Later errors are discarded: the first failure is the one reported to the owner.
type ErrorLatch struct {
	mu    sync.Mutex
	err   error
	latch *Latch
}

// NewErrorLatch returns an un-triggered ErrorLatch.
func NewErrorLatch() *ErrorLatch {
	return &ErrorLatch{latch: NewLatch()}
}

// Trigger stores err if it is the first one and triggers the latch.
// It returns true if err was the one stored. A nil err is ignored.
func (l *ErrorLatch) Trigger(err error) bool {
	if err == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false
	}
	l.err = err
	l.latch.Trigger()
	return true
}

// Err returns the stored error, or nil if the latch was not triggered yet.
func (l *ErrorLatch) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// WaitChan returns the channel closed when the first error is stored.
func (l *ErrorLatch) WaitChan() <-chan struct{} {
	return l.latch.WaitChan()
}
