// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	go l.Trigger()
	select {
	case <-l.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("latch never triggered")
	}
	assert.True(t, l.Test())
	l.Trigger() // No-op.
	l.Wait()
}

func TestErrorLatch(t *testing.T) {
	l := NewErrorLatch()
	require.NoError(t, l.Err())
	assert.False(t, l.Trigger(nil))

	var wg sync.WaitGroup
	var numStored int
	var mu sync.Mutex
	for ii := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Trigger(errors.Errorf("error #%d", ii)) {
				mu.Lock()
				numStored++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, numStored)
	require.Error(t, l.Err())
	<-l.WaitChan()
}
