// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensor_RefCount(t *testing.T) {
	tensor := NewTensor("x", shapes.Make(dtypes.Float32, 4), CPU)
	assert.Equal(t, 16, tensor.Size())
	assert.False(t, tensor.IsPtrValid())
	assert.Equal(t, int64(1), tensor.RefCount())

	// Concurrent consumers: exactly one of them sees the count reaching 0.
	const numConsumers = 64
	tensor.SetOriginalRefCount(numConsumers)
	var numZeros atomic.Int32
	var wg sync.WaitGroup
	for range numConsumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tensor.DecreaseRefCount() == 0 {
				numZeros.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), numZeros.Load())
	tensor.ResetRefCount()
	assert.Equal(t, int64(numConsumers), tensor.RefCount())

	tensor.IncreaseOriginalRefCount()
	assert.Equal(t, int64(numConsumers+1), tensor.OriginalRefCount())

	// Dynamic holds only last until the count is reset.
	tensor.IncreaseRefCount(2)
	assert.Equal(t, int64(numConsumers+3), tensor.RefCount())
	tensor.ResetRefCount()
	assert.Equal(t, int64(numConsumers+1), tensor.RefCount())

	tensor.SetOriginalRefCount(MaxRefCount)
	assert.Equal(t, int64(MaxRefCount), tensor.DecreaseRefCount())
	tensor.IncreaseOriginalRefCount()
	assert.Equal(t, int64(MaxRefCount), tensor.OriginalRefCount())
}

func TestTensor_Flags(t *testing.T) {
	tensor := NewTensor("x", shapes.Make(dtypes.Int32, 2), GPU)
	assert.False(t, tensor.HasFlag(FlagNotUsed))
	tensor.SetFlag(FlagNotUsed)
	tensor.SetFlag(FlagPersisted)
	assert.True(t, tensor.HasFlag(FlagNotUsed|FlagPersisted))
	tensor.SetStreamID(3)
	assert.Equal(t, uint32(3), tensor.StreamID())
	assert.Contains(t, tensor.String(), "gpu")
}

func TestPool(t *testing.T) {
	pool := NewPool(32)
	buf, err := pool.Allocate(16)
	require.NoError(t, err)
	require.Len(t, buf, 16)
	buf2, err := pool.Allocate(16)
	require.NoError(t, err)

	// Over the limit.
	_, err = pool.Allocate(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))

	pool.Free(buf)
	pool.Free(buf2)
	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.InUse)
	assert.Equal(t, int64(32), stats.Allocated)
	assert.Equal(t, int64(32), stats.Freed)
	assert.Equal(t, int64(2), stats.NumAllocations)

	_, err = pool.Allocate(0)
	require.Error(t, err)
}

func TestPool_Tensors(t *testing.T) {
	pool := NewPool(0)
	tensor := NewTensor("x", shapes.Make(dtypes.Float32, 3), CPU)
	require.NoError(t, pool.AllocateTensor(tensor))
	assert.True(t, tensor.IsPtrValid())
	assert.True(t, tensor.FromMemPool())
	assert.Equal(t, int64(12), pool.Stats().InUse)

	pool.FreeTensor(tensor)
	assert.False(t, tensor.IsPtrValid())
	assert.Equal(t, int64(0), pool.Stats().InUse)

	// Persisted tensors are not freed.
	require.NoError(t, pool.AllocateTensor(tensor))
	tensor.SetFlag(FlagPersisted)
	pool.FreeTensor(tensor)
	assert.True(t, tensor.IsPtrValid())
}

func TestStore(t *testing.T) {
	store := NewStore()
	tensor := NewTensor("bias", shapes.Make(dtypes.Float32, 2), CPU)
	require.Error(t, store.Insert("bias", tensor))

	tensor.SetPtr(make([]byte, 8))
	require.NoError(t, store.Insert("bias", tensor))
	assert.True(t, tensor.HasFlag(FlagPersisted))
	assert.Equal(t, int64(MaxRefCount), tensor.RefCount())
	assert.Same(t, tensor, store.Fetch("bias", CPU))
	assert.Nil(t, store.Fetch("bias", GPU))
	assert.Nil(t, store.Fetch("weights", CPU))
	assert.Equal(t, 1, store.Len())

	store.Remove("bias", CPU)
	assert.Nil(t, store.Fetch("bias", CPU))
	require.NoError(t, store.Insert("bias", tensor))
	store.Clear()
	assert.Equal(t, 0, store.Len())
}

func TestParseType(t *testing.T) {
	deviceType, err := ParseType("GPU")
	require.NoError(t, err)
	assert.Equal(t, GPU, deviceType)
	_, err = ParseType("tpu")
	require.Error(t, err)
	assert.Equal(t, "ascend", Ascend.String())
	assert.Equal(t, "cpu:1", NewContext(CPU, 1, 0).String())
}
