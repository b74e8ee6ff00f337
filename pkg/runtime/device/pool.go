// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned (wrapped) by Pool.Allocate when the pool limit would be exceeded.
var ErrOutOfMemory = errors.New("device out of memory")

// Pool of device memory: freed buffers are kept in per-size pools and reused by later allocations
// of the same size.
//
// It is safe for concurrent use.
type Pool struct {
	// limit is the maximum number of bytes in use at any time, 0 for no limit.
	limit int64

	// pools is a map of buffer size to *sync.Pool of []byte.
	pools sync.Map

	inUse          atomic.Int64
	allocatedBytes atomic.Int64
	freedBytes     atomic.Int64
	numAllocations atomic.Int64
}

// NewPool creates a Pool that allows at most limit bytes in use at any time. Use 0 for no limit.
func NewPool(limit int) *Pool {
	return &Pool{limit: int64(limit)}
}

// getSizePool for buffers of the given size.
func (p *Pool) getSizePool(size int) *sync.Pool {
	pool, ok := p.pools.Load(size)
	if !ok {
		pool, _ = p.pools.LoadOrStore(size, &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		})
	}
	return pool.(*sync.Pool)
}

// Allocate a buffer of size bytes. The contents of the buffer are undefined.
func (p *Pool) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid allocation of %d bytes", size)
	}
	inUse := p.inUse.Add(int64(size))
	if p.limit > 0 && inUse > p.limit {
		p.inUse.Add(-int64(size))
		return nil, errors.Wrapf(ErrOutOfMemory, "allocating %s with %s in use (limit %s)",
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(inUse-int64(size))), humanize.Bytes(uint64(p.limit)))
	}
	p.allocatedBytes.Add(int64(size))
	p.numAllocations.Add(1)
	buf := p.getSizePool(size).Get().(*[]byte)
	return *buf, nil
}

// Free returns a buffer allocated with Allocate to the pool. After this the buffer should no longer be used.
func (p *Pool) Free(buf []byte) {
	if buf == nil {
		return
	}
	size := len(buf)
	p.inUse.Add(-int64(size))
	p.freedBytes.Add(int64(size))
	p.getSizePool(size).Put(&buf)
}

// PoolStats is a snapshot of the Pool counters.
type PoolStats struct {
	InUse, Allocated, Freed int64
	NumAllocations          int64
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		InUse:          p.inUse.Load(),
		Allocated:      p.allocatedBytes.Load(),
		Freed:          p.freedBytes.Load(),
		NumAllocations: p.numAllocations.Load(),
	}
}

// AllocateTensor binds a new buffer of the pool to the tensor, and marks it as from the memory pool.
// It is a no-op if the tensor already has memory bound.
func (p *Pool) AllocateTensor(t *Tensor) error {
	if t.IsPtrValid() {
		return nil
	}
	buf, err := p.Allocate(t.Size())
	if err != nil {
		return errors.WithMessagef(err, "allocating memory for %s", t.Name())
	}
	t.SetPtr(buf)
	t.SetFromMemPool(true)
	return nil
}

// FreeTensor unbinds the memory of the tensor and returns it to the pool, if it came from a pool.
// Persisted tensors are never freed.
func (p *Pool) FreeTensor(t *Tensor) {
	if t.HasFlag(FlagPersisted) {
		return
	}
	buf := t.swapPtr(nil)
	if buf != nil && t.FromMemPool() {
		p.Free(buf)
	}
}
