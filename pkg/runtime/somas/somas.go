// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package somas holds the result of the static memory scheduler: a single memory block per graph,
// and for each kernel output the non-overlapping byte range it was assigned in that block.
//
// Outputs covered by somas never go through the runtime allocator: at every run their tensors are
// bound to their range in the block. Graph outputs that live in the block are registered with
// InsertGraphOutputInfo, so they are kept alive when the block is released.
package somas

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OutputResult is the range assigned by the static memory scheduler to one kernel output.
// A Size of 0 means the output is not covered by somas.
type OutputResult struct {
	Offset, Size int
}

// IsTensorEnableSomas returns whether output index of a kernel is covered by somas, given
// the kernel's table of results.
func IsTensorEnableSomas(table []OutputResult, index int) bool {
	return index >= 0 && index < len(table) && table[index].Size > 0
}

type graphOutputInfo struct {
	offset, size int
}

// Info is the static memory block of one graph.
//
// It is safe for concurrent use.
type Info struct {
	wholeBlockSize int

	mu           sync.Mutex
	baseAddress  []byte
	graphOutputs map[*device.Tensor]graphOutputInfo
}

// NewInfo creates the somas information for a graph whose scheduled outputs need wholeBlockSize bytes.
func NewInfo(wholeBlockSize int) *Info {
	return &Info{
		wholeBlockSize: wholeBlockSize,
		graphOutputs:   make(map[*device.Tensor]graphOutputInfo),
	}
}

// WholeBlockSize is the number of bytes of the block.
func (i *Info) WholeBlockSize() int { return i.wholeBlockSize }

// AllocateBlock allocates the block from the pool. It is a no-op if it is already allocated or if
// the block is empty.
func (i *Info) AllocateBlock(pool *device.Pool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.baseAddress != nil || i.wholeBlockSize == 0 {
		return nil
	}
	block, err := pool.Allocate(i.wholeBlockSize)
	if err != nil {
		return errors.WithMessagef(err, "allocating somas block")
	}
	i.baseAddress = block
	klog.V(1).Infof("somas: allocated block of %s", humanize.Bytes(uint64(i.wholeBlockSize)))
	return nil
}

// BaseAddress returns the block, or nil if it is not allocated.
func (i *Info) BaseAddress() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.baseAddress
}

func (i *Info) checkRange(offset, size int) error {
	if offset < 0 || size <= 0 || offset+size > i.wholeBlockSize {
		return errors.Errorf("somas range [%d, %d) out of the block of %d bytes", offset, offset+size, i.wholeBlockSize)
	}
	return nil
}

// InsertGraphOutputInfo registers a tensor living in the block at [offset, offset+size) as a graph
// output: when the block is freed, its contents are kept alive.
func (i *Info) InsertGraphOutputInfo(t *device.Tensor, offset, size int) error {
	if err := i.checkRange(offset, size); err != nil {
		return errors.WithMessagef(err, "graph output %s", t.Name())
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.graphOutputs[t] = graphOutputInfo{offset: offset, size: size}
	return nil
}

// IsGraphOutput returns whether the tensor was registered with InsertGraphOutputInfo.
func (i *Info) IsGraphOutput(t *device.Tensor) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, found := i.graphOutputs[t]
	return found
}

// NumGraphOutputs returns the number of registered graph outputs.
func (i *Info) NumGraphOutputs() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.graphOutputs)
}

// Bind the tensor to its range in the block. The block must have been allocated.
func (i *Info) Bind(t *device.Tensor, result OutputResult) error {
	if err := i.checkRange(result.Offset, result.Size); err != nil {
		return errors.WithMessagef(err, "binding %s", t.Name())
	}
	base := i.BaseAddress()
	if base == nil {
		return errors.Errorf("binding %s: somas block is not allocated", t.Name())
	}
	end := result.Offset + min(result.Size, t.Size())
	t.SetPtr(base[result.Offset:end:end])
	return nil
}

// FreeBlock returns the block to the pool. Registered graph outputs are first copied to memory of
// their own, allocated from the same pool, so they remain valid.
func (i *Info) FreeBlock(pool *device.Pool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.baseAddress == nil {
		return nil
	}
	for t, info := range i.graphOutputs {
		kept, err := pool.Allocate(info.size)
		if err != nil {
			return errors.WithMessagef(err, "keeping somas graph output %s", t.Name())
		}
		copy(kept, i.baseAddress[info.offset:info.offset+info.size])
		t.SetPtr(kept)
		t.SetFromMemPool(true)
	}
	pool.Free(i.baseAddress)
	i.baseAddress = nil
	klog.V(1).Infof("somas: freed block of %s, kept %d graph outputs",
		humanize.Bytes(uint64(i.wholeBlockSize)), len(i.graphOutputs))
	return nil
}
