// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"

	"github.com/pkg/errors"
)

// NodeKey is the stable identity of a graph node (a constant or a parameter) whose tensor is
// stored in a Store.
type NodeKey string

type storeKey struct {
	node       NodeKey
	deviceType Type
}

// Store of persistent device tensors (constants, parameters and shared state), keyed by the node
// identity and the device type.
//
// One Store is created per compiled graph and given to the actors that read from it.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	tensors map[storeKey]*Tensor
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{tensors: make(map[storeKey]*Tensor)}
}

// Insert the tensor for the given node. The tensor becomes persisted: its memory is
// never freed by the runtime.
//
// It returns an error if the tensor has no memory bound.
func (s *Store) Insert(node NodeKey, t *Tensor) error {
	if t == nil || !t.IsPtrValid() {
		return errors.Errorf("device tensor store: tensor for node %q has no device memory", node)
	}
	t.SetFlag(FlagPersisted)
	t.SetOriginalRefCount(MaxRefCount)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tensors[storeKey{node, t.DeviceType()}] = t
	return nil
}

// Fetch returns the tensor stored for the node on the given device type, or nil if there is none.
func (s *Store) Fetch(node NodeKey, deviceType Type) *Tensor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tensors[storeKey{node, deviceType}]
}

// Remove the tensor of the node on the given device type.
func (s *Store) Remove(node NodeKey, deviceType Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tensors, storeKey{node, deviceType})
}

// Len returns the number of tensors stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tensors)
}

// Clear removes all tensors.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.tensors)
}
