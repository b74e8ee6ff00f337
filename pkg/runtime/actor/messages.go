// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"fmt"

	"github.com/gomlx/graphrt/pkg/runtime/device"
)

// AID identifies an actor within a Runtime.
type AID string

// Name of the actor.
func (aid AID) Name() string { return string(aid) }

// OpData is the message carrying a tensor along a data arrow.
type OpData struct {
	// To is the receiving actor.
	To AID

	// Data is the tensor carried. It is shared with the producer and every other consumer.
	Data *device.Tensor

	// Index of the input slot of the receiver.
	Index int
}

// String implements fmt.Stringer.
func (d *OpData) String() string {
	return fmt.Sprintf("OpData(to=%s, index=%d, data=%s)", d.To, d.Index, d.Data)
}

// DataArrow connects output FromOutputIndex of an actor to the input ToInputIndex of the actor ToOpID.
type DataArrow struct {
	FromOutputIndex int
	ToOpID          AID
	ToInputIndex    int
}

// String implements fmt.Stringer.
func (a DataArrow) String() string {
	return fmt.Sprintf("%d->%s:%d", a.FromOutputIndex, a.ToOpID, a.ToInputIndex)
}

// storeKey binds an input slot of an actor to a tensor of the device.Store.
type storeKey struct {
	index int
	node  device.NodeKey
}
