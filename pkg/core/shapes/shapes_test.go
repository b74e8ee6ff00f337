// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	assert.False(t, invalidShape.Ok())
	assert.Equal(t, 0, invalidShape.Memory())

	shape0 := Make(dtypes.Float64)
	assert.True(t, shape0.Ok())
	assert.True(t, shape0.IsScalar())
	assert.Equal(t, 0, shape0.Rank())
	assert.Equal(t, 1, shape0.Size())
	assert.Equal(t, 8, shape0.Memory())

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	assert.True(t, shape1.Ok())
	assert.False(t, shape1.IsScalar())
	assert.Equal(t, 3, shape1.Rank())
	assert.Equal(t, 4*3*2, shape1.Size())
	assert.Equal(t, 4*4*3*2, shape1.Memory())
	assert.True(t, shape1.Equal(shape1.Clone()))
	assert.False(t, shape1.Equal(Make(dtypes.Float32, 4, 3)))
	assert.False(t, shape1.Equal(Make(dtypes.Int32, 4, 3, 2)))

	require.Panics(t, func() { Make(dtypes.Float32, 3, 0) })
}

func TestShape_CheckBytes(t *testing.T) {
	shape := Make(dtypes.Int32, 3)
	require.NoError(t, shape.CheckBytes(12))
	require.Error(t, shape.CheckBytes(8))
	require.Error(t, Invalid().CheckBytes(0))
}
