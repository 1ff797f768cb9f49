// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPoolPairs(t *testing.T) {
	pool, err := NewPortPool(31000, 31016)
	require.NoError(t, err)
	require.Equal(t, 4, pool.Available())

	seen := map[int]bool{}
	var pairs []PortPair
	for pool.Available() > 0 {
		pair, err := pool.Allocate()
		require.NoError(t, err)
		assert.Equal(t, pair.Recv+2, pair.Send)
		assert.Zero(t, pair.Recv%2, "recv port must be even")
		assert.False(t, seen[pair.Recv], "pair handed out twice")
		seen[pair.Recv] = true
		pairs = append(pairs, pair)
	}

	// Stride 4 between consecutive allocations.
	for i := 1; i < len(pairs); i++ {
		assert.Equal(t, 4, pairs[i].Recv-pairs[i-1].Recv)
	}

	_, err = pool.Allocate()
	require.ErrorIs(t, err, ErrNoPorts)

	pool.Release(pairs[0])
	require.Equal(t, 1, pool.Available())
	pair, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, pairs[0], pair)
}

func TestPortPoolReleaseUnknown(t *testing.T) {
	pool, err := NewPortPool(31000, 31008)
	require.NoError(t, err)

	pool.Release(PortPair{Recv: 40000, Send: 40002})
	assert.Equal(t, 2, pool.Available())
	assert.Equal(t, 0, pool.Allocated())
}

func TestPortPoolInvalidRange(t *testing.T) {
	_, err := NewPortPool(31001, 31010)
	require.Error(t, err)

	_, err = NewPortPool(31000, 31002)
	require.Error(t, err)
}
