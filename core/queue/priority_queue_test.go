// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdering(t *testing.T) {
	require := require.New(t)

	q := New()
	require.Equal(0, q.Len())
	require.Nil(q.Peek())
	require.Nil(q.Dequeue())

	prios := rand.Perm(1024)
	for _, p := range prios {
		q.Enqueue(uint64(p), p)
	}
	require.Equal(len(prios), q.Len())

	for i := 0; i < len(prios); i++ {
		e := q.Peek()
		require.NotNil(e)
		require.Equal(uint64(i), e.Priority)
		require.Equal(e, q.Dequeue())
	}
	require.Equal(0, q.Len())
}

func TestPriorityQueueMax(t *testing.T) {
	require := require.New(t)

	q := New()
	require.Nil(q.PeekMax())
	require.Nil(q.DequeueMax())

	for _, p := range rand.Perm(64) {
		q.Enqueue(uint64(p), p)
	}

	e := q.PeekMax()
	require.NotNil(e)
	require.Equal(uint64(63), e.Priority)
	require.Equal(e, q.DequeueMax())
	require.Equal(63, q.Len())

	e = q.DequeueMax()
	require.Equal(uint64(62), e.Priority)

	// The min end is unaffected by shedding at the max end.
	require.Equal(uint64(0), q.Peek().Priority)
}

func TestPriorityQueueDequeueIndex(t *testing.T) {
	require := require.New(t)

	q := New()
	for i := 0; i < 16; i++ {
		q.Enqueue(uint64(i), i)
	}

	e := q.DequeueIndex(0)
	require.Equal(uint64(0), e.Priority)
	require.Equal(15, q.Len())
	require.Equal(uint64(1), q.Peek().Priority)
}
