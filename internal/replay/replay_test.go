// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package replay

import (
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	require := require.New(t)

	f, err := New(15 * time.Minute)
	require.NoError(err)

	tag := make([]byte, TagLength)
	_, err = rand.Reader.Read(tag)
	require.NoError(err)

	require.False(f.IsReplay(tag))
	require.True(f.IsReplay(tag))

	// Malformed tags are always replays.
	require.True(f.IsReplay(tag[:TagLength-1]))
	require.True(f.IsReplay(nil))
}

func TestFilterRotation(t *testing.T) {
	require := require.New(t)

	f, err := New(10 * time.Second)
	require.NoError(err)

	tag := make([]byte, TagLength)
	_, err = rand.Reader.Read(tag)
	require.NoError(err)

	// A tag seen just before a window boundary is still a replay just
	// after it.
	t0 := time.Unix(1700000009, 0)
	t1 := time.Unix(1700000010, 0)
	require.False(f.isReplayAt(tag, t0))
	require.True(f.isReplayAt(tag, t1))

	// Two full windows later both filters have cycled and the tag is
	// admitted again; the admission ticket freshness window is what
	// rejects replays that old.
	t2 := t0.Add(30 * time.Second)
	require.False(f.isReplayAt(tag, t2))
}
