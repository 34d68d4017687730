// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package addressbook

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-net/lodestar/core/log"
	"github.com/lodestar-net/lodestar/topology"
)

func testDescriptor(t *testing.T, name string) ([topology.NodeIDLength]byte, []byte) {
	priv, pub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	raw, err := topology.SignDescriptor(priv, &topology.RelayDescriptor{
		Name:      name,
		LinkKey:   []byte("link"),
		SphinxKey: []byte("sphinx"),
		Addresses: []string{"tcp://192.0.2.1:7314"},
		Counter:   1,
	})
	require.NoError(t, err)
	return pub.Sum256(), raw
}

func TestBookPersistence(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "addressbook.db")

	book, err := New(f)
	require.NoError(err)

	id, raw := testDescriptor(t, "alpha")
	require.NoError(book.Store(id, raw))

	seen, ok := book.LastSeen(id)
	require.True(ok)
	require.WithinDuration(time.Now(), seen, time.Minute)
	book.Close()

	// Reopen and warm a fresh topology store.
	book, err = New(f)
	require.NoError(err)
	defer book.Close()

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	store := topology.New(backend, nil, time.Hour)
	defer store.Halt()

	n, err := book.Warm(store)
	require.NoError(err)
	require.Equal(1, n)
	d, ok := store.Descriptor(id)
	require.True(ok)
	require.Equal("alpha", d.Name)
}

func TestBookPrunesBadRecords(t *testing.T) {
	require := require.New(t)

	book, err := New(filepath.Join(t.TempDir(), "addressbook.db"))
	require.NoError(err)
	defer book.Close()

	id, raw := testDescriptor(t, "alpha")
	raw[len(raw)/2] ^= 0x01 // Corrupt the record.
	require.NoError(book.Store(id, raw))

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	store := topology.New(backend, nil, time.Hour)
	defer store.Halt()

	n, err := book.Warm(store)
	require.NoError(err)
	require.Equal(0, n)
	_, ok := book.LastSeen(id)
	require.False(ok)
}
