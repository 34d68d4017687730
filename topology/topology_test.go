// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-net/lodestar/core/log"
)

type testRelay struct {
	name string
	priv *ed25519.PrivateKey
	id   [NodeIDLength]byte
}

func newTestRelay(t *testing.T, name string) *testRelay {
	priv, pub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	return &testRelay{
		name: name,
		priv: priv,
		id:   pub.Sum256(),
	}
}

func (r *testRelay) signedDescriptor(t *testing.T, counter uint64) []byte {
	raw, err := SignDescriptor(r.priv, &RelayDescriptor{
		Name:      r.name,
		LinkKey:   []byte("link-" + r.name),
		SphinxKey: []byte("sphinx-" + r.name),
		Addresses: []string{"tcp://192.0.2.1:7314"},
		Counter:   counter,
	})
	require.NoError(t, err)
	return raw
}

func (r *testRelay) signedLinkState(t *testing.T, counter uint64, neighbors ...*testRelay) []byte {
	ls := &LinkState{Counter: counter}
	for _, n := range neighbors {
		ls.Neighbors = append(ls.Neighbors, Neighbor{ID: n.id, Cost: 1})
	}
	raw, err := SignLinkState(r.priv, ls)
	require.NoError(t, err)
	return raw
}

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	s := New(backend, nil, ttl)
	t.Cleanup(s.Halt)
	return s
}

func TestDescriptorSignRoundTrip(t *testing.T) {
	require := require.New(t)

	r := newTestRelay(t, "alpha")
	raw := r.signedDescriptor(t, 1)

	d, err := VerifyDescriptor(raw)
	require.NoError(err)
	require.Equal("alpha", d.Name)
	require.Equal(r.id, d.ID())

	// Any bit flip in the record must fail verification.
	raw[len(raw)/2] ^= 0x01
	_, err = VerifyDescriptor(raw)
	require.Error(err)
}

func TestMergeDescriptorCounter(t *testing.T) {
	require := require.New(t)

	s := newTestStore(t, time.Hour)
	r := newTestRelay(t, "alpha")

	require.NoError(s.MergeDescriptor(r.signedDescriptor(t, 5)))
	gen := s.Generation()

	// A lower counter never replaces a stored record.
	require.ErrorIs(s.MergeDescriptor(r.signedDescriptor(t, 3)), ErrStaleRecord)
	require.Equal(gen, s.Generation())

	// A higher counter always does.
	require.NoError(s.MergeDescriptor(r.signedDescriptor(t, 6)))
	require.Greater(s.Generation(), gen)

	d, ok := s.Descriptor(r.id)
	require.True(ok)
	require.Equal(uint64(6), d.Counter)
}

func TestMergeDescriptorTieBreak(t *testing.T) {
	require := require.New(t)

	r := newTestRelay(t, "alpha")
	sign := func(addr string) []byte {
		raw, err := SignDescriptor(r.priv, &RelayDescriptor{
			Name:      r.name,
			LinkKey:   []byte("link"),
			SphinxKey: []byte("sphinx"),
			Addresses: []string{addr},
			Counter:   7,
		})
		require.NoError(err)
		return raw
	}
	rawA := sign("tcp://192.0.2.1:7314")
	rawB := sign("tcp://192.0.2.2:7314")

	// Both arrival orders must converge on the same stored record.
	sAB := newTestStore(t, time.Hour)
	require.NoError(sAB.MergeDescriptor(rawA))
	_ = sAB.MergeDescriptor(rawB)
	sBA := newTestStore(t, time.Hour)
	require.NoError(sBA.MergeDescriptor(rawB))
	_ = sBA.MergeDescriptor(rawA)

	dAB, ok := sAB.Descriptor(r.id)
	require.True(ok)
	dBA, ok := sBA.Descriptor(r.id)
	require.True(ok)
	require.Equal(dAB.Addresses, dBA.Addresses)
}

func TestComputePath(t *testing.T) {
	require := require.New(t)

	s := newTestStore(t, time.Hour)
	a := newTestRelay(t, "a")
	b := newTestRelay(t, "b")
	c := newTestRelay(t, "c")
	d := newTestRelay(t, "d")

	for _, r := range []*testRelay{a, b, c, d} {
		require.NoError(s.MergeDescriptor(r.signedDescriptor(t, 1)))
	}
	// Line: a - b - c - d.
	require.NoError(s.MergeLinkState(a.signedLinkState(t, 1, b)))
	require.NoError(s.MergeLinkState(b.signedLinkState(t, 1, a, c)))
	require.NoError(s.MergeLinkState(c.signedLinkState(t, 1, b, d)))
	require.NoError(s.MergeLinkState(d.signedLinkState(t, 1, c)))

	snap := s.Snapshot()
	path, err := snap.ComputePath(a.id, d.id, 5)
	require.NoError(err)
	require.Len(path, 4)
	require.Equal("a", path[0].Name)
	require.Equal("b", path[1].Name)
	require.Equal("c", path[2].Name)
	require.Equal("d", path[3].Name)

	// The hop bound is honored.
	_, err = snap.ComputePath(a.id, d.id, 2)
	require.ErrorIs(err, ErrNoRouteFound)

	// Unknown destinations have no route.
	e := newTestRelay(t, "e")
	_, err = snap.ComputePath(a.id, e.id, 5)
	require.ErrorIs(err, ErrNoRouteFound)

	// Snapshots are cached until the store changes.
	require.Equal(snap, s.Snapshot())
	require.NoError(s.MergeLinkState(a.signedLinkState(t, 2, b, c)))
	require.NotEqual(snap.Generation, s.Snapshot().Generation)
}

func TestMarkLinkStale(t *testing.T) {
	require := require.New(t)

	s := newTestStore(t, time.Hour)
	a := newTestRelay(t, "a")
	b := newTestRelay(t, "b")
	c := newTestRelay(t, "c")

	for _, r := range []*testRelay{a, b, c} {
		require.NoError(s.MergeDescriptor(r.signedDescriptor(t, 1)))
	}
	// Triangle with a shortcut a - c and a detour a - b - c.
	require.NoError(s.MergeLinkState(a.signedLinkState(t, 1, b, c)))
	require.NoError(s.MergeLinkState(b.signedLinkState(t, 1, a, c)))
	require.NoError(s.MergeLinkState(c.signedLinkState(t, 1, a, b)))

	path, err := s.Snapshot().ComputePath(a.id, c.id, 5)
	require.NoError(err)
	require.Len(path, 2)

	s.MarkLinkStale(a.id, c.id)
	path, err = s.Snapshot().ComputePath(a.id, c.id, 5)
	require.NoError(err)
	require.Len(path, 3)
	require.Equal("b", path[1].Name)

	// A fresh link state from a clears the local observation.
	require.NoError(s.MergeLinkState(a.signedLinkState(t, 2, b, c)))
	path, err = s.Snapshot().ComputePath(a.id, c.id, 5)
	require.NoError(err)
	require.Len(path, 2)
}

func TestSweep(t *testing.T) {
	require := require.New(t)

	s := newTestStore(t, time.Hour)
	a := newTestRelay(t, "a")
	require.NoError(s.MergeDescriptor(a.signedDescriptor(t, 1)))

	s.sweep(time.Now())
	_, ok := s.Descriptor(a.id)
	require.True(ok)

	s.sweep(time.Now().Add(2 * time.Hour))
	_, ok = s.Descriptor(a.id)
	require.False(ok)
}

func TestGossipRoundTrip(t *testing.T) {
	require := require.New(t)

	src := newTestStore(t, time.Hour)
	dst := newTestStore(t, time.Hour)

	a := newTestRelay(t, "a")
	b := newTestRelay(t, "b")
	require.NoError(src.MergeDescriptor(a.signedDescriptor(t, 1)))
	require.NoError(src.MergeDescriptor(b.signedDescriptor(t, 1)))
	require.NoError(src.MergeLinkState(a.signedLinkState(t, 1, b)))
	require.NoError(src.MergeLinkState(b.signedLinkState(t, 1, a)))

	payload, err := src.GossipPayload(65536)
	require.NoError(err)

	accepted, err := dst.MergeGossip(payload)
	require.NoError(err)
	require.Equal(4, accepted)

	// Re-merging the same payload accepts nothing new.
	accepted, err = dst.MergeGossip(payload)
	require.NoError(err)
	require.Equal(0, accepted)

	_, ok := dst.Descriptor(a.id)
	require.True(ok)
	path, err := dst.Snapshot().ComputePath(a.id, b.id, 5)
	require.NoError(err)
	require.Len(path, 2)
}
