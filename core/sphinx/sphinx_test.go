// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"crypto/rand"
	"testing"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-net/lodestar/core/sphinx/commands"
	"github.com/lodestar-net/lodestar/core/sphinx/geo"
)

type nodeParams struct {
	id         [geo.NodeIDLength]byte
	publicKey  nike.PublicKey
	privateKey nike.PrivateKey
}

func newNode(t *testing.T, scheme nike.Scheme) *nodeParams {
	n := new(nodeParams)
	_, err := rand.Read(n.id[:])
	require.NoError(t, err)
	n.publicKey, n.privateKey, err = scheme.GenerateKeyPair()
	require.NoError(t, err)
	return n
}

func newPathVector(t *testing.T, scheme nike.Scheme, nrHops int, isTerminal bool) ([]*nodeParams, []*PathHop) {
	const delayBase = 123

	nodes := make([]*nodeParams, nrHops)
	for i := range nodes {
		nodes[i] = newNode(t, scheme)
	}

	path := make([]*PathHop, nrHops)
	for i := range path {
		path[i] = new(PathHop)
		copy(path[i].ID[:], nodes[i].id[:])
		path[i].PublicKey = nodes[i].publicKey
		if i < nrHops-1 {
			delay := new(commands.NodeDelay)
			delay.Delay = delayBase * uint32(i+1)
			path[i].Commands = append(path[i].Commands, delay)
		} else if isTerminal {
			recip := new(commands.Recipient)
			_, err := rand.Read(recip.ID[:])
			require.NoError(t, err)
			circ := new(commands.CircuitID)
			_, err = rand.Read(circ.ID[:])
			require.NoError(t, err)
			path[i].Commands = append(path[i].Commands, recip, circ)
		}
	}

	return nodes, path
}

func testGeometry(scheme nike.Scheme, nrHops int) *geo.Geometry {
	return geo.GeometryFromForwardPayloadLength(scheme, 2048, nrHops)
}

func TestForwardSphinx(t *testing.T) {
	require := require.New(t)

	scheme := x25519.Scheme(rand.Reader)

	const maxHops = 5
	for nrHops := 1; nrHops <= maxHops; nrHops++ {
		g := testGeometry(scheme, maxHops)
		s, err := NewSphinx(g)
		require.NoError(err)

		payload := make([]byte, g.ForwardPayloadLength)
		copy(payload, []byte("the quick brown fox jumps over the lazy dog"))

		nodes, path := newPathVector(t, scheme, nrHops, true)

		pkt, err := s.NewPacket(rand.Reader, path, payload)
		require.NoError(err)
		require.Len(pkt, g.PacketLength)

		seenTags := make(map[string]bool)
		for i := range nodes {
			b, tag, cmds, err := s.Unwrap(nodes[i].privateKey, pkt)
			require.NoErrorf(err, "hop %d", i)
			require.Len(tag, 32)
			require.False(seenTags[string(tag)], "replay tag reuse across hops")
			seenTags[string(tag)] = true

			if i == nrHops-1 {
				require.Equal(payload, b)
				var haveRecipient, haveCircuit bool
				for _, c := range cmds {
					switch c.(type) {
					case *commands.Recipient:
						haveRecipient = true
					case *commands.CircuitID:
						haveCircuit = true
					}
				}
				require.True(haveRecipient)
				require.True(haveCircuit)
			} else {
				require.Nil(b)
				// Fixed packet size is invariant across hops.
				require.Len(pkt, g.PacketLength)

				var nextNode *commands.NextNodeHop
				var delay *commands.NodeDelay
				for _, c := range cmds {
					switch cmd := c.(type) {
					case *commands.NextNodeHop:
						nextNode = cmd
					case *commands.NodeDelay:
						delay = cmd
					}
				}
				require.NotNil(nextNode)
				require.Equal(nodes[i+1].id[:], nextNode.ID[:])
				require.NotNil(delay)
				require.Equal(123*uint32(i+1), delay.Delay)
			}
		}
	}
}

func TestUnwrapMalformed(t *testing.T) {
	require := require.New(t)

	scheme := x25519.Scheme(rand.Reader)
	g := testGeometry(scheme, 5)
	s, err := NewSphinx(g)
	require.NoError(err)

	nodes, path := newPathVector(t, scheme, 5, true)
	payload := make([]byte, g.ForwardPayloadLength)
	pkt, err := s.NewPacket(rand.Reader, path, payload)
	require.NoError(err)

	// Truncated packet.
	_, _, _, err = s.Unwrap(nodes[0].privateKey, pkt[:g.HeaderLength-1])
	require.ErrorIs(err, ErrMalformedPacket)

	// Unknown version AD.
	mangled := append([]byte{}, pkt...)
	mangled[0] = 0xff
	_, _, _, err = s.Unwrap(nodes[0].privateKey, mangled)
	require.ErrorIs(err, ErrMalformedPacket)
}

func TestUnwrapDecryptionFailure(t *testing.T) {
	require := require.New(t)

	scheme := x25519.Scheme(rand.Reader)
	g := testGeometry(scheme, 5)
	s, err := NewSphinx(g)
	require.NoError(err)

	nodes, path := newPathVector(t, scheme, 5, true)
	payload := make([]byte, g.ForwardPayloadLength)
	pkt, err := s.NewPacket(rand.Reader, path, payload)
	require.NoError(err)

	// Corrupt the header MAC.
	mangled := append([]byte{}, pkt...)
	mangled[g.HeaderLength-1] ^= 0x01
	_, tag, _, err := s.Unwrap(nodes[0].privateKey, mangled)
	require.ErrorIs(err, ErrDecryption)
	require.Len(tag, 32, "replay tag still returned on auth failure")

	// A packet peeled with the wrong key also fails auth.
	_, _, _, err = s.Unwrap(nodes[1].privateKey, pkt)
	require.ErrorIs(err, ErrDecryption)
}

func TestGeometryValidate(t *testing.T) {
	require := require.New(t)

	scheme := x25519.Scheme(rand.Reader)
	g := testGeometry(scheme, 5)
	require.NoError(g.Validate())

	broken := *g
	broken.HeaderLength--
	require.Error(broken.Validate())

	_, err := NewSphinx(&broken)
	require.Error(err)
}
