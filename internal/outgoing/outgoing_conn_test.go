// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package outgoing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/lodestar-net/lodestar/core/log"
	"github.com/lodestar-net/lodestar/core/wire"
	"github.com/lodestar-net/lodestar/internal/glue"
	"github.com/lodestar-net/lodestar/topology"
)

type stubAuthGlue struct {
	glue.Glue

	valid bool
}

func (g *stubAuthGlue) AuthenticateConnection(*wire.PeerCredentials) (*topology.RelayDescriptor, bool) {
	return nil, g.valid
}

func TestOutgoingIsPeerValid(t *testing.T) {
	require := require.New(t)

	idPriv, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(err)
	linkPriv, err := wire.DefaultScheme.GenerateKeypair(rand.Reader)
	require.NoError(err)

	backend, err := log.New("", "DEBUG", false)
	require.NoError(err)

	d := &topology.RelayDescriptor{
		Name:        "peer",
		IdentityKey: idPriv.PublicKey().Bytes(),
		LinkKey:     linkPriv.PublicKey().Bytes(),
		Addresses:   []string{"tcp://127.0.0.1:12345"},
		Counter:     1,
	}
	nodeID := d.ID()

	g := &stubAuthGlue{valid: true}
	c := &outgoingConn{
		co:  &connector{glue: g},
		log: backend.GetLogger("outgoing_conn_test"),
		dst: d,
	}

	creds := &wire.PeerCredentials{
		AdditionalData: nodeID[:],
		PublicKey:      linkPriv.PublicKey(),
	}
	require.True(c.IsPeerValid(creds))

	// A credential presenting a different link key must be rejected even
	// when the identity hash matches.
	otherPriv, err := wire.DefaultScheme.GenerateKeypair(rand.Reader)
	require.NoError(err)
	badCreds := &wire.PeerCredentials{
		AdditionalData: nodeID[:],
		PublicKey:      otherPriv.PublicKey(),
	}
	require.False(c.IsPeerValid(badCreds))

	// Identity hash mismatch.
	wrongID := nodeID
	wrongID[0] ^= 0x01
	require.False(c.IsPeerValid(&wire.PeerCredentials{
		AdditionalData: wrongID[:],
		PublicKey:      linkPriv.PublicKey(),
	}))

	// Peers evicted from the topology view are rejected.
	g.valid = false
	require.False(c.IsPeerValid(creds))
}
