// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-net/lodestar/core/sphinx/geo"
	"github.com/lodestar-net/lodestar/core/wire/commands"
)

type acceptAllAuthenticator struct{}

func (a *acceptAllAuthenticator) IsPeerValid(*PeerCredentials) bool { return true }

type rejectAllAuthenticator struct{}

func (a *rejectAllAuthenticator) IsPeerValid(*PeerCredentials) bool { return false }

func testSessionPair(t *testing.T, auth PeerAuthenticator) (*Session, *Session) {
	g := geo.GeometryFromForwardPayloadLength(x25519.Scheme(rand.Reader), 2048, 5)

	initiatorKey, err := DefaultScheme.GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	responderKey, err := DefaultScheme.GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	initiator, err := NewSession(&SessionConfig{
		Authenticator:     auth,
		AdditionalData:    []byte("initiator"),
		AuthenticationKey: initiatorKey,
		RandomReader:      rand.Reader,
		Geometry:          g,
	}, true)
	require.NoError(t, err)

	responder, err := NewSession(&SessionConfig{
		Authenticator:     &acceptAllAuthenticator{},
		AdditionalData:    []byte("responder"),
		AuthenticationKey: responderKey,
		RandomReader:      rand.Reader,
		Geometry:          g,
	}, false)
	require.NoError(t, err)

	return initiator, responder
}

func TestSessionHandshakeAndCommands(t *testing.T) {
	require := require.New(t)

	initiator, responder := testSessionPair(t, &acceptAllAuthenticator{})
	defer initiator.Close()
	defer responder.Close()

	initConn, respConn := net.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- responder.Initialize(respConn)
	}()
	require.NoError(initiator.Initialize(initConn))
	require.NoError(<-errCh)

	creds, err := initiator.PeerCredentials()
	require.NoError(err)
	require.Equal([]byte("responder"), creds.AdditionalData)

	creds, err = responder.PeerCredentials()
	require.NoError(err)
	require.Equal([]byte("initiator"), creds.AdditionalData)

	// Clock skew on a loopback link is negligible.
	require.Less(initiator.ClockSkew(), 5*time.Second)

	// Exchange a packet command.
	pktCmd := &commands.SendPacket{Cmds: initiator.commands}
	_, err = rand.Read(pktCmd.Ticket[:])
	require.NoError(err)
	pktCmd.Packet = make([]byte, 512)
	_, err = rand.Read(pktCmd.Packet)
	require.NoError(err)

	go func() {
		errCh <- initiator.SendCommand(pktCmd)
	}()
	rx, err := responder.RecvCommand()
	require.NoError(err)
	require.NoError(<-errCh)

	rxPkt, ok := rx.(*commands.SendPacket)
	require.True(ok)
	require.Equal(pktCmd.Ticket, rxPkt.Ticket)
	require.Equal(pktCmd.Packet, rxPkt.Packet)
}

func TestSessionAuthenticationFailure(t *testing.T) {
	require := require.New(t)

	initiator, responder := testSessionPair(t, &rejectAllAuthenticator{})
	defer initiator.Close()
	defer responder.Close()

	initConn, respConn := net.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- responder.Initialize(respConn)
	}()
	err := initiator.Initialize(initConn)
	require.ErrorIs(err, ErrHandshakeFailed)
	initConn.Close()

	// The responder observes a failure too, either a handshake error or
	// a connection teardown from the initiator.
	require.Error(<-errCh)
}
