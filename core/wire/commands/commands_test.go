// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"crypto/rand"
	"testing"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-net/lodestar/core/sphinx/geo"
)

func testCommands() *Commands {
	g := geo.GeometryFromForwardPayloadLength(x25519.Scheme(rand.Reader), 2048, 5)
	return NewCommands(g)
}

func TestNoOpAndDisconnect(t *testing.T) {
	require := require.New(t)
	cmds := testCommands()

	for _, cmd := range []Command{&NoOp{Cmds: cmds}, &Disconnect{Cmds: cmds}} {
		b := cmd.ToBytes()
		require.Len(b, cmds.maxMessageLenPacket(), "packet class commands share a padded size")

		parsed, err := cmds.FromBytes(b)
		require.NoError(err)
		require.IsType(cmd, parsed)
	}
}

func TestSendPacket(t *testing.T) {
	require := require.New(t)
	cmds := testCommands()

	cmd := &SendPacket{Cmds: cmds}
	_, err := rand.Read(cmd.Ticket[:])
	require.NoError(err)
	cmd.Packet = make([]byte, cmds.geo.PacketLength)
	_, err = rand.Read(cmd.Packet)
	require.NoError(err)

	b := cmd.ToBytes()
	require.Len(b, cmds.maxMessageLenPacket())

	parsed, err := cmds.FromBytes(b)
	require.NoError(err)
	sp, ok := parsed.(*SendPacket)
	require.True(ok)
	require.Equal(cmd.Ticket, sp.Ticket)
	require.Equal(cmd.Packet, sp.Packet)
}

func TestTopologyCommands(t *testing.T) {
	require := require.New(t)
	cmds := testCommands()

	payload := make([]byte, 1023)
	_, err := rand.Read(payload)
	require.NoError(err)

	b := (&TopologyAnnounce{Cmds: cmds, Payload: payload}).ToBytes()
	require.Len(b, MaxTopologyMsgLength)
	parsed, err := cmds.FromBytes(b)
	require.NoError(err)
	require.Equal(payload, parsed.(*TopologyAnnounce).Payload)

	b = (&TopologyRequest{Cmds: cmds, Generation: 42}).ToBytes()
	parsed, err = cmds.FromBytes(b)
	require.NoError(err)
	require.Equal(uint64(42), parsed.(*TopologyRequest).Generation)

	b = (&TopologyResponse{Cmds: cmds, Payload: payload}).ToBytes()
	parsed, err = cmds.FromBytes(b)
	require.NoError(err)
	require.Equal(payload, parsed.(*TopologyResponse).Payload)
}

func TestFromBytesRejectsGarbage(t *testing.T) {
	require := require.New(t)
	cmds := testCommands()

	_, err := cmds.FromBytes([]byte{0xff})
	require.Error(err)

	// Unknown command id.
	b := (&NoOp{Cmds: cmds}).ToBytes()
	b[0] = 0x7f
	_, err = cmds.FromBytes(b)
	require.Error(err)

	// Non-zero padding.
	b = (&NoOp{Cmds: cmds}).ToBytes()
	b[len(b)-1] = 0x01
	_, err = cmds.FromBytes(b)
	require.Error(err)
}
