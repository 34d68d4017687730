// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands implements the link layer wire protocol commands.
package commands

import (
	"encoding/binary"
	"errors"

	"github.com/lodestar-net/lodestar/core/sphinx/geo"
	"github.com/lodestar-net/lodestar/core/utils"
)

const (
	cmdOverhead = 1 + 1 + 4

	// TicketLength is the length of a serialized admission ticket that
	// accompanies every forwarded packet.
	TicketLength = 32

	// MaxTopologyMsgLength is the maximum length of a serialized
	// topology command, padding included.
	MaxTopologyMsgLength = 65536

	// Generic commands.
	noOp       commandID = 0
	disconnect commandID = 1
	sendPacket commandID = 2

	// Topology gossip commands.
	topologyAnnounce commandID = 16
	topologyRequest  commandID = 17
	topologyResponse commandID = 18
)

var errInvalidCommand = errors.New("wire: invalid wire protocol command")

type commandID byte

// Command is the common interface exposed by all message command
// structures.
type Command interface {
	// ToBytes serializes the command and returns the resulting slice.
	ToBytes() []byte
}

// Commands encapsulates the wire protocol commands so that padding can
// be derived from the packet geometry.
type Commands struct {
	geo *geo.Geometry
}

// NewCommands returns a Commands for the given packet geometry.
func NewCommands(geo *geo.Geometry) *Commands {
	return &Commands{geo: geo}
}

// maxMessageLenPacket is the padded size of the packet class of
// commands, which all share a length so that the link layer does not
// leak which command was sent.
func (c *Commands) maxMessageLenPacket() int {
	return cmdOverhead + TicketLength + c.geo.PacketLength
}

func (c *Commands) maxMessageLen(cmd Command) int {
	switch cmd.(type) {
	case *NoOp, *Disconnect, *SendPacket:
		return c.maxMessageLenPacket()
	case *TopologyAnnounce, *TopologyRequest, *TopologyResponse:
		return MaxTopologyMsgLength
	default:
		panic("wire: unhandled command type passed to maxMessageLen")
	}
}

// NoOp is a de-serialized noop command.
type NoOp struct {
	Cmds *Commands
}

// ToBytes serializes the NoOp and returns the resulting slice.
func (c *NoOp) ToBytes() []byte {
	out := make([]byte, cmdOverhead)
	out[0] = byte(noOp)
	return padToMaxCommandSize(out, c.Cmds.maxMessageLen(c))
}

// Disconnect is a de-serialized disconnect command.
type Disconnect struct {
	Cmds *Commands
}

// ToBytes serializes the Disconnect and returns the resulting slice.
func (c *Disconnect) ToBytes() []byte {
	out := make([]byte, cmdOverhead)
	out[0] = byte(disconnect)
	return padToMaxCommandSize(out, c.Cmds.maxMessageLen(c))
}

// SendPacket is a de-serialized send_packet command, carrying an onion
// packet and the admission ticket that pays for its forwarding.
type SendPacket struct {
	Cmds *Commands

	Ticket [TicketLength]byte
	Packet []byte
}

// ToBytes serializes the SendPacket and returns the resulting slice.
func (c *SendPacket) ToBytes() []byte {
	out := make([]byte, cmdOverhead, cmdOverhead+TicketLength+len(c.Packet))
	out[0] = byte(sendPacket)
	binary.BigEndian.PutUint32(out[2:6], uint32(TicketLength+len(c.Packet)))
	out = append(out, c.Ticket[:]...)
	out = append(out, c.Packet...)
	return padToMaxCommandSize(out, c.Cmds.maxMessageLen(c))
}

func sendPacketFromBytes(b []byte, cmds *Commands) (Command, error) {
	if len(b) < TicketLength {
		return nil, errInvalidCommand
	}
	r := new(SendPacket)
	copy(r.Ticket[:], b[:TicketLength])
	b = b[TicketLength:]
	r.Packet = make([]byte, 0, len(b))
	r.Packet = append(r.Packet, b...)
	r.Cmds = cmds
	return r, nil
}

// TopologyAnnounce is a de-serialized topology_announce command,
// carrying serialized descriptor and link state records pushed by the
// peer.
type TopologyAnnounce struct {
	Cmds *Commands

	Payload []byte
}

// ToBytes serializes the TopologyAnnounce and returns the resulting
// slice.
func (c *TopologyAnnounce) ToBytes() []byte {
	out := make([]byte, cmdOverhead, cmdOverhead+len(c.Payload))
	out[0] = byte(topologyAnnounce)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(c.Payload)))
	out = append(out, c.Payload...)
	return padToMaxCommandSize(out, c.Cmds.maxMessageLen(c))
}

func topologyAnnounceFromBytes(b []byte, cmds *Commands) (Command, error) {
	r := new(TopologyAnnounce)
	r.Payload = make([]byte, 0, len(b))
	r.Payload = append(r.Payload, b...)
	r.Cmds = cmds
	return r, nil
}

// TopologyRequest is a de-serialized topology_request command, asking
// the peer for its current view of a random sample of relays.
type TopologyRequest struct {
	Cmds *Commands

	Generation uint64
}

// ToBytes serializes the TopologyRequest and returns the resulting
// slice.
func (c *TopologyRequest) ToBytes() []byte {
	out := make([]byte, cmdOverhead+8)
	out[0] = byte(topologyRequest)
	binary.BigEndian.PutUint32(out[2:6], 8)
	binary.BigEndian.PutUint64(out[cmdOverhead:], c.Generation)
	return padToMaxCommandSize(out, c.Cmds.maxMessageLen(c))
}

func topologyRequestFromBytes(b []byte, cmds *Commands) (Command, error) {
	if len(b) != 8 {
		return nil, errInvalidCommand
	}
	r := new(TopologyRequest)
	r.Generation = binary.BigEndian.Uint64(b)
	r.Cmds = cmds
	return r, nil
}

// TopologyResponse is a de-serialized topology_response command.
type TopologyResponse struct {
	Cmds *Commands

	Payload []byte
}

// ToBytes serializes the TopologyResponse and returns the resulting
// slice.
func (c *TopologyResponse) ToBytes() []byte {
	out := make([]byte, cmdOverhead, cmdOverhead+len(c.Payload))
	out[0] = byte(topologyResponse)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(c.Payload)))
	out = append(out, c.Payload...)
	return padToMaxCommandSize(out, c.Cmds.maxMessageLen(c))
}

func topologyResponseFromBytes(b []byte, cmds *Commands) (Command, error) {
	r := new(TopologyResponse)
	r.Payload = make([]byte, 0, len(b))
	r.Payload = append(r.Payload, b...)
	r.Cmds = cmds
	return r, nil
}

// FromBytes de-serializes the command in the buffer b, returning a
// Command or an error.
func (c *Commands) FromBytes(b []byte) (Command, error) {
	if len(b) < cmdOverhead {
		return nil, errInvalidCommand
	}

	// Parse the common header.
	id := b[0]
	if b[1] != 0 {
		return nil, errInvalidCommand
	}
	cmdLen := binary.BigEndian.Uint32(b[2:6])
	b = b[cmdOverhead:]
	if uint32(len(b)) < cmdLen {
		return nil, errInvalidCommand
	}
	padding := b[cmdLen:]

	// Ensure that it is zero padded.
	if !utils.CtIsZero(padding) {
		return nil, errInvalidCommand
	}

	// Just handle the commands with no payload inline.
	if cmdLen == 0 {
		switch commandID(id) {
		case noOp:
			return &NoOp{Cmds: c}, nil
		case disconnect:
			return &Disconnect{Cmds: c}, nil
		default:
			return nil, errInvalidCommand
		}
	}

	// Handle the commands that require actual parsing.
	b = b[:cmdLen]
	switch commandID(id) {
	case sendPacket:
		return sendPacketFromBytes(b, c)
	case topologyAnnounce:
		return topologyAnnounceFromBytes(b, c)
	case topologyRequest:
		return topologyRequestFromBytes(b, c)
	case topologyResponse:
		return topologyResponseFromBytes(b, c)
	default:
		return nil, errInvalidCommand
	}
}

// padToMaxCommandSize pads a serialized command to the padded size of
// its command class.
func padToMaxCommandSize(data []byte, maxMessageLen int) []byte {
	paddingSize := maxMessageLen - len(data)
	if paddingSize <= 0 {
		return data
	}
	return append(data, make([]byte, paddingSize)...)
}
