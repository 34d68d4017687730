// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands implements the per-hop routing info commands of the
// onion packet format.
package commands

import (
	"encoding/binary"
	"errors"

	"github.com/lodestar-net/lodestar/core/sphinx/geo"
	"github.com/lodestar-net/lodestar/core/sphinx/internal/crypto"
	"github.com/lodestar-net/lodestar/core/utils"
)

const (
	// Generic commands.
	null        commandID = 0x00
	nextNodeHop commandID = 0x01
	recipient   commandID = 0x02
	circuitID   commandID = 0x03

	// Implementation defined commands.
	nodeDelay commandID = 0x80
)

var errInvalidCommand = errors.New("sphinx: invalid per-hop command")

type commandID byte

// RoutingCommand is the common interface exposed by all per-hop routing
// command structures.
type RoutingCommand interface {
	// ToBytes appends the serialized command to slice b, and returns the
	// resulting slice.
	ToBytes(b []byte) []byte
}

// FromBytes deserializes the first per-hop routing command in the buffer b,
// returning a RoutingCommand and the remaining bytes (if any), or an error.
func FromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) == 0 {
		// Treat a 0 length command as a null command.
		return
	}

	id := b[0]
	if len(b) == 1 {
		// null can have a 0 length body, and requires special handling.
		if commandID(id) != null {
			err = errInvalidCommand
		}
		return
	}
	b = b[1:]

	switch commandID(id) {
	case null:
		// The null command, being the terminal command, is a special case.
		if len(b) > 0 && !utils.CtIsZero(b) {
			err = errInvalidCommand
		}
	case nextNodeHop:
		cmd, rest, err = nextNodeHopFromBytes(b, g)
	case recipient:
		cmd, rest, err = recipientFromBytes(b, g)
	case circuitID:
		cmd, rest, err = circuitIDFromBytes(b, g)
	case nodeDelay:
		cmd, rest, err = nodeDelayFromBytes(b)
	default:
		err = errInvalidCommand
	}
	return
}

// NextNodeHop is a de-serialized next_node command.
type NextNodeHop struct {
	ID  [geo.NodeIDLength]byte
	MAC [crypto.MACLength]byte
}

// ToBytes appends the serialized NextNodeHop to slice b, and returns the
// resulting slice.
func (cmd *NextNodeHop) ToBytes(b []byte) []byte {
	b = append(b, byte(nextNodeHop))
	b = append(b, cmd.ID[:]...)
	b = append(b, cmd.MAC[:]...)
	return b
}

func nextNodeHopFromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) < g.NextNodeHopLength-1 {
		err = errInvalidCommand
		return
	}
	rest = b[g.NextNodeHopLength-1:]

	r := new(NextNodeHop)
	copy(r.ID[:], b[:g.NodeIDLength])
	copy(r.MAC[:], b[g.NodeIDLength:])
	cmd = r
	return
}

// Recipient is a de-serialized recipient command, identifying the local
// delivery queue of a terminal packet.
type Recipient struct {
	ID [geo.RecipientIDLength]byte
}

// ToBytes appends the serialized Recipient to slice b, and returns the
// resulting slice.
func (cmd *Recipient) ToBytes(b []byte) []byte {
	b = append(b, byte(recipient))
	b = append(b, cmd.ID[:]...)
	return b
}

func recipientFromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	recipientLength := 1 + g.RecipientIDLength

	if len(b) < recipientLength-1 {
		err = errInvalidCommand
		return
	}
	rest = b[recipientLength-1:]

	r := new(Recipient)
	copy(r.ID[:], b[:g.RecipientIDLength])
	cmd = r
	return
}

// CircuitID is a de-serialized circuit_id command, binding a terminal
// packet to a virtual circuit on the destination relay.
type CircuitID struct {
	ID [geo.CircuitIDLength]byte
}

// ToBytes appends the serialized CircuitID to slice b, and returns the
// resulting slice.
func (cmd *CircuitID) ToBytes(b []byte) []byte {
	b = append(b, byte(circuitID))
	b = append(b, cmd.ID[:]...)
	return b
}

func circuitIDFromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	circuitIDLength := 1 + g.CircuitIDLength

	if len(b) < circuitIDLength-1 {
		err = errInvalidCommand
		return
	}
	rest = b[circuitIDLength-1:]

	r := new(CircuitID)
	copy(r.ID[:], b[:g.CircuitIDLength])
	cmd = r
	return
}

// NodeDelay is a de-serialized mix_delay command.
type NodeDelay struct {
	Delay uint32
}

// ToBytes appends the serialized NodeDelay to slice b, and returns the
// resulting slice.
func (cmd *NodeDelay) ToBytes(b []byte) []byte {
	var tmp [4]byte
	b = append(b, byte(nodeDelay))
	binary.BigEndian.PutUint32(tmp[:], cmd.Delay)
	b = append(b, tmp[:]...)
	return b
}

func nodeDelayFromBytes(b []byte) (cmd RoutingCommand, rest []byte, err error) {
	nodeDelayLength := 1 + 4

	if len(b) < nodeDelayLength-1 {
		err = errInvalidCommand
		return
	}
	rest = b[nodeDelayLength-1:]

	r := new(NodeDelay)
	r.Delay = binary.BigEndian.Uint32(b[:4])
	cmd = r
	return
}
