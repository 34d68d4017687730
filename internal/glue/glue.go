// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"net"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/lodestar-net/lodestar/addressbook"
	"github.com/lodestar-net/lodestar/config"
	"github.com/lodestar-net/lodestar/core/log"
	"github.com/lodestar-net/lodestar/core/sphinx/geo"
	"github.com/lodestar-net/lodestar/core/wire"
	"github.com/lodestar-net/lodestar/events"
	"github.com/lodestar-net/lodestar/internal/packet"
	"github.com/lodestar-net/lodestar/topology"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	EventBus() *events.Bus

	IdentityKey() *ed25519.PrivateKey
	IdentityPublicKey() *ed25519.PublicKey
	LinkKey() wire.PrivateKey
	SphinxKey() nike.PrivateKey
	Geometry() *geo.Geometry

	// NodeID is the relay's own node identifier.
	NodeID() [topology.NodeIDLength]byte

	Topology() *topology.Store
	AddressBook() *addressbook.Book
	Forwarder() Forwarder
	Scheduler() Scheduler
	Connector() Connector
	Listeners() []Listener
	Circuits() Circuits

	// AuthenticateConnection validates link peer credentials against the
	// topology view and static peer configuration.
	AuthenticateConnection(c *wire.PeerCredentials) (*topology.RelayDescriptor, bool)
}

type Forwarder interface {
	Halt()
	OnPacket(*packet.Packet)
}

type Scheduler interface {
	Halt()
	OnPacket(*packet.Packet)
}

type Connector interface {
	Halt()
	DispatchPacket(*packet.Packet)
	IsValidForwardDest(*[topology.NodeIDLength]byte) bool
	ForceUpdate()
}

type Listener interface {
	Halt()
	CloseOldConns(interface{}) error
	Addr() net.Addr
}

type Circuits interface {
	Halt()
	OnPacket(*packet.Packet)
}
