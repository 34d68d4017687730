// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package geo describes the geometry of the onion packet format.  All
// relays in a network MUST agree on a single geometry, as the packet
// length is invariant across hops.
package geo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/schemes"
)

const (
	// NodeIDLength is the node identifier length in bytes.
	NodeIDLength = 32

	// RecipientIDLength is the terminal recipient identifier length in bytes.
	RecipientIDLength = 32

	// CircuitIDLength is the length of a circuit identifier in bytes.
	CircuitIDLength = 16

	circuitIDCmdLength = 1 + CircuitIDLength

	adLength = 2

	// payloadTagLength is the length of the packet payload SPRP tag.
	payloadTagLength = 32

	macLength = 16
)

// Geometry describes the geometry of an onion packet.
type Geometry struct {
	// PacketLength is the length of a packet.
	PacketLength int

	// NrHops is the maximum number of hops a packet can traverse, and
	// dictates the size of the packet header.
	NrHops int

	// HeaderLength is the length of the packet header in bytes.
	HeaderLength int

	// RoutingInfoLength is the length of the routing info portion of the
	// header.
	RoutingInfoLength int

	// PerHopRoutingInfoLength is the length of the per hop routing info.
	PerHopRoutingInfoLength int

	// PayloadTagLength is the length of the payload tag.
	PayloadTagLength int

	// ForwardPayloadLength is the size of the payload.
	ForwardPayloadLength int

	// NodeIDLength is the node identifier length in bytes.
	NodeIDLength int

	// RecipientIDLength is the recipient identifier length in bytes.
	RecipientIDLength int

	// CircuitIDLength is the circuit identifier length in bytes.
	CircuitIDLength int

	// NextNodeHopLength is derived off the largest routing info block
	// that we expect to encounter.  Everything else is either a
	// NextNodeHop + NodeDelay, or a Recipient, all of which are shorter.
	NextNodeHopLength int

	// NIKEName is the name of the NIKE scheme used by the packet format.
	NIKEName string
}

// Scheme returns the NIKE scheme named by the geometry.
func (g *Geometry) Scheme() nike.Scheme {
	s := schemes.ByName(g.NIKEName)
	if s == nil {
		panic("geo: no such NIKE scheme: " + g.NIKEName)
	}
	return s
}

// Validate returns an error if the geometry is internally inconsistent.
func (g *Geometry) Validate() error {
	if g == nil {
		return errors.New("geo: geometry is nil")
	}
	if g.NrHops < 1 {
		return errors.New("geo: NrHops must be at least 1")
	}
	if g.NIKEName == "" {
		return errors.New("geo: NIKEName is not set")
	}
	s := schemes.ByName(g.NIKEName)
	if s == nil {
		return fmt.Errorf("geo: no such NIKE scheme: %s", g.NIKEName)
	}

	f := &factory{
		nike:                 s,
		nrHops:               g.NrHops,
		forwardPayloadLength: g.ForwardPayloadLength,
	}
	switch {
	case g.PerHopRoutingInfoLength != f.perHopRoutingInfoLength():
		return errors.New("geo: invalid PerHopRoutingInfoLength")
	case g.RoutingInfoLength != f.routingInfoLength():
		return errors.New("geo: invalid RoutingInfoLength")
	case g.HeaderLength != f.headerLength():
		return errors.New("geo: invalid HeaderLength")
	case g.PacketLength != f.packetLength():
		return errors.New("geo: invalid PacketLength")
	case g.PayloadTagLength != payloadTagLength:
		return errors.New("geo: invalid PayloadTagLength")
	}
	return nil
}

func (g *Geometry) String() string {
	var b strings.Builder
	b.WriteString("packet_geometry:\n")
	b.WriteString(fmt.Sprintf("nike: %s\n", g.NIKEName))
	b.WriteString(fmt.Sprintf("packet size: %d\n", g.PacketLength))
	b.WriteString(fmt.Sprintf("max hops: %d\n", g.NrHops))
	b.WriteString(fmt.Sprintf("header size: %d\n", g.HeaderLength))
	b.WriteString(fmt.Sprintf("forward payload size: %d\n", g.ForwardPayloadLength))
	b.WriteString(fmt.Sprintf("payload tag size: %d\n", g.PayloadTagLength))
	b.WriteString(fmt.Sprintf("routing info size: %d\n", g.RoutingInfoLength))
	return b.String()
}

type factory struct {
	nike                 nike.Scheme
	nrHops               int
	forwardPayloadLength int
}

func (f *factory) nextNodeHopLength() int {
	return 1 + NodeIDLength + macLength
}

func (f *factory) perHopRoutingInfoLength() int {
	return f.nextNodeHopLength() + circuitIDCmdLength
}

func (f *factory) routingInfoLength() int {
	return f.perHopRoutingInfoLength() * f.nrHops
}

func (f *factory) headerLength() int {
	return adLength + f.nike.PublicKeySize() + f.routingInfoLength() + macLength
}

func (f *factory) packetLength() int {
	return f.headerLength() + payloadTagLength + f.forwardPayloadLength
}

// GeometryFromForwardPayloadLength derives a Geometry from the NIKE
// scheme, the forward payload length and the maximum hop count.
func GeometryFromForwardPayloadLength(nike nike.Scheme, forwardPayloadLength, nrHops int) *Geometry {
	f := &factory{
		nike:                 nike,
		nrHops:               nrHops,
		forwardPayloadLength: forwardPayloadLength,
	}
	return &Geometry{
		NrHops:                  nrHops,
		HeaderLength:            f.headerLength(),
		PacketLength:            f.packetLength(),
		ForwardPayloadLength:    forwardPayloadLength,
		PayloadTagLength:        payloadTagLength,
		RoutingInfoLength:       f.routingInfoLength(),
		PerHopRoutingInfoLength: f.perHopRoutingInfoLength(),
		NodeIDLength:            NodeIDLength,
		RecipientIDLength:       RecipientIDLength,
		CircuitIDLength:         CircuitIDLength,
		NextNodeHopLength:       f.nextNodeHopLength(),
		NIKEName:                nike.Name(),
	}
}
