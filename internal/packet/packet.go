// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package packet implements the relay side packet structure.
package packet

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lodestar-net/lodestar/core/sphinx/commands"
	"github.com/lodestar-net/lodestar/core/sphinx/geo"
	"github.com/lodestar-net/lodestar/core/utils"
	wirecmds "github.com/lodestar-net/lodestar/core/wire/commands"
)

var (
	pktPool = sync.Pool{
		New: func() interface{} {
			return new(Packet)
		},
	}
	rawPool sync.Pool
	pktID   uint64
)

// Packet is a relay packet in flight between the link layer and the
// unwrap/forward pipeline.
type Packet struct {
	Geometry *geo.Geometry

	Raw     []byte
	Payload []byte

	// Ticket is the admission ticket that accompanied the packet.
	Ticket [wirecmds.TicketLength]byte

	// IngressID is the node identifier of the authenticated link peer
	// the packet arrived from.
	IngressID [geo.NodeIDLength]byte

	// The parsed out routing commands.
	NextNodeHop *commands.NextNodeHop
	NodeDelay   *commands.NodeDelay
	Recipient   *commands.Recipient
	CircuitID   *commands.CircuitID

	ID         uint64
	Delay      time.Duration
	RecvAt     time.Time
	DispatchAt time.Time
}

// Set sets the packet's payload and parses out the routing commands.
func (pkt *Packet) Set(payload []byte, cmds []commands.RoutingCommand) error {
	pkt.Payload = payload
	return pkt.splitCommands(cmds)
}

func (pkt *Packet) splitCommands(cmds []commands.RoutingCommand) error {
	for _, v := range cmds {
		switch cmd := v.(type) {
		case *commands.NextNodeHop:
			if pkt.NextNodeHop != nil {
				return newRedundantError(cmd)
			}
			pkt.NextNodeHop = cmd
		case *commands.NodeDelay:
			if pkt.NodeDelay != nil {
				return newRedundantError(cmd)
			}
			pkt.NodeDelay = cmd
		case *commands.Recipient:
			if pkt.Recipient != nil {
				return newRedundantError(cmd)
			}
			pkt.Recipient = cmd
		case *commands.CircuitID:
			if pkt.CircuitID != nil {
				return newRedundantError(cmd)
			}
			pkt.CircuitID = cmd
		default:
			return fmt.Errorf("unknown command type: %T", v)
		}
	}
	return nil
}

// CmdsToString returns an abbreviated list of the packet's routing
// commands, suitable for debugging.
func (pkt *Packet) CmdsToString() string {
	return fmt.Sprintf("NextNodeHop: %v NodeDelay: %v, Recipient: %v, CircuitID: %v",
		pkt.NextNodeHop != nil, pkt.NodeDelay != nil, pkt.Recipient != nil, pkt.CircuitID != nil)
}

// IsForward returns true iff the packet's routing commands indicate it
// is destined for another relay.
func (pkt *Packet) IsForward() bool {
	return pkt.NextNodeHop != nil && pkt.Recipient == nil && pkt.CircuitID == nil
}

// IsDelivery returns true iff the packet's routing commands indicate it
// terminates at this relay.
func (pkt *Packet) IsDelivery() bool {
	return pkt.NextNodeHop == nil && pkt.Recipient != nil
}

// Dispose clears the packet structure and returns it to the allocation
// pool.
func (pkt *Packet) Dispose() {
	pkt.disposeRaw()

	pkt.Payload = nil
	pkt.Ticket = [wirecmds.TicketLength]byte{}
	pkt.IngressID = [geo.NodeIDLength]byte{}
	pkt.NextNodeHop = nil
	pkt.NodeDelay = nil
	pkt.Recipient = nil
	pkt.CircuitID = nil
	pkt.ID = 0
	pkt.Delay = 0
	pkt.RecvAt = time.Time{}
	pkt.DispatchAt = time.Time{}

	pktPool.Put(pkt)
}

func (pkt *Packet) copyToRaw(b []byte) error {
	if len(b) != pkt.Geometry.PacketLength {
		return fmt.Errorf("invalid packet size: %v", len(b))
	}
	if v := rawPool.Get(); v != nil {
		if raw := v.([]byte); len(raw) == len(b) {
			pkt.Raw = raw
		}
	}
	if pkt.Raw == nil {
		pkt.Raw = make([]byte, len(b))
	}
	copy(pkt.Raw, b)
	return nil
}

func (pkt *Packet) disposeRaw() {
	if len(pkt.Raw) == pkt.Geometry.PacketLength {
		utils.ExplicitBzero(pkt.Raw)
		rawPool.Put(pkt.Raw) // nolint: megacheck
	}
	pkt.Raw = nil
}

// New allocates a new Packet with the specified raw payload.
func New(raw []byte, g *geo.Geometry) (*Packet, error) {
	v := pktPool.Get()
	pkt := v.(*Packet)
	pkt.Geometry = g
	pkt.ID = atomic.AddUint64(&pktID, 1)
	if err := pkt.copyToRaw(raw); err != nil {
		pkt.Dispose()
		return nil, err
	}
	return pkt, nil
}

func newRedundantError(cmd commands.RoutingCommand) error {
	return fmt.Errorf("redundant command: %T", cmd)
}
