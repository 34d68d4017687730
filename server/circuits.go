// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/lodestar-net/lodestar/circuit"
	"github.com/lodestar-net/lodestar/core/sphinx"
	"github.com/lodestar-net/lodestar/core/sphinx/commands"
	"github.com/lodestar-net/lodestar/internal/packet"
	"github.com/lodestar-net/lodestar/topology"
)

// routeSender builds a circuit Sender that onion-wraps payloads over a
// freshly computed route to dst and hands them to the scheduler.  The
// route is fixed for the sender's lifetime; a broken route surfaces as
// retransmission failure and circuit teardown.
func (s *Server) routeSender(dst [topology.NodeIDLength]byte, id [circuit.IDLength]byte) (circuit.Sender, error) {
	route, err := s.topo.Snapshot().ComputePath(s.nodeID, dst, s.cfg.Sphinx.MaxHops)
	if err != nil {
		return nil, err
	}
	if len(route) < 2 {
		return nil, errors.New("server: refusing zero hop circuit route")
	}

	path := make([]*sphinx.PathHop, 0, len(route)-1)
	for i, d := range route[1:] {
		pub, err := s.sphinxScheme.UnmarshalBinaryPublicKey(d.SphinxKey)
		if err != nil {
			return nil, fmt.Errorf("server: relay '%v' has an unusable sphinx key: %v", d.Name, err)
		}
		hop := &sphinx.PathHop{ID: d.ID(), PublicKey: pub}
		if i == len(route)-2 {
			// Terminal hop, deliver into the circuit layer.
			hop.Commands = []commands.RoutingCommand{
				&commands.Recipient{ID: hop.ID},
				&commands.CircuitID{ID: id},
			}
		}
		path = append(path, hop)
	}

	sp := s.sphinx
	g := s.geometry
	firstHop := path[0].ID
	return func(payload []byte) error {
		if len(payload) > g.ForwardPayloadLength {
			return fmt.Errorf("server: circuit payload exceeds %d bytes", g.ForwardPayloadLength)
		}
		padded := make([]byte, g.ForwardPayloadLength)
		copy(padded, payload)
		raw, err := sp.NewPacket(rand.Reader, path, padded)
		if err != nil {
			return err
		}
		pkt, err := packet.New(raw, g)
		if err != nil {
			return err
		}
		pkt.NextNodeHop = &commands.NextNodeHop{ID: firstHop}
		pkt.RecvAt = time.Now()
		s.scheduler.OnPacket(pkt)
		return nil
	}, nil
}

// OpenCircuit dials a reliable virtual circuit terminating at the relay
// dst, blocking until the far end acknowledges or the configured open
// timeout expires.
func (s *Server) OpenCircuit(dst [topology.NodeIDLength]byte) (*circuit.Circuit, error) {
	var id [circuit.IDLength]byte
	var key [circuit.KeyLength]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, err
	}

	send, err := s.routeSender(dst, id)
	if err != nil {
		return nil, err
	}
	c, err := s.circuits.Dial(id, key, s.nodeID, send)
	if err != nil {
		return nil, err
	}
	if err = c.Open(millisecondsToDuration(s.cfg.Debug.CircuitOpenTimeout)); err != nil {
		return nil, err
	}
	return c, nil
}

// Circuit returns the circuit with the given identifier, if it
// terminates at this relay.
func (s *Server) Circuit(id [circuit.IDLength]byte) (*circuit.Circuit, bool) {
	return s.circuits.Circuit(id)
}
