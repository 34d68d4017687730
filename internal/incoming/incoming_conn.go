// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"container/list"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"

	"github.com/lodestar-net/lodestar/core/sphinx/geo"
	"github.com/lodestar-net/lodestar/core/wire"
	"github.com/lodestar-net/lodestar/core/wire/commands"
	"github.com/lodestar-net/lodestar/internal/instrument"
	"github.com/lodestar-net/lodestar/internal/packet"
)

var incomingConnID uint64

type incomingConn struct {
	l   *listener
	log *logging.Logger

	c net.Conn
	e *list.Element
	w *wire.Session

	id     uint64
	peerID [geo.NodeIDLength]byte // Set by worker() after the handshake.

	isInitialized bool // Set by listener.

	closeConnectionCh chan bool
}

func (c *incomingConn) IsPeerValid(creds *wire.PeerCredentials) bool {
	_, isValid := c.l.glue.AuthenticateConnection(creds)
	if !isValid {
		c.log.Debugf("Authentication failed: '%x' (%x)", creds.AdditionalData, hash.Sum256(creds.PublicKey.Bytes()))
	}
	return isValid
}

func (c *incomingConn) Close() {
	c.closeConnectionCh <- true
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.c.Close()
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	// Allocate the session struct.
	identityHash := c.l.glue.NodeID()
	cfg := &wire.SessionConfig{
		Geometry:          c.l.glue.Geometry(),
		Authenticator:     c,
		AdditionalData:    identityHash[:],
		AuthenticationKey: c.l.glue.LinkKey(),
		RandomReader:      rand.Reader,
	}
	var err error
	c.l.Lock()
	c.w, err = wire.NewSession(cfg, false)
	c.l.Unlock()
	if err != nil {
		c.log.Errorf("Failed to allocate session: %v", err)
		return
	}
	defer c.w.Close()

	// Bind the session to the conn, handshake, authenticate.
	handshakeTimeout := time.Duration(c.l.glue.Config().Debug.HandshakeTimeout) * time.Millisecond
	c.c.SetDeadline(time.Now().Add(handshakeTimeout))
	if err = c.w.Initialize(c.c); err != nil {
		c.log.Errorf("Handshake failed: %v", err)
		return
	}
	c.log.Debugf("Handshake completed.")
	c.c.SetDeadline(time.Time{})
	c.l.onInitializedConn(c)

	creds, err := c.w.PeerCredentials()
	if err != nil {
		c.log.Debugf("Session failure: %s", err)
		return
	}
	c.log.Debugf("Peer: '%x'", creds.AdditionalData)
	copy(c.peerID[:], creds.AdditionalData)

	// Ensure that there's only one incoming conn from any given peer.
	// Newest connection wins.
	for _, s := range c.l.glue.Listeners() {
		if err := s.CloseOldConns(c); err != nil {
			c.log.Errorf("Closing new connection because something is broken: " + err.Error())
			return
		}
	}

	// Start the reauthenticate ticker.
	reauthMs := time.Duration(c.l.glue.Config().Debug.ReauthInterval) * time.Millisecond
	reauth := time.NewTicker(reauthMs)
	defer reauth.Stop()

	// Start reading from the peer.
	commandCh := make(chan commands.Command)
	commandCloseCh := make(chan interface{})
	defer close(commandCloseCh)
	go func() {
		defer close(commandCh)
		for {
			rawCmd, err := c.w.RecvCommand()
			if err != nil {
				c.log.Debugf("Failed to receive command: %v", err)
				return
			}
			select {
			case commandCh <- rawCmd:
			case <-commandCloseCh:
				// c.worker() is returning for some reason, give up on
				// trying to write the command, and just return.
				return
			}
		}
	}()

	for {
		var rawCmd commands.Command
		var ok bool

		select {
		case <-c.l.closeAllCh:
			// Server is getting shutdown, all connections are being
			// closed.
			return
		case <-reauth.C:
			// Periodically re-authenticate the connection to pick up
			// topology changes.
			if !c.IsPeerValid(creds) {
				c.log.Debugf("Disconnecting, peer reauthenticate failed.")
				return
			}
			continue
		case <-c.closeConnectionCh:
			c.log.Debugf("Disconnecting to make room for a newer connection from the same peer.")
			return
		case rawCmd, ok = <-commandCh:
			if !ok {
				return
			}
		}

		if !c.onCommand(rawCmd) {
			// Catastrophic failure in command processing, or a
			// disconnect.
			return
		}
	}
}

func (c *incomingConn) onCommand(rawCmd commands.Command) bool {
	switch cmd := rawCmd.(type) {
	case *commands.NoOp:
		c.log.Debugf("Received NoOp from peer.")
		return true
	case *commands.SendPacket:
		if err := c.onSendPacket(cmd); err == nil {
			return true
		} else {
			c.log.Debugf("Failed to handle SendPacket: %v", err)
		}
	case *commands.TopologyAnnounce:
		if err := c.onTopologyAnnounce(cmd); err == nil {
			return true
		} else {
			c.log.Debugf("Failed to handle TopologyAnnounce: %v", err)
		}
	case *commands.TopologyRequest:
		if err := c.onTopologyRequest(cmd); err == nil {
			return true
		} else {
			c.log.Debugf("Failed to handle TopologyRequest: %v", err)
		}
	case *commands.Disconnect:
		c.log.Debugf("Received disconnect from peer.")
	default:
		c.log.Debugf("Received unexpected command: %T", cmd)
	}
	return false
}

func (c *incomingConn) onSendPacket(cmd *commands.SendPacket) error {
	pkt, err := packet.New(cmd.Packet, c.l.glue.Geometry())
	if err != nil {
		return err
	}
	pkt.Ticket = cmd.Ticket
	pkt.IngressID = c.peerID
	pkt.RecvAt = time.Now()

	instrument.PacketReceived()
	c.log.Debugf("Handing off packet: %v", pkt.ID)

	// Note: The forwarder takes ownership of the packet.
	c.l.glue.Forwarder().OnPacket(pkt)
	return nil
}

func (c *incomingConn) onTopologyAnnounce(cmd *commands.TopologyAnnounce) error {
	accepted, err := c.l.glue.Topology().MergeGossip(cmd.Payload)
	if err != nil {
		return err
	}
	c.log.Debugf("Merged topology announce: %d records accepted.", accepted)
	return nil
}

func (c *incomingConn) onTopologyRequest(cmd *commands.TopologyRequest) error {
	topo := c.l.glue.Topology()
	resp := &commands.TopologyResponse{Cmds: c.w.Commands()}
	if topo.Generation() > cmd.Generation {
		payload, err := topo.GossipPayload(commands.MaxTopologyMsgLength - 1024)
		if err != nil {
			return err
		}
		resp.Payload = payload
	}
	return c.w.SendCommand(resp)
}

func newIncomingConn(l *listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:                 l,
		c:                 conn,
		id:                atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
		closeConnectionCh: make(chan bool),
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))

	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())

	// Note: Unlike most other things, this does not spawn the worker
	// here, because the worker needs to be spawned after the struct is
	// added to the connection list.

	return c
}
