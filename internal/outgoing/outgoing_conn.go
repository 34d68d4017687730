// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package outgoing

import (
	"context"
	"crypto/hmac"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/lodestar-net/lodestar/core/wire"
	"github.com/lodestar-net/lodestar/core/wire/commands"
	"github.com/lodestar-net/lodestar/events"
	"github.com/lodestar-net/lodestar/internal/admission"
	"github.com/lodestar-net/lodestar/internal/instrument"
	"github.com/lodestar-net/lodestar/internal/packet"
	"github.com/lodestar-net/lodestar/internal/transport"
	"github.com/lodestar-net/lodestar/topology"
)

const (
	retryIncrement = 15 * time.Second
	maxRetryDelay  = 2 * time.Minute

	keepAliveInterval = 3 * time.Minute
)

var outgoingConnID uint64

type outgoingConn struct {
	co  *connector
	log *logging.Logger

	dst      *topology.RelayDescriptor
	ch       chan *packet.Packet
	gossipCh chan []byte

	id          uint64
	retryDelay  time.Duration
	established uint32
}

func (c *outgoingConn) isEstablished() bool {
	return atomic.LoadUint32(&c.established) != 0
}

func (c *outgoingConn) IsPeerValid(creds *wire.PeerCredentials) bool {
	// At a minimum, the peer's credentials should match what we started
	// out with.
	idHash := c.dst.ID()
	if !hmac.Equal(idHash[:], creds.AdditionalData) {
		c.log.Debugf("IsPeerValid false, identity hash mismatch")
		return false
	}
	if !hmac.Equal(c.dst.LinkKey, creds.PublicKey.Bytes()) {
		c.log.Debugf("IsPeerValid false, link key mismatch")
		return false
	}

	// Check that the peer is still part of the topology view.
	_, isValid := c.co.glue.AuthenticateConnection(creds)
	if !isValid {
		c.log.Debugf("Failed to authenticate against the topology view.")
	}
	return isValid
}

func (c *outgoingConn) dispatchPacket(pkt *packet.Packet) {
	select {
	case c.ch <- pkt:
	default:
		// Drop-tail.  The drops here should basically only happen if the
		// link is down, since the connection worker will handle dropping
		// packets when the link is congested.
		//
		// Note: Not logging here because this would get spammy, and we
		// may be under catastrophic load, in which case we can't afford
		// to log.
		instrument.PacketDropped(string(events.DropLinkDown))
		pkt.Dispose()
	}
}

func (c *outgoingConn) dispatchGossip(payload []byte) {
	select {
	case c.gossipCh <- payload:
	default:
		// A gossip push is already pending, the next round will carry a
		// fresher view anyway.
	}
}

func (c *outgoingConn) worker() {
	defer func() {
		c.log.Debugf("Halting connect worker.")
		c.co.onClosedConn(c)
		close(c.ch)
	}()

	dialCtx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	dialer := net.Dialer{
		KeepAlive: keepAliveInterval,
		Timeout:   time.Duration(c.co.glue.Config().Debug.ConnectTimeout) * time.Millisecond,
	}
	go func() {
		// Bolt the close-all channel to the dial canceler, such that
		// closing either results in the dial context being canceled.
		select {
		case <-c.co.closeAllCh:
			cancelFn()
		case <-dialCtx.Done():
		}
	}()

	dialFailures := 0
	linkDownAt := c.co.glue.Config().Debug.DialRetryLimit
	nodeID := c.dst.ID()

	// Establish the outgoing connection.
	for {
		// Check to see if the connection should be made in the first
		// place, by seeing if the peer is still in the topology view.
		// Without something like this, stale connections can get stuck
		// in the dialing state since the connector relies on
		// outgoingConn objects to remove themselves from the connection
		// table.
		if desc, ok := c.co.glue.Topology().Descriptor(nodeID); ok {
			// The list of addresses could have changed, so update the
			// cached descriptor.
			c.dst = desc
		} else {
			c.log.Debugf("Bailing out of Dial loop, no longer in topology.")
			return
		}

		if len(c.dst.Addresses) == 0 {
			// Should *NEVER* happen, descriptors MUST have at least one
			// address to verify.
			c.log.Warningf("Bailing out of Dial loop, no suitable addresses found.")
			return
		}

		for _, addr := range c.dst.Addresses {
			select {
			case <-time.After(c.retryDelay):
				// Back off incrementally on reconnects.
				c.retryDelay += retryIncrement
				if c.retryDelay > maxRetryDelay {
					c.retryDelay = maxRetryDelay
				}
			case <-dialCtx.Done():
				// Canceled mid-retry delay.
				c.log.Debugf("(Re)connection attempts canceled.")
				return
			}

			c.log.Debugf("Dialing: %v", addr)
			conn, err := transport.DialURL(dialCtx, &dialer, addr)
			select {
			case <-dialCtx.Done():
				// Canceled.
				if conn != nil {
					conn.Close()
				}
				return
			default:
				if err != nil {
					c.log.Warningf("Failed to connect to '%v': %v", addr, err)
					if dialFailures++; dialFailures == linkDownAt {
						// The link is down as far as we are concerned,
						// exclude it from path selection until the peer
						// shows signs of life.
						c.co.glue.Topology().MarkLinkStale(c.co.glue.NodeID(), nodeID)
						c.co.glue.EventBus().Publish(events.NewLinkDown(nodeID, err))
						instrument.LinkUp(fmt.Sprintf("%x", nodeID[:8]), false)
					}
					continue
				}
			}
			c.log.Debugf("Connection established.")
			dialFailures = 0
			start := time.Now()

			// Handle the new connection.
			if c.onConnEstablished(conn, dialCtx.Done()) {
				// Canceled with a connection established.
				c.log.Debugf("Existing connection canceled.")
				return
			}

			// That's odd, the connection died, reconnect.
			c.log.Debugf("Connection terminated, will reconnect.")
			if time.Since(start) < retryIncrement {
				// If the connection was not alive for a sensible amount
				// of time, re-impose a reconnect delay.
				c.retryDelay = retryIncrement
			}
			break
		}
	}
}

func (c *outgoingConn) onConnEstablished(conn net.Conn, closeCh <-chan struct{}) (wasHalted bool) {
	defer func() {
		c.log.Debugf("Connection closed. (wasHalted: %v)", wasHalted)
		conn.Close()
		atomic.StoreUint32(&c.established, 0)
	}()

	// Allocate the session struct.
	identityHash := c.co.glue.NodeID()
	cfg := &wire.SessionConfig{
		Geometry:          c.co.glue.Geometry(),
		Authenticator:     c,
		AdditionalData:    identityHash[:],
		AuthenticationKey: c.co.glue.LinkKey(),
		RandomReader:      rand.Reader,
	}
	w, err := wire.NewSession(cfg, true)
	if err != nil {
		c.log.Errorf("Failed to allocate session: %v", err)
		return
	}
	defer w.Close()

	// Bind the session to the conn, handshake, authenticate.
	handshakeTimeout := time.Duration(c.co.glue.Config().Debug.HandshakeTimeout) * time.Millisecond
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err = w.Initialize(conn); err != nil {
		c.log.Errorf("Handshake failed: %v", err)
		return
	}
	c.log.Debugf("Handshake completed.")
	conn.SetDeadline(time.Time{})
	c.retryDelay = 0 // Reset the retry delay on successful handshakes.

	nodeID := c.dst.ID()
	atomic.StoreUint32(&c.established, 1)
	c.co.glue.EventBus().Publish(events.NewLinkUp(nodeID))
	instrument.LinkUp(fmt.Sprintf("%x", nodeID[:8]), true)

	// Ask the peer for any topology records newer than our view.
	reqCmd := &commands.TopologyRequest{
		Cmds:       w.Commands(),
		Generation: c.co.glue.Topology().Generation(),
	}
	if err = w.SendCommand(reqCmd); err != nil {
		c.log.Debugf("Failed to send topology request: %v", err)
		return
	}

	// The reverse path carries topology responses, so read commands off
	// the session.  Anything else from the peer is an invariant
	// violation that force closes the connection.
	peerClosedCh := make(chan interface{})
	go func() {
		defer close(peerClosedCh)
		for {
			rawCmd, err := w.RecvCommand()
			if err != nil {
				return
			}
			switch cmd := rawCmd.(type) {
			case *commands.NoOp:
			case *commands.TopologyResponse:
				if len(cmd.Payload) == 0 {
					continue
				}
				if _, err := c.co.glue.Topology().MergeGossip(cmd.Payload); err != nil {
					c.log.Debugf("Failed to merge topology response: %v", err)
					return
				}
			case *commands.Disconnect:
				return
			default:
				c.log.Warningf("Peer sent unexpected reverse traffic: %T", rawCmd)
				return
			}
		}
	}()

	sendCh := make(chan commands.Command)
	sendCloseCh := make(chan error)
	defer close(sendCh)
	go func() {
		defer close(sendCloseCh)
		for {
			cmd, ok := <-sendCh
			if !ok {
				return
			}
			if err := w.SendCommand(cmd); err != nil {
				c.log.Debugf("SendCommand failed: %v", err)
				return
			}
		}
	}()

	// Start the reauthenticate ticker.
	reauthMs := time.Duration(c.co.glue.Config().Debug.ReauthInterval) * time.Millisecond
	reauth := time.NewTicker(reauthMs)
	defer reauth.Stop()

	// Shuffle packets from the send queue out to the peer.
	for {
		var cmd commands.Command
		select {
		case <-peerClosedCh:
			c.log.Debugf("Connection closed by peer.")
			return
		case <-closeCh:
			wasHalted = true
			return
		case <-reauth.C:
			// Periodically re-authenticate the connection to pick up
			// topology changes.
			creds, err := w.PeerCredentials()
			if err != nil {
				c.log.Debugf("Session fail: %s", err)
				return
			}
			if !c.IsPeerValid(creds) {
				c.log.Debugf("Disconnecting, peer reauthenticate failed.")
				return
			}
			continue
		case payload := <-c.gossipCh:
			cmd = &commands.TopologyAnnounce{
				Cmds:    w.Commands(),
				Payload: payload,
			}
		case pkt := <-c.ch:
			// Check the packet queue dwell time and drop it if it is
			// excessive.
			now := time.Now()
			if now.Sub(pkt.DispatchAt) > time.Duration(c.co.glue.Config().Debug.SendSlack)*time.Millisecond {
				c.log.Debugf("Dropping packet: %v (Deadline blown by %v)", pkt.ID, now.Sub(pkt.DispatchAt))
				instrument.PacketDropped(string(events.DropQueueOverflow))
				pkt.Dispose()
				continue
			}
			// The raw buffer is pooled and zeroized on Dispose, and the
			// write happens asynchronously, so take a copy.
			sendCmd := &commands.SendPacket{
				Cmds:   w.Commands(),
				Packet: append([]byte{}, pkt.Raw...),
			}
			if tkt, err := c.mintTicket(nodeID); err == nil && tkt != nil {
				sendCmd.Ticket = tkt.ToBytes()
			} else if err != nil {
				c.log.Debugf("Dropping packet: %v (Ticket mint failed: %v)", pkt.ID, err)
				pkt.Dispose()
				continue
			}
			cmd = sendCmd
			c.log.Debugf("Sending packet: %v", pkt.ID)
			pkt.Dispose()
		}

		// Use a go routine to actually send to the peer so that
		// cancelation can happen, even when mid SendCommand().
		select {
		case <-closeCh:
			// Halted while trying to send to the remote peer.
			wasHalted = true
			return
		case <-sendCloseCh:
			// Something blew up when sending to the remote peer.
			return
		case sendCh <- cmd:
			// Pass the command onto the worker that handles writing.
		}
	}
}

// mintTicket produces a fresh admission ticket for the next hop, unless
// admission control is disabled network wide.
func (c *outgoingConn) mintTicket(nodeID [topology.NodeIDLength]byte) (*admission.Ticket, error) {
	cfg := c.co.glue.Config().Admission
	if cfg.Disable {
		return nil, nil
	}
	return admission.Mint(rand.Reader, nodeID[:], uint64(time.Now().Unix()), cfg.TicketDifficulty)
}

func newOutgoingConn(co *connector, dst *topology.RelayDescriptor) *outgoingConn {
	c := &outgoingConn{
		co:       co,
		dst:      dst,
		ch:       make(chan *packet.Packet, co.glue.Config().Debug.EgressQueueDepth),
		gossipCh: make(chan []byte, 1),
		id:       atomic.AddUint64(&outgoingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = co.glue.LogBackend().GetLogger(fmt.Sprintf("outgoing:%d", c.id))

	c.log.Debugf("New outgoing connection: %v", dst.Name)

	// Note: Unlike most other things, this does not spawn the worker
	// here, because the worker needs to be spawned after the struct is
	// added to the connection map.

	return c
}
