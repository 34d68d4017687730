// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package outgoing implements the outgoing connection support.
package outgoing

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/lodestar-net/lodestar/core/worker"
	"github.com/lodestar-net/lodestar/core/wire/commands"
	"github.com/lodestar-net/lodestar/events"
	"github.com/lodestar-net/lodestar/internal/glue"
	"github.com/lodestar-net/lodestar/internal/instrument"
	"github.com/lodestar-net/lodestar/internal/packet"
	"github.com/lodestar-net/lodestar/topology"
)

const (
	initialSpawnDelay = 3 * time.Second
	resweepInterval   = time.Minute
)

type connector struct {
	sync.RWMutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	conns         map[[topology.NodeIDLength]byte]*outgoingConn
	forceUpdateCh chan interface{}

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (co *connector) Halt() {
	co.Worker.Halt()

	// Close all outgoing connections.
	close(co.closeAllCh)
	co.closeAllWg.Wait()
}

func (co *connector) ForceUpdate() {
	// This deliberately uses a non-blocking write to a buffered channel
	// so that the resweeps happen reliably.  Since the resweep is
	// comprehensive, there's no benefit to queueing more than one
	// resweep request, and the periodic timer serves as a fallback.
	select {
	case co.forceUpdateCh <- true:
	default:
	}
}

func (co *connector) DispatchPacket(pkt *packet.Packet) {
	co.RLock()
	defer co.RUnlock()

	if pkt == nil || pkt.NextNodeHop == nil {
		co.log.Debug("Dropping packet: no next hop, wtf")
		instrument.PacketDropped(string(events.DropNoRoute))
		if pkt != nil {
			pkt.Dispose()
		}
		return
	}
	c, ok := co.conns[pkt.NextNodeHop.ID]
	if !ok {
		co.log.Debugf("Dropping packet: %v (No connection for destination)", pkt.ID)
		instrument.PacketDropped(string(events.DropLinkDown))
		co.glue.EventBus().Publish(events.NewPacketDropped(events.DropLinkDown))
		pkt.Dispose()
		return
	}

	c.dispatchPacket(pkt)
}

func (co *connector) worker() {
	timer := time.NewTimer(initialSpawnDelay)
	defer timer.Stop()

	gossipInterval := time.Duration(co.glue.Config().Topology.GossipInterval) * time.Millisecond
	gossip := time.NewTicker(gossipInterval)
	defer gossip.Stop()

	for {
		timerFired := false
		select {
		case <-co.HaltCh():
			co.log.Debugf("Terminating gracefully.")
			return
		case <-co.forceUpdateCh:
		case <-gossip.C:
			co.gossipRound()
			continue
		case <-timer.C:
			timerFired = true
		}
		if !timerFired && !timer.Stop() {
			<-timer.C
		}

		// Start outgoing connections as needed, based on the current
		// topology view.
		co.spawnNewConns()

		timer.Reset(resweepInterval)
	}
}

// gossipRound pushes the current topology view to a random sample of
// established peers.
func (co *connector) gossipRound() {
	payload, err := co.glue.Topology().GossipPayload(commands.MaxTopologyMsgLength - 1024)
	if err != nil {
		co.log.Warningf("Failed to serialize gossip payload: %v", err)
		return
	}

	co.RLock()
	candidates := make([]*outgoingConn, 0, len(co.conns))
	for _, c := range co.conns {
		if c.isEstablished() {
			candidates = append(candidates, c)
		}
	}
	co.RUnlock()

	m := rand.NewMath()
	m.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	n := co.glue.Config().Topology.SampleSize
	if n > len(candidates) {
		n = len(candidates)
	}
	for _, c := range candidates[:n] {
		c.dispatchGossip(payload)
	}
}

func (co *connector) spawnNewConns() {
	newPeerMap := make(map[[topology.NodeIDLength]byte]*topology.RelayDescriptor)
	selfID := co.glue.NodeID()
	for _, d := range co.glue.Topology().Snapshot().Relays() {
		id := d.ID()
		if id == selfID {
			continue
		}
		newPeerMap[id] = d
	}

	// Traverse the connection table, to figure out which peers are
	// actually new.  Each outgoingConn object is responsible for
	// determining when the connection is stale.
	co.RLock()
	for id := range newPeerMap {
		if _, ok := co.conns[id]; ok {
			// There's a connection object for the peer already.
			delete(newPeerMap, id)
		}
	}
	co.RUnlock()

	// Spawn the new outgoingConn objects.
	for id, v := range newPeerMap {
		co.log.Debugf("Spawning connection to: '%x'.", id[:8])
		c := newOutgoingConn(co, v)
		co.onNewConn(c)
	}
}

func (co *connector) onNewConn(c *outgoingConn) {
	nodeID := c.dst.ID()

	co.closeAllWg.Add(1)
	co.Lock()
	defer func() {
		co.Unlock()
		go c.worker()
	}()
	if _, ok := co.conns[nodeID]; ok {
		// This should NEVER happen.  Not sure what the sensible thing to
		// do is.
		co.log.Warningf("Connection to peer: '%x' already exists.", nodeID[:8])
	}
	co.conns[nodeID] = c
}

func (co *connector) onClosedConn(c *outgoingConn) {
	nodeID := c.dst.ID()

	co.Lock()
	defer func() {
		co.Unlock()
		co.closeAllWg.Done()
	}()
	delete(co.conns, nodeID)
}

func (co *connector) IsValidForwardDest(id *[topology.NodeIDLength]byte) bool {
	// This doesn't need to be super accurate, just enough to prevent
	// packets destined to la-la land from being scheduled.
	co.RLock()
	defer co.RUnlock()
	_, ok := co.conns[*id]
	return ok
}

// New creates a new connector.
func New(g glue.Glue) glue.Connector {
	co := &connector{
		glue:          g,
		log:           g.LogBackend().GetLogger("connector"),
		conns:         make(map[[topology.NodeIDLength]byte]*outgoingConn),
		forceUpdateCh: make(chan interface{}, 1), // See ForceUpdate().
		closeAllCh:    make(chan interface{}),
	}

	co.Go(co.worker)
	return co
}
