// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package scheduler implements egress packet scheduling.
package scheduler

import (
	"encoding/hex"
	"math"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/lodestar-net/lodestar/core/worker"
	"github.com/lodestar-net/lodestar/events"
	"github.com/lodestar-net/lodestar/internal/glue"
	"github.com/lodestar-net/lodestar/internal/instrument"
	"github.com/lodestar-net/lodestar/internal/packet"
	"github.com/lodestar-net/lodestar/topology"
)

type scheduler struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	inCh   chan *packet.Packet
	queues map[[topology.NodeIDLength]byte]*memoryQueue
}

func (sch *scheduler) Halt() {
	sch.Worker.Halt()
}

// OnPacket enqueues a packet for egress dispatch.  Ownership of the
// packet transfers to the scheduler.
func (sch *scheduler) OnPacket(pkt *packet.Packet) {
	select {
	case <-sch.HaltCh():
		pkt.Dispose()
	case sch.inCh <- pkt:
	}
}

func (sch *scheduler) drop(pkt *packet.Packet, reason events.DropReason) {
	instrument.PacketDropped(string(reason))
	sch.glue.EventBus().Publish(events.NewPacketDropped(reason))
	pkt.Dispose()
}

func (sch *scheduler) enqueue(pkt *packet.Packet) {
	// The next hop must be a known relay or the packet is undeliverable.
	if !sch.glue.Connector().IsValidForwardDest(&pkt.NextNodeHop.ID) {
		sch.log.Debugf("Dropping packet: %v (Next hop is invalid: %x)", pkt.ID, pkt.NextNodeHop.ID[:8])
		sch.drop(pkt, events.DropNoRoute)
		return
	}

	id := pkt.NextNodeHop.ID
	q, ok := sch.queues[id]
	if !ok {
		q = newMemoryQueue(sch.log, sch.glue.EventBus(), sch.glue.Config().Debug.EgressQueueDepth)
		sch.queues[id] = q
	}
	q.Enqueue(time.Now().Add(pkt.Delay), pkt)
	instrument.SchedulerQueueDepth(hex.EncodeToString(id[:8]), q.Len())
}

// peekNext returns the queue holding the packet with the earliest
// dispatch deadline.
func (sch *scheduler) peekNext() (*memoryQueue, [topology.NodeIDLength]byte, time.Time) {
	var best *memoryQueue
	var bestID [topology.NodeIDLength]byte
	var bestAt time.Time
	for id, q := range sch.queues {
		at, pkt := q.Peek()
		if pkt == nil {
			continue
		}
		if best == nil || at.Before(bestAt) {
			best, bestID, bestAt = q, id, at
		}
	}
	return best, bestID, bestAt
}

func (sch *scheduler) worker() {
	timerSlack := time.Duration(sch.glue.Config().Debug.SchedulerSlack) * time.Millisecond
	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()

	for {
		var timerFired bool
		// A single goroutine is responsible for packet scheduling under
		// the assumption that this is not CPU intensive; the gains come
		// from parallelizing the unwrap crypto.
		select {
		case <-sch.HaltCh():
			sch.log.Debugf("Terminating gracefully.")
			return
		case pkt := <-sch.inCh:
			sch.enqueue(pkt)
		case <-timer.C:
			timerFired = true
		}

		// Dispatch packets if possible and reschedule the next wakeup.
		if !timerFired && !timer.Stop() {
			<-timer.C
		}

		nrBurst, maxBurst := 0, sch.glue.Config().Debug.SchedulerMaxBurst
		for {
			q, id, dispatchAt := sch.peekNext()
			if q == nil {
				// All queues are empty, wake on the next packet.
				timer.Reset(math.MaxInt64)
				break
			}

			now := time.Now()
			if dispatchAt.After(now) {
				timer.Reset(dispatchAt.Sub(now))
				break
			}
			if nrBurst = nrBurst + 1; nrBurst > maxBurst {
				// Dispatch is due but the burst cap was hit, yield so the
				// ingress channel does not back up pathologically.
				timer.Reset(1 * time.Microsecond)
				break
			}

			_, pkt := q.Peek()
			q.Pop()
			instrument.SchedulerQueueDepth(hex.EncodeToString(id[:8]), q.Len())

			if now.Sub(dispatchAt) > timerSlack {
				// The deadline was blown by more than the configured slack.
				sch.log.Debugf("Dropping packet: %v (Deadline blown by %v)", pkt.ID, now.Sub(dispatchAt))
				sch.drop(pkt, events.DropQueueOverflow)
			} else {
				// Note: Callee takes ownership, and may still drop the
				// packet if the link to the peer is down or overloaded.
				pkt.DispatchAt = now
				sch.glue.Connector().DispatchPacket(pkt)
			}
		}
	}
}

// New constructs a new scheduler instance.
func New(g glue.Glue) glue.Scheduler {
	sch := &scheduler{
		glue:   g,
		log:    g.LogBackend().GetLogger("scheduler"),
		inCh:   make(chan *packet.Packet, g.Config().Debug.IngressQueueDepth),
		queues: make(map[[topology.NodeIDLength]byte]*memoryQueue),
	}
	sch.Go(sch.worker)
	return sch
}
