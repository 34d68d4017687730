// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package scheduler

import (
	"container/heap"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/lodestar-net/lodestar/core/queue"
	"github.com/lodestar-net/lodestar/events"
	"github.com/lodestar-net/lodestar/internal/instrument"
	"github.com/lodestar-net/lodestar/internal/packet"
)

// memoryQueue is a bounded in-memory egress queue for a single next hop.
type memoryQueue struct {
	log *logging.Logger
	bus *events.Bus

	q        *queue.PriorityQueue
	capacity int
}

func (q *memoryQueue) Peek() (time.Time, *packet.Packet) {
	e := q.q.Peek()
	if e == nil {
		return time.Time{}, nil
	}
	return time.Unix(0, int64(e.Priority)), e.Value.(*packet.Packet)
}

func (q *memoryQueue) Pop() {
	heap.Pop(q.q)
}

func (q *memoryQueue) Len() int {
	return q.q.Len()
}

func (q *memoryQueue) Enqueue(prio time.Time, pkt *packet.Packet) {
	// Enqueue the packet unconditionally so that it is a candidate to be
	// shed.
	q.q.Enqueue(uint64(prio.UnixNano()), pkt)

	// When over capacity, shed the packet with the furthest dispatch
	// deadline so that imminent traffic survives congestion.
	if q.capacity > 0 && q.q.Len() > q.capacity {
		drop := q.q.DequeueMax().Value.(*packet.Packet)
		q.log.Debugf("Queue size limit reached, discarding: %v", drop.ID)
		instrument.PacketDropped(string(events.DropQueueOverflow))
		if q.bus != nil {
			q.bus.Publish(events.NewPacketDropped(events.DropQueueOverflow))
		}
		drop.Dispose()
	}
}

func newMemoryQueue(log *logging.Logger, bus *events.Bus, capacity int) *memoryQueue {
	return &memoryQueue{
		log:      log,
		bus:      bus,
		q:        queue.New(),
		capacity: capacity,
	}
}
