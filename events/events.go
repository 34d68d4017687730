// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package events defines the structured events emitted by the relay and
// a small non-blocking fan-out bus for their consumers.
package events

import (
	"sync"
	"time"
)

// DropReason identifies why a packet was discarded.
type DropReason string

// Drop reasons, one per failure class of the forwarding pipeline.
const (
	DropMalformedPacket DropReason = "malformed_packet"
	DropDecryptionError DropReason = "decryption_error"
	DropReplayDetected  DropReason = "replay_detected"
	DropAdmissionDenied DropReason = "admission_denied"
	DropQueueOverflow   DropReason = "queue_overflow"
	DropNoRoute         DropReason = "no_route_found"
	DropLinkDown        DropReason = "link_down"
)

// Event is the common interface of all relay events.
type Event interface {
	// Timestamp returns the time at which the event occurred.
	Timestamp() time.Time
}

type eventBase struct {
	when time.Time
}

func (e *eventBase) Timestamp() time.Time { return e.when }

// LinkUp is emitted when an outbound link becomes usable.
type LinkUp struct {
	eventBase
	PeerID [32]byte
}

// LinkDown is emitted when an outbound link transitions to the down
// state after exhausting its reconnection attempts.
type LinkDown struct {
	eventBase
	PeerID [32]byte
	Err    error
}

// CircuitOpened is emitted when a virtual circuit completes its open
// handshake.
type CircuitOpened struct {
	eventBase
	CircuitID [16]byte
}

// CircuitClosed is emitted when a virtual circuit is torn down.
type CircuitClosed struct {
	eventBase
	CircuitID [16]byte
	Err       error
}

// PacketDropped is emitted whenever a packet is discarded, with the
// reason it was dropped.
type PacketDropped struct {
	eventBase
	Reason DropReason
}

// TopologyUpdated is emitted when a gossip merge changes the topology
// store.
type TopologyUpdated struct {
	eventBase
	Generation uint64
}

// Bus is a non-blocking fan-out event bus.  Publish never blocks; a
// subscriber that does not keep up loses events.
type Bus struct {
	sync.RWMutex

	subscribers []chan Event
}

// NewBus creates an event Bus.
func NewBus() *Bus {
	return new(Bus)
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus) Subscribe(depth int) <-chan Event {
	ch := make(chan Event, depth)
	b.Lock()
	defer b.Unlock()
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers ev to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.RLock()
	defer b.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func stamp() eventBase {
	return eventBase{when: time.Now()}
}

// NewLinkUp constructs a timestamped LinkUp event.
func NewLinkUp(peerID [32]byte) *LinkUp {
	return &LinkUp{eventBase: stamp(), PeerID: peerID}
}

// NewLinkDown constructs a timestamped LinkDown event.
func NewLinkDown(peerID [32]byte, err error) *LinkDown {
	return &LinkDown{eventBase: stamp(), PeerID: peerID, Err: err}
}

// NewCircuitOpened constructs a timestamped CircuitOpened event.
func NewCircuitOpened(id [16]byte) *CircuitOpened {
	return &CircuitOpened{eventBase: stamp(), CircuitID: id}
}

// NewCircuitClosed constructs a timestamped CircuitClosed event.
func NewCircuitClosed(id [16]byte, err error) *CircuitClosed {
	return &CircuitClosed{eventBase: stamp(), CircuitID: id, Err: err}
}

// NewPacketDropped constructs a timestamped PacketDropped event.
func NewPacketDropped(reason DropReason) *PacketDropped {
	return &PacketDropped{eventBase: stamp(), Reason: reason}
}

// NewTopologyUpdated constructs a timestamped TopologyUpdated event.
func NewTopologyUpdated(generation uint64) *TopologyUpdated {
	return &TopologyUpdated{eventBase: stamp(), Generation: generation}
}
