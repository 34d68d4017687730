// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package forwarder implements the packet unwrap and forwarding
// pipeline.
package forwarder

import (
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/lodestar-net/lodestar/core/sphinx"
	"github.com/lodestar-net/lodestar/core/sphinx/geo"
	"github.com/lodestar-net/lodestar/core/worker"
	"github.com/lodestar-net/lodestar/events"
	"github.com/lodestar-net/lodestar/internal/admission"
	"github.com/lodestar-net/lodestar/internal/glue"
	"github.com/lodestar-net/lodestar/internal/instrument"
	"github.com/lodestar-net/lodestar/internal/packet"
	"github.com/lodestar-net/lodestar/internal/replay"
)

type forwarder struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	sphinx   *sphinx.Sphinx
	verifier *admission.Verifier

	// Replay filters are sharded by ingress link so that one noisy peer
	// cannot saturate another peer's filter.
	replayLock   sync.Mutex
	replays      map[[geo.NodeIDLength]byte]*replay.Filter
	replayWindow time.Duration

	incomingCh chan *packet.Packet
}

func (f *forwarder) replayFilter(id [geo.NodeIDLength]byte) (*replay.Filter, error) {
	f.replayLock.Lock()
	defer f.replayLock.Unlock()

	if rf, ok := f.replays[id]; ok {
		return rf, nil
	}
	rf, err := replay.New(f.replayWindow)
	if err != nil {
		return nil, err
	}
	f.replays[id] = rf
	return rf, nil
}

func (f *forwarder) Halt() {
	f.Worker.Halt()
}

// OnPacket enqueues a packet for unwrap processing.  Ownership of the
// packet transfers to the forwarder.
func (f *forwarder) OnPacket(pkt *packet.Packet) {
	select {
	case <-f.HaltCh():
		pkt.Dispose()
	case f.incomingCh <- pkt:
	}
}

func (f *forwarder) drop(pkt *packet.Packet, reason events.DropReason) {
	instrument.PacketDropped(string(reason))
	f.glue.EventBus().Publish(events.NewPacketDropped(reason))
	pkt.Dispose()
}

func (f *forwarder) doUnwrap(pkt *packet.Packet) {
	unwrapSlack := time.Duration(f.glue.Config().Debug.UnwrapDelay) * time.Millisecond
	now := time.Now()

	// Drop stale packets that sat too long in the ingress queue rather
	// than wasting crypto on traffic that already blew its deadline.
	if dwell := now.Sub(pkt.RecvAt); dwell > unwrapSlack {
		f.log.Debugf("Dropping packet: %v (Spent %v in queue)", pkt.ID, dwell)
		f.drop(pkt, events.DropQueueOverflow)
		return
	}

	payload, tag, cmds, err := f.sphinx.Unwrap(f.glue.SphinxKey(), pkt.Raw)
	if err != nil {
		reason := events.DropMalformedPacket
		if errors.Is(err, sphinx.ErrDecryption) {
			reason = events.DropDecryptionError
		}
		f.log.Debugf("Dropping packet: %v (%v)", pkt.ID, err)
		f.drop(pkt, reason)
		return
	}

	// Only authenticated packets enter the replay filter, so that
	// garbage cannot poison it.  The replay check must precede the
	// ticket spend so replays never consume a valid ticket.
	rf, err := f.replayFilter(pkt.IngressID)
	if err != nil {
		f.log.Errorf("Failed to create replay filter: %v", err)
		f.drop(pkt, events.DropReplayDetected)
		return
	}
	if rf.IsReplay(tag) {
		f.log.Debugf("Dropping packet: %v (Replay)", pkt.ID)
		f.drop(pkt, events.DropReplayDetected)
		return
	}

	if f.verifier != nil {
		if err = f.verifier.VerifyAndSpend(pkt.Ticket); err != nil {
			f.log.Debugf("Dropping packet: %v (%v)", pkt.ID, err)
			f.drop(pkt, events.DropAdmissionDenied)
			return
		}
	}

	if err = pkt.Set(payload, cmds); err != nil {
		f.log.Debugf("Dropping packet: %v (%v)", pkt.ID, err)
		f.drop(pkt, events.DropMalformedPacket)
		return
	}

	switch {
	case pkt.IsForward():
		if pkt.NodeDelay != nil {
			pkt.Delay = time.Duration(pkt.NodeDelay.Delay) * time.Millisecond
		}
		// Adjust for processing time spent so far so the per hop delay is
		// measured from reception rather than from unwrap completion.
		if elapsed := time.Now().Sub(pkt.RecvAt); pkt.Delay > elapsed {
			pkt.Delay -= elapsed
		} else {
			pkt.Delay = 0
		}
		instrument.PacketForwarded()
		f.glue.Scheduler().OnPacket(pkt)
	case pkt.IsDelivery():
		instrument.PacketDelivered()
		if pkt.CircuitID != nil {
			f.glue.Circuits().OnPacket(pkt)
			return
		}
		f.log.Debugf("Delivered packet: %v (No circuit binding)", pkt.ID)
		pkt.Dispose()
	default:
		f.log.Debugf("Dropping packet: %v (Invalid commands: %v)", pkt.ID, pkt.CmdsToString())
		f.drop(pkt, events.DropMalformedPacket)
	}
}

func (f *forwarder) worker() {
	for {
		select {
		case <-f.HaltCh():
			f.log.Debugf("Terminating gracefully.")
			return
		case pkt := <-f.incomingCh:
			f.doUnwrap(pkt)
		}
	}
}

// New constructs a new forwarder instance, spawning the configured
// number of unwrap workers.
func New(g glue.Glue) (glue.Forwarder, error) {
	s, err := sphinx.NewSphinx(g.Geometry())
	if err != nil {
		return nil, err
	}
	lifetime := time.Duration(g.Config().Admission.TicketLifetime) * time.Millisecond
	f := &forwarder{
		glue:         g,
		log:          g.LogBackend().GetLogger("forwarder"),
		sphinx:       s,
		replays:      make(map[[geo.NodeIDLength]byte]*replay.Filter),
		replayWindow: lifetime,
		incomingCh:   make(chan *packet.Packet, g.Config().Debug.IngressQueueDepth),
	}
	if !g.Config().Admission.Disable {
		id := g.NodeID()
		f.verifier, err = admission.NewVerifier(id[:], g.Config().Admission.TicketDifficulty, lifetime)
		if err != nil {
			return nil, err
		}
	}
	for i := 0; i < g.Config().Debug.NumCryptoWorkers; i++ {
		f.Go(f.worker)
	}
	return f, nil
}
