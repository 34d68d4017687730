// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"bytes"
	"net/url"
	"sort"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/lodestar-net/lodestar/core/worker"
	"github.com/lodestar-net/lodestar/events"
	"github.com/lodestar-net/lodestar/internal/glue"
	"github.com/lodestar-net/lodestar/topology"
)

func millisecondsToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// advertisedAddresses derives the descriptor addresses from the bound
// listeners, so that configs binding to port 0 advertise the actual
// port.  The configured scheme is kept, the listeners line up with the
// configured addresses by index.
func advertisedAddresses(g glue.Glue) []string {
	cfg := g.Config()
	ls := g.Listeners()
	addrs := make([]string, 0, len(cfg.Server.Addresses))
	for i, v := range cfg.Server.Addresses {
		if i < len(ls) {
			if u, err := url.Parse(v); err == nil {
				addrs = append(addrs, u.Scheme+"://"+ls[i].Addr().String())
				continue
			}
		}
		addrs = append(addrs, v)
	}
	return addrs
}

// advertiser maintains this relay's own descriptor and link state in the
// local topology store, from which the gossip layer propagates them.  It
// also persists learned descriptors to the address book so that the
// topology view survives restarts.
type advertiser struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	eventCh <-chan events.Event
	upPeers map[[topology.NodeIDLength]byte]bool

	lastCounter uint64
}

func newAdvertiser(g glue.Glue) *advertiser {
	a := &advertiser{
		glue:    g,
		log:     g.LogBackend().GetLogger("advertiser"),
		eventCh: g.EventBus().Subscribe(64),
		upPeers: make(map[[topology.NodeIDLength]byte]bool),
	}
	a.Go(a.worker)
	return a
}

// nextCounter derives a monotonically increasing record counter that
// also survives restarts, since wall clock time only moves forward.
func (a *advertiser) nextCounter() uint64 {
	c := uint64(time.Now().Unix())
	if c <= a.lastCounter {
		c = a.lastCounter + 1
	}
	a.lastCounter = c
	return c
}

func (a *advertiser) publishDescriptor() {
	cfg := a.glue.Config()
	d := &topology.RelayDescriptor{
		Name:      cfg.Server.Identifier,
		LinkKey:   a.glue.LinkKey().PublicKey().Bytes(),
		SphinxKey: a.glue.SphinxKey().Public().Bytes(),
		Addresses: advertisedAddresses(a.glue),
		Counter:   a.nextCounter(),
	}
	raw, err := topology.SignDescriptor(a.glue.IdentityKey(), d)
	if err != nil {
		a.log.Errorf("Failed to sign descriptor: %v", err)
		return
	}
	if err = a.glue.Topology().MergeDescriptor(raw); err != nil {
		a.log.Errorf("Failed to merge own descriptor: %v", err)
	}
}

func (a *advertiser) publishLinkState() {
	s := &topology.LinkState{Counter: a.nextCounter()}
	for id := range a.upPeers {
		s.Neighbors = append(s.Neighbors, topology.Neighbor{ID: id, Cost: 1})
	}
	sort.Slice(s.Neighbors, func(i, j int) bool {
		return bytes.Compare(s.Neighbors[i].ID[:], s.Neighbors[j].ID[:]) < 0
	})
	raw, err := topology.SignLinkState(a.glue.IdentityKey(), s)
	if err != nil {
		a.log.Errorf("Failed to sign link state: %v", err)
		return
	}
	if err = a.glue.Topology().MergeLinkState(raw); err != nil {
		a.log.Errorf("Failed to merge own link state: %v", err)
	}
}

func (a *advertiser) persistDescriptors() {
	book := a.glue.AddressBook()
	for id, raw := range a.glue.Topology().RawDescriptors() {
		if id == a.glue.NodeID() {
			continue
		}
		if err := book.Store(id, raw); err != nil {
			a.log.Warningf("Failed to persist descriptor '%x': %v", id[:8], err)
			return
		}
	}
}

func (a *advertiser) worker() {
	// Re-advertise well within the record TTL so that healthy relays
	// never fall out of their peers' views.
	interval := millisecondsToDuration(a.glue.Config().Topology.RecordTTL) / 3
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	a.publishDescriptor()
	a.publishLinkState()

	for {
		select {
		case <-a.HaltCh():
			a.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
			a.publishDescriptor()
			a.publishLinkState()
			a.persistDescriptors()
		case ev := <-a.eventCh:
			switch ev := ev.(type) {
			case *events.LinkUp:
				if !a.upPeers[ev.PeerID] {
					a.upPeers[ev.PeerID] = true
					a.publishLinkState()
				}
			case *events.LinkDown:
				if a.upPeers[ev.PeerID] {
					delete(a.upPeers, ev.PeerID)
					a.publishLinkState()
				}
			case *events.TopologyUpdated:
				// New descriptors may warrant new connections.
				a.glue.Connector().ForceUpdate()
			}
		}
	}
}
