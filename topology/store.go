// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/lodestar-net/lodestar/core/log"
	"github.com/lodestar-net/lodestar/core/worker"
	"github.com/lodestar-net/lodestar/events"
	"github.com/lodestar-net/lodestar/internal/instrument"
)

// ErrNoRouteFound is returned by path selection when no usable route
// exists between the requested endpoints.
var ErrNoRouteFound = errors.New("topology: no route found")

type descriptorRecord struct {
	d      *RelayDescriptor
	raw    []byte
	expiry time.Time
	pinned bool
}

type linkStateRecord struct {
	s      *LinkState
	raw    []byte
	expiry time.Time
}

type staleEdge struct {
	from   [NodeIDLength]byte
	to     [NodeIDLength]byte
	expiry time.Time
}

// Store is the relay's view of the network topology, built from gossiped
// signed descriptors and link states.
type Store struct {
	worker.Worker
	sync.RWMutex

	log *logging.Logger
	bus *events.Bus

	descriptors map[[NodeIDLength]byte]*descriptorRecord
	linkStates  map[[NodeIDLength]byte]*linkStateRecord
	staleEdges  []staleEdge

	generation uint64
	snapshot   *Snapshot

	recordTTL time.Duration
}

// New constructs a new topology Store.  Records are evicted recordTTL
// after their last accepted update.
func New(logBackend *log.Backend, bus *events.Bus, recordTTL time.Duration) *Store {
	s := &Store{
		log:         logBackend.GetLogger("topology"),
		bus:         bus,
		descriptors: make(map[[NodeIDLength]byte]*descriptorRecord),
		linkStates:  make(map[[NodeIDLength]byte]*linkStateRecord),
		recordTTL:   recordTTL,
	}
	s.Go(s.sweepWorker)
	return s
}

// supersedes returns true when a record at counter c with canonical
// serialization raw replaces a stored record at counter oldC with
// serialization oldRaw.  Higher counters always win.  At equal counters
// the record whose serialization orders first is kept, so that every
// relay converges on the same record regardless of arrival order.
func supersedes(c, oldC uint64, raw, oldRaw []byte) bool {
	if c != oldC {
		return c > oldC
	}
	return bytes.Compare(raw, oldRaw) < 0
}

// MergeDescriptor verifies and merges a signed relay descriptor,
// returning ErrStaleRecord when a stored record supersedes it.
func (s *Store) MergeDescriptor(raw []byte) error {
	_, err := s.mergeDescriptor(raw)
	return err
}

// mergeDescriptor returns true only when the store's view actually
// changed.  Refreshing an identical record extends its lifetime but is
// not an acceptance.
func (s *Store) mergeDescriptor(raw []byte) (bool, error) {
	d, err := VerifyDescriptor(raw)
	if err != nil {
		return false, err
	}
	id := d.ID()

	s.Lock()
	defer s.Unlock()

	// Any verified record replaces a pinned bootstrap entry.
	if old, ok := s.descriptors[id]; ok && !old.pinned {
		if !supersedes(d.Counter, old.d.Counter, raw, old.raw) {
			if bytes.Equal(raw, old.raw) {
				old.expiry = time.Now().Add(s.recordTTL)
				return false, nil
			}
			return false, ErrStaleRecord
		}
	}
	s.descriptors[id] = &descriptorRecord{
		d:      d,
		raw:    raw,
		expiry: time.Now().Add(s.recordTTL),
	}
	s.bumpGenerationLocked()
	s.log.Debugf("Merged descriptor for '%v' (counter %d)", d.Name, d.Counter)
	return true, nil
}

// MergeLinkState verifies and merges a signed link state record,
// returning ErrStaleRecord when a stored record supersedes it.
func (s *Store) MergeLinkState(raw []byte) error {
	_, err := s.mergeLinkState(raw)
	return err
}

func (s *Store) mergeLinkState(raw []byte) (bool, error) {
	ls, id, err := VerifyLinkState(raw)
	if err != nil {
		return false, err
	}

	s.Lock()
	defer s.Unlock()

	if old, ok := s.linkStates[id]; ok {
		if !supersedes(ls.Counter, old.s.Counter, raw, old.raw) {
			if bytes.Equal(raw, old.raw) {
				old.expiry = time.Now().Add(s.recordTTL)
				return false, nil
			}
			return false, ErrStaleRecord
		}
	}
	s.linkStates[id] = &linkStateRecord{
		s:      ls,
		raw:    raw,
		expiry: time.Now().Add(s.recordTTL),
	}
	// A fresh link state from the relay overrides local staleness
	// observations about its edges.
	stale := s.staleEdges[:0]
	for _, e := range s.staleEdges {
		if e.from != id {
			stale = append(stale, e)
		}
	}
	s.staleEdges = stale
	s.bumpGenerationLocked()
	return true, nil
}

// MarkLinkStale records a local observation that the edge from -> to is
// unusable.  The edge is excluded from path selection until the
// advertising relay publishes a fresh link state or the observation
// expires with the record TTL.
func (s *Store) MarkLinkStale(from, to [NodeIDLength]byte) {
	s.Lock()
	defer s.Unlock()

	for i := range s.staleEdges {
		if s.staleEdges[i].from == from && s.staleEdges[i].to == to {
			s.staleEdges[i].expiry = time.Now().Add(s.recordTTL)
			return
		}
	}
	s.staleEdges = append(s.staleEdges, staleEdge{
		from:   from,
		to:     to,
		expiry: time.Now().Add(s.recordTTL),
	})
	s.bumpGenerationLocked()
	s.log.Debugf("Marked link stale: %x -> %x", from[:8], to[:8])
}

// Pin installs a statically configured bootstrap descriptor without
// signature verification.  Pinned records never expire and are not
// gossiped; a verified descriptor for the same relay replaces them.
func (s *Store) Pin(d *RelayDescriptor) error {
	d.Counter = 0
	if err := d.validate(); err != nil {
		return err
	}
	id := d.ID()

	s.Lock()
	defer s.Unlock()

	if _, ok := s.descriptors[id]; ok {
		return nil
	}
	s.descriptors[id] = &descriptorRecord{d: d, pinned: true}
	s.bumpGenerationLocked()
	s.log.Debugf("Pinned bootstrap descriptor for '%v'", d.Name)
	return nil
}

// Generation returns the store's current generation.  The generation
// increases on every accepted change.
func (s *Store) Generation() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.generation
}

// Descriptor returns the stored descriptor for the given node.
func (s *Store) Descriptor(id [NodeIDLength]byte) (*RelayDescriptor, bool) {
	s.RLock()
	defer s.RUnlock()
	rec, ok := s.descriptors[id]
	if !ok {
		return nil, false
	}
	return rec.d, true
}

// RawDescriptors returns the signed serialization of every verified
// descriptor in the store, keyed by node identifier.  Pinned bootstrap
// entries are excluded.
func (s *Store) RawDescriptors() map[[NodeIDLength]byte][]byte {
	s.RLock()
	defer s.RUnlock()

	out := make(map[[NodeIDLength]byte][]byte, len(s.descriptors))
	for id, rec := range s.descriptors {
		if rec.pinned {
			continue
		}
		out[id] = rec.raw
	}
	return out
}

func (s *Store) bumpGenerationLocked() {
	s.generation++
	s.snapshot = nil
	instrument.TopologyGeneration(s.generation)
	if s.bus != nil {
		s.bus.Publish(events.NewTopologyUpdated(s.generation))
	}
}

// Snapshot returns an immutable view of the current topology.  Repeated
// calls return the same snapshot until the store changes.
func (s *Store) Snapshot() *Snapshot {
	s.RLock()
	if snap := s.snapshot; snap != nil {
		s.RUnlock()
		return snap
	}
	s.RUnlock()

	s.Lock()
	defer s.Unlock()
	if s.snapshot != nil {
		return s.snapshot
	}

	snap := &Snapshot{
		Generation:  s.generation,
		descriptors: make(map[[NodeIDLength]byte]*RelayDescriptor, len(s.descriptors)),
		adjacency:   make(map[[NodeIDLength]byte][]Neighbor, len(s.linkStates)),
	}
	for id, rec := range s.descriptors {
		snap.descriptors[id] = rec.d
	}
	stale := func(from, to [NodeIDLength]byte) bool {
		for _, e := range s.staleEdges {
			if e.from == from && e.to == to {
				return true
			}
		}
		return false
	}
	for id, rec := range s.linkStates {
		// Edges only count toward relays with a known descriptor.
		if _, ok := snap.descriptors[id]; !ok {
			continue
		}
		var adj []Neighbor
		for _, n := range rec.s.Neighbors {
			if _, ok := snap.descriptors[n.ID]; !ok {
				continue
			}
			if n.Cost == MaxCost || stale(id, n.ID) {
				continue
			}
			adj = append(adj, n)
		}
		snap.adjacency[id] = adj
	}
	s.snapshot = snap
	return snap
}

// gossipBundle is the wire form of a gossip exchange.
type gossipBundle struct {
	Generation  uint64
	Descriptors [][]byte
	LinkStates  [][]byte
}

// GossipPayload serializes the store's signed records for gossip.  The
// result is capped at maxSize bytes; when the full view does not fit a
// deterministic prefix is sent and the remainder propagates on later
// rounds.
func (s *Store) GossipPayload(maxSize int) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	b := &gossipBundle{Generation: s.generation}
	used := 64 // Envelope overhead headroom.
	for _, rec := range s.descriptors {
		if rec.pinned {
			continue
		}
		if used+len(rec.raw) > maxSize {
			break
		}
		b.Descriptors = append(b.Descriptors, rec.raw)
		used += len(rec.raw) + 8
	}
	for _, rec := range s.linkStates {
		if used+len(rec.raw) > maxSize {
			break
		}
		b.LinkStates = append(b.LinkStates, rec.raw)
		used += len(rec.raw) + 8
	}
	return cborEnc.Marshal(b)
}

// MergeGossip merges a serialized gossip payload, returning the number
// of records accepted.  Individually invalid records are skipped,
// records with invalid signatures poison the whole payload.
func (s *Store) MergeGossip(payload []byte) (int, error) {
	b := new(gossipBundle)
	if err := cbor.Unmarshal(payload, b); err != nil {
		return 0, err
	}
	accepted := 0
	for _, raw := range b.Descriptors {
		switch ok, err := s.mergeDescriptor(raw); {
		case err == nil:
			if ok {
				accepted++
			}
		case err == ErrStaleRecord:
		case errors.Is(err, ErrInvalidSignature):
			return accepted, err
		default:
			s.log.Debugf("Skipping malformed gossiped descriptor: %v", err)
		}
	}
	for _, raw := range b.LinkStates {
		switch ok, err := s.mergeLinkState(raw); {
		case err == nil:
			if ok {
				accepted++
			}
		case err == ErrStaleRecord:
		case errors.Is(err, ErrInvalidSignature):
			return accepted, err
		default:
			s.log.Debugf("Skipping malformed gossiped link state: %v", err)
		}
	}
	return accepted, nil
}

func (s *Store) sweepWorker() {
	interval := s.recordTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case <-t.C:
		}
		s.sweep(time.Now())
	}
}

func (s *Store) sweep(now time.Time) {
	s.Lock()
	defer s.Unlock()

	changed := false
	for id, rec := range s.descriptors {
		if !rec.pinned && now.After(rec.expiry) {
			delete(s.descriptors, id)
			changed = true
		}
	}
	for id, rec := range s.linkStates {
		if now.After(rec.expiry) {
			delete(s.linkStates, id)
			changed = true
		}
	}
	stale := s.staleEdges[:0]
	for _, e := range s.staleEdges {
		if now.After(e.expiry) {
			changed = true
			continue
		}
		stale = append(stale, e)
	}
	s.staleEdges = stale
	if changed {
		s.bumpGenerationLocked()
		s.log.Debugf("Swept expired records, generation now %d", s.generation)
	}
}
