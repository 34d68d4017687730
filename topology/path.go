// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	"bytes"
	"container/heap"
)

// Snapshot is an immutable, generation tagged view of the topology.
type Snapshot struct {
	// Generation is the store generation this snapshot was built from.
	Generation uint64

	descriptors map[[NodeIDLength]byte]*RelayDescriptor
	adjacency   map[[NodeIDLength]byte][]Neighbor
}

// Descriptor returns the descriptor for the given node.
func (s *Snapshot) Descriptor(id [NodeIDLength]byte) (*RelayDescriptor, bool) {
	d, ok := s.descriptors[id]
	return d, ok
}

// NumRelays returns the number of relays with known descriptors.
func (s *Snapshot) NumRelays() int {
	return len(s.descriptors)
}

// Relays returns the descriptors of every known relay.
func (s *Snapshot) Relays() []*RelayDescriptor {
	out := make([]*RelayDescriptor, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		out = append(out, d)
	}
	return out
}

// Neighbors returns the usable adjacencies advertised by the given
// relay.
func (s *Snapshot) Neighbors(id [NodeIDLength]byte) []Neighbor {
	return s.adjacency[id]
}

type pathState struct {
	id   [NodeIDLength]byte
	dist uint64
	hops int
	prev *pathState
}

type pathHeap []*pathState

func (h pathHeap) Len() int { return len(h) }

func (h pathHeap) Less(i, j int) bool {
	// Ties broken by hop count then node identifier so that every relay
	// selects the same path over the same snapshot.
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	if h[i].hops != h[j].hops {
		return h[i].hops < h[j].hops
	}
	return bytes.Compare(h[i].id[:], h[j].id[:]) < 0
}

func (h pathHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pathHeap) Push(x interface{}) { *h = append(*h, x.(*pathState)) }

func (h *pathHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// ComputePath returns the lowest cost path from src to dst traversing at
// most maxHops links, as a descriptor sequence including both endpoints.
// Returns ErrNoRouteFound when no such path exists.
func (s *Snapshot) ComputePath(src, dst [NodeIDLength]byte, maxHops int) ([]*RelayDescriptor, error) {
	if _, ok := s.descriptors[src]; !ok {
		return nil, ErrNoRouteFound
	}
	if _, ok := s.descriptors[dst]; !ok {
		return nil, ErrNoRouteFound
	}
	if src == dst {
		return []*RelayDescriptor{s.descriptors[src]}, nil
	}
	if maxHops < 1 {
		return nil, ErrNoRouteFound
	}

	// Dijkstra over (node, hop count) states so that the hop bound never
	// hides a cheaper bounded path through an already visited node.
	type visitKey struct {
		id   [NodeIDLength]byte
		hops int
	}
	best := make(map[visitKey]uint64)

	h := &pathHeap{&pathState{id: src}}
	heap.Init(h)
	for h.Len() > 0 {
		cur := heap.Pop(h).(*pathState)
		if cur.id == dst {
			path := make([]*RelayDescriptor, 0, cur.hops+1)
			for st := cur; st != nil; st = st.prev {
				path = append(path, s.descriptors[st.id])
			}
			// Reverse into src -> dst order.
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path, nil
		}
		if cur.hops == maxHops {
			continue
		}
		for _, n := range s.adjacency[cur.id] {
			d := cur.dist + uint64(n.Cost)
			k := visitKey{id: n.ID, hops: cur.hops + 1}
			if old, ok := best[k]; ok && old <= d {
				continue
			}
			best[k] = d
			heap.Push(h, &pathState{
				id:   n.ID,
				dist: d,
				hops: cur.hops + 1,
				prev: cur,
			})
		}
	}
	return nil, ErrNoRouteFound
}
