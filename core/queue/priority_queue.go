// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package queue implements a min-heap based priority queue.
package queue

import (
	"container/heap"
)

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64
}

// PriorityQueue is a min-heap keyed on Entry.Priority.
type PriorityQueue struct {
	heap []*Entry
}

// Less implements the sort.Interface Less method.
func (q PriorityQueue) Less(i, j int) bool {
	return q.heap[i].Priority < q.heap[j].Priority
}

// Swap implements the sort.Interface Swap method.
func (q PriorityQueue) Swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
}

// Push implements the heap.Interface Push method.  Use Enqueue instead.
func (q *PriorityQueue) Push(x interface{}) {
	q.heap = append(q.heap, x.(*Entry))
}

// Pop implements the heap.Interface Pop method.  Use Dequeue instead.
func (q *PriorityQueue) Pop() interface{} {
	if q.Len() <= 0 {
		return nil
	}
	n := len(q.heap)
	e := q.heap[n-1]
	q.heap[n-1] = nil
	q.heap = q.heap[:n-1]
	return e
}

// Peek returns the entry with the lowest priority without removing it.
// Callers MUST NOT alter the Priority of the returned entry.
func (q *PriorityQueue) Peek() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return q.heap[0]
}

// PeekMax returns the entry with the highest priority without removing it.
func (q *PriorityQueue) PeekMax() *Entry {
	n := q.Len()
	if n <= 0 {
		return nil
	}
	// The max lives in a leaf.  Leaves start at n/2.
	max := n / 2
	for i := max + 1; i < n; i++ {
		if q.heap[i].Priority > q.heap[max].Priority {
			max = i
		}
	}
	return q.heap[max]
}

// DequeueIndex removes and returns the entry at the given heap index.
func (q *PriorityQueue) DequeueIndex(index int) *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return heap.Remove(q, index).(*Entry)
}

// Dequeue removes and returns the entry with the lowest priority.
func (q *PriorityQueue) Dequeue() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return heap.Pop(q).(*Entry)
}

// DequeueMax removes and returns the entry with the highest priority.
func (q *PriorityQueue) DequeueMax() *Entry {
	n := q.Len()
	if n <= 0 {
		return nil
	}
	max := n / 2
	for i := max + 1; i < n; i++ {
		if q.heap[i].Priority > q.heap[max].Priority {
			max = i
		}
	}
	return heap.Remove(q, max).(*Entry)
}

// RemovePriority removes and returns the first entry found with the
// given priority, or nil when no such entry exists.
func (q *PriorityQueue) RemovePriority(priority uint64) *Entry {
	for i, e := range q.heap {
		if e.Priority == priority {
			return heap.Remove(q, i).(*Entry)
		}
	}
	return nil
}

// Enqueue inserts value into the queue with the given priority.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) {
	heap.Push(q, &Entry{
		Value:    value,
		Priority: priority,
	})
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// New creates an empty PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		heap: make([]*Entry, 0),
	}
	heap.Init(q)
	return q
}
