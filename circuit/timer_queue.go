// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"sync"
	"time"

	"github.com/lodestar-net/lodestar/core/queue"
	"github.com/lodestar-net/lodestar/core/worker"
)

// Item is an entry of the TimerQueue, fired at its Priority expressed
// in nanoseconds since the epoch.
type Item interface {
	Priority() uint64
}

// TimerQueue delays items until their deadline and then hands them to
// the fire callback.
type TimerQueue struct {
	sync.Mutex
	sync.Cond
	worker.Worker

	priq *queue.PriorityQueue
	fire func(Item)

	wakech chan struct{}
}

// NewTimerQueue instantiates a new TimerQueue and starts the worker
// routine.
func NewTimerQueue(fire func(Item)) *TimerQueue {
	t := &TimerQueue{
		fire: fire,
		priq: queue.New(),
	}
	t.L = new(sync.Mutex)
	t.Go(t.worker)
	return t
}

// Push adds an item to the TimerQueue.
func (t *TimerQueue) Push(i Item) {
	t.Lock()
	t.priq.Enqueue(i.Priority(), i)
	t.Unlock()
	t.Signal()
}

// Remove removes the item with the given priority from the TimerQueue.
func (t *TimerQueue) Remove(priority uint64) {
	t.Lock()
	t.priq.RemovePriority(priority)
	t.Unlock()
	t.Signal()
}

// wakeupCh returns the channel that fires upon Signal of the
// TimerQueue's sync.Cond.
func (t *TimerQueue) wakeupCh() chan struct{} {
	if t.wakech != nil {
		return t.wakech
	}
	c := make(chan struct{})
	go func() {
		defer close(c)
		var v struct{}
		for {
			t.L.Lock()
			t.Wait()
			t.L.Unlock()
			select {
			case <-t.HaltCh():
				return
			case c <- v:
			}
		}
	}()
	t.wakech = c
	return c
}

// Halt stops the worker, waking the cond waiter so it can exit.
func (t *TimerQueue) Halt() {
	t.Worker.Halt()
	t.Signal()
}

func (t *TimerQueue) forward() {
	t.Lock()
	e := t.priq.Dequeue()
	t.Unlock()
	if e == nil {
		return
	}
	t.fire(e.Value.(Item))
}

func (t *TimerQueue) worker() {
	for {
		var c <-chan time.Time
		t.Lock()
		if e := t.priq.Peek(); e != nil {
			// Figure out if the item needs to be handled now.
			timeLeft := int64(e.Priority) - time.Now().UnixNano()
			if timeLeft < 0 {
				t.Unlock()
				t.forward()
				continue
			}
			c = time.After(time.Duration(timeLeft))
		}
		t.Unlock()
		select {
		case <-t.HaltCh():
			return
		case <-c:
			t.forward()
		case <-t.wakeupCh():
		}
	}
}
