// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package replay detects replayed packets via their unwrap replay tags.
package replay

import (
	"errors"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
)

// TagLength is the length of a packet replay tag in bytes.
const TagLength = 32

// Filter is a replay tag filter.  Tags are remembered for at least one
// full rotation window after being seen, two filters deep, so a tag is
// never forgotten by a rotation that happens right after it was spent.
// The window must cover the admission ticket freshness window, old
// enough replays fail ticket verification instead.
type Filter struct {
	sync.Mutex

	window time.Duration
	epoch  int64

	cur   *bloom.Filter
	prior *bloom.Filter
}

// IsReplay marks a given replay tag as seen, and returns true iff the
// tag has been seen previously (test and set).
func (f *Filter) IsReplay(rawTag []byte) bool {
	return f.isReplayAt(rawTag, time.Now())
}

func (f *Filter) isReplayAt(rawTag []byte, now time.Time) bool {
	// Treat all pathologically malformed tags as replays.
	if len(rawTag) != TagLength {
		return true
	}
	var tag [TagLength]byte
	copy(tag[:], rawTag)

	f.Lock()
	defer f.Unlock()

	f.rotateLocked(now.UnixNano() / int64(f.window))

	// A saturated filter raises the false replay probability, which
	// drops legitimate traffic.  The filter size must be tuned for the
	// maximum expected line rate over a rotation window.
	if f.cur.Entries() >= f.cur.MaxEntries() {
		panic("replay: bloom filter size too small")
	}
	if f.prior.Test(tag[:]) {
		return true
	}
	return f.cur.TestAndSet(tag[:])
}

func (f *Filter) rotateLocked(epoch int64) {
	if epoch == f.epoch {
		return
	}
	fresh, err := bloom.New(rand.Reader, 26, 0.001) // 8 MiB.
	if err != nil {
		panic("replay: failed to allocate bloom filter: " + err.Error())
	}
	if epoch == f.epoch+1 {
		f.prior = f.cur
	} else {
		// Skipped at least a whole window, nothing recent to retain.
		prior, err := bloom.New(rand.Reader, 26, 0.001)
		if err != nil {
			panic("replay: failed to allocate bloom filter: " + err.Error())
		}
		f.prior = prior
	}
	f.cur = fresh
	f.epoch = epoch
}

// New constructs a new replay Filter with the given rotation window.
func New(window time.Duration) (*Filter, error) {
	if window < time.Second {
		return nil, errors.New("replay: rotation window too short")
	}
	f := &Filter{
		window: window,
		epoch:  time.Now().UnixNano() / int64(window),
	}
	var err error
	if f.cur, err = bloom.New(rand.Reader, 26, 0.001); err != nil {
		return nil, err
	}
	if f.prior, err = bloom.New(rand.Reader, 26, 0.001); err != nil {
		return nil, err
	}
	return f, nil
}
