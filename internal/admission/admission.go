// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package admission implements proof of work based packet admission
// control.
package admission

import (
	"encoding/binary"
	"errors"
	"io"
	"math/bits"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"

	"github.com/lodestar-net/lodestar/core/wire/commands"
)

const (
	// TicketLength is the length of a serialized admission ticket.
	TicketLength = commands.TicketLength

	seedLength = 16

	// MaxDifficulty bounds the verifier difficulty so that minting stays
	// tractable.
	MaxDifficulty = 40
)

var (
	// ErrInsufficientWork is returned when a ticket's proof of work does
	// not meet the verifier's difficulty.
	ErrInsufficientWork = errors.New("admission: insufficient work")

	// ErrTicketSpent is returned when a ticket has been seen before.
	ErrTicketSpent = errors.New("admission: ticket already spent")

	// ErrStaleTicket is returned when a ticket's counter falls outside
	// the verifier's freshness window.
	ErrStaleTicket = errors.New("admission: ticket outside freshness window")
)

// Ticket is a proof of work admission ticket, bound to the identifier of
// the relay that will honor it.
type Ticket struct {
	// Seed is the minter chosen random seed.
	Seed [seedLength]byte

	// Counter is a minter chosen value, typically a coarse timestamp.
	Counter uint64

	// Nonce is the proof of work nonce.
	Nonce uint64
}

// ToBytes serializes the ticket.
func (t *Ticket) ToBytes() [TicketLength]byte {
	var out [TicketLength]byte
	copy(out[:seedLength], t.Seed[:])
	binary.BigEndian.PutUint64(out[seedLength:seedLength+8], t.Counter)
	binary.BigEndian.PutUint64(out[seedLength+8:], t.Nonce)
	return out
}

// FromBytes deserializes the ticket.
func (t *Ticket) FromBytes(b [TicketLength]byte) {
	copy(t.Seed[:], b[:seedLength])
	t.Counter = binary.BigEndian.Uint64(b[seedLength : seedLength+8])
	t.Nonce = binary.BigEndian.Uint64(b[seedLength+8:])
}

// work returns the number of leading zero bits of the digest over the
// relay identifier and the serialized ticket.
func work(relayID []byte, b [TicketLength]byte) int {
	h := hash.Sum256(append(append([]byte{}, relayID...), b[:]...))
	zeros := 0
	for _, v := range h {
		if v == 0 {
			zeros += 8
			continue
		}
		zeros += bits.LeadingZeros8(v)
		break
	}
	return zeros
}

// Mint produces a ticket whose proof of work meets difficulty for the
// given relay.
func Mint(r io.Reader, relayID []byte, counter uint64, difficulty int) (*Ticket, error) {
	if difficulty > MaxDifficulty {
		return nil, errors.New("admission: difficulty out of range")
	}
	t := &Ticket{Counter: counter}
	if _, err := io.ReadFull(r, t.Seed[:]); err != nil {
		return nil, err
	}
	for {
		b := t.ToBytes()
		if work(relayID, b) >= difficulty {
			return t, nil
		}
		t.Nonce++
	}
}

// Verifier checks and spends admission tickets.  Ticket counters are
// unix timestamps in seconds, and tickets are only admitted within the
// verifier's freshness window around the current time.  The window also
// bounds how long spent tickets must be remembered, so the spent sets
// rotate with it instead of growing without bound.
type Verifier struct {
	sync.Mutex

	relayID     []byte
	difficulty  int
	lifetimeSec int64

	epoch int64
	spent *bloom.Filter
	prior *bloom.Filter
}

// VerifyAndSpend checks the ticket's freshness and proof of work and
// marks it spent.  A ticket is only ever admitted once.
func (v *Verifier) VerifyAndSpend(b [TicketLength]byte) error {
	return v.verifyAndSpendAt(b, time.Now())
}

func (v *Verifier) verifyAndSpendAt(b [TicketLength]byte, now time.Time) error {
	counter := int64(binary.BigEndian.Uint64(b[seedLength : seedLength+8]))
	if skew := now.Unix() - counter; skew > v.lifetimeSec || skew < -v.lifetimeSec {
		return ErrStaleTicket
	}
	if work(v.relayID, b) < v.difficulty {
		return ErrInsufficientWork
	}

	v.Lock()
	defer v.Unlock()

	if err := v.rotateLocked(now.Unix() / v.lifetimeSec); err != nil {
		return err
	}
	if v.spent.Entries() >= v.spent.MaxEntries() {
		panic("admission: bloom filter size too small")
	}
	if v.prior.Test(b[:]) {
		return ErrTicketSpent
	}
	if v.spent.TestAndSet(b[:]) {
		return ErrTicketSpent
	}
	return nil
}

// rotateLocked advances the spent sets to the given epoch.  A ticket
// admitted in the previous epoch stays spent for the current one, which
// covers the whole freshness window.
func (v *Verifier) rotateLocked(epoch int64) error {
	if epoch == v.epoch {
		return nil
	}
	fresh, err := bloom.New(rand.Reader, 26, 0.001) // 8 MiB.
	if err != nil {
		return err
	}
	if epoch == v.epoch+1 {
		v.prior = v.spent
	} else {
		// Skipped at least a whole epoch, nothing recent to retain.
		prior, err := bloom.New(rand.Reader, 26, 0.001)
		if err != nil {
			return err
		}
		v.prior = prior
	}
	v.spent = fresh
	v.epoch = epoch
	return nil
}

// Difficulty returns the verifier's required leading zero bits.
func (v *Verifier) Difficulty() int {
	return v.difficulty
}

// NewVerifier constructs a ticket Verifier for the given relay
// identifier, difficulty and freshness window.
func NewVerifier(relayID []byte, difficulty int, lifetime time.Duration) (*Verifier, error) {
	if difficulty <= 0 || difficulty > MaxDifficulty {
		return nil, errors.New("admission: difficulty out of range")
	}
	if lifetime < time.Second {
		return nil, errors.New("admission: lifetime too short")
	}
	v := &Verifier{
		relayID:     append([]byte{}, relayID...),
		difficulty:  difficulty,
		lifetimeSec: int64(lifetime / time.Second),
	}
	v.epoch = time.Now().Unix() / v.lifetimeSec
	var err error
	if v.spent, err = bloom.New(rand.Reader, 26, 0.001); err != nil {
		return nil, err
	}
	if v.prior, err = bloom.New(rand.Reader, 26, 0.001); err != nil {
		return nil, err
	}
	return v, nil
}
