// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package admission

import (
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func TestTicketSerialization(t *testing.T) {
	require := require.New(t)

	tkt, err := Mint(rand.Reader, []byte("relay"), 42, 8)
	require.NoError(err)

	b := tkt.ToBytes()
	var tkt2 Ticket
	tkt2.FromBytes(b)
	require.Equal(*tkt, tkt2)
}

func TestVerifyAndSpend(t *testing.T) {
	require := require.New(t)

	relayID := []byte("test-relay-identifier")
	v, err := NewVerifier(relayID, 8, 15*time.Minute)
	require.NoError(err)

	counter := uint64(time.Now().Unix())
	tkt, err := Mint(rand.Reader, relayID, counter, 8)
	require.NoError(err)
	b := tkt.ToBytes()

	require.NoError(v.VerifyAndSpend(b))

	// Double spends are rejected.
	require.ErrorIs(v.VerifyAndSpend(b), ErrTicketSpent)

	// Tickets minted for another relay fail the work check with
	// overwhelming probability.
	other, err := Mint(rand.Reader, []byte("other-relay"), counter, 8)
	require.NoError(err)
	if err := v.VerifyAndSpend(other.ToBytes()); err != nil {
		require.ErrorIs(err, ErrInsufficientWork)
	}
}

func TestVerifyStaleTicket(t *testing.T) {
	require := require.New(t)

	relayID := []byte("test-relay-identifier")
	v, err := NewVerifier(relayID, 8, 15*time.Minute)
	require.NoError(err)

	// A zero counter is long outside the freshness window.
	tkt, err := Mint(rand.Reader, relayID, 0, 8)
	require.NoError(err)
	require.ErrorIs(v.VerifyAndSpend(tkt.ToBytes()), ErrStaleTicket)

	// So is a counter from the far future.
	future := uint64(time.Now().Add(time.Hour).Unix())
	tkt, err = Mint(rand.Reader, relayID, future, 8)
	require.NoError(err)
	require.ErrorIs(v.VerifyAndSpend(tkt.ToBytes()), ErrStaleTicket)

	// Freshness is checked before work, so even a zero difficulty
	// forgery of an old ticket goes nowhere.
	forged := Ticket{Counter: 0}
	require.ErrorIs(v.VerifyAndSpend(forged.ToBytes()), ErrStaleTicket)
}

func TestSpentSetRotation(t *testing.T) {
	require := require.New(t)

	relayID := []byte("test-relay-identifier")
	v, err := NewVerifier(relayID, 8, 10*time.Second)
	require.NoError(err)

	// Pick times that straddle an epoch boundary of the 10s window.
	t0 := time.Unix(1700000001, 0)
	t1 := time.Unix(1700000010, 0)
	require.NotEqual(t0.Unix()/10, t1.Unix()/10)

	tkt, err := Mint(rand.Reader, relayID, uint64(t0.Unix()), 8)
	require.NoError(err)
	b := tkt.ToBytes()

	require.NoError(v.verifyAndSpendAt(b, t0))

	// The rotation at the epoch boundary must not forget tickets spent
	// in the previous epoch while they are still fresh.
	require.ErrorIs(v.verifyAndSpendAt(b, t1), ErrTicketSpent)

	// Once the freshness window has passed the spent sets have cycled,
	// and the ticket is rejected as stale instead.
	t2 := t0.Add(30 * time.Second)
	require.ErrorIs(v.verifyAndSpendAt(b, t2), ErrStaleTicket)
}

func TestVerifierDifficultyBounds(t *testing.T) {
	_, err := NewVerifier([]byte("relay"), 0, 15*time.Minute)
	require.Error(t, err)
	_, err = NewVerifier([]byte("relay"), MaxDifficulty+1, 15*time.Minute)
	require.Error(t, err)
	_, err = NewVerifier([]byte("relay"), 8, 0)
	require.Error(t, err)
}
