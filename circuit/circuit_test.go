// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lodestar-net/lodestar/core/log"
	"github.com/lodestar-net/lodestar/core/sphinx/geo"
	"github.com/lodestar-net/lodestar/events"
)

func newTestManager(t *testing.T) *Manager {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	m := NewManager(logBackend, events.NewBus(), rand.Reader)
	t.Cleanup(m.Halt)
	return m
}

func TestFrameSealOpen(t *testing.T) {
	require := require.New(t)

	var key [KeyLength]byte
	_, err := rand.Read(key[:])
	require.NoError(err)

	f := &Frame{
		Type:       FrameData,
		Seq:        23,
		Ack:        7,
		SackBitmap: 0x5,
		Payload:    []byte("a moment of silence please"),
	}
	sealed, err := sealFrame(rand.Reader, &key, f)
	require.NoError(err)

	g, err := openFrame(&key, sealed)
	require.NoError(err)
	require.Equal(f.Type, g.Type)
	require.Equal(f.Seq, g.Seq)
	require.Equal(f.Ack, g.Ack)
	require.Equal(f.SackBitmap, g.SackBitmap)
	require.Equal(f.Payload, g.Payload)

	// Corrupting the ciphertext must fail to authenticate.
	sealed[len(sealed)-1] ^= 0x01
	_, err = openFrame(&key, sealed)
	require.Equal(ErrFrameDecrypt, err)

	// So must decrypting with the wrong key.
	sealed[len(sealed)-1] ^= 0x01
	var wrongKey [KeyLength]byte
	_, err = openFrame(&wrongKey, sealed)
	require.Equal(ErrFrameDecrypt, err)
}

// testPair wires two circuit endpoints back to back with an in-memory
// transport that can drop or reorder payloads.
type testPair struct {
	sync.Mutex

	a, b *Circuit

	// dropNext holds outbound payload indexes (counted per direction)
	// that are silently discarded.
	dropFromA map[int]bool
	sentFromA int
}

func newTestPair(t *testing.T) *testPair {
	require := require.New(t)

	p := &testPair{dropFromA: make(map[int]bool)}

	var id [IDLength]byte
	var key [KeyLength]byte
	_, err := rand.Read(id[:])
	require.NoError(err)
	_, err = rand.Read(key[:])
	require.NoError(err)

	ma, mb := newTestManager(t), newTestManager(t)
	p.a, err = ma.NewCircuit(id, key, func(payload []byte) error {
		p.Lock()
		drop := p.dropFromA[p.sentFromA]
		p.sentFromA++
		p.Unlock()
		if !drop {
			mb.HandlePayload(id, payload)
		}
		return nil
	})
	require.NoError(err)
	p.b, err = mb.NewCircuit(id, key, func(payload []byte) error {
		ma.HandlePayload(id, payload)
		return nil
	})
	require.NoError(err)
	return p
}

func TestCircuitDialAccept(t *testing.T) {
	require := require.New(t)

	ma, mb := newTestManager(t), newTestManager(t)

	var id [IDLength]byte
	var key [KeyLength]byte
	var src [geo.NodeIDLength]byte
	_, err := rand.Read(id[:])
	require.NoError(err)
	_, err = rand.Read(key[:])
	require.NoError(err)
	_, err = rand.Read(src[:])
	require.NoError(err)

	// The responder has no state for the circuit until the dial arrives.
	mb.SetAcceptor(func(cid [IDLength]byte, from [geo.NodeIDLength]byte) (Sender, error) {
		require.Equal(id, cid)
		require.Equal(src, from)
		return func(payload []byte) error {
			ma.HandlePayload(cid, payload)
			return nil
		}, nil
	})

	c, err := ma.Dial(id, key, src, func(payload []byte) error {
		mb.HandlePayload(id, payload)
		return nil
	})
	require.NoError(err)
	require.NoError(c.Open(5 * time.Second))

	d, ok := mb.Circuit(id)
	require.True(ok)

	require.NoError(c.Send([]byte("hello")))
	b, err := d.Recv()
	require.NoError(err)
	require.Equal([]byte("hello"), b)

	// And the reverse direction.
	require.NoError(d.Send([]byte("hello yourself")))
	b, err = c.Recv()
	require.NoError(err)
	require.Equal([]byte("hello yourself"), b)
}

func TestCircuitDialNoAcceptor(t *testing.T) {
	require := require.New(t)

	ma, mb := newTestManager(t), newTestManager(t)

	var id [IDLength]byte
	var key [KeyLength]byte
	var src [geo.NodeIDLength]byte
	_, err := rand.Read(id[:])
	require.NoError(err)
	_, err = rand.Read(key[:])
	require.NoError(err)

	// Without an acceptor installed the dial is discarded and the open
	// handshake times out.
	c, err := ma.Dial(id, key, src, func(payload []byte) error {
		mb.HandlePayload(id, payload)
		return nil
	})
	require.NoError(err)
	require.Equal(ErrOpenTimeout, c.Open(250*time.Millisecond))

	_, ok := mb.Circuit(id)
	require.False(ok)
}

func TestCircuitOpenAndTransfer(t *testing.T) {
	require := require.New(t)
	p := newTestPair(t)

	require.NoError(p.a.Open(5 * time.Second))

	msgs := [][]byte{
		[]byte("first"),
		[]byte("second"),
		[]byte("third"),
	}
	for _, m := range msgs {
		require.NoError(p.a.Send(m))
	}
	for _, m := range msgs {
		b, err := p.b.Recv()
		require.NoError(err)
		require.Equal(m, b)
	}
}

func TestCircuitRetransmit(t *testing.T) {
	require := require.New(t)
	p := newTestPair(t)

	require.NoError(p.a.Open(5 * time.Second))

	// Drop the first two data frames on their initial transmission.
	// Payload index 0 was the open frame.
	p.Lock()
	p.dropFromA[1] = true
	p.dropFromA[2] = true
	p.Unlock()

	msgs := [][]byte{
		[]byte("lost once"),
		[]byte("also lost once"),
		[]byte("never lost"),
	}
	for _, m := range msgs {
		require.NoError(p.a.Send(m))
	}

	// The receiver holds the third frame out of order and releases
	// everything once the retransmissions arrive.
	recvCh := make(chan [][]byte, 1)
	go func() {
		var got [][]byte
		for range msgs {
			b, err := p.b.Recv()
			if err != nil {
				break
			}
			got = append(got, b)
		}
		recvCh <- got
	}()

	select {
	case got := <-recvCh:
		require.Equal(msgs, got)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for retransmission")
	}

	// All frames acked, the window is fully open again.
	require.Eventually(func() bool {
		p.a.Lock()
		defer p.a.Unlock()
		return len(p.a.unacked) == 0
	}, 10*time.Second, 50*time.Millisecond)
}

func TestCircuitSlowReceiver(t *testing.T) {
	require := require.New(t)
	p := newTestPair(t)

	require.NoError(p.a.Open(5 * time.Second))

	// One more frame than the receiver can buffer while nothing calls
	// Recv.  Delivery must never block the packet pipeline; the excess
	// frame stays unacknowledged and arrives via retransmission once
	// there is room.
	total := WindowSize + 1
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			if err := p.a.Send([]byte{byte(i)}); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery path stalled on a slow receiver")
	}

	// Draining the receiver frees up room for the held frame.
	for i := 0; i < total; i++ {
		b, err := p.b.Recv()
		require.NoError(err)
		require.Equal([]byte{byte(i)}, b)
	}
}

func TestCircuitOpenTimeout(t *testing.T) {
	require := require.New(t)

	var id [IDLength]byte
	var key [KeyLength]byte
	_, err := rand.Read(id[:])
	require.NoError(err)
	_, err = rand.Read(key[:])
	require.NoError(err)

	m := newTestManager(t)
	c, err := m.NewCircuit(id, key, func([]byte) error {
		// Black hole.
		return nil
	})
	require.NoError(err)

	err = c.Open(250 * time.Millisecond)
	require.Equal(ErrOpenTimeout, err)

	// The circuit is gone from the manager.
	m.Lock()
	_, ok := m.circuits[id]
	m.Unlock()
	require.False(ok)
}

func TestCircuitClose(t *testing.T) {
	require := require.New(t)
	p := newTestPair(t)

	require.NoError(p.a.Open(5 * time.Second))
	require.NoError(p.a.Send([]byte("parting words")))

	b, err := p.b.Recv()
	require.NoError(err)
	require.Equal([]byte("parting words"), b)

	require.NoError(p.a.Close())

	_, err = p.b.Recv()
	require.Equal(ErrClosed, err)

	err = p.a.Send([]byte("too late"))
	require.Equal(ErrClosed, err)
}
