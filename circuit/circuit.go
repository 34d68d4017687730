// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/lodestar-net/lodestar/core/log"
	"github.com/lodestar-net/lodestar/core/sphinx/geo"
	"github.com/lodestar-net/lodestar/events"
	"github.com/lodestar-net/lodestar/internal/instrument"
	"github.com/lodestar-net/lodestar/internal/packet"
)

const (
	// IDLength is the length of a circuit identifier.
	IDLength = 16

	// WindowSize is the size of the data frame sliding window.
	WindowSize = 64

	defaultRTO     = 2 * time.Second
	maxRetransmits = 5
)

var (
	// ErrOpenTimeout is returned when a circuit open handshake does not
	// complete in time.
	ErrOpenTimeout = errors.New("circuit: open timed out")

	// ErrClosed is returned on operations against a closed circuit.
	ErrClosed = errors.New("circuit: closed")

	// ErrRetransmitLimit is the teardown cause when a data frame
	// exhausts its retransmission budget.
	ErrRetransmitLimit = errors.New("circuit: retransmit limit exceeded")
)

// Sender delivers an opaque circuit payload toward the circuit's peer.
type Sender func(payload []byte) error

type pendingFrame struct {
	c        *Circuit
	seq      uint64
	deadline uint64
	sealed   []byte
	attempts int
}

func (p *pendingFrame) Priority() uint64 { return p.deadline }

// Circuit is one end of a reliable, encrypted virtual circuit.
type Circuit struct {
	sync.Mutex

	log *logging.Logger
	mgr *Manager

	id   [IDLength]byte
	key  [KeyLength]byte
	send Sender
	rng  io.Reader

	// Transmit state.
	nextSeq   uint64
	unacked   map[uint64]*pendingFrame
	windowSem chan struct{}

	// Receive state.
	nextRecv uint64
	reorder  map[uint64][]byte
	recvCh   chan []byte

	// dialMsg, when set, is the wrapped dial envelope the initiator
	// (re)sends in place of a bare open frame.
	dialMsg []byte

	openedCh  chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once
	err       error
}

// ID returns the circuit identifier.
func (c *Circuit) ID() [IDLength]byte {
	return c.id
}

func (c *Circuit) sealAndSend(f *Frame) ([]byte, error) {
	sealed, err := sealFrame(c.rng, &c.key, f)
	if err != nil {
		return nil, err
	}
	return sealed, c.send(wrapPayload(payloadData, sealed))
}

func (c *Circuit) sendOpen() error {
	if c.dialMsg != nil {
		return c.send(c.dialMsg)
	}
	_, err := c.sealAndSend(&Frame{Type: FrameOpen})
	return err
}

// Open performs the circuit open handshake as the initiator, blocking
// until the peer acknowledges or the timeout expires.
func (c *Circuit) Open(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	retry := time.NewTicker(defaultRTO)
	defer retry.Stop()

	if err := c.sendOpen(); err != nil {
		return err
	}
	for {
		select {
		case <-c.openedCh:
			return nil
		case <-c.closedCh:
			return ErrClosed
		case <-retry.C:
			// The open may have been dropped en route, resend.
			if err := c.sendOpen(); err != nil {
				return err
			}
		case <-deadline.C:
			c.teardown(ErrOpenTimeout)
			return ErrOpenTimeout
		}
	}
}

// Send transmits a data frame over the circuit, blocking while the
// sliding window is full.
func (c *Circuit) Send(b []byte) error {
	select {
	case <-c.closedCh:
		return ErrClosed
	default:
	}
	select {
	case c.windowSem <- struct{}{}:
	case <-c.closedCh:
		return ErrClosed
	}

	c.Lock()
	seq := c.nextSeq
	c.nextSeq++
	f := &Frame{Type: FrameData, Seq: seq, Payload: b}
	sealed, err := sealFrame(c.rng, &c.key, f)
	if err != nil {
		c.Unlock()
		return err
	}
	p := &pendingFrame{
		c:        c,
		seq:      seq,
		deadline: uint64(time.Now().Add(defaultRTO).UnixNano()),
		sealed:   sealed,
	}
	c.unacked[seq] = p
	c.Unlock()

	if err = c.send(wrapPayload(payloadData, sealed)); err != nil {
		return err
	}
	c.mgr.tq.Push(p)
	return nil
}

// Recv returns the next in-order data frame payload, blocking until one
// arrives or the circuit closes.
func (c *Circuit) Recv() ([]byte, error) {
	select {
	case b := <-c.recvCh:
		return b, nil
	case <-c.closedCh:
		// Drain anything already delivered before reporting closure.
		select {
		case b := <-c.recvCh:
			return b, nil
		default:
		}
		c.Lock()
		err := c.err
		c.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
}

// Close tears the circuit down, notifying the peer.
func (c *Circuit) Close() error {
	c.sealAndSend(&Frame{Type: FrameClose})
	c.teardown(nil)
	return nil
}

func (c *Circuit) teardown(err error) {
	c.closeOnce.Do(func() {
		c.Lock()
		c.err = err
		c.unacked = make(map[uint64]*pendingFrame)
		c.Unlock()
		close(c.closedCh)
		c.mgr.onCircuitClosed(c, err)
	})
}

// handleSealed processes a sealed frame delivered from the packet
// layer.
func (c *Circuit) handleSealed(sealed []byte) {
	f, err := openFrame(&c.key, sealed)
	if err != nil {
		c.log.Debugf("Discarding frame: %v", err)
		return
	}

	switch f.Type {
	case FrameOpen:
		// Responder side.  Acks are idempotent, duplicated opens just
		// elicit another ack.
		c.sealAndSend(&Frame{Type: FrameOpenAck})
		c.markOpened()
	case FrameOpenAck:
		c.markOpened()
	case FrameData:
		c.onData(f)
	case FrameAck:
		c.onAck(f)
	case FrameClose:
		c.teardown(nil)
	default:
		c.log.Debugf("Discarding frame: unknown type %d", f.Type)
	}
}

func (c *Circuit) markOpened() {
	select {
	case <-c.openedCh:
	default:
		close(c.openedCh)
	}
}

func (c *Circuit) onData(f *Frame) {
	c.Lock()
	switch {
	case f.Seq < c.nextRecv:
		// Duplicate of an already delivered frame, the ack below will
		// resynchronize the peer.
	case f.Seq >= c.nextRecv+WindowSize:
		// Outside the receive window, discard.
		c.Unlock()
		return
	default:
		if _, ok := c.reorder[f.Seq]; !ok {
			c.reorder[f.Seq] = f.Payload
		}
	}

	// Deliver everything in order that the receiver has room for.  The
	// packet pipeline must never block on a slow circuit consumer; a
	// frame that does not fit stays unacknowledged, so the peer
	// retransmits it and the sender's window, not this relay, absorbs
	// the backpressure.
	for {
		b, ok := c.reorder[c.nextRecv]
		if !ok {
			break
		}
		select {
		case c.recvCh <- b:
			delete(c.reorder, c.nextRecv)
			c.nextRecv++
		default:
			c.Unlock()
			return
		}
	}

	// Build the SACK bitmap over the frames still held out of order.
	ack := &Frame{Type: FrameAck, Ack: c.nextRecv}
	for seq := range c.reorder {
		if off := seq - c.nextRecv; off >= 1 && off <= 64 {
			ack.SackBitmap |= 1 << (off - 1)
		}
	}
	c.Unlock()

	c.sealAndSend(ack)
}

func (c *Circuit) onAck(f *Frame) {
	c.Lock()
	var done []*pendingFrame
	for seq, p := range c.unacked {
		if seq < f.Ack {
			done = append(done, p)
			continue
		}
		if off := seq - f.Ack; off >= 1 && off <= 64 && f.SackBitmap&(1<<(off-1)) != 0 {
			done = append(done, p)
		}
	}
	for _, p := range done {
		delete(c.unacked, p.seq)
	}
	c.Unlock()

	for _, p := range done {
		c.mgr.tq.Remove(p.deadline)
		select {
		case <-c.windowSem:
		default:
		}
	}
}

// retransmit fires when a pending frame's deadline passes without an
// acknowledgement.
func (c *Circuit) retransmit(p *pendingFrame) {
	c.Lock()
	if _, ok := c.unacked[p.seq]; !ok {
		// Acked while the timer was in flight.
		c.Unlock()
		return
	}
	p.attempts++
	if p.attempts > maxRetransmits {
		c.Unlock()
		c.log.Debugf("Circuit %x: frame %d exhausted retransmissions.", c.id[:4], p.seq)
		c.teardown(ErrRetransmitLimit)
		return
	}
	// Exponential backoff.
	p.deadline = uint64(time.Now().Add(defaultRTO << uint(p.attempts)).UnixNano())
	c.Unlock()

	c.log.Debugf("Circuit %x: retransmitting frame %d (attempt %d)", c.id[:4], p.seq, p.attempts)
	c.send(wrapPayload(payloadData, p.sealed))
	c.mgr.tq.Push(p)
}

// wrapPayload tags and length-prefixes a circuit payload so that it
// survives the fixed-size padding of the packet layer.
func wrapPayload(kind byte, body []byte) []byte {
	out := make([]byte, 5+len(body))
	out[0] = kind
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[5:], body)
	return out
}

func unwrapPayload(b []byte) (byte, []byte, error) {
	if len(b) < 5 {
		return 0, nil, errors.New("circuit: truncated payload")
	}
	n := binary.BigEndian.Uint32(b[1:5])
	if uint64(n) > uint64(len(b)-5) {
		return 0, nil, errors.New("circuit: malformed payload length")
	}
	return b[0], b[5 : 5+n], nil
}

// Acceptor builds the reverse-path sender for a circuit dialed by the
// relay with the given source node identifier.
type Acceptor func(id [IDLength]byte, src [geo.NodeIDLength]byte) (Sender, error)

// Manager tracks the circuits terminating at this node and routes
// delivered payloads to them.
type Manager struct {
	sync.Mutex

	log *logging.Logger
	bus *events.Bus
	rng io.Reader

	circuits map[[IDLength]byte]*Circuit
	acceptor Acceptor
	tq       *TimerQueue
}

// SetAcceptor installs the callback that admits circuits dialed by
// remote relays.  Without one, dials are discarded.
func (m *Manager) SetAcceptor(a Acceptor) {
	m.Lock()
	defer m.Unlock()
	m.acceptor = a
}

// NewManager constructs a circuit Manager.
func NewManager(logBackend *log.Backend, bus *events.Bus, rng io.Reader) *Manager {
	m := &Manager{
		log:      logBackend.GetLogger("circuit"),
		bus:      bus,
		rng:      rng,
		circuits: make(map[[IDLength]byte]*Circuit),
	}
	m.tq = NewTimerQueue(func(i Item) {
		p := i.(*pendingFrame)
		p.c.retransmit(p)
	})
	return m
}

// Halt stops the manager and tears down all circuits.
func (m *Manager) Halt() {
	m.Lock()
	circuits := make([]*Circuit, 0, len(m.circuits))
	for _, c := range m.circuits {
		circuits = append(circuits, c)
	}
	m.Unlock()
	for _, c := range circuits {
		c.teardown(ErrClosed)
	}
	m.tq.Halt()
}

// NewCircuit registers a circuit with the given identifier and symmetric
// key.  The sender is invoked for every outbound circuit payload.
func (m *Manager) NewCircuit(id [IDLength]byte, key [KeyLength]byte, send Sender) (*Circuit, error) {
	c := &Circuit{
		log:       m.log,
		mgr:       m,
		id:        id,
		key:       key,
		send:      send,
		rng:       m.rng,
		unacked:   make(map[uint64]*pendingFrame),
		windowSem: make(chan struct{}, WindowSize),
		reorder:   make(map[uint64][]byte),
		recvCh:    make(chan []byte, WindowSize),
		openedCh:  make(chan struct{}),
		closedCh:  make(chan struct{}),
	}

	m.Lock()
	defer m.Unlock()
	if _, ok := m.circuits[id]; ok {
		return nil, fmt.Errorf("circuit: identifier %x already in use", id[:4])
	}
	m.circuits[id] = c
	instrument.CircuitsOpen(len(m.circuits))
	if m.bus != nil {
		m.bus.Publish(events.NewCircuitOpened(id))
	}
	return c, nil
}

// Dial registers an initiator circuit whose open handshake carries a
// dial envelope, so that the terminating relay can create its end on
// first contact.  Open() performs the actual handshake.
func (m *Manager) Dial(id [IDLength]byte, key [KeyLength]byte, src [geo.NodeIDLength]byte, send Sender) (*Circuit, error) {
	c, err := m.NewCircuit(id, key, send)
	if err != nil {
		return nil, err
	}
	sealedOpen, err := sealFrame(m.rng, &key, &Frame{Type: FrameOpen})
	if err != nil {
		c.teardown(err)
		return nil, err
	}
	env, err := encodeDialEnvelope(&dialEnvelope{
		Key:  key[:],
		Src:  src[:],
		Open: sealedOpen,
	})
	if err != nil {
		c.teardown(err)
		return nil, err
	}
	c.dialMsg = wrapPayload(payloadDial, env)
	return c, nil
}

// Circuit returns the registered circuit with the given identifier.
func (m *Manager) Circuit(id [IDLength]byte) (*Circuit, bool) {
	m.Lock()
	defer m.Unlock()
	c, ok := m.circuits[id]
	return c, ok
}

// OnPacket routes a delivered packet's payload to its circuit.
func (m *Manager) OnPacket(pkt *packet.Packet) {
	defer pkt.Dispose()
	if pkt.CircuitID == nil {
		m.log.Debugf("Discarding delivered packet %v: no circuit identifier.", pkt.ID)
		return
	}
	m.HandlePayload(pkt.CircuitID.ID, pkt.Payload)
}

// HandlePayload routes a delivered circuit payload to its circuit,
// admitting remotely dialed circuits via the acceptor.
func (m *Manager) HandlePayload(id [IDLength]byte, payload []byte) {
	kind, body, err := unwrapPayload(payload)
	if err != nil {
		m.log.Debugf("Discarding payload: %v", err)
		return
	}
	switch kind {
	case payloadData:
		m.Lock()
		c, ok := m.circuits[id]
		m.Unlock()
		if !ok {
			m.log.Debugf("Discarding payload for unknown circuit: %x", id[:4])
			return
		}
		c.handleSealed(body)
	case payloadDial:
		m.onDial(id, body)
	default:
		m.log.Debugf("Discarding payload: unknown kind %d", kind)
	}
}

func (m *Manager) onDial(id [IDLength]byte, body []byte) {
	env, err := decodeDialEnvelope(body)
	if err != nil {
		m.log.Debugf("Discarding dial for circuit %x: %v", id[:4], err)
		return
	}

	m.Lock()
	c, ok := m.circuits[id]
	acceptor := m.acceptor
	m.Unlock()
	if ok {
		// A duplicate dial, the open may have raced its own ack.  The
		// existing circuit re-acks it; an envelope with the wrong key
		// fails frame authentication and is discarded.
		c.handleSealed(env.Open)
		return
	}
	if acceptor == nil {
		m.log.Debugf("Discarding dial for circuit %x: no acceptor.", id[:4])
		return
	}

	var key [KeyLength]byte
	copy(key[:], env.Key)

	// The sealed open must verify under the offered key before any
	// reverse route work happens on the dialer's behalf.
	if _, err = openFrame(&key, env.Open); err != nil {
		m.log.Debugf("Discarding dial for circuit %x: %v", id[:4], err)
		return
	}

	var src [geo.NodeIDLength]byte
	copy(src[:], env.Src)
	send, err := acceptor(id, src)
	if err != nil {
		m.log.Warningf("Rejecting dial for circuit %x: %v", id[:4], err)
		return
	}
	if c, err = m.NewCircuit(id, key, send); err != nil {
		m.log.Debugf("Discarding dial for circuit %x: %v", id[:4], err)
		return
	}
	c.handleSealed(env.Open)
}

func (m *Manager) onCircuitClosed(c *Circuit, err error) {
	m.Lock()
	delete(m.circuits, c.id)
	n := len(m.circuits)
	m.Unlock()
	instrument.CircuitsOpen(n)
	if m.bus != nil {
		m.bus.Publish(events.NewCircuitClosed(c.id, err))
	}
}
