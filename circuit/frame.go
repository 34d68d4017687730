// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package circuit implements reliable, end to end encrypted virtual
// circuits on top of the packet layer.
package circuit

import (
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/lodestar-net/lodestar/core/sphinx/geo"
)

const (
	// KeyLength is the length of a circuit symmetric key.
	KeyLength = 32

	nonceLength = 24

	// Circuit payload kinds, the first byte of every payload handed to
	// the packet layer.
	payloadData byte = 0x00
	payloadDial byte = 0x01
)

// FrameType identifies the purpose of a circuit frame.
type FrameType uint8

const (
	// FrameOpen initiates a circuit.
	FrameOpen FrameType = iota

	// FrameOpenAck accepts a circuit.
	FrameOpenAck

	// FrameData carries application payload.
	FrameData

	// FrameAck acknowledges received data frames.
	FrameAck

	// FrameClose tears a circuit down.
	FrameClose
)

// ErrFrameDecrypt is returned when a sealed frame fails authentication.
var ErrFrameDecrypt = errors.New("circuit: frame decryption failure")

// Frame is a single circuit protocol message.
type Frame struct {
	// Type is the frame type.
	Type FrameType

	// Seq is the sender assigned sequence number of a data frame.
	Seq uint64

	// Ack is the receiver's next expected sequence number.  Everything
	// below it has been received.
	Ack uint64

	// SackBitmap selectively acknowledges the 64 sequence numbers
	// following Ack, bit i covering Ack+1+i.
	SackBitmap uint64

	// Payload is the application payload of a data frame.
	Payload []byte `cbor:",omitempty"`
}

// dialEnvelope bootstraps a circuit at a relay that has no prior state
// for it.  The sealed open frame proves the dialer knows the key it is
// offering.
type dialEnvelope struct {
	// Key is the circuit symmetric key.
	Key []byte

	// Src is the originator's node identifier, used to compute the
	// reverse route.
	Src []byte

	// Open is the sealed FrameOpen.
	Open []byte
}

func encodeDialEnvelope(env *dialEnvelope) ([]byte, error) {
	return cbor.Marshal(env)
}

func decodeDialEnvelope(b []byte) (*dialEnvelope, error) {
	env := new(dialEnvelope)
	if err := cbor.Unmarshal(b, env); err != nil {
		return nil, err
	}
	if len(env.Key) != KeyLength {
		return nil, errors.New("circuit: dial envelope: malformed key")
	}
	if len(env.Src) != geo.NodeIDLength {
		return nil, errors.New("circuit: dial envelope: malformed source identifier")
	}
	return env, nil
}

// sealFrame serializes and encrypts a frame under the circuit key.
func sealFrame(r io.Reader, key *[KeyLength]byte, f *Frame) ([]byte, error) {
	pt, err := cbor.Marshal(f)
	if err != nil {
		return nil, err
	}
	var nonce [nonceLength]byte
	if _, err = io.ReadFull(r, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], pt, &nonce, key), nil
}

// openFrame decrypts and deserializes a sealed frame.
func openFrame(key *[KeyLength]byte, b []byte) (*Frame, error) {
	if len(b) < nonceLength+secretbox.Overhead {
		return nil, ErrFrameDecrypt
	}
	var nonce [nonceLength]byte
	copy(nonce[:], b[:nonceLength])
	pt, ok := secretbox.Open(nil, b[nonceLength:], &nonce, key)
	if !ok {
		return nil, ErrFrameDecrypt
	}
	f := new(Frame)
	if err := cbor.Unmarshal(pt, f); err != nil {
		return nil, err
	}
	return f, nil
}
