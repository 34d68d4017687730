// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the Lodestar link layer wire protocol.
package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/katzenpost/nyquist/dh"

	"github.com/lodestar-net/lodestar/core/utils"
)

// DefaultDH is the Diffie-Hellman function used by the link layer
// handshake.
var DefaultDH = dh.X25519

// PublicKey abstracts away the details of the link layer public key.
type PublicKey interface {
	// ToPEMFile writes out the PublicKey to a PEM file at path f.
	ToPEMFile(f string) error

	// FromPEMFile reads the PublicKey from the PEM file at path f.
	FromPEMFile(f string) error

	// Reset clears the PublicKey structure such that no sensitive data
	// is left in memory.
	Reset()

	// Equal returns true if the two public keys are equal.
	Equal(PublicKey) bool

	// Bytes returns the raw public key.
	Bytes() []byte

	// FromBytes deserializes the byte slice b into the PublicKey.
	FromBytes(b []byte) error

	// MarshalText returns the base64 representation of the PublicKey.
	MarshalText() ([]byte, error)
}

// PrivateKey abstracts away the details of the link layer private key.
type PrivateKey interface {
	// Reset clears the PrivateKey structure such that no sensitive data
	// is left in memory.
	Reset()

	// Bytes returns the raw private key.
	Bytes() []byte

	// FromBytes deserializes the byte slice b into the PrivateKey.
	FromBytes(b []byte) error

	// PublicKey returns the PublicKey corresponding to the PrivateKey.
	PublicKey() PublicKey
}

// Scheme provides a minimal abstraction around the link layer DH scheme.
type Scheme interface {
	// NewPublicKey returns a new empty public key.
	NewPublicKey() PublicKey

	// GenerateKeypair generates a new keypair using the provided entropy
	// source.
	GenerateKeypair(r io.Reader) (PrivateKey, error)

	// Load loads a PrivateKey from the PEM encoded file privFile,
	// optionally creating and saving a new PrivateKey instead if an
	// entropy source is provided.  If pubFile is specified and a key has
	// been created, the corresponding PublicKey will be written to
	// pubFile in PEM format.
	Load(privFile, pubFile string, r io.Reader) (PrivateKey, error)
}

type publicKey struct {
	publicKey dh.PublicKey
	dh        dh.DH
}

func (p *publicKey) pemType() string {
	return fmt.Sprintf("%s PUBLIC KEY", p.dh)
}

func (p *publicKey) FromPEMFile(f string) error {
	buf, err := os.ReadFile(f)
	if err != nil {
		return err
	}
	blk, _ := pem.Decode(buf)
	if blk == nil {
		return fmt.Errorf("wire: failed to decode PEM file %v", f)
	}
	if blk.Type != p.pemType() {
		return fmt.Errorf("wire: PEM file %v has wrong key type %v", f, blk.Type)
	}
	return p.FromBytes(blk.Bytes)
}

func (p *publicKey) ToPEMFile(f string) error {
	blk := &pem.Block{
		Type:  p.pemType(),
		Bytes: p.Bytes(),
	}
	return os.WriteFile(f, pem.EncodeToMemory(blk), 0600)
}

func (p *publicKey) Reset() {
	p.publicKey = nil
}

func (p *publicKey) Equal(other PublicKey) bool {
	return bytes.Equal(p.Bytes(), other.Bytes())
}

func (p *publicKey) FromBytes(b []byte) error {
	pub, err := p.dh.ParsePublicKey(b)
	if err != nil {
		return err
	}
	p.publicKey = pub
	return nil
}

func (p *publicKey) Bytes() []byte {
	return p.publicKey.Bytes()
}

func (p *publicKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(p.Bytes())), nil
}

type privateKey struct {
	keypair dh.Keypair
	dh      dh.DH
}

func (p *privateKey) Reset() {
	if p.keypair != nil {
		p.keypair.DropPrivate()
		p.keypair = nil
	}
}

func (p *privateKey) PublicKey() PublicKey {
	return &publicKey{
		publicKey: p.keypair.Public(),
		dh:        p.dh,
	}
}

func (p *privateKey) FromBytes(b []byte) error {
	kp, err := p.dh.ParsePrivateKey(b)
	if err != nil {
		return err
	}
	p.keypair = kp
	return nil
}

func (p *privateKey) Bytes() []byte {
	b, err := p.keypair.MarshalBinary()
	if err != nil {
		panic("wire: failed to marshal private key: " + err.Error())
	}
	return b
}

type scheme struct {
	dh dh.DH
}

// DefaultScheme is the default link layer DH scheme.
var DefaultScheme Scheme = &scheme{dh: DefaultDH}

func (s *scheme) NewPublicKey() PublicKey {
	return &publicKey{dh: s.dh}
}

func (s *scheme) GenerateKeypair(r io.Reader) (PrivateKey, error) {
	kp, err := s.dh.GenerateKeypair(r)
	if err != nil {
		return nil, err
	}
	return &privateKey{keypair: kp, dh: s.dh}, nil
}

func (s *scheme) Load(privFile, pubFile string, r io.Reader) (PrivateKey, error) {
	keyType := fmt.Sprintf("%s PRIVATE KEY", s.dh)

	if buf, err := os.ReadFile(privFile); err == nil {
		defer utils.ExplicitBzero(buf)
		blk, _ := pem.Decode(buf)
		if blk == nil {
			return nil, fmt.Errorf("wire: failed to decode PEM file %v", privFile)
		}
		if blk.Type != keyType {
			return nil, fmt.Errorf("wire: PEM file %v has wrong key type %v", privFile, blk.Type)
		}
		k := &privateKey{dh: s.dh}
		if err = k.FromBytes(blk.Bytes); err != nil {
			return nil, err
		}
		return k, nil
	} else if !os.IsNotExist(err) || r == nil {
		return nil, err
	}

	k, err := s.GenerateKeypair(r)
	if err != nil {
		return nil, err
	}
	blk := &pem.Block{
		Type:  keyType,
		Bytes: k.Bytes(),
	}
	if err = os.WriteFile(privFile, pem.EncodeToMemory(blk), 0600); err != nil {
		return nil, err
	}
	if pubFile != "" {
		if err = k.PublicKey().ToPEMFile(pubFile); err != nil {
			return nil, err
		}
	}
	return k, nil
}

var errNoKeypair = errors.New("wire: no keypair in private key")

func keypairFromPrivateKey(k PrivateKey) (dh.Keypair, error) {
	pk, ok := k.(*privateKey)
	if !ok || pk.keypair == nil {
		return nil, errNoKeypair
	}
	return pk.keypair, nil
}
