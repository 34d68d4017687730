// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package topology implements the gossip based relay topology store.
package topology

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

const (
	// NodeIDLength is the length of a relay identifier, the Sum256 of
	// the relay's identity public key.
	NodeIDLength = 32

	// MaxNeighbors is the maximum number of neighbors a link state may
	// advertise.
	MaxNeighbors = 64

	// MaxCost is the largest usable link cost.  Links at MaxCost are
	// treated as unusable by path selection.
	MaxCost = ^uint32(0)
)

var (
	// ErrInvalidSignature is returned when a record's signature does not
	// verify under its identity key.
	ErrInvalidSignature = errors.New("topology: invalid signature")

	// ErrStaleRecord is returned by merge operations when the incoming
	// record's counter does not supersede the stored one.
	ErrStaleRecord = errors.New("topology: stale record")

	cborEnc cbor.EncMode
)

func init() {
	var err error
	// Deterministic encoding so that signatures cover a canonical form.
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// RelayDescriptor describes a relay's identity, keys and reachability.
type RelayDescriptor struct {
	// Name is the human readable relay identifier.
	Name string

	// IdentityKey is the relay's ed25519 identity public key.
	IdentityKey []byte

	// LinkKey is the relay's link layer (handshake) public key.
	LinkKey []byte

	// SphinxKey is the relay's packet unwrap NIKE public key.
	SphinxKey []byte

	// Addresses are the relay's transport URLs.
	Addresses []string

	// Counter is the descriptor's monotonically increasing version.
	Counter uint64
}

// ID returns the relay's node identifier.
func (d *RelayDescriptor) ID() [NodeIDLength]byte {
	pk := new(ed25519.PublicKey)
	if err := pk.FromBytes(d.IdentityKey); err != nil {
		panic("topology: descriptor with malformed identity key: " + err.Error())
	}
	return pk.Sum256()
}

func (d *RelayDescriptor) validate() error {
	if d.Name == "" {
		return errors.New("topology: descriptor: no name")
	}
	if len(d.IdentityKey) != ed25519.PublicKeySize {
		return errors.New("topology: descriptor: malformed identity key")
	}
	if len(d.Addresses) == 0 {
		return errors.New("topology: descriptor: no addresses")
	}
	for _, a := range d.Addresses {
		u, err := url.Parse(a)
		if err != nil {
			return fmt.Errorf("topology: descriptor: invalid address '%v': %v", a, err)
		}
		switch u.Scheme {
		case "tcp", "tcp4", "tcp6", "quic":
		default:
			return fmt.Errorf("topology: descriptor: invalid address scheme '%v'", u.Scheme)
		}
	}
	return nil
}

// Neighbor is a single adjacency in a link state record.
type Neighbor struct {
	// ID is the neighbor's node identifier.
	ID [NodeIDLength]byte

	// Cost is the advertised link cost.
	Cost uint32
}

// LinkState describes a relay's current adjacencies.
type LinkState struct {
	// Neighbors are the relay's usable adjacencies.
	Neighbors []Neighbor

	// Counter is the link state's monotonically increasing version.
	Counter uint64
}

func (s *LinkState) validate() error {
	if len(s.Neighbors) > MaxNeighbors {
		return fmt.Errorf("topology: link state: %d neighbors exceeds maximum", len(s.Neighbors))
	}
	seen := make(map[[NodeIDLength]byte]bool)
	for _, n := range s.Neighbors {
		if seen[n.ID] {
			return errors.New("topology: link state: duplicate neighbor")
		}
		seen[n.ID] = true
	}
	return nil
}

// signedRecord is the wire form of a signed topology record.
type signedRecord struct {
	// IdentityKey is the signer's ed25519 public key.
	IdentityKey []byte

	// Body is the canonical CBOR serialization of the payload.
	Body []byte

	// Signature is the ed25519 signature over Body.
	Signature []byte
}

func signRecord(k *ed25519.PrivateKey, payload interface{}) ([]byte, error) {
	body, err := cborEnc.Marshal(payload)
	if err != nil {
		return nil, err
	}
	rec := &signedRecord{
		IdentityKey: k.PublicKey().Bytes(),
		Body:        body,
		Signature:   k.SignMessage(body),
	}
	return cborEnc.Marshal(rec)
}

func verifyRecord(raw []byte, payload interface{}) (*ed25519.PublicKey, error) {
	rec := new(signedRecord)
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}
	pk := new(ed25519.PublicKey)
	if err := pk.FromBytes(rec.IdentityKey); err != nil {
		return nil, err
	}
	if !pk.Verify(rec.Signature, rec.Body) {
		return nil, ErrInvalidSignature
	}
	if err := cbor.Unmarshal(rec.Body, payload); err != nil {
		return nil, err
	}
	return pk, nil
}

// SignDescriptor serializes and signs a relay descriptor.  The
// descriptor's IdentityKey is forced to the signing key's public key.
func SignDescriptor(k *ed25519.PrivateKey, d *RelayDescriptor) ([]byte, error) {
	d.IdentityKey = k.PublicKey().Bytes()
	if err := d.validate(); err != nil {
		return nil, err
	}
	return signRecord(k, d)
}

// VerifyDescriptor deserializes and verifies a signed relay descriptor.
func VerifyDescriptor(raw []byte) (*RelayDescriptor, error) {
	d := new(RelayDescriptor)
	pk, err := verifyRecord(raw, d)
	if err != nil {
		return nil, err
	}
	if err = d.validate(); err != nil {
		return nil, err
	}
	// The embedded key must be the signing key, or the record binds to
	// the wrong node identifier.
	if !bytes.Equal(pk.Bytes(), d.IdentityKey) {
		return nil, ErrInvalidSignature
	}
	return d, nil
}

// SignLinkState serializes and signs a link state record.
func SignLinkState(k *ed25519.PrivateKey, s *LinkState) ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	return signRecord(k, s)
}

// VerifyLinkState deserializes and verifies a signed link state record,
// returning the record and the signer's node identifier.
func VerifyLinkState(raw []byte) (*LinkState, [NodeIDLength]byte, error) {
	s := new(LinkState)
	pk, err := verifyRecord(raw, s)
	if err != nil {
		return nil, [NodeIDLength]byte{}, err
	}
	if err = s.validate(); err != nil {
		return nil, [NodeIDLength]byte{}, err
	}
	return s, pk.Sum256(), nil
}
