// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/cipher"
	"github.com/katzenpost/nyquist/dh"
	"github.com/katzenpost/nyquist/hash"
	"github.com/katzenpost/nyquist/pattern"

	"github.com/lodestar-net/lodestar/core/sphinx/geo"
	"github.com/lodestar-net/lodestar/core/wire/commands"
)

const (
	// MaxAdditionalDataLength is the maximum length of the additional
	// data sent to the peer as part of the handshake authentication.
	MaxAdditionalDataLength = 255

	maxMsgLen = 1048576
	macLen    = 16
	authLen   = 1 + MaxAdditionalDataLength + 4
)

// Prologue indicates protocol version 1.
var prologue = []byte{0x01}

const (
	stateInit uint32 = iota
	stateEstablished
	stateInvalid
)

var (
	errInvalidState = errors.New("wire/session: invalid state")
	errMsgSize      = errors.New("wire/session: invalid message size")

	// ErrHandshakeFailed is the error class for link handshakes that
	// fail for any reason: transport errors, protocol violations, or
	// peers that do not pass authentication.
	ErrHandshakeFailed = errors.New("wire/session: handshake failed")
)

type authenticateMessage struct {
	ad       []byte
	unixTime uint32
}

func (m *authenticateMessage) ToBytes(b []byte) []byte {
	var zeroBytes [MaxAdditionalDataLength]byte

	if len(m.ad) > MaxAdditionalDataLength {
		panic("wire/session: invalid AuthenticateMessage AD length")
	}

	b = append(b, uint8(len(m.ad)))
	b = append(b, m.ad...)
	b = append(b, zeroBytes[:len(zeroBytes)-len(m.ad)]...)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[0:], m.unixTime)
	b = append(b, tmp[:]...)

	return b
}

func authenticateMessageFromBytes(b []byte) (*authenticateMessage, error) {
	if len(b) != authLen {
		return nil, fmt.Errorf("%w: invalid authenticate message", ErrHandshakeFailed)
	}

	adLen := int(b[0])
	if adLen > MaxAdditionalDataLength {
		return nil, fmt.Errorf("%w: invalid authenticate message AD", ErrHandshakeFailed)
	}

	m := new(authenticateMessage)
	m.ad = make([]byte, 0, adLen)
	m.ad = append(m.ad, b[1:1+adLen]...)
	m.unixTime = binary.BigEndian.Uint32(b[1+MaxAdditionalDataLength:])

	return m, nil
}

// PeerCredentials is the peer's credentials received during the
// authenticated key exchange.  By virtue of the Noise Protocol's design,
// the AdditionalData is guaranteed to have been sent from a peer
// possessing the private component of PublicKey.
type PeerCredentials struct {
	AdditionalData []byte
	PublicKey      PublicKey
}

// PeerAuthenticator is the interface used to authenticate the remote
// peer, based on the authenticated key exchange.
type PeerAuthenticator interface {
	// IsPeerValid authenticates the remote peer's credentials, returning
	// true iff the peer is valid.
	IsPeerValid(*PeerCredentials) bool
}

// SessionInterface is the interface used to initialize or teardown a
// Session and send and receive commands.
type SessionInterface interface {
	Initialize(conn net.Conn) error
	SendCommand(cmd commands.Command) error
	RecvCommand() (commands.Command, error)
	Close()
	PeerCredentials() (*PeerCredentials, error)
	ClockSkew() time.Duration
}

// Session is a wire protocol session.
type Session struct {
	conn net.Conn

	peerCredentials *PeerCredentials
	authenticator   PeerAuthenticator

	additionalData    []byte
	authenticationKey dh.Keypair

	randReader io.Reader

	protocol *nyquist.Protocol
	commands *commands.Commands

	tx *nyquist.CipherState
	rx *nyquist.CipherState

	rxKeyMutex sync.RWMutex
	txKeyMutex sync.RWMutex

	clockSkew   time.Duration
	state       uint32
	isInitiator bool
}

func (s *Session) handshake() error {
	defer func() {
		s.authenticationKey = nil
		atomic.CompareAndSwapUint32(&s.state, stateInit, stateInvalid)
	}()

	cfg := &nyquist.HandshakeConfig{
		Protocol:       s.protocol,
		Rng:            s.randReader,
		Prologue:       prologue,
		MaxMessageSize: maxMsgLen,
		DH: &nyquist.DHConfig{
			LocalStatic: s.authenticationKey,
		},
		IsInitiator: s.isInitiator,
	}

	handshake, err := nyquist.NewHandshake(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	defer handshake.Reset()

	dhLen := s.protocol.DH.Size()
	var (
		prologueLen = 1

		// initiator
		// -> (prologue), e
		msg1Len = prologueLen + dhLen

		// responder
		// -> e, ee, s, es, (auth)
		msg2Len = dhLen + (dhLen + macLen) + (authLen + macLen)

		// initiator
		// -> s, se, (auth)
		msg3Len = (dhLen + macLen) + (authLen + macLen)
	)

	if s.isInitiator {
		// -> (prologue), e
		msg1 := make([]byte, 0, msg1Len)
		msg1 = append(msg1, prologue...)
		msg1, err = handshake.WriteMessage(msg1, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		if _, err = s.conn.Write(msg1); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}

		// -> e, ee, s, es, (auth)
		msg2 := make([]byte, msg2Len)
		if _, err = io.ReadFull(s.conn, msg2); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}

		now := time.Now()
		rawAuth := make([]byte, 0, authLen)
		rawAuth, err = handshake.ReadMessage(rawAuth, msg2)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		peerAuth, err := authenticateMessageFromBytes(rawAuth)
		if err != nil {
			return err
		}

		// Authenticate the peer.
		if err = s.setPeerCredentials(handshake, peerAuth); err != nil {
			return err
		}

		// Cache the clock skew.
		peerClock := time.Unix(int64(peerAuth.unixTime), 0)
		s.clockSkew = now.Sub(peerClock)

		// -> s, se, (auth)
		ourAuth := &authenticateMessage{ad: s.additionalData}
		rawAuth = make([]byte, 0, authLen)
		rawAuth = ourAuth.ToBytes(rawAuth)
		msg3 := make([]byte, 0, msg3Len)
		msg3, err = handshake.WriteMessage(msg3, rawAuth)
		switch err {
		case nyquist.ErrDone:
			// Handshake is complete on the final message.
		case nil:
			return fmt.Errorf("%w: unexpected message in handshake", ErrHandshakeFailed)
		default:
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		if _, err = s.conn.Write(msg3); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
	} else {
		// -> (prologue), e
		msg1 := make([]byte, msg1Len)
		if _, err = io.ReadFull(s.conn, msg1); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		if subtle.ConstantTimeCompare(prologue, msg1[0:1]) != 1 {
			return fmt.Errorf("%w: unsupported protocol version", ErrHandshakeFailed)
		}
		msg1 = msg1[1:]
		if _, err = handshake.ReadMessage(nil, msg1); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}

		// -> e, ee, s, es, (auth)
		ourAuth := &authenticateMessage{
			ad:       s.additionalData,
			unixTime: uint32(time.Now().Unix()),
		}
		rawAuth := make([]byte, 0, authLen)
		rawAuth = ourAuth.ToBytes(rawAuth)
		msg2 := make([]byte, 0, msg2Len)
		msg2, err = handshake.WriteMessage(msg2, rawAuth)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		if _, err = s.conn.Write(msg2); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}

		// -> s, se, (auth)
		msg3 := make([]byte, msg3Len)
		if _, err = io.ReadFull(s.conn, msg3); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		rawAuth = make([]byte, 0, authLen)
		rawAuth, err = handshake.ReadMessage(rawAuth, msg3)
		switch err {
		case nyquist.ErrDone:
			// Handshake is complete on the final message.
		case nil:
			return fmt.Errorf("%w: unexpected message in handshake", ErrHandshakeFailed)
		default:
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		peerAuth, err := authenticateMessageFromBytes(rawAuth)
		if err != nil {
			return err
		}

		// Authenticate the peer.
		if err = s.setPeerCredentials(handshake, peerAuth); err != nil {
			return err
		}
	}

	status := handshake.GetStatus()
	if s.isInitiator {
		s.tx, s.rx = status.CipherStates[0], status.CipherStates[1]
	} else {
		s.rx, s.tx = status.CipherStates[0], status.CipherStates[1]
	}
	atomic.StoreUint32(&s.state, stateEstablished)
	return nil
}

func (s *Session) setPeerCredentials(handshake *nyquist.HandshakeState, peerAuth *authenticateMessage) error {
	remoteStatic := handshake.GetStatus().DH.RemoteStatic
	if remoteStatic == nil {
		return fmt.Errorf("%w: missing peer static key", ErrHandshakeFailed)
	}
	s.peerCredentials = &PeerCredentials{
		AdditionalData: peerAuth.ad,
		PublicKey: &publicKey{
			publicKey: remoteStatic,
			dh:        s.protocol.DH,
		},
	}
	if !s.authenticator.IsPeerValid(s.peerCredentials) {
		return fmt.Errorf("%w: peer authentication rejected", ErrHandshakeFailed)
	}
	return nil
}

func (s *Session) finalizeHandshake() error {
	if s.isInitiator {
		// Initiator: The peer will send a NoOp command immediately upon
		// completing the handshake.
		cmd, err := s.RecvCommand()
		if err != nil {
			return err
		}
		if _, ok := cmd.(*commands.NoOp); !ok {
			// Protocol violation, the peer sent something other than a
			// NoOp.
			return errInvalidState
		}
		return nil
	}

	// Responder: The peer is authenticated at this point, so dispatch a
	// NoOp so the peer can distinguish authentication failures.
	return s.SendCommand(&commands.NoOp{Cmds: s.commands})
}

// Initialize takes an established net.Conn, binds it to a Session, and
// conducts the wire protocol handshake.
func (s *Session) Initialize(conn net.Conn) error {
	if atomic.LoadUint32(&s.state) != stateInit {
		return errInvalidState
	}
	s.conn = conn
	if err := s.handshake(); err != nil {
		return err
	}
	if err := s.finalizeHandshake(); err != nil {
		atomic.StoreUint32(&s.state, stateInvalid)
		return err
	}
	return nil
}

// SendCommand sends the wire protocol command cmd.
func (s *Session) SendCommand(cmd commands.Command) error {
	if atomic.LoadUint32(&s.state) != stateEstablished {
		return errInvalidState
	}

	// Derive the ciphertext length.
	pt := cmd.ToBytes()
	ctLen := macLen + len(pt)
	if ctLen > maxMsgLen {
		return errMsgSize
	}

	// Build the ciphertext header.
	var ctHdr [4]byte
	binary.BigEndian.PutUint32(ctHdr[:], uint32(ctLen))
	toSend := make([]byte, 0, macLen+4+ctLen)
	s.txKeyMutex.RLock()
	var err error
	toSend, err = s.tx.EncryptWithAd(toSend, nil, ctHdr[:])
	s.txKeyMutex.RUnlock()
	if err != nil {
		return err
	}

	// Build the ciphertext.
	s.txKeyMutex.RLock()
	toSend, err = s.tx.EncryptWithAd(toSend, nil, pt)
	s.txKeyMutex.RUnlock()
	if err != nil {
		return err
	}

	s.txKeyMutex.Lock()
	s.tx.Rekey()
	s.txKeyMutex.Unlock()

	if _, err = s.conn.Write(toSend); err != nil {
		// All write errors are fatal.
		atomic.StoreUint32(&s.state, stateInvalid)
	}
	return err
}

// RecvCommand receives a wire protocol command off the network.
func (s *Session) RecvCommand() (commands.Command, error) {
	cmd, err := s.recvCommandImpl()
	if err != nil {
		// All receive errors are fatal.
		atomic.StoreUint32(&s.state, stateInvalid)
	}
	return cmd, err
}

func (s *Session) recvCommandImpl() (commands.Command, error) {
	if atomic.LoadUint32(&s.state) != stateEstablished {
		return nil, errInvalidState
	}

	// Read, decrypt and parse the ciphertext header.
	var ctHdrCt [macLen + 4]byte
	if _, err := io.ReadFull(s.conn, ctHdrCt[:]); err != nil {
		return nil, err
	}
	s.rxKeyMutex.RLock()
	ctHdr, err := s.rx.DecryptWithAd(nil, nil, ctHdrCt[:])
	s.rxKeyMutex.RUnlock()
	if err != nil {
		return nil, err
	}
	ctLen := binary.BigEndian.Uint32(ctHdr[:])
	if ctLen < macLen || ctLen > maxMsgLen {
		return nil, errMsgSize
	}

	// Read and decrypt the ciphertext.
	ct := make([]byte, ctLen)
	if _, err := io.ReadFull(s.conn, ct); err != nil {
		return nil, err
	}
	s.rxKeyMutex.RLock()
	pt, err := s.rx.DecryptWithAd(nil, nil, ct)
	s.rxKeyMutex.RUnlock()
	if err != nil {
		return nil, err
	}
	s.rxKeyMutex.Lock()
	s.rx.Rekey()
	s.rxKeyMutex.Unlock()

	// Parse and return the command.
	return s.commands.FromBytes(pt)
}

// Close terminates a session.
func (s *Session) Close() {
	// The Noise library doesn't have a way to explicitly clear
	// cryptographic state.  Without an underlying crypto break, Rekey()
	// is backtracking resistant.
	if s.tx != nil {
		s.txKeyMutex.Lock()
		s.tx.Rekey()
		s.txKeyMutex.Unlock()
	}
	if s.rx != nil {
		s.rxKeyMutex.Lock()
		s.rx.Rekey()
		s.rxKeyMutex.Unlock()
	}

	s.authenticationKey = nil
	if s.conn != nil {
		s.conn.Close()
	}
	atomic.StoreUint32(&s.state, stateInvalid)
}

// PeerCredentials returns the peer's credentials.  This call MUST only
// be made on a session that has successfully completed Initialize().
func (s *Session) PeerCredentials() (*PeerCredentials, error) {
	if atomic.LoadUint32(&s.state) != stateEstablished {
		return nil, errors.New("wire/session: PeerCredentials() call in invalid state")
	}
	return s.peerCredentials, nil
}

// ClockSkew returns the approximate clock skew based on the responder's
// timestamp received as part of the handshake.  This call MUST only be
// made by the initiator on a session that has successfully completed
// Initialize().
func (s *Session) ClockSkew() time.Duration {
	if !s.isInitiator {
		panic("wire/session: ClockSkew() call by responder")
	}
	if atomic.LoadUint32(&s.state) != stateEstablished {
		panic("wire/session: ClockSkew() call in invalid state")
	}
	return s.clockSkew
}

// Commands returns the command factory bound to the session's geometry.
func (s *Session) Commands() *commands.Commands {
	return s.commands
}

// SessionConfig is the configuration used to create new Sessions.
type SessionConfig struct {
	// Authenticator is the PeerAuthenticator instance that will be used
	// to authenticate the remote peer for the newly created Session.
	Authenticator PeerAuthenticator

	// AdditionalData is the additional data that will be passed to the
	// peer as part of the wire protocol handshake, the length of which
	// MUST be less than or equal to MaxAdditionalDataLength.
	AdditionalData []byte

	// AuthenticationKey is the static long term authentication key used
	// to authenticate with the remote peer.
	AuthenticationKey PrivateKey

	// RandomReader is a cryptographic entropy source.
	RandomReader io.Reader

	// Geometry is the geometry of the onion packets carried over the
	// wire protocol.
	Geometry *geo.Geometry
}

// NewSession creates a new Session.
func NewSession(cfg *SessionConfig, isInitiator bool) (*Session, error) {
	if cfg.Geometry == nil {
		return nil, errors.New("wire/session: missing packet geometry")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("wire/session: missing Authenticator")
	}
	if len(cfg.AdditionalData) > MaxAdditionalDataLength {
		return nil, errors.New("wire/session: oversized AdditionalData")
	}
	if cfg.AuthenticationKey == nil {
		return nil, errors.New("wire/session: missing AuthenticationKey")
	}
	randReader := cfg.RandomReader
	if randReader == nil {
		randReader = rand.Reader
	}

	kp, err := keypairFromPrivateKey(cfg.AuthenticationKey)
	if err != nil {
		return nil, err
	}

	s := &Session{
		protocol: &nyquist.Protocol{
			Pattern: pattern.XX,
			DH:      DefaultDH,
			Cipher:  cipher.ChaChaPoly,
			Hash:    hash.BLAKE2s,
		},
		authenticator:     cfg.Authenticator,
		additionalData:    cfg.AdditionalData,
		randReader:        randReader,
		isInitiator:       isInitiator,
		state:             stateInit,
		commands:          commands.NewCommands(cfg.Geometry),
		authenticationKey: kp,
	}

	return s, nil
}
