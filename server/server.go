// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package server ties the relay subsystems together into a runnable
// instance.
package server

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/nike"
	nikepem "github.com/katzenpost/hpqc/nike/pem"
	nikeschemes "github.com/katzenpost/hpqc/nike/schemes"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	signpem "github.com/katzenpost/hpqc/sign/pem"

	"github.com/lodestar-net/lodestar/addressbook"
	"github.com/lodestar-net/lodestar/circuit"
	"github.com/lodestar-net/lodestar/config"
	"github.com/lodestar-net/lodestar/core/log"
	"github.com/lodestar-net/lodestar/core/sphinx"
	"github.com/lodestar-net/lodestar/core/sphinx/geo"
	"github.com/lodestar-net/lodestar/core/utils"
	"github.com/lodestar-net/lodestar/core/wire"
	"github.com/lodestar-net/lodestar/events"
	"github.com/lodestar-net/lodestar/internal/forwarder"
	"github.com/lodestar-net/lodestar/internal/glue"
	"github.com/lodestar-net/lodestar/internal/incoming"
	"github.com/lodestar-net/lodestar/internal/instrument"
	"github.com/lodestar-net/lodestar/internal/outgoing"
	"github.com/lodestar-net/lodestar/internal/scheduler"
	"github.com/lodestar-net/lodestar/topology"
)

// Server is a Lodestar relay instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger
	bus        *events.Bus

	identityPrivateKey *ed25519.PrivateKey
	identityPublicKey  *ed25519.PublicKey
	linkKey            wire.PrivateKey
	sphinxKey          nike.PrivateKey
	sphinxScheme       nike.Scheme
	sphinx             *sphinx.Sphinx
	geometry           *geo.Geometry
	nodeID             [topology.NodeIDLength]byte

	topo       *topology.Store
	book       *addressbook.Book
	forwarder  glue.Forwarder
	scheduler  glue.Scheduler
	connector  glue.Connector
	listeners  []glue.Listener
	circuits   *circuit.Manager
	advertiser *advertiser

	metricsListener net.Listener

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && p != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

func (s *Server) initIdentity() error {
	privFile := filepath.Join(s.cfg.Server.DataDir, "identity.private.pem")
	pubFile := filepath.Join(s.cfg.Server.DataDir, "identity.public.pem")

	scheme := ed25519.Scheme()
	switch {
	case utils.BothExists(privFile, pubFile):
		priv, err := signpem.FromPrivatePEMFile(privFile, scheme)
		if err != nil {
			return err
		}
		pub, err := signpem.FromPublicPEMFile(pubFile, scheme)
		if err != nil {
			return err
		}
		var ok bool
		if s.identityPrivateKey, ok = priv.(*ed25519.PrivateKey); !ok {
			return fmt.Errorf("server: unexpected identity private key type %T", priv)
		}
		if s.identityPublicKey, ok = pub.(*ed25519.PublicKey); !ok {
			return fmt.Errorf("server: unexpected identity public key type %T", pub)
		}
	case utils.BothNotExists(privFile, pubFile):
		var err error
		s.identityPrivateKey, s.identityPublicKey, err = ed25519.NewKeypair(rand.Reader)
		if err != nil {
			return err
		}
		if err = signpem.PrivateKeyToFile(privFile, s.identityPrivateKey); err != nil {
			return err
		}
		if err = signpem.PublicKeyToFile(pubFile, s.identityPublicKey); err != nil {
			return err
		}
	default:
		return fmt.Errorf("server: %s and %s must either both exist or not exist", privFile, pubFile)
	}

	s.nodeID = s.identityPublicKey.Sum256()
	return nil
}

func (s *Server) initSphinxKey() error {
	privFile := filepath.Join(s.cfg.Server.DataDir, "sphinx.private.pem")
	pubFile := filepath.Join(s.cfg.Server.DataDir, "sphinx.public.pem")

	switch {
	case utils.BothExists(privFile, pubFile):
		var err error
		if s.sphinxKey, err = nikepem.FromPrivatePEMFile(privFile, s.sphinxScheme); err != nil {
			return err
		}
	case utils.BothNotExists(privFile, pubFile):
		pub, priv, err := s.sphinxScheme.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err = nikepem.PrivateKeyToFile(privFile, priv, s.sphinxScheme); err != nil {
			return err
		}
		if err = nikepem.PublicKeyToFile(pubFile, pub, s.sphinxScheme); err != nil {
			return err
		}
		s.sphinxKey = priv
	default:
		return fmt.Errorf("server: %s and %s must either both exist or not exist", privFile, pubFile)
	}
	return nil
}

func (s *Server) pinStaticPeers() error {
	for _, p := range s.cfg.Peers {
		idKey, err := base64.StdEncoding.DecodeString(p.IdentityPublicKey)
		if err != nil {
			return err
		}
		linkKey, err := base64.StdEncoding.DecodeString(p.LinkPublicKey)
		if err != nil {
			return err
		}
		sphinxKey, err := base64.StdEncoding.DecodeString(p.SphinxPublicKey)
		if err != nil {
			return err
		}
		d := &topology.RelayDescriptor{
			Name:        p.Identifier,
			IdentityKey: idKey,
			LinkKey:     linkKey,
			SphinxKey:   sphinxKey,
			Addresses:   p.Addresses,
		}
		if err = s.topo.Pin(d); err != nil {
			return fmt.Errorf("server: failed to pin peer '%v': %v", p.Identifier, err)
		}
	}
	return nil
}

// authenticateConnection implements the link layer peer authentication
// policy, looking the claimed node identifier up in the topology view
// and requiring that the handshake key matches the advertised one.
func (s *Server) authenticateConnection(creds *wire.PeerCredentials) (*topology.RelayDescriptor, bool) {
	if len(creds.AdditionalData) != topology.NodeIDLength {
		return nil, false
	}
	var id [topology.NodeIDLength]byte
	copy(id[:], creds.AdditionalData)

	d, ok := s.topo.Descriptor(id)
	if !ok {
		return nil, false
	}
	if !bytes.Equal(d.LinkKey, creds.PublicKey.Bytes()) {
		return nil, false
	}
	return d, true
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// RotateLog rotates the log file, if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("server: failed to rotate log file: %v", err)
	}
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	if s.advertiser != nil {
		s.advertiser.Halt()
	}
	for _, l := range s.listeners {
		if l != nil {
			l.Halt()
		}
	}
	if s.circuits != nil {
		s.circuits.Halt()
	}
	if s.forwarder != nil {
		s.forwarder.Halt()
	}
	if s.scheduler != nil {
		s.scheduler.Halt()
	}
	if s.connector != nil {
		s.connector.Halt()
	}
	if s.topo != nil {
		s.topo.Halt()
	}
	if s.book != nil {
		s.book.Close()
	}
	if s.metricsListener != nil {
		s.metricsListener.Close()
	}

	close(s.fatalErrCh)
	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		bus:        events.NewBus(),
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}
	goo := &serverGlue{s}

	// Do the early initialization and bring up logging.
	if err := utils.MkDataDir(s.cfg.Server.DataDir); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Noticef("Relay identifier is: '%v'", s.cfg.Server.Identifier)
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}

	// Initialize the packet geometry.
	s.sphinxScheme = nikeschemes.ByName(cfg.Sphinx.NIKE)
	if s.sphinxScheme == nil {
		return nil, fmt.Errorf("server: unknown Sphinx NIKE scheme '%v'", cfg.Sphinx.NIKE)
	}
	s.geometry = geo.GeometryFromForwardPayloadLength(s.sphinxScheme, cfg.Sphinx.ForwardPayloadLength, cfg.Sphinx.MaxHops)
	if err := s.geometry.Validate(); err != nil {
		return nil, err
	}
	var err error
	if s.sphinx, err = sphinx.NewSphinx(s.geometry); err != nil {
		return nil, err
	}
	s.log.Noticef("Sphinx Geometry: %s", s.geometry.String())

	// Initialize the long term keys.
	if err := s.initIdentity(); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	s.log.Noticef("Relay node ID is: %x", s.nodeID[:])

	linkPrivFile := filepath.Join(s.cfg.Server.DataDir, "link.private.pem")
	linkPubFile := filepath.Join(s.cfg.Server.DataDir, "link.public.pem")
	if s.linkKey, err = wire.DefaultScheme.Load(linkPrivFile, linkPubFile, rand.Reader); err != nil {
		s.log.Errorf("Failed to initialize link key: %v", err)
		return nil, err
	}
	if err = s.initSphinxKey(); err != nil {
		s.log.Errorf("Failed to initialize sphinx key: %v", err)
		return nil, err
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			// Graceful termination.
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	// Bring the topology store online and warm it from the address book.
	ttl := millisecondsToDuration(cfg.Topology.RecordTTL)
	s.topo = topology.New(s.logBackend, s.bus, ttl)
	if s.book, err = addressbook.New(cfg.AddressBookPath()); err != nil {
		s.log.Errorf("Failed to open address book: %v", err)
		return nil, err
	}
	if n, err := s.book.Warm(s.topo); err != nil {
		s.log.Warningf("Failed to warm topology from address book: %v", err)
	} else if n > 0 {
		s.log.Noticef("Warmed topology with %d cached descriptors.", n)
	}
	if err = s.pinStaticPeers(); err != nil {
		s.log.Errorf("Failed to pin static peers: %v", err)
		return nil, err
	}

	// Bring the metrics endpoint online.
	if cfg.Server.MetricsAddress != "" {
		if s.metricsListener, err = instrument.StartPrometheusListener(cfg.Server.MetricsAddress); err != nil {
			s.log.Errorf("Failed to start metrics listener: %v", err)
			return nil, err
		}
		s.log.Noticef("Metrics endpoint is: http://%v/metrics", s.metricsListener.Addr())
	}

	// Initialize the subsystems, packet sinks first.
	s.circuits = circuit.NewManager(s.logBackend, s.bus, rand.Reader)
	s.connector = outgoing.New(goo)
	s.scheduler = scheduler.New(goo)
	if s.forwarder, err = forwarder.New(goo); err != nil {
		s.log.Errorf("Failed to initialize forwarder: %v", err)
		return nil, err
	}

	// Remotely dialed circuits get a reverse route back to the dialer.
	s.circuits.SetAcceptor(func(id [circuit.IDLength]byte, src [topology.NodeIDLength]byte) (circuit.Sender, error) {
		return s.routeSender(src, id)
	})

	// Bring the listener(s) online.
	s.listeners = make([]glue.Listener, 0, len(s.cfg.Server.Addresses))
	for i, addr := range s.cfg.Server.Addresses {
		l, err := incoming.New(goo, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	// Start advertising this relay's descriptor and link state.
	s.advertiser = newAdvertiser(goo)

	isOk = true
	return s, nil
}

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config                { return g.s.cfg }
func (g *serverGlue) LogBackend() *log.Backend              { return g.s.logBackend }
func (g *serverGlue) EventBus() *events.Bus                 { return g.s.bus }
func (g *serverGlue) IdentityKey() *ed25519.PrivateKey      { return g.s.identityPrivateKey }
func (g *serverGlue) IdentityPublicKey() *ed25519.PublicKey { return g.s.identityPublicKey }
func (g *serverGlue) LinkKey() wire.PrivateKey              { return g.s.linkKey }
func (g *serverGlue) SphinxKey() nike.PrivateKey            { return g.s.sphinxKey }
func (g *serverGlue) Geometry() *geo.Geometry               { return g.s.geometry }
func (g *serverGlue) NodeID() [topology.NodeIDLength]byte   { return g.s.nodeID }
func (g *serverGlue) Topology() *topology.Store             { return g.s.topo }
func (g *serverGlue) AddressBook() *addressbook.Book        { return g.s.book }
func (g *serverGlue) Forwarder() glue.Forwarder             { return g.s.forwarder }
func (g *serverGlue) Scheduler() glue.Scheduler             { return g.s.scheduler }
func (g *serverGlue) Connector() glue.Connector             { return g.s.connector }
func (g *serverGlue) Listeners() []glue.Listener            { return g.s.listeners }
func (g *serverGlue) Circuits() glue.Circuits               { return g.s.circuits }

func (g *serverGlue) AuthenticateConnection(creds *wire.PeerCredentials) (*topology.RelayDescriptor, bool) {
	return g.s.authenticateConnection(creds)
}
