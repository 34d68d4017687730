// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the Lodestar relay configuration.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress          = ":7314"
	defaultLogLevel         = "NOTICE"
	defaultMaxHops          = 5
	defaultForwardPayload   = 2048
	defaultNIKE             = "x25519"
	defaultRecordTTL        = 3 * 60 * 60 * 1000 // 3 hours.
	defaultGossipInterval   = 60 * 1000          // 60 sec.
	defaultGossipSampleSize = 10
	defaultUnwrapDelay      = 250 // 250 ms.
	defaultSchedulerSlack   = 150 // 150 ms.
	defaultSchedulerBurst   = 16
	defaultSendSlack        = 50        // 50 ms.
	defaultConnectTimeout   = 60 * 1000 // 60 sec.
	defaultHandshakeTimeout = 30 * 1000 // 30 sec.
	defaultReauthInterval   = 30 * 1000 // 30 sec.
	defaultDialRetryLimit   = 5
	defaultQueueDepth       = 1024
	defaultIngressDepth     = 256
	defaultCircuitTimeout   = 30 * 1000 // 30 sec.
	defaultTicketDifficulty = 18
	defaultTicketLifetime   = 15 * 60 * 1000 // 15 min.
	defaultAddressBookDB    = "addressbook.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the relay server configuration.
type Server struct {
	// Identifier is the human readable identifier for the relay.
	Identifier string

	// Addresses are the transport URLs the relay will bind to and
	// advertise in its descriptor, e.g. "tcp://1.2.3.4:7314" or
	// "quic://1.2.3.4:7314".
	Addresses []string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.  Metrics are disabled when empty.
	MetricsAddress string

	// DataDir is the absolute path to the relay's state files.
	DataDir string
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{"tcp://" + defaultAddress}
	}
	for _, v := range sCfg.Addresses {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
		switch u.Scheme {
		case "tcp", "tcp4", "tcp6", "quic":
		default:
			return fmt.Errorf("config: Server: Address '%v' has invalid scheme", v)
		}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Sphinx is the packet geometry configuration.  Every relay in a
// network MUST use identical values.
type Sphinx struct {
	// NIKE is the name of the NIKE scheme used by the packet format.
	NIKE string

	// MaxHops is the maximum number of hops a packet may traverse.
	MaxHops int

	// ForwardPayloadLength is the length of the packet payload in bytes.
	ForwardPayloadLength int
}

func (pCfg *Sphinx) applyDefaults() {
	if pCfg.NIKE == "" {
		pCfg.NIKE = defaultNIKE
	}
	if pCfg.MaxHops <= 0 {
		pCfg.MaxHops = defaultMaxHops
	}
	if pCfg.ForwardPayloadLength <= 0 {
		pCfg.ForwardPayloadLength = defaultForwardPayload
	}
}

// Topology is the gossip topology store configuration.
type Topology struct {
	// RecordTTL is the time in milliseconds after which descriptors and
	// link states are evicted unless refreshed.
	RecordTTL int

	// GossipInterval is the gossip period in milliseconds.
	GossipInterval int

	// SampleSize is the number of peers sampled per gossip round.
	SampleSize int
}

func (tCfg *Topology) applyDefaults() {
	if tCfg.RecordTTL <= 0 {
		tCfg.RecordTTL = defaultRecordTTL
	}
	if tCfg.GossipInterval <= 0 {
		tCfg.GossipInterval = defaultGossipInterval
	}
	if tCfg.SampleSize <= 0 {
		tCfg.SampleSize = defaultGossipSampleSize
	}
}

// Admission is the admission control configuration.
type Admission struct {
	// TicketDifficulty is the number of leading zero bits required of
	// an admission ticket's proof of work.
	TicketDifficulty int

	// TicketLifetime is the admission ticket freshness window in
	// milliseconds.  Tickets whose counter falls outside the window are
	// rejected, which bounds how long the spent ticket sets must be
	// retained.
	TicketLifetime int

	// Disable turns admission control off, admitting every packet.
	Disable bool
}

func (aCfg *Admission) applyDefaults() {
	if aCfg.TicketDifficulty <= 0 {
		aCfg.TicketDifficulty = defaultTicketDifficulty
	}
	if aCfg.TicketLifetime <= 0 {
		aCfg.TicketLifetime = defaultTicketLifetime
	}
}

// Peer describes a statically configured neighbor relay.
type Peer struct {
	// Identifier is the human readable identifier for the peer.
	Identifier string

	// IdentityPublicKey is the peer's base64 encoded ed25519 identity
	// public key.
	IdentityPublicKey string

	// LinkPublicKey is the peer's base64 encoded link layer public key.
	LinkPublicKey string

	// SphinxPublicKey is the peer's base64 encoded packet unwrap NIKE
	// public key.
	SphinxPublicKey string

	// Addresses are the peer's transport URLs.
	Addresses []string
}

func (p *Peer) validate() error {
	if p.Identifier == "" {
		return errors.New("config: Peer: Identifier is not set")
	}
	if _, err := base64.StdEncoding.DecodeString(p.IdentityPublicKey); err != nil {
		return fmt.Errorf("config: Peer '%v': invalid IdentityPublicKey: %v", p.Identifier, err)
	}
	if _, err := base64.StdEncoding.DecodeString(p.LinkPublicKey); err != nil {
		return fmt.Errorf("config: Peer '%v': invalid LinkPublicKey: %v", p.Identifier, err)
	}
	if _, err := base64.StdEncoding.DecodeString(p.SphinxPublicKey); err != nil {
		return fmt.Errorf("config: Peer '%v': invalid SphinxPublicKey: %v", p.Identifier, err)
	}
	if len(p.Addresses) == 0 {
		return fmt.Errorf("config: Peer '%v': no Addresses", p.Identifier)
	}
	for _, v := range p.Addresses {
		if _, err := url.Parse(v); err != nil {
			return fmt.Errorf("config: Peer '%v': Address '%v' is invalid: %v", p.Identifier, v, err)
		}
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// NumCryptoWorkers is the number of worker instances to span for
	// packet unwrapping.
	NumCryptoWorkers int

	// UnwrapDelay is the maximum allowed unwrap delay due to queueing in
	// milliseconds.
	UnwrapDelay int

	// SchedulerSlack is the maximum allowed scheduler slack due to
	// queueing and processing in milliseconds.
	SchedulerSlack int

	// SchedulerMaxBurst is the maximum number of packets the scheduler
	// will dispatch per ready egress link before re-arming its timer.
	SchedulerMaxBurst int

	// SendSlack is the maximum allowed send queue slack due to queueing
	// and congestion in milliseconds.
	SendSlack int

	// ConnectTimeout specifies the maximum time a connection can take to
	// establish a TCP/IP connection in milliseconds.
	ConnectTimeout int

	// HandshakeTimeout specifies the maximum time a connection can take
	// for a link protocol handshake in milliseconds.
	HandshakeTimeout int

	// ReauthInterval specifies the interval at which a connection will
	// be reauthenticated in milliseconds.
	ReauthInterval int

	// DialRetryLimit is the number of consecutive dial failures after
	// which a link is declared down.
	DialRetryLimit int

	// EgressQueueDepth is the per egress link scheduler queue capacity
	// in packets.
	EgressQueueDepth int

	// IngressQueueDepth is the ingress packet queue capacity.
	IngressQueueDepth int

	// CircuitOpenTimeout is the circuit open handshake timeout in
	// milliseconds.
	CircuitOpenTimeout int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.NumCryptoWorkers <= 0 {
		dCfg.NumCryptoWorkers = runtime.NumCPU()
	}
	if dCfg.UnwrapDelay <= 0 {
		dCfg.UnwrapDelay = defaultUnwrapDelay
	}
	if dCfg.SchedulerSlack <= 0 {
		dCfg.SchedulerSlack = defaultSchedulerSlack
	}
	if dCfg.SchedulerMaxBurst <= 0 {
		dCfg.SchedulerMaxBurst = defaultSchedulerBurst
	}
	if dCfg.SendSlack <= 0 {
		dCfg.SendSlack = defaultSendSlack
	}
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if dCfg.ReauthInterval <= 0 {
		dCfg.ReauthInterval = defaultReauthInterval
	}
	if dCfg.DialRetryLimit <= 0 {
		dCfg.DialRetryLimit = defaultDialRetryLimit
	}
	if dCfg.EgressQueueDepth <= 0 {
		dCfg.EgressQueueDepth = defaultQueueDepth
	}
	if dCfg.IngressQueueDepth <= 0 {
		dCfg.IngressQueueDepth = defaultIngressDepth
	}
	if dCfg.CircuitOpenTimeout <= 0 {
		dCfg.CircuitOpenTimeout = defaultCircuitTimeout
	}
}

// Config is the top level relay configuration.
type Config struct {
	Server    *Server
	Logging   *Logging
	Sphinx    *Sphinx
	Topology  *Topology
	Admission *Admission
	Debug     *Debug
	Peers     []*Peer
}

// AddressBookPath returns the path of the address book database.
func (cfg *Config) AddressBookPath() string {
	return filepath.Join(cfg.Server.DataDir, defaultAddressBookDB)
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Sphinx == nil {
		cfg.Sphinx = new(Sphinx)
	}
	if cfg.Topology == nil {
		cfg.Topology = new(Topology)
	}
	if cfg.Admission == nil {
		cfg.Admission = new(Admission)
	}
	if cfg.Debug == nil {
		cfg.Debug = new(Debug)
	}

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Sphinx.applyDefaults()
	cfg.Topology.applyDefaults()
	cfg.Admission.applyDefaults()
	cfg.Debug.applyDefaults()

	for _, p := range cfg.Peers {
		if err := p.validate(); err != nil {
			return err
		}
	}

	return nil
}

// Load parses and validates the provided buffer b as a relay config and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
