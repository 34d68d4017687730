// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"encoding/base64"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lodestar-net/lodestar/circuit"
	"github.com/lodestar-net/lodestar/config"
	"github.com/lodestar-net/lodestar/topology"
)

func testConfig(t *testing.T) *config.Config {
	// Some filesystems widen MkdirTemp's 0700 mode; the DataDir check
	// requires exactly 0700, so re-apply it explicitly.
	dataDir := t.TempDir()
	require.NoError(t, os.Chmod(dataDir, 0700))
	cfg := &config.Config{
		Server: &config.Server{
			Identifier: "testrelay",
			Addresses:  []string{"tcp://127.0.0.1:0"},
			DataDir:    dataDir,
		},
		Logging: &config.Logging{
			Disable: false,
			File:    "",
			Level:   "DEBUG",
		},
		Debug: &config.Debug{
			NumCryptoWorkers: 1,
		},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func peerOf(s *Server) *config.Peer {
	return &config.Peer{
		Identifier:        s.cfg.Server.Identifier,
		IdentityPublicKey: base64.StdEncoding.EncodeToString(s.identityPublicKey.Bytes()),
		LinkPublicKey:     base64.StdEncoding.EncodeToString(s.linkKey.PublicKey().Bytes()),
		SphinxPublicKey:   base64.StdEncoding.EncodeToString(s.sphinxKey.Public().Bytes()),
		Addresses:         []string{"tcp://" + s.listeners[0].Addr().String()},
	}
}

func newTestRelay(t *testing.T, name string, peers []*config.Peer) *Server {
	cfg := testConfig(t)
	cfg.Server.Identifier = name
	cfg.Topology.GossipInterval = 500
	cfg.Admission.TicketDifficulty = 1
	cfg.Debug.CircuitOpenTimeout = 5 * 1000
	cfg.Peers = peers
	require.NoError(t, cfg.FixupAndValidate())

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Shutdown()
		s.Wait()
	})
	return s
}

func TestServerStartShutdown(t *testing.T) {
	require := require.New(t)

	s, err := New(testConfig(t))
	require.NoError(err)
	s.Shutdown()
	s.Wait()
}

func TestServerAdvertisesSelf(t *testing.T) {
	require := require.New(t)

	s, err := New(testConfig(t))
	require.NoError(err)
	defer func() {
		s.Shutdown()
		s.Wait()
	}()

	// The advertiser publishes the relay's own descriptor shortly after
	// startup.
	require.Eventually(func() bool {
		_, ok := s.topo.Descriptor(s.nodeID)
		return ok
	}, 10*time.Second, 50*time.Millisecond)

	d, _ := s.topo.Descriptor(s.nodeID)
	require.Equal("testrelay", d.Name)

	// The descriptor advertises the actual bound port, not the
	// configured ":0".
	require.Len(d.Addresses, 1)
	require.True(strings.HasPrefix(d.Addresses[0], "tcp://127.0.0.1:"))
	require.NotEqual("tcp://127.0.0.1:0", d.Addresses[0])
}

func TestServerKeysPersist(t *testing.T) {
	require := require.New(t)

	cfg := testConfig(t)

	s, err := New(cfg)
	require.NoError(err)
	nodeID := s.nodeID
	s.Shutdown()
	s.Wait()

	// A second instance on the same data directory loads the same
	// identity.
	s, err = New(cfg)
	require.NoError(err)
	require.Equal(nodeID, s.nodeID)
	s.Shutdown()
	s.Wait()
}

func TestServerPinsStaticPeers(t *testing.T) {
	require := require.New(t)

	// Bring up a first relay to borrow real keys from.
	peer, err := New(testConfig(t))
	require.NoError(err)
	defer func() {
		peer.Shutdown()
		peer.Wait()
	}()

	idKey := base64.StdEncoding.EncodeToString(peer.identityPublicKey.Bytes())
	linkKey := base64.StdEncoding.EncodeToString(peer.linkKey.PublicKey().Bytes())
	sphinxKey := base64.StdEncoding.EncodeToString(peer.sphinxKey.Public().Bytes())

	cfg := testConfig(t)
	cfg.Peers = []*config.Peer{
		{
			Identifier:        "peer1",
			IdentityPublicKey: idKey,
			LinkPublicKey:     linkKey,
			SphinxPublicKey:   sphinxKey,
			Addresses:         []string{"tcp://127.0.0.1:0"},
		},
	}
	require.NoError(cfg.FixupAndValidate())

	s, err := New(cfg)
	require.NoError(err)
	defer func() {
		s.Shutdown()
		s.Wait()
	}()

	var peerID [topology.NodeIDLength]byte = peer.nodeID
	d, ok := s.topo.Descriptor(peerID)
	require.True(ok)
	require.Equal("peer1", d.Name)
	require.Equal(peer.sphinxKey.Public().Bytes(), d.SphinxKey)
}

func TestServerCircuitEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi relay test in short mode")
	}
	require := require.New(t)

	// A chain of three relays, each bootstrapping off the previous one.
	// Gossip fills in the rest of the view.
	ra := newTestRelay(t, "relay-a", nil)
	rb := newTestRelay(t, "relay-b", []*config.Peer{peerOf(ra)})
	rc := newTestRelay(t, "relay-c", []*config.Peer{peerOf(rb)})

	// Opening the circuit needs relay-c's gossiped descriptor and a
	// usable route, so keep dialing until the view converges.
	var circ *circuit.Circuit
	require.Eventually(func() bool {
		if _, ok := ra.topo.Descriptor(rc.nodeID); !ok {
			return false
		}
		cc, err := ra.OpenCircuit(rc.nodeID)
		if err != nil {
			return false
		}
		circ = cc
		return true
	}, 90*time.Second, time.Second)

	require.NoError(circ.Send([]byte("hello")))

	far, ok := rc.Circuit(circ.ID())
	require.True(ok)
	msg, err := far.Recv()
	require.NoError(err)
	require.Equal([]byte("hello"), msg)

	// And back down the reverse route.
	require.NoError(far.Send([]byte("hello yourself")))
	msg, err = circ.Recv()
	require.NoError(err)
	require.Equal([]byte("hello yourself"), msg)

	require.NoError(circ.Close())
}
