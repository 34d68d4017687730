// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
[Server]
Identifier = "relay1"
DataDir = "/var/lib/lodestar"
`))
	require.NoError(err)
	require.Equal([]string{"tcp://" + defaultAddress}, cfg.Server.Addresses)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(defaultNIKE, cfg.Sphinx.NIKE)
	require.Equal(defaultMaxHops, cfg.Sphinx.MaxHops)
	require.Equal(defaultRecordTTL, cfg.Topology.RecordTTL)
	require.Equal(defaultTicketDifficulty, cfg.Admission.TicketDifficulty)
	require.Equal(defaultTicketLifetime, cfg.Admission.TicketLifetime)
	require.Equal(defaultSchedulerSlack, cfg.Debug.SchedulerSlack)
	require.Equal(defaultConnectTimeout, cfg.Debug.ConnectTimeout)
}

func TestConfigRejectsRelativeDataDir(t *testing.T) {
	_, err := Load([]byte(`
[Server]
Identifier = "relay1"
DataDir = "relative/path"
`))
	require.Error(t, err)
}

func TestConfigRejectsBadAddressScheme(t *testing.T) {
	_, err := Load([]byte(`
[Server]
Identifier = "relay1"
Addresses = ["udp://127.0.0.1:7314"]
DataDir = "/var/lib/lodestar"
`))
	require.Error(t, err)
}

func TestConfigRejectsUndecodedKeys(t *testing.T) {
	_, err := Load([]byte(`
[Server]
Identifier = "relay1"
DataDir = "/var/lib/lodestar"
Bogus = true
`))
	require.Error(t, err)
}

func TestConfigPeerValidation(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`
[Server]
Identifier = "relay1"
DataDir = "/var/lib/lodestar"

[[Peers]]
Identifier = "relay2"
IdentityPublicKey = "not base64!!!"
LinkPublicKey = "1Ot/nb02qK6RUzYy9Nlt26+WQVkZzERlCWavZULPxhs="
Addresses = ["tcp://192.0.2.1:7314"]
`))
	require.Error(err)

	_, err = Load([]byte(`
[Server]
Identifier = "relay1"
DataDir = "/var/lib/lodestar"

[[Peers]]
Identifier = "relay2"
IdentityPublicKey = "1Ot/nb02qK6RUzYy9Nlt26+WQVkZzERlCWavZULPxhs="
LinkPublicKey = "1Ot/nb02qK6RUzYy9Nlt26+WQVkZzERlCWavZULPxhs="
SphinxPublicKey = "also not base64!!!"
Addresses = ["tcp://192.0.2.1:7314"]
`))
	require.Error(err)

	cfg, err := Load([]byte(`
[Server]
Identifier = "relay1"
DataDir = "/var/lib/lodestar"

[[Peers]]
Identifier = "relay2"
IdentityPublicKey = "1Ot/nb02qK6RUzYy9Nlt26+WQVkZzERlCWavZULPxhs="
LinkPublicKey = "1Ot/nb02qK6RUzYy9Nlt26+WQVkZzERlCWavZULPxhs="
SphinxPublicKey = "1Ot/nb02qK6RUzYy9Nlt26+WQVkZzERlCWavZULPxhs="
Addresses = ["tcp://192.0.2.1:7314"]
`))
	require.NoError(err)
	require.Len(cfg.Peers, 1)
	require.Equal("relay2", cfg.Peers[0].Identifier)
}
