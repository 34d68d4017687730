// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func echoRoundTrip(t *testing.T, l net.Listener, addr string) {
	require := require.New(t)

	accepted := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer c.Close()
		b := make([]byte, 5)
		if _, err = io.ReadFull(c, b); err != nil {
			accepted <- err
			return
		}
		_, err = c.Write(b)
		accepted <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := DialURL(ctx, &net.Dialer{}, addr)
	require.NoError(err)
	defer c.Close()

	_, err = c.Write([]byte("hello"))
	require.NoError(err)
	b := make([]byte, 5)
	_, err = io.ReadFull(c, b)
	require.NoError(err)
	require.Equal([]byte("hello"), b)
	require.NoError(<-accepted)
}

func TestTCPRoundTrip(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	echoRoundTrip(t, l, "tcp://"+l.Addr().String())
}

func TestQUICRoundTrip(t *testing.T) {
	l, err := Listen("quic://127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	echoRoundTrip(t, l, "quic://"+l.Addr().String())
}

func TestUnsupportedScheme(t *testing.T) {
	_, err := Listen("udp://127.0.0.1:0")
	require.Error(t, err)
	_, err = DialURL(context.Background(), &net.Dialer{}, "udp://127.0.0.1:1")
	require.Error(t, err)
}
