// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"github.com/quic-go/quic-go"
)

// Listen binds a listener for the given transport URL.
func Listen(addr string) (net.Listener, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return net.Listen(u.Scheme, u.Host)
	case "quic":
		ql, err := quic.ListenAddr(u.Host, GenerateTLSConfig(), nil)
		if err != nil {
			return nil, err
		}
		return &QuicListener{Listener: ql}, nil
	default:
		return nil, fmt.Errorf("transport: unsupported listener scheme '%v'", u.Scheme)
	}
}

// DialURL dials the given transport URL, returning a stream oriented
// net.Conn regardless of the underlying transport.
func DialURL(ctx context.Context, dialer *net.Dialer, addr string) (net.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return dialer.DialContext(ctx, u.Scheme, u.Host)
	case "quic":
		return quicDial(ctx, u.Host)
	default:
		return nil, fmt.Errorf("transport: unsupported scheme '%v'", u.Scheme)
	}
}

func quicDial(ctx context.Context, host string) (net.Conn, error) {
	// The link handshake authenticates the peer, TLS only carries the
	// transport encryption QUIC mandates.
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"h3"},
	}
	conn, err := quic.DialAddr(ctx, host, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return NewQuicConn(conn, stream), nil
}
