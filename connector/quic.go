// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/resolver"
)

// ErrQuicNeedsDomain is returned when the connector's configured server
// endpoint is an IP literal: the server's certificate can only be
// validated against a name.
var ErrQuicNeedsDomain = errors.New("connector: quic: server endpoint must be a domain")

// Quic maintains one lazily-created QUIC connection to a named server and
// opens a new bidirectional stream per Connect call.
type Quic struct {
	server   endpoint.Endpoint
	resolver resolver.Resolver
	tlsConf  *tls.Config

	mu   sync.Mutex
	conn quic.Connection
}

var _ Connector = (*Quic)(nil)

// NewQuic builds a Quic connector against server (must be a Domain
// endpoint). tlsConf supplies the ALPN list and root verification; a nil
// config gets the platform's native roots via an empty tls.Config (the Go
// standard library already verifies against the OS trust store when
// RootCAs is nil, equivalent to "native roots").
func NewQuic(server endpoint.Endpoint, resolve resolver.Resolver, tlsConf *tls.Config) *Quic {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	return &Quic{server: server, resolver: resolve, tlsConf: tlsConf}
}

func (q *Quic) ensureConn(ctx context.Context) (quic.Connection, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn != nil {
		select {
		case <-q.conn.Context().Done():
			q.conn = nil
		default:
			return q.conn, nil
		}
	}

	if q.server.IsAddr() {
		return nil, ErrQuicNeedsDomain
	}

	ips, err := q.resolver.LookupIP(ctx, q.server.Host())
	if err != nil {
		return nil, fmt.Errorf("connector: quic: resolve %s: %w", q.server.Host(), err)
	}

	cfg := q.tlsConf.Clone()
	cfg.ServerName = q.server.Host()

	conn, err := dialFirst(ctx, ips, q.server.Port(), cfg)
	if err != nil {
		return nil, err
	}
	q.conn = conn
	return conn, nil
}

func dialFirst(ctx context.Context, ips []netip.Addr, port uint16, cfg *tls.Config) (quic.Connection, error) {
	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), fmt.Sprint(port))
		conn, err := quic.DialAddr(ctx, addr, cfg, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses resolved")
	}
	return nil, fmt.Errorf("connector: quic: dial %s: %w", cfg.ServerName, lastErr)
}

// Refresh drops the cached QUIC connection, if any, so the next Connect
// call re-dials and re-handshakes from scratch. Mirrors the teacher's
// Proxy.Refresh() re-registration hook.
func (q *Quic) Refresh() error {
	q.mu.Lock()
	conn := q.conn
	q.conn = nil
	q.mu.Unlock()

	if conn != nil {
		_ = conn.CloseWithError(0, "connector: refresh")
	}
	return nil
}

func (q *Quic) Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	conn, err := q.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("connector: quic: open stream: %w", err)
	}
	return &quicConn{Stream: stream, local: conn.LocalAddr(), remote: conn.RemoteAddr()}, nil
}

// quicConn adapts a quic.Stream to net.Conn; quic.Stream already implements
// Read/Write/Close/SetDeadline, it is only missing Local/RemoteAddr.
type quicConn struct {
	quic.Stream
	local, remote net.Addr
}

func (c *quicConn) LocalAddr() net.Addr  { return c.local }
func (c *quicConn) RemoteAddr() net.Addr { return c.remote }
