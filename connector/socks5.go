// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/txthinking/socks5"

	"github.com/shrikeproxy/shrike/endpoint"
)

// Socks5 dials inner to nextHop, then speaks the SOCKS5 client side of
// spec.md §4.3: no-auth method negotiation, CONNECT with a domain ATYP
// (the original name is always sent — never a pre-resolved IP — so the
// upstream SOCKS5 server can make its own routing/DNS decisions).
type Socks5 struct {
	inner   Connector
	nextHop endpoint.Endpoint
}

var _ Connector = (*Socks5)(nil)

func NewSocks5(inner Connector, nextHop endpoint.Endpoint) *Socks5 {
	return &Socks5{inner: inner, nextHop: nextHop}
}

func (s *Socks5) Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	c, err := s.inner.Connect(ctx, s.nextHop)
	if err != nil {
		return nil, fmt.Errorf("connector: socks5: dial next hop %s: %w", s.nextHop, err)
	}

	if _, err := c.Write([]byte{socks5.Ver5, 1, socks5.MethodNone}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connector: socks5: greeting: %w", err)
	}

	method := make([]byte, 2)
	if _, err := readFull(c, method); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connector: socks5: read method: %w", err)
	}
	if method[0] != socks5.Ver5 {
		_ = c.Close()
		return nil, fmt.Errorf("connector: socks5: unsupported version %d", method[0])
	}
	if method[1] != socks5.MethodNone {
		_ = c.Close()
		return nil, fmt.Errorf("connector: socks5: server requires unsupported auth method %d", method[1])
	}

	host := ep.Hostname()
	if len(host) > 255 {
		_ = c.Close()
		return nil, fmt.Errorf("connector: socks5: domain %q longer than 255 bytes", host)
	}

	req := make([]byte, 0, 7+len(host))
	req = append(req, socks5.Ver5, socks5.CmdConnect, 0x00, socks5.ATYPDomain, byte(len(host)))
	req = append(req, host...)
	var portb [2]byte
	binary.BigEndian.PutUint16(portb[:], ep.Port())
	req = append(req, portb[:]...)
	if _, err := c.Write(req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connector: socks5: write request: %w", err)
	}

	hdr := make([]byte, 4)
	if _, err := readFull(c, hdr); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connector: socks5: read reply header: %w", err)
	}
	if hdr[0] != socks5.Ver5 {
		_ = c.Close()
		return nil, fmt.Errorf("connector: socks5: unsupported reply version %d", hdr[0])
	}
	if hdr[1] != socks5.RepSuccess {
		_ = c.Close()
		return nil, fmt.Errorf("connector: socks5: connect failed with status %d", hdr[1])
	}

	var discard []byte
	switch hdr[3] {
	case socks5.ATYPIPv4:
		discard = make([]byte, 4+2)
	case socks5.ATYPDomain:
		l := make([]byte, 1)
		if _, err := readFull(c, l); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("connector: socks5: read bound domain length: %w", err)
		}
		discard = make([]byte, int(l[0])+2)
	case socks5.ATYPIPv6:
		discard = make([]byte, 16+2)
	default:
		_ = c.Close()
		return nil, fmt.Errorf("connector: socks5: unrecognized address type %d", hdr[3])
	}
	if _, err := readFull(c, discard); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connector: socks5: read bound address: %w", err)
	}

	return c, nil
}

func readFull(c net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := c.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
