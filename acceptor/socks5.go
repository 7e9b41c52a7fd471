// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package acceptor

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/txthinking/socks5"

	"github.com/shrikeproxy/shrike/endpoint"
)

// Socks5 serves the server side of a SOCKS5 CONNECT negotiation: a
// no-auth greeting, then a request whose ATYP selects how the
// destination address is encoded on the wire.
type Socks5 struct{}

var _ Acceptor = Socks5{}

func (Socks5) Accept(_ context.Context, conn net.Conn) (endpoint.Endpoint, Finalize, error) {
	hdr := make([]byte, 2)
	if _, err := readFull(conn, hdr); err != nil {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: socks5: read greeting: %w", err)
	}
	if hdr[0] != socks5.Ver5 {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: socks5: unsupported version %d", hdr[0])
	}

	methods := make([]byte, hdr[1])
	if _, err := readFull(conn, methods); err != nil {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: socks5: read methods: %w", err)
	}
	if !containsByte(methods, socks5.MethodNone) {
		_, _ = conn.Write([]byte{socks5.Ver5, 0xFF})
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: socks5: no acceptable auth method offered")
	}
	if _, err := conn.Write([]byte{socks5.Ver5, socks5.MethodNone}); err != nil {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: socks5: write method reply: %w", err)
	}

	req := make([]byte, 4)
	if _, err := readFull(conn, req); err != nil {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: socks5: read request header: %w", err)
	}
	if req[0] != socks5.Ver5 {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: socks5: unsupported request version %d", req[0])
	}
	if req[1] != socks5.CmdConnect {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: socks5: unsupported command %d", req[1])
	}

	ep, err := readSocks5Addr(conn, req[3])
	if err != nil {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: socks5: read address: %w", err)
	}

	atyp := req[3]
	finalize := func(_ context.Context, _ net.Conn, upstreamErr error) (net.Conn, error) {
		rep := byte(socks5.RepSuccess)
		if upstreamErr != nil {
			rep = socks5.RepServerFailure
		}
		if _, err := conn.Write(socks5BoundReply(atyp, rep)); err != nil {
			return nil, fmt.Errorf("acceptor: socks5: write reply: %w", err)
		}
		if upstreamErr != nil {
			return nil, upstreamErr
		}
		return conn, nil
	}
	return ep, finalize, nil
}

func readSocks5Addr(conn net.Conn, atyp byte) (endpoint.Endpoint, error) {
	switch atyp {
	case socks5.ATYPIPv4:
		b := make([]byte, 4+2)
		if _, err := readFull(conn, b); err != nil {
			return endpoint.Endpoint{}, err
		}
		ip := netip.AddrFrom4([4]byte(b[:4]))
		return endpoint.Addr(ip, binary.BigEndian.Uint16(b[4:])), nil
	case socks5.ATYPDomain:
		l := make([]byte, 1)
		if _, err := readFull(conn, l); err != nil {
			return endpoint.Endpoint{}, err
		}
		b := make([]byte, int(l[0])+2)
		if _, err := readFull(conn, b); err != nil {
			return endpoint.Endpoint{}, err
		}
		host := string(b[:l[0]])
		return endpoint.Domain(host, binary.BigEndian.Uint16(b[l[0]:])), nil
	case socks5.ATYPIPv6:
		b := make([]byte, 16+2)
		if _, err := readFull(conn, b); err != nil {
			return endpoint.Endpoint{}, err
		}
		ip := netip.AddrFrom16([16]byte(b[:16]))
		return endpoint.Addr(ip, binary.BigEndian.Uint16(b[16:])), nil
	default:
		return endpoint.Endpoint{}, fmt.Errorf("acceptor: socks5: unrecognized address type %d", atyp)
	}
}

// socks5BoundReply always answers with an all-zero bound address: the
// real bound address of an outbound relay is meaningless to the
// client, and §4.2 only distinguishes the IPv4-shaped 10-byte reply
// from the IPv6-shaped 22-byte one.
func socks5BoundReply(atyp, rep byte) []byte {
	if atyp == socks5.ATYPIPv6 {
		b := make([]byte, 4+16+2)
		b[0], b[1], b[3] = socks5.Ver5, rep, socks5.ATYPIPv6
		return b
	}
	b := make([]byte, 4+4+2)
	b[0], b[1], b[3] = socks5.Ver5, rep, socks5.ATYPIPv4
	return b
}

func containsByte(b []byte, v byte) bool {
	for _, x := range b {
		if x == v {
			return true
		}
	}
	return false
}
