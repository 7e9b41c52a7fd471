// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package endpoint holds the Endpoint value type: either a resolved
// (ip, port) pair or an unresolved (domain, port) pair. Endpoints round-trip
// through their string form and are never eagerly resolved, since some
// connectors (Simplex, HTTP CONNECT, QUIC, TLS SNI) need the original name.
package endpoint

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
)

var (
	// ErrInvalidFormat is returned when host:port is missing the colon.
	ErrInvalidFormat = errors.New("endpoint: invalid format, want host:port")
	// ErrInvalidPort is returned when the port segment isn't numeric.
	ErrInvalidPort = errors.New("endpoint: invalid port")
)

// Endpoint is either an Addr (resolved) or a Domain (name kept as-is).
type Endpoint struct {
	addr   netip.AddrPort
	domain string
	port   uint16
	isAddr bool
}

// Addr builds a resolved endpoint from an IP and port.
func Addr(ip netip.Addr, port uint16) Endpoint {
	return Endpoint{addr: netip.AddrPortFrom(ip, port), isAddr: true}
}

// Domain builds an unresolved endpoint from a hostname and port.
func Domain(host string, port uint16) Endpoint {
	return Endpoint{domain: host, port: port}
}

// Parse parses "host:port". A bracketed IPv6 literal or a bare IPv4 literal
// produces an Addr endpoint; anything else produces a Domain endpoint.
func Parse(hostport string) (Endpoint, error) {
	host, portstr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, ErrInvalidFormat
	}
	port, err := strconv.ParseUint(portstr, 10, 16)
	if err != nil {
		return Endpoint{}, ErrInvalidPort
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		return Addr(ip.Unmap(), uint16(port)), nil
	}
	return Domain(host, uint16(port)), nil
}

// IsAddr reports whether this endpoint carries a resolved IP.
func (e Endpoint) IsAddr() bool { return e.isAddr }

// IsDomain reports whether this endpoint carries an unresolved domain name.
func (e Endpoint) IsDomain() bool { return !e.isAddr }

// AddrPort returns the resolved address; only valid if IsAddr().
func (e Endpoint) AddrPort() netip.AddrPort { return e.addr }

// Host returns the domain name; only valid if IsDomain().
func (e Endpoint) Host() string { return e.domain }

// Port returns the port regardless of endpoint kind.
func (e Endpoint) Port() uint16 {
	if e.isAddr {
		return e.addr.Port()
	}
	return e.port
}

// Hostname returns a string usable for SNI / Host headers: the domain if
// unresolved, else the string form of the IP.
func (e Endpoint) Hostname() string {
	if e.isAddr {
		return e.addr.Addr().String()
	}
	return e.domain
}

// String formats the endpoint back to host:port.
func (e Endpoint) String() string {
	if e.isAddr {
		return net.JoinHostPort(e.addr.Addr().String(), strconv.Itoa(int(e.addr.Port())))
	}
	return net.JoinHostPort(e.domain, strconv.Itoa(int(e.port)))
}

// Equal reports whether two endpoints are identical in kind, host, and port.
func (e Endpoint) Equal(o Endpoint) bool {
	if e.isAddr != o.isAddr || e.Port() != o.Port() {
		return false
	}
	if e.isAddr {
		return e.addr.Addr() == o.addr.Addr()
	}
	return e.domain == o.domain
}
